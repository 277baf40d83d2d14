package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chimerakang/iam-pipeline/config"
	"github.com/chimerakang/iam-pipeline/internal/stack"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "serve [idp|gateway|backend|all]",
		Short:     "Run one server role, or all of them",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"idp", "gateway", "backend", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			roles, err := parseRoles(args[0])
			if err != nil {
				return err
			}
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if err := cfg.Validate(roles...); err != nil {
				return err
			}

			s := stack.New(cfg, log)
			defer func() { _ = s.Close() }()
			return s.Serve(cmd.Context(), roles...)
		},
	}
}

func parseRoles(arg string) ([]config.Role, error) {
	switch r := config.Role(arg); r {
	case config.RoleIdP, config.RoleGateway, config.RoleBackend:
		return []config.Role{r}, nil
	case "all":
		return config.AllRoles, nil
	default:
		return nil, fmt.Errorf("unknown role %q (want idp, gateway, backend or all)", arg)
	}
}
