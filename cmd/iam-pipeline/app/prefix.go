package app

import (
	"fmt"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"github.com/chimerakang/iam-pipeline/tenant"
)

func newPrefixCmd(opts *rootOptions) *cobra.Command {
	var (
		tenantName string
		region     string
		seed       uint64
	)
	cmd := &cobra.Command{
		Use:   "prefix",
		Short: "Print the hosted login domain prefix for a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tenantName == "" || region == "" {
				cfg, _, err := opts.load()
				if err != nil {
					return err
				}
				if tenantName == "" {
					tenantName = cfg.IdP.StackName
				}
				if region == "" {
					region = cfg.IdP.Region
				}
			}
			var rnd *rand.Rand
			if cmd.Flags().Changed("seed") {
				rnd = rand.New(rand.NewPCG(seed, seed))
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), tenant.DomainPrefix(tenantName, region, rnd))
			return err
		},
	}
	cmd.Flags().StringVar(&tenantName, "tenant", "", "Tenant name (defaults to idp.stack_name)")
	cmd.Flags().StringVar(&region, "region", "", "Region (defaults to idp.region)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Seed for a reproducible suffix")
	return cmd
}
