package app

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/chimerakang/iam-pipeline/tokenclient"
)

type loginOptions struct {
	issuer       string
	clientID     string
	clientSecret string
	redirectURL  string
	scopes       []string
	email        string
	resource     string
}

func newLoginCmd() *cobra.Command {
	o := &loginOptions{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in through the hosted login form and call a protected resource",
		Long: `login drives the authorization code flow against a running identity provider,
prints the issued tokens and, with --resource, calls a route behind the gateway.
The password is read from IAM_PASSWORD.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password := os.Getenv("IAM_PASSWORD")
			if o.email == "" || password == "" {
				return errors.New("--email and IAM_PASSWORD are required")
			}
			c, err := tokenclient.New(tokenclient.Config{
				Issuer:       o.issuer,
				ClientID:     o.clientID,
				ClientSecret: o.clientSecret,
				RedirectURL:  o.redirectURL,
				Scopes:       o.scopes,
			})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			tok, err := c.Login(ctx, o.email, password, uuid.NewString())
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "access_token:  %s\n", tok.AccessToken)
			if id := c.IDToken(); id != "" {
				fmt.Fprintf(out, "id_token:      %s\n", id)
			}
			fmt.Fprintf(out, "refresh_token: %s\n", tok.RefreshToken)
			fmt.Fprintf(out, "expires:       %s\n", tok.Expiry.Format("2006-01-02T15:04:05Z07:00"))

			if o.resource == "" {
				return nil
			}
			resp, err := c.Call(ctx, http.MethodGet, o.resource, nil)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s\n%s\n", resp.Status, o.resource, strings.TrimSpace(string(body)))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.issuer, "issuer", "http://localhost:8080", "Identity provider base URL")
	f.StringVar(&o.clientID, "client-id", "web", "Registered client id")
	f.StringVar(&o.clientSecret, "client-secret", "", "Client secret, if the client has one")
	f.StringVar(&o.redirectURL, "redirect-url", "http://localhost:3000/callback", "Registered callback URL")
	f.StringSliceVar(&o.scopes, "scopes", []string{"openid", "email"}, "Scopes to request")
	f.StringVar(&o.email, "email", "", "Account email")
	f.StringVar(&o.resource, "resource", "", "Protected URL to call with the access token")
	return cmd
}
