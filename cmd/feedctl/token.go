package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"feedoracle/crypto"
	"feedoracle/services/oracled/middleware"
)

func newTokenCommand() *cobra.Command {
	var (
		callerRaw  string
		scopes     []string
		ttl        time.Duration
		secretEnv  string
		issuer     string
		audience   string
		scopeClaim string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token accepted by oracled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			caller, err := crypto.ParseAddress(callerRaw)
			if err != nil {
				return fmt.Errorf("--caller: %w", err)
			}
			secret := strings.TrimSpace(os.Getenv(secretEnv))
			if secret == "" {
				return fmt.Errorf("%s is not set", secretEnv)
			}
			if len(scopes) == 0 {
				return errors.New("at least one --scope is required")
			}
			token, err := middleware.IssueToken(middleware.AuthConfig{
				HMACSecret: secret,
				Issuer:     issuer,
				Audience:   audience,
				ScopeClaim: scopeClaim,
			}, caller, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&callerRaw, "caller", "", "address the token authenticates (hex or bech32)")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{middleware.ScopeRead}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime, 0 for no expiry")
	cmd.Flags().StringVar(&secretEnv, "secret-env", defaultSecretEnv, "environment variable holding the HMAC secret")
	cmd.Flags().StringVar(&issuer, "issuer", "", "issuer claim")
	cmd.Flags().StringVar(&audience, "audience", "", "audience claim")
	cmd.Flags().StringVar(&scopeClaim, "scope-claim", "scope", "claim carrying the scopes")
	return cmd
}
