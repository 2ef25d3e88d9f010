package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultPassEnv   = "FEEDORACLE_OWNER_PASSPHRASE"
	defaultSecretEnv = "FEEDORACLE_AUTH_SECRET"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "feedctl",
		Short:         "Operator tooling for the feed oracle registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newKeygenCommand(),
		newAddressCommand(),
		newDigestCommand(),
		newSignCommand(),
		newVerifyCommand(),
		newTokenCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
