package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"feedoracle/cmd/internal/passphrase"
	"feedoracle/crypto"
)

func newKeygenCommand() *cobra.Command {
	var (
		out     string
		passEnv string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key and write it to an encrypted keystore",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("keystore %s already exists (use --force to overwrite)", out)
			}
			pass, err := passphrase.NewSource(passEnv, "keystore").Get()
			if err != nil {
				return err
			}
			key, err := crypto.GeneratePrivateKey()
			if err != nil {
				return err
			}
			if err := crypto.SaveToKeystore(out, key, pass); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Keystore written to %s\n", out)
			printAddress(cmd.OutOrStdout(), key.Address())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path for the keystore file")
	cmd.Flags().StringVar(&passEnv, "pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing keystore file")
	return cmd
}

func newAddressCommand() *cobra.Command {
	var (
		keystorePath string
		passEnv      string
	)
	cmd := &cobra.Command{
		Use:   "address [address]",
		Short: "Print an address in hex and bech32 form",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case len(args) == 1:
				addr, err := crypto.ParseAddress(args[0])
				if err != nil {
					return err
				}
				printAddress(cmd.OutOrStdout(), addr)
				return nil
			case keystorePath != "":
				key, err := loadKey(keystorePath, passEnv)
				if err != nil {
					return err
				}
				printAddress(cmd.OutOrStdout(), key.Address())
				return nil
			default:
				return errors.New("an address argument or --keystore is required")
			}
		},
	}
	cmd.Flags().StringVar(&keystorePath, "keystore", "", "keystore file to read the address from")
	cmd.Flags().StringVar(&passEnv, "pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	return cmd
}

func printAddress(w io.Writer, addr common.Address) {
	fmt.Fprintf(w, "Address: %s\n", addr.Hex())
	fmt.Fprintf(w, "Bech32:  %s\n", crypto.FromCommon(addr).String())
}

func loadKey(path, passEnv string) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(passEnv, "keystore").AllowEmpty().Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}
