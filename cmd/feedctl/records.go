package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"feedoracle/config"
	"feedoracle/crypto"
	"feedoracle/native/feed"
)

var errSignatureMismatch = errors.New("signature does not match signer")

// record is a numeric or packed feed record read from JSON.
type record struct {
	numeric *feed.DataFeed
	packed  *feed.PackedDataFeed
}

var recordFields = map[string]bool{
	"feedId": true, "signerId": true, "lastUpdate": true,
	"value": true, "decimal": true, "msgHash": true,
}

// readRecord decodes a single record. The feed types carry their own
// UnmarshalJSON, so unknown fields are checked against the raw object first.
func readRecord(r io.Reader, packed bool) (record, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return record{}, fmt.Errorf("decode record: %w", err)
	}
	for field := range raw {
		if !recordFields[field] {
			return record{}, fmt.Errorf("decode record: unknown field %q", field)
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return record{}, err
	}
	if packed {
		var rec feed.PackedDataFeed
		if err := json.Unmarshal(data, &rec); err != nil {
			return record{}, fmt.Errorf("decode packed record: %w", err)
		}
		if err := rec.Validate(); err != nil {
			return record{}, err
		}
		return record{packed: &rec}, nil
	}
	var rec feed.DataFeed
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("decode record: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return record{}, err
	}
	return record{numeric: &rec}, nil
}

func (r record) digest(seed uint16) common.Hash {
	if r.packed != nil {
		return r.packed.Digest(seed)
	}
	return r.numeric.Digest(seed)
}

func (r record) signature() []byte {
	if r.packed != nil {
		return r.packed.MsgHash
	}
	return r.numeric.MsgHash
}

func (r record) setSignature(sig []byte) {
	if r.packed != nil {
		r.packed.MsgHash = sig
		return
	}
	r.numeric.MsgHash = sig
}

func (r record) writeJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if r.packed != nil {
		return enc.Encode(r.packed)
	}
	return enc.Encode(r.numeric)
}

// recordFlags are shared by the commands that read a record.
type recordFlags struct {
	in     string
	packed bool
	seed   uint16
}

func (f *recordFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.in, "in", "-", "record JSON file, or - for stdin")
	cmd.Flags().BoolVar(&f.packed, "packed", false, "read a packed record (hex value)")
	cmd.Flags().Uint16Var(&f.seed, "seed", config.DefaultSeed, "registry seed mixed into the digest")
}

func (f *recordFlags) read(cmd *cobra.Command) (record, error) {
	if f.in == "" || f.in == "-" {
		return readRecord(cmd.InOrStdin(), f.packed)
	}
	file, err := os.Open(f.in)
	if err != nil {
		return record{}, err
	}
	defer file.Close()
	return readRecord(file, f.packed)
}

func newDigestCommand() *cobra.Command {
	var flags recordFlags
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Print the message digest a signer signs for a record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := flags.read(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.digest(flags.seed).Hex())
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newSignCommand() *cobra.Command {
	var (
		flags        recordFlags
		keystorePath string
		passEnv      string
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a record and print it with msgHash filled in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if keystorePath == "" {
				return errors.New("--keystore is required")
			}
			rec, err := flags.read(cmd)
			if err != nil {
				return err
			}
			key, err := loadKey(keystorePath, passEnv)
			if err != nil {
				return err
			}
			sig, err := feed.Sign(rec.digest(flags.seed).Bytes(), key.PrivateKey)
			if err != nil {
				return err
			}
			rec.setSignature(sig)
			return rec.writeJSON(cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&keystorePath, "keystore", "", "keystore of the signing key")
	cmd.Flags().StringVar(&passEnv, "pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	return cmd
}

func newVerifyCommand() *cobra.Command {
	var (
		flags  recordFlags
		signer string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that a record's msgHash was produced by a signer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			expected, err := crypto.ParseAddress(signer)
			if err != nil {
				return fmt.Errorf("--signer: %w", err)
			}
			rec, err := flags.read(cmd)
			if err != nil {
				return err
			}
			digest := rec.digest(flags.seed)
			recovered, err := feed.Recover(digest.Bytes(), rec.signature())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Digest:    %s\nRecovered: %s\n", digest.Hex(), recovered.Hex())
			if !feed.VerifySigner(digest.Bytes(), rec.signature(), expected) {
				return fmt.Errorf("%w %s", errSignatureMismatch, expected.Hex())
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Valid:     true")
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&signer, "signer", "", "expected signer address (hex or bech32)")
	return cmd
}
