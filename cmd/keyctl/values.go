package main

import (
	"encoding/base64"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/glinharesb/keyring-go/internal/crypto"
)

func encodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func (a *app) genMasterKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-master-key",
		Short: "Print a new random base64 master key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, encoded, err := crypto.GenerateMasterKey()
			if err != nil {
				return err
			}
			memguard.WipeBytes(key)
			fmt.Fprintln(a.out, encoded)
			return nil
		},
	}
}

func (a *app) encryptValueCmd() *cobra.Command {
	var marker bool
	cmd := &cobra.Command{
		Use:   "encrypt-value <plaintext>",
		Short: "Encrypt a configuration value under the master key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.key()
			if err != nil {
				return err
			}
			defer memguard.WipeBytes(key)

			env, err := crypto.Encrypt(args[0], key)
			if err != nil {
				return err
			}
			if marker {
				env = "ENC(" + env + ")"
			}
			fmt.Fprintln(a.out, env)
			return nil
		},
	}
	cmd.Flags().BoolVar(&marker, "marker", false, "wrap the envelope in ENC(...)")
	return cmd
}

func (a *app) decryptValueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt-value <value>",
		Short: "Decrypt an envelope or ENC(...) value; other values print unchanged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.key()
			if err != nil {
				return err
			}
			defer memguard.WipeBytes(key)

			plain, err := crypto.DecryptValue(args[0], key)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, plain)
			return nil
		},
	}
}
