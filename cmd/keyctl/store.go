package main

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/glinharesb/keyring-go/internal/crypto"
	"github.com/glinharesb/keyring-go/internal/keyring"
	"github.com/glinharesb/keyring-go/internal/keystore"
)

func (a *app) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <path>",
		Short: "Write the store, encrypted under the master key, to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ks *keystore.KeyStore) error {
				if err := ks.ExportKeys(args[0]); err != nil {
					return err
				}
				a.success("Exported %d key ring(s) to %s", ks.Manager().Len(), args[0])
				return nil
			})
		},
	}
}

func (a *app) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <path>",
		Short: "Replace the store with an export file encrypted under --master-key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.key()
			if err != nil {
				return err
			}
			defer memguard.WipeBytes(key)

			ks, err := keystore.New(a.dataDir)
			if err != nil {
				return err
			}
			defer ks.Close()
			if err := ks.ImportKeys(args[0], key); err != nil {
				return err
			}
			a.success("Imported %d key ring(s) into %s", ks.Manager().Len(), ks.Path())
			return nil
		},
	}
}

func (a *app) backupDir(flag string) string {
	if flag != "" {
		return flag
	}
	return filepath.Join(a.dataDir, "backups")
}

func (a *app) backupCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a timestamped backup of the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ks *keystore.KeyStore) error {
				path, err := ks.Backup(a.backupDir(dir))
				if err != nil {
					return err
				}
				return a.emit(map[string]string{"path": path}, func(io.Writer) {
					a.success("Backup written to %s", path)
				})
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "backup directory (default <data-dir>/backups)")
	return cmd
}

func (a *app) backupsCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backups, err := keystore.ListBackups(a.backupDir(dir))
			if err != nil {
				return err
			}
			return a.emit(backups, func(w io.Writer) {
				if len(backups) == 0 {
					fmt.Fprintln(w, mutedText.Sprint("no backups"))
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TAKEN\tPATH")
				for _, b := range backups {
					fmt.Fprintf(tw, "%s\t%s\n", b.Timestamp.Format(time.RFC3339), b.Path)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "backup directory (default <data-dir>/backups)")
	return cmd
}

func (a *app) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <path>",
		Short: "Replace the store with a backup taken under the current master key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ks *keystore.KeyStore) error {
				if err := ks.RestoreBackup(args[0]); err != nil {
					return err
				}
				a.success("Restored %d key ring(s) from %s", ks.Manager().Len(), args[0])
				return nil
			})
		},
	}
}

func (a *app) rotateMasterKeyCmd() *cobra.Command {
	var newKeyB64 string
	var rewrap bool
	cmd := &cobra.Command{
		Use:   "rotate-master-key",
		Short: "Re-encrypt the store under a new master key",
		Long: `Re-encrypts keys.json from --master-key to --new-key. When --new-key is
omitted a key is generated and printed; store it before discarding the old one.
With --rewrap the wrapped data keys inside every ring move to the new key too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			oldKey, err := a.key()
			if err != nil {
				return err
			}
			defer memguard.WipeBytes(oldKey)

			generated := newKeyB64 == ""
			var newKey []byte
			if generated {
				newKey, newKeyB64, err = crypto.GenerateMasterKey()
			} else {
				newKey, err = crypto.ParseMasterKey(newKeyB64)
			}
			if err != nil {
				return err
			}
			defer memguard.WipeBytes(newKey)

			ks, err := keystore.New(a.dataDir)
			if err != nil {
				return err
			}
			defer ks.Close()
			if err := ks.SetMasterKey(oldKey); err != nil {
				return err
			}
			if err := ks.RotateMasterKey(oldKey, newKey); err != nil {
				return err
			}

			rewrapped := 0
			if rewrap {
				err := ks.Update(func(m *keyring.Manager, _ []byte) (err error) {
					rewrapped, err = m.RewrapDataKeys(oldKey, newKey)
					return err
				})
				if err != nil {
					return err
				}
			}

			a.success("Master key rotated for %s", ks.Path())
			if rewrap {
				fmt.Fprintf(a.out, "Rewrapped %d data key(s)\n", rewrapped)
			}
			if generated {
				fmt.Fprintln(a.out, warnText.Sprint("New master key (store it securely):"))
				fmt.Fprintln(a.out, newKeyB64)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&newKeyB64, "new-key", "", "base64 new master key (generated when empty)")
	cmd.Flags().BoolVar(&rewrap, "rewrap", false, "also rewrap every data key under the new key")
	return cmd
}

func (a *app) rewrapCmd() *cobra.Command {
	var oldKeyB64 string
	cmd := &cobra.Command{
		Use:   "rewrap",
		Short: "Move wrapped data keys from --old-key to the current master key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			oldKey, err := crypto.ParseMasterKey(oldKeyB64)
			if err != nil {
				return err
			}
			defer memguard.WipeBytes(oldKey)

			return a.withStore(func(ks *keystore.KeyStore) error {
				var n int
				err := ks.Update(func(m *keyring.Manager, key []byte) (err error) {
					n, err = m.RewrapDataKeys(oldKey, key)
					return err
				})
				if err != nil {
					return err
				}
				a.success("Rewrapped %d data key(s)", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&oldKeyB64, "old-key", "", "base64 master key the data keys are wrapped under")
	cmd.MarkFlagRequired("old-key")
	return cmd
}
