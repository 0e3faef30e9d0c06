// Command keyctl manages a key store directory directly, or a running
// keyring-server through the remote subcommands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/glinharesb/keyring-go/internal/crypto"
	"github.com/glinharesb/keyring-go/internal/kerrors"
	"github.com/glinharesb/keyring-go/internal/keystore"
)

const masterKeyEnv = "KEYRING_MASTER_KEY"

var (
	successText = color.New(color.FgGreen)
	warnText    = color.New(color.FgYellow)
	errorText   = color.New(color.FgRed)
	mutedText   = color.New(color.FgHiBlack)
)

type app struct {
	dataDir   string
	masterKey string
	actor     string
	jsonOut   bool
	out       io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorText.Sprint("error: ")+err.Error())
		os.Exit(exitCode(err))
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:           "keyctl",
		Short:         "Manage encrypted key rings",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if a.masterKey == "" {
				a.masterKey = os.Getenv(masterKeyEnv)
			}
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&a.dataDir, "data-dir", "./data", "key store directory")
	flags.StringVar(&a.masterKey, "master-key", "", "base64 master key (or set "+masterKeyEnv+")")
	flags.StringVar(&a.actor, "actor", defaultActor(), "identity recorded as creator of new key versions")
	flags.BoolVar(&a.jsonOut, "json", false, "print JSON instead of text")

	root.AddCommand(
		a.initCmd(),
		a.createCmd(),
		a.rotateCmd(),
		a.infoCmd(),
		a.listCmd(),
		a.statusCmd(),
		a.setIntervalCmd(),
		a.planCmd(),
		a.deprecateCmd(),
		a.compromiseCmd(),
		a.setExpiryCmd(),
		a.cleanupCmd(),
		a.showVersionCmd(),
		a.recommendCmd(),
		a.exportCmd(),
		a.importCmd(),
		a.backupCmd(),
		a.backupsCmd(),
		a.restoreCmd(),
		a.rotateMasterKeyCmd(),
		a.rewrapCmd(),
		a.genMasterKeyCmd(),
		a.encryptValueCmd(),
		a.decryptValueCmd(),
		a.remoteCmd(),
	)
	return root
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "keyctl"
}

// key parses the configured master key.
func (a *app) key() ([]byte, error) {
	if a.masterKey == "" {
		return nil, fmt.Errorf("master key required: pass --master-key or set %s", masterKeyEnv)
	}
	return crypto.ParseMasterKey(a.masterKey)
}

// openStore opens and loads the key store. A missing keys.json yields an
// empty store.
func (a *app) openStore() (*keystore.KeyStore, error) {
	key, err := a.key()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	ks, err := keystore.New(a.dataDir)
	if err != nil {
		return nil, err
	}
	if err := ks.SetMasterKey(key); err != nil {
		return nil, err
	}
	if err := ks.Load(); err != nil {
		return nil, err
	}
	return ks, nil
}

// withStore runs fn against the loaded store and drops the key afterwards.
func (a *app) withStore(fn func(ks *keystore.KeyStore) error) error {
	ks, err := a.openStore()
	if err != nil {
		return err
	}
	defer ks.Close()
	return fn(ks)
}

// emit prints v as JSON with --json, otherwise calls text.
func (a *app) emit(v any, text func(w io.Writer)) error {
	if a.jsonOut {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(a.out)
	return nil
}

func (a *app) success(format string, args ...any) {
	fmt.Fprintln(a.out, successText.Sprintf(format, args...))
}

// exitCode maps error kinds to distinct exit statuses.
func exitCode(err error) int {
	var kerr *kerrors.Error
	if !errors.As(err, &kerr) {
		return 1
	}
	switch kerr.Kind {
	case kerrors.KindNotFound:
		return 3
	case kerrors.KindConflict:
		return 4
	case kerrors.KindIntegrity:
		return 5
	case kerrors.KindFormat:
		return 6
	case kerrors.KindPolicy:
		return 7
	case kerrors.KindIO:
		return 8
	case kerrors.KindState:
		return 9
	default:
		return 1
	}
}
