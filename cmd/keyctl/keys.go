package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/glinharesb/keyring-go/internal/keyring"
	"github.com/glinharesb/keyring-go/internal/keystore"
	"github.com/glinharesb/keyring-go/internal/rotation"
)

func parseVersion(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	return uint32(v), nil
}

func optionalKeyID(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <key-id>",
		Short: "Create the store and its first (default) key ring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ks *keystore.KeyStore) error {
				kv, err := ks.Initialize(args[0], a.actor)
				if err != nil {
					return err
				}
				return a.emit(kv, func(w io.Writer) {
					a.success("Initialized key ring %q at version %d", kv.KeyID, kv.Version)
					fmt.Fprintln(w, mutedText.Sprint(ks.Path()))
				})
			})
		},
	}
}

func (a *app) createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <key-id>",
		Short: "Add a key ring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ks *keystore.KeyStore) error {
				kv, err := ks.CreateKeyRing(args[0], a.actor)
				if err != nil {
					return err
				}
				return a.emit(kv, func(io.Writer) {
					a.success("Created key ring %q at version %d", kv.KeyID, kv.Version)
				})
			})
		},
	}
}

func (a *app) rotateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rotate [key-id]",
		Short: "Rotate a key ring, or the default ring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ks *keystore.KeyStore) error {
				res, err := ks.RotateKey(optionalKeyID(args), a.actor, reason)
				if err != nil {
					return err
				}
				return a.emit(res, func(w io.Writer) {
					a.success("Rotated %q: version %d -> %d", res.KeyID, res.PreviousVersion, res.NewVersion)
					fmt.Fprintln(w, warnText.Sprint("Data encrypted under earlier versions should be re-encrypted."))
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the new version")
	return cmd
}

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <key-id>",
		Short: "Show version counts for a key ring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ks *keystore.KeyStore) error {
				info, err := ks.Manager().KeyInfo(args[0])
				if err != nil {
					return err
				}
				return a.emit(info, func(w io.Writer) { printKeyInfos(w, []keyring.KeyInfo{info}) })
			})
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List key rings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ks *keystore.KeyStore) error {
				infos := ks.Manager().ListKeys()
				return a.emit(infos, func(w io.Writer) {
					if len(infos) == 0 {
						fmt.Fprintln(w, mutedText.Sprint("no key rings"))
						return
					}
					printKeyInfos(w, infos)
				})
			})
		},
	}
}

func printKeyInfos(w io.Writer, infos []keyring.KeyInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY ID\tCURRENT\tTOTAL\tACTIVE\tDEPRECATED\tCREATED\tLAST ROTATED")
	for _, i := range infos {
		last := "-"
		if i.LastRotatedAt != nil {
			last = i.LastRotatedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			i.KeyID, i.CurrentVersion, i.TotalVersions, i.ActiveVersions, i.DeprecatedVersions,
			i.CreatedAt.Format(time.RFC3339), last)
	}
	tw.Flush()
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show rotation schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ks *keystore.KeyStore) error {
				statuses := ks.Manager().RotationStatus()
				return a.emit(statuses, func(w io.Writer) { printStatuses(w, statuses) })
			})
		},
	}
}

func printStatuses(w io.Writer, statuses []keyring.RotationStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY ID\tVERSION\tINTERVAL\tNEXT ROTATION\tAUTO\tDUE")
	for _, s := range statuses {
		due := "no"
		if s.RotationDue {
			due = warnText.Sprint("yes")
		}
		fmt.Fprintf(tw, "%s\t%d\t%dd\t%s\t%t\t%s\n",
			s.KeyID, s.CurrentVersion, s.RotationIntervalDays, s.NextRotation.Format(time.RFC3339), s.AutoRotate, due)
	}
	tw.Flush()
}

func (a *app) setIntervalCmd() *cobra.Command {
	var autoRotate bool
	var maxVersions uint32
	cmd := &cobra.Command{
		Use:   "set-interval <key-id> <days>",
		Short: "Change a key ring's rotation interval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid days %q", args[1])
			}
			return a.withStore(func(ks *keystore.KeyStore) error {
				err := ks.Update(func(m *keyring.Manager, _ []byte) error {
					if err := m.SetRotationInterval(args[0], uint32(days)); err != nil {
						return err
					}
					if cmd.Flags().Changed("auto-rotate") {
						if err := m.SetAutoRotate(args[0], autoRotate); err != nil {
							return err
						}
					}
					if cmd.Flags().Changed("max-versions") {
						return m.SetMaxVersions(args[0], maxVersions)
					}
					return nil
				})
				if err != nil {
					return err
				}
				a.success("Rotation interval of %q set to %d days", args[0], days)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&autoRotate, "auto-rotate", false, "let keyring-server rotate this ring when due")
	cmd.Flags().Uint32Var(&maxVersions, "max-versions", 0, "version cap used by rotation policy checks")
	return cmd
}

func (a *app) planCmd() *cobra.Command {
	var execute bool
	var reason string
	cmd := &cobra.Command{
		Use:   "plan <key-id> <target-version>",
		Short: "Plan, and optionally execute, a rotation up to a target version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			return a.withStore(func(ks *keystore.KeyStore) error {
				m := ks.Manager()
				plan, err := m.PlanRotation(target, args[0])
				if err != nil {
					return err
				}
				if !execute {
					return a.emit(plan, func(w io.Writer) {
						fmt.Fprintf(w, "Plan for %q: version %d -> %d, new versions %v\n",
							plan.KeyID, plan.CurrentVersion, plan.TargetVersion, plan.KeysToRotate)
					})
				}

				sched, err := m.Schedule(plan.KeyID)
				if err != nil {
					return err
				}
				policy := rotation.DefaultPolicy().ForSchedule(sched)
				svc := rotation.NewService()

				var steps []*rotation.RotationHistory
				var execErr error
				err = ks.Update(func(m *keyring.Manager, key []byte) error {
					ring, err := m.Ring(plan.KeyID)
					if err != nil {
						return err
					}
					steps, execErr = svc.ExecutePlan(context.Background(), ring, plan, policy, key, a.actor, reason)
					if len(steps) == 0 {
						return execErr
					}
					last := steps[len(steps)-1]
					if last.CompletedAt == nil {
						return execErr
					}
					return m.TouchSchedule(plan.KeyID, *last.CompletedAt)
				})
				if err != nil {
					return err
				}
				if err := a.emit(steps, func(w io.Writer) {
					for _, h := range steps {
						fmt.Fprintln(w, h.String())
					}
				}); err != nil {
					return err
				}
				return execErr
			})
		},
	}
	cmd.Flags().BoolVar(&execute, "execute", false, "perform the rotations")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on new versions")
	return cmd
}

func (a *app) deprecateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deprecate <key-id> <version>",
		Short: "Mark a non-current version deprecated",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			return a.withStore(func(ks *keystore.KeyStore) error {
				err := ks.Update(func(m *keyring.Manager, _ []byte) error {
					return m.DeprecateVersion(args[0], version)
				})
				if err != nil {
					return err
				}
				a.success("Deprecated %s of %q", keyring.VersionLabel(version), args[0])
				return nil
			})
		},
	}
}

func (a *app) compromiseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compromise <key-id> <version>",
		Short: "Mark a version compromised",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			return a.withStore(func(ks *keystore.KeyStore) error {
				err := ks.Update(func(m *keyring.Manager, _ []byte) error {
					return m.MarkCompromised(args[0], version)
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, warnText.Sprintf("Marked %s of %q compromised; rotate now", keyring.VersionLabel(version), args[0]))
				return nil
			})
		},
	}
}

func (a *app) setExpiryCmd() *cobra.Command {
	var clearExpiry bool
	cmd := &cobra.Command{
		Use:   "set-expiry <key-id> <version> [RFC3339 time]",
		Short: "Set or clear a version's expiry",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			var at *time.Time
			switch {
			case clearExpiry:
			case len(args) == 3:
				t, err := time.Parse(time.RFC3339, args[2])
				if err != nil {
					return fmt.Errorf("invalid expiry %q: %w", args[2], err)
				}
				at = &t
			default:
				return fmt.Errorf("give an expiry time or --clear")
			}
			return a.withStore(func(ks *keystore.KeyStore) error {
				return ks.Update(func(m *keyring.Manager, _ []byte) error {
					if err := m.SetKeyExpiry(args[0], version, at); err != nil {
						return err
					}
					m.ExpireKeys()
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&clearExpiry, "clear", false, "remove the expiry")
	return cmd
}

func (a *app) cleanupCmd() *cobra.Command {
	var keep uint32
	cmd := &cobra.Command{
		Use:   "cleanup <key-id>",
		Short: "Drop inactive secondary versions at or below --keep",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ks *keystore.KeyStore) error {
				var removed int
				err := ks.Update(func(m *keyring.Manager, _ []byte) (err error) {
					removed, err = m.CleanupOldKeys(args[0], keep)
					return err
				})
				if err != nil {
					return err
				}
				return a.emit(map[string]int{"removed": removed}, func(io.Writer) {
					a.success("Removed %d version(s) from %q", removed, args[0])
				})
			})
		},
	}
	cmd.Flags().Uint32Var(&keep, "keep", 0, "versions above this number are always kept")
	return cmd
}

func (a *app) showVersionCmd() *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "show-version <key-id> <version>",
		Short: "Show a version's metadata",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			return a.withStore(func(ks *keystore.KeyStore) error {
				b, err := ks.Manager().KeyByVersion(args[0], version)
				if err != nil {
					return err
				}
				if b == nil {
					fmt.Fprintln(a.out, mutedText.Sprintf("%q has no %s", args[0], keyring.VersionLabel(version)))
					return nil
				}
				out := struct {
					KeyID    string              `json:"key_id"`
					Metadata keyring.KeyMetadata `json:"metadata"`
					Key      string              `json:"key,omitempty"`
				}{KeyID: b.KeyID, Metadata: b.Metadata}
				if reveal {
					err := ks.WithMasterKey(func(master []byte) error {
						plain, err := ks.Manager().PlaintextKey(master, args[0], version)
						if err != nil {
							return err
						}
						defer memguard.WipeBytes(plain)
						out.Key = encodeKey(plain)
						return nil
					})
					if err != nil {
						return err
					}
				}
				return a.emit(out, func(w io.Writer) {
					md := b.Metadata
					fmt.Fprintf(w, "%s %s\n", b.KeyID, keyring.VersionLabel(md.Version))
					fmt.Fprintf(w, "  status:      %s\n", md.Status)
					fmt.Fprintf(w, "  created:     %s by %s\n", md.CreatedAt.Format(time.RFC3339), md.CreatedBy)
					if md.ExpiresAt != nil {
						fmt.Fprintf(w, "  expires:     %s\n", md.ExpiresAt.Format(time.RFC3339))
					}
					if md.Description != "" {
						fmt.Fprintf(w, "  description: %s\n", md.Description)
					}
					if out.Key != "" {
						fmt.Fprintf(w, "  key:         %s\n", out.Key)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "also print the unwrapped data key (base64)")
	return cmd
}

func (a *app) recommendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recommend <key-id>",
		Short: "Rank how urgently a key ring should rotate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ks *keystore.KeyStore) error {
				m := ks.Manager()
				ring, err := m.Ring(args[0])
				if err != nil {
					return err
				}
				sched, err := m.Schedule(ring.KeyID)
				if err != nil {
					return err
				}
				policy := rotation.DefaultPolicy().ForSchedule(sched)
				svc := rotation.NewService()
				rec := svc.GetRotationRecommendation(ring, policy)
				exp := svc.CheckKeyExpiration(ring.PrimaryKey.Metadata, policy)

				return a.emit(struct {
					rotation.Recommendation
					Expiration rotation.ExpirationStatus `json:"expiration"`
				}{rec, exp}, func(w io.Writer) {
					c := mutedText
					switch rec.Priority {
					case rotation.PriorityHigh:
						c = warnText
					case rotation.PriorityCritical:
						c = errorText
					}
					fmt.Fprintf(w, "%s: %s (%s)\n", rec.KeyID, c.Sprint(rec.Priority), rec.Reason)
					fmt.Fprintf(w, "  days since rotation: %d\n", rec.DaysSinceRotation)
					fmt.Fprintf(w, "  current key expiry:  %s\n", exp.State)
					if err := svc.CanRotate(ring, policy); err != nil {
						fmt.Fprintln(w, warnText.Sprint("  "+err.Error()))
					}
				})
			})
		},
	}
}
