package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/glinharesb/keyring-go/internal/audit"
	"github.com/glinharesb/keyring-go/internal/server"
)

type remoteOpts struct {
	addr    string
	token   string
	caFile  string
	timeout time.Duration
}

// dial connects to keyring-server and returns a client and a closer.
func (a *app) dial(o *remoteOpts) (*server.Client, func() error, error) {
	creds := insecure.NewCredentials()
	if o.caFile != "" {
		c, err := credentials.NewClientTLSFromFile(o.caFile, "")
		if err != nil {
			return nil, nil, fmt.Errorf("load CA: %w", err)
		}
		creds = c
	}
	conn, err := grpc.NewClient(o.addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(server.TokenAuth(o.token, a.actor)),
	)
	if err != nil {
		return nil, nil, err
	}
	return server.NewClient(conn), conn.Close, nil
}

// call runs fn with a connected client under the configured timeout.
func (a *app) call(o *remoteOpts, fn func(ctx context.Context, c *server.Client) error) error {
	c, closeConn, err := a.dial(o)
	if err != nil {
		return err
	}
	defer closeConn()
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	return fn(ctx, c)
}

func (a *app) remoteCmd() *cobra.Command {
	o := &remoteOpts{}
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Talk to a running keyring-server",
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&o.addr, "addr", "localhost:50051", "keyring-server address")
	flags.StringVar(&o.token, "token", "", "bearer token")
	flags.StringVar(&o.caFile, "ca", "", "CA certificate for TLS (plaintext when empty)")
	flags.DurationVar(&o.timeout, "timeout", 30*time.Second, "request timeout")

	list := &cobra.Command{
		Use:   "list",
		Short: "List key rings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(o, func(ctx context.Context, c *server.Client) error {
				infos, err := c.ListKeys(ctx)
				if err != nil {
					return err
				}
				return a.emit(infos, func(w io.Writer) { printKeyInfos(w, infos) })
			})
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show rotation schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(o, func(ctx context.Context, c *server.Client) error {
				statuses, err := c.GetRotationStatus(ctx)
				if err != nil {
					return err
				}
				return a.emit(statuses, func(w io.Writer) { printStatuses(w, statuses) })
			})
		},
	}

	var reason string
	rotate := &cobra.Command{
		Use:   "rotate [key-id]",
		Short: "Rotate a key ring, or the default ring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(o, func(ctx context.Context, c *server.Client) error {
				res, err := c.RotateKey(ctx, optionalKeyID(args), reason)
				if err != nil {
					return err
				}
				return a.emit(res, func(io.Writer) {
					a.success("Rotated %q: version %d -> %d", res.KeyID, res.PreviousVersion, res.NewVersion)
				})
			})
		},
	}
	rotate.Flags().StringVar(&reason, "reason", "", "reason recorded in the rotation history")

	var historyLimit int
	history := &cobra.Command{
		Use:   "history [key-id]",
		Short: "Show rotation history, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(o, func(ctx context.Context, c *server.Client) error {
				resp, err := c.RotationHistory(ctx, optionalKeyID(args), historyLimit)
				if err != nil {
					return err
				}
				return a.emit(resp.Entries, func(w io.Writer) {
					for _, h := range resp.Entries {
						fmt.Fprintln(w, h.String())
					}
				})
			})
		},
	}
	history.Flags().IntVar(&historyLimit, "limit", 20, "maximum entries")

	var filter server.QueryAuditRequest
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(o, func(ctx context.Context, c *server.Client) error {
				entries, err := c.QueryAudit(ctx, &filter)
				if err != nil {
					return err
				}
				return a.emit(entries, func(w io.Writer) {
					for _, e := range entries {
						printAuditEntry(w, e)
					}
				})
			})
		},
	}
	auditCmd.Flags().StringVar(&filter.KeyID, "key-id", "", "only this key ring")
	auditCmd.Flags().StringVar(&filter.Operation, "operation", "", "only this operation")
	auditCmd.Flags().StringVar(&filter.Actor, "by", "", "only this actor")
	auditCmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum entries")

	var watchKeyID string
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Follow the audit trail until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeConn, err := a.dial(o)
			if err != nil {
				return err
			}
			defer closeConn()

			stream, err := c.WatchAudit(cmd.Context(), watchKeyID)
			if err != nil {
				return err
			}
			for {
				e, err := stream.Recv()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				printAuditEntry(a.out, e)
			}
		},
	}
	watch.Flags().StringVar(&watchKeyID, "key-id", "", "only this key ring")

	cmd.AddCommand(list, status, rotate, history, auditCmd, watch)
	return cmd
}

func printAuditEntry(w io.Writer, e audit.Entry) {
	outcome := successText.Sprint(e.Outcome)
	if e.Outcome != audit.OutcomeSuccess {
		outcome = errorText.Sprint(e.Outcome)
	}
	fmt.Fprintf(w, "%s %-20s %-12s %-10s %s", mutedText.Sprint(e.Timestamp.Format(time.RFC3339)), e.Operation, e.KeyID, e.Actor, outcome)
	if e.Error != "" {
		fmt.Fprintf(w, " %s", e.Error)
	}
	fmt.Fprintln(w)
}
