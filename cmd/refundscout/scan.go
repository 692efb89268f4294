package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/refundscout/internal/model"
	appsync "github.com/nhle/refundscout/internal/sync"
)

func newScanCmd(o *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "scan [id|email]",
		Short: "Scan one mailbox, or every eligible one with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("pass a mailbox or --all, not both")
			}
			if !all && len(args) != 1 {
				return errors.New("pass a mailbox id or email, or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := o.services(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			var targets []model.MailboxConnection
			if all {
				conns, err := svc.Mailboxes.List(cmd.Context(), o.cfg.UserID)
				if err != nil {
					return err
				}
				for _, c := range conns {
					if c.Status == model.StatusConnected || c.Status == model.StatusError {
						targets = append(targets, c)
					}
				}
			} else {
				conn, err := svc.Mailboxes.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				targets = append(targets, *conn)
			}

			failed := 0
			for _, c := range targets {
				out, err := svc.Tracker.RequestScan(cmd.Context(), c.ID)
				printOutcome(cmd.OutOrStdout(), c, out, err)
				if err != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d scans failed", failed, len(targets))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Scan every mailbox that is connected or failing")
	return cmd
}

func printOutcome(w io.Writer, c model.MailboxConnection, out *appsync.Outcome, err error) {
	switch {
	case errors.Is(err, appsync.ErrScanInProgress):
		fmt.Fprintf(w, "%s: skipped, a scan is already running\n", c.Email)
	case out == nil:
		fmt.Fprintf(w, "%s: %v\n", c.Email, err)
	case err != nil:
		fmt.Fprintf(w, "%s: %s after %s: %v\n", c.Email, out.Status, out.Duration.Round(time.Millisecond), explain(err))
	default:
		fmt.Fprintf(w, "%s: %d messages, %d new (%s)\n", c.Email, out.Found, out.Saved, out.Duration.Round(time.Millisecond))
	}
}

func newClassifyCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "classify",
		Short: "Classify every stored message that has not been analyzed",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := o.services(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := svc.Pipeline.Drain(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Analyzed %d messages, %d refund candidates, %d still pending\n",
				res.Analyzed, res.Candidates, res.Pending)
			return err
		},
	}
}
