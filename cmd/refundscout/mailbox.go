package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/nhle/refundscout/internal/imap"
	"github.com/nhle/refundscout/internal/mailbox"
	"github.com/nhle/refundscout/internal/model"
	"github.com/nhle/refundscout/internal/theme"
	"github.com/nhle/refundscout/internal/ui/connections"
)

type passwordOptions struct {
	fromStdin bool
}

func (p *passwordOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&p.fromStdin, "password-stdin", false, "Read the password from stdin instead of prompting")
}

// read returns the password from stdin or an interactive prompt.
func (p *passwordOptions) read(cmd *cobra.Command, title string) (string, error) {
	if p.fromStdin {
		return readLine(cmd.InOrStdin())
	}
	var password string
	err := huh.NewInput().
		Title(title).
		Description("Use an app password when the provider requires one").
		EchoMode(huh.EchoModePassword).
		Value(&password).
		Run()
	if err != nil {
		return "", err
	}
	return password, nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password on stdin")
	}
	return line, nil
}

func newLinkCmd(o *rootOptions) *cobra.Command {
	var (
		req mailbox.LinkRequest
		pw  passwordOptions
	)
	cmd := &cobra.Command{
		Use:   "link <email>",
		Short: "Test a mailbox login and link it",
		Long: "Link logs into the mailbox once to check the password, then stores the\n" +
			"connection with the password encrypted. Nothing is stored when the login fails.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := o.services(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			req.Email = args[0]
			req.UserID = o.cfg.UserID
			if req.Password, err = pw.read(cmd, "Password for "+req.Email); err != nil {
				return err
			}
			conn, err := svc.Mailboxes.Link(cmd.Context(), req)
			if err != nil {
				return explain(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Linked %s (%s, %s) as %s\n", conn.Email, conn.Provider, conn.Addr(), conn.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Provider, "provider", "", "Provider key; detected from the address when empty")
	cmd.Flags().StringVar(&req.Host, "host", "", "IMAP host, required for --provider custom")
	cmd.Flags().IntVar(&req.Port, "port", 0, "IMAP port (default 993)")
	pw.addFlags(cmd)
	return cmd
}

func newRelinkCmd(o *rootOptions) *cobra.Command {
	var pw passwordOptions
	cmd := &cobra.Command{
		Use:   "relink <id|email>",
		Short: "Replace the stored password of a mailbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := o.services(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			conn, err := svc.Mailboxes.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			password, err := pw.read(cmd, "New password for "+conn.Email)
			if err != nil {
				return err
			}
			if err := svc.Mailboxes.Relink(cmd.Context(), conn.ID, password); err != nil {
				return explain(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated the password of %s\n", conn.Email)
			return nil
		},
	}
	pw.addFlags(cmd)
	return cmd
}

func newTestCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test <id|email>",
		Short: "Log into a linked mailbox with its stored password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := o.services(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			conn, err := svc.Mailboxes.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := svc.Mailboxes.Test(cmd.Context(), conn.ID); err != nil {
				return explain(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: login OK\n", conn.Email)
			return nil
		},
	}
}

func newDisconnectCmd(o *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "disconnect <id|email>",
		Short: "Remove a mailbox and the messages stored for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := o.services(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			conn, err := svc.Mailboxes.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !yes {
				confirmed := false
				err := huh.NewConfirm().
					Title("Disconnect " + conn.Email + "?").
					Description("Stored scan results of this mailbox are deleted too.").
					Affirmative("Disconnect").
					Negative("Keep").
					Value(&confirmed).
					Run()
				if err != nil {
					return err
				}
				if !confirmed {
					return nil
				}
			}
			if err := svc.Mailboxes.Disconnect(cmd.Context(), conn.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Disconnected %s\n", conn.Email)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func newListCmd(o *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List linked mailboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := o.services(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			userID := o.cfg.UserID
			if all {
				userID = ""
			}
			conns, err := svc.Mailboxes.List(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if len(conns) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No mailbox linked yet. Run 'refundscout link <email>'.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderConnections(conns))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include mailboxes of every user")
	return cmd
}

func renderConnections(conns []model.MailboxConnection) string {
	rows := make([][]string, 0, len(conns))
	for _, c := range conns {
		last := "never"
		if c.LastSyncAt != nil {
			last = connections.RelativeTime(*c.LastSyncAt)
		}
		status := string(c.Status)
		if c.LastError != nil && c.Status != model.StatusConnected {
			status += ": " + *c.LastError
		}
		rows = append(rows, []string{
			c.ID, c.Email, c.Provider, status,
			strconv.Itoa(c.EmailsScanned), strconv.Itoa(c.OpportunitiesFound), last,
		})
	}

	const statusCol = 3
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder)).
		Headers("ID", "MAILBOX", "PROVIDER", "STATUS", "SCANNED", "FOUND", "LAST SCAN").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			switch {
			case row == table.HeaderRow:
				return s.Bold(true)
			case col == statusCol && row >= 0 && row < len(conns):
				return theme.StatusStyle(string(conns[row].Status)).Padding(0, 1)
			}
			return s
		}).
		String()
}

// explain adds a hint to login failures.
func explain(err error) error {
	switch imap.KindOf(err) {
	case imap.KindInvalidCredentials:
		return fmt.Errorf("%w\nhint: check the password; providers with two-factor login need an app password", err)
	case imap.KindConnection, imap.KindTimeout:
		return fmt.Errorf("%w\nhint: check the host and port, or the network", err)
	}
	return err
}
