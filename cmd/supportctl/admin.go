package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/whisper/support-desk/internal/api"
	"github.com/whisper/support-desk/internal/client"
	"github.com/whisper/support-desk/internal/protocol"
	"github.com/whisper/support-desk/internal/session"
)

var (
	adminID      string
	statusFilter []string
	watchSession string
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Agent commands: triage, answer and close sessions",
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions, open ones by default",
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses := make([]session.Status, 0, len(statusFilter))
		for _, s := range statusFilter {
			statuses = append(statuses, session.Status(s))
		}
		if len(statuses) == 0 {
			statuses = []session.Status{session.StatusPendingAdmin, session.StatusActive}
		}
		list, err := newAPI().Sessions(cmd.Context(), statuses...)
		if err != nil {
			return err
		}
		printSessions(cmd.OutOrStdout(), list, time.Now())
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session's transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cs, err := newAPI().Session(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printTranscript(cmd.OutOrStdout(), cs)
		return nil
	},
}

var respondCmd = &cobra.Command{
	Use:   "respond <session-id> <message...>",
	Short: "Answer a session, claiming it if it is pending",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireAdmin(); err != nil {
			return err
		}
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		res, err := newAPI().Respond(cmd.Context(), args[0], api.RespondRequest{
			Message: strings.Join(args[1:], " "),
			AdminID: adminID,
			ID:      id.String(),
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatMessage(res.Message))
		return nil
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Resolve a session you are assigned to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireAdmin(); err != nil {
			return err
		}
		cs, err := newAPI().CloseSession(cmd.Context(), args[0], adminID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s is %s\n", cs.ID, formatStatus(cs.Status))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay online and follow escalations, optionally chatting in one session",
	Long: `Connect as an agent: you count as online while this runs, new
escalations are printed as they arrive, and with --session you join that
session and can type replies. Type /close to resolve it, /quit to leave.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireAdmin(); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		c, err := client.New(client.Config{
			BaseURL:   serverURL,
			SessionID: watchSession,
			Role:      client.RoleAdmin,
			AdminID:   adminID,
			UserID:    userID,
			OnMessage: func(m session.Message) {
				fmt.Fprintln(out, formatMessage(m))
			},
			OnStatus: func(s session.Status) {
				fmt.Fprintln(out, "status: "+formatStatus(s))
			},
			OnEvent: func(m protocol.ServerMessage) {
				switch ev := m.(type) {
				case protocol.ActiveSessions:
					printSessions(out, ev.Sessions, time.Now())
				case protocol.EscalationRequest:
					fmt.Fprintf(out, "%s %s (%s)\n", headerStyle.Render("Escalation"), ev.Session.ID, ev.Notice.Text)
				case protocol.Error:
					fmt.Fprintln(out, errorStyle.Render(ev.Code+": "+ev.Message))
				}
			},
		})
		if err != nil {
			return err
		}
		if watchSession == "" {
			return c.Run(cmd.Context())
		}
		return converse(cmd.Context(), c, bufio.NewScanner(cmd.InOrStdin()), out, adminID)
	},
}

func requireAdmin() error {
	if adminID == "" {
		return fmt.Errorf("--admin is required")
	}
	return nil
}

func init() {
	adminCmd.PersistentFlags().StringVar(&adminID, "admin", os.Getenv("SUPPORT_ADMIN_ID"), "Your agent id (env SUPPORT_ADMIN_ID)")
	sessionsCmd.Flags().StringSliceVar(&statusFilter, "status", nil, "Filter by status (pending_admin, active, resolved, bot_handled)")
	watchCmd.Flags().StringVar(&watchSession, "session", "", "Join this session")

	adminCmd.AddCommand(sessionsCmd, showCmd, respondCmd, closeCmd, watchCmd)
	rootCmd.AddCommand(adminCmd)
}
