package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/whisper/support-desk/internal/session"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Padding(0, 1)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	adminStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true)

	botStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	statusStyles = map[session.Status]lipgloss.Style{
		session.StatusBotHandled:   lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		session.StatusPendingAdmin: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		session.StatusActive:       lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		session.StatusResolved:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func senderLabel(s session.Sender) string {
	switch s {
	case session.SenderUser:
		return userStyle.Render("you")
	case session.SenderAdmin:
		return adminStyle.Render("agent")
	default:
		return botStyle.Render("bot")
	}
}

// formatMessage renders one transcript line.
func formatMessage(m session.Message) string {
	ts := timestampStyle.Render(m.Timestamp.Local().Format("15:04"))
	text := m.Text
	if m.Kind == session.KindEscalationNotice {
		text = botStyle.Render(text)
	}
	return fmt.Sprintf("%s %s: %s", ts, senderLabel(m.Sender), text)
}

func formatStatus(s session.Status) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

func printTranscript(w io.Writer, cs *session.ChatSession) {
	fmt.Fprintln(w, headerStyle.Render("Session "+cs.ID))
	meta := []string{"status " + formatStatus(cs.Status)}
	if cs.AssignedAdminID != "" {
		meta = append(meta, "agent "+cs.AssignedAdminID)
	}
	if cs.UserEmail != "" {
		meta = append(meta, "contact "+cs.UserEmail)
	}
	fmt.Fprintln(w, strings.Join(meta, "  "))
	fmt.Fprintln(w)
	for _, m := range cs.Messages {
		fmt.Fprintln(w, formatMessage(m))
	}
}

func printSessions(w io.Writer, sessions []session.Summary, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%d sessions", len(sessions))))
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATUS\tMESSAGES\tAGENT\tCONTACT\tLAST ACTIVITY")
	for _, s := range sessions {
		agent := s.AssignedAdminID
		if agent == "" {
			agent = "-"
		}
		contact := s.UserEmail
		if contact == "" {
			contact = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s ago\n",
			s.ID, s.Status, s.MessageCount, agent, contact, now.Sub(s.LastActivity).Round(time.Second))
	}
	tw.Flush()
}
