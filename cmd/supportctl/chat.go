package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/whisper/support-desk/internal/api"
	"github.com/whisper/support-desk/internal/client"
	"github.com/whisper/support-desk/internal/escalation"
	"github.com/whisper/support-desk/internal/session"
)

var (
	chatSessionID string
	chatEmail     string
	chatCachePath string
	chatNew       bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Escalate to a human agent and chat",
	Long: `Escalate a conversation to a human agent, then send what you type and
print replies as they arrive. The session id is remembered between runs
until the agent closes the session.

Type /quit to leave without closing the session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cache := client.NewCache(chatCachePath)

		sessionID, err := pickSession(cache)
		if err != nil {
			return err
		}

		in := bufio.NewScanner(cmd.InOrStdin())
		out := cmd.OutOrStdout()

		res, err := escalate(ctx, in, out, sessionID)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, headerStyle.Render("Session "+res.SessionID))
		fmt.Fprintln(out, botStyle.Render(res.EscalationMessage))

		c, err := client.New(client.Config{
			BaseURL:   serverURL,
			SessionID: res.SessionID,
			Role:      client.RoleUser,
			UserID:    userID,
			UserEmail: chatEmail,
			Cache:     cache,
			OnMessage: func(m session.Message) {
				if m.Kind == session.KindEscalationNotice {
					return
				}
				fmt.Fprintln(out, formatMessage(m))
			},
			OnStatus: func(s session.Status) {
				fmt.Fprintln(out, "status: "+formatStatus(s))
			},
		})
		if err != nil {
			return err
		}
		return converse(ctx, c, in, out, "")
	},
}

func init() {
	home, _ := os.UserHomeDir()
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "Resume this session id")
	chatCmd.Flags().StringVar(&chatEmail, "email", "", "Contact email for follow-up")
	chatCmd.Flags().StringVar(&chatCachePath, "cache", filepath.Join(home, ".support-desk", "session.yaml"), "Transcript cache file")
	chatCmd.Flags().BoolVar(&chatNew, "new", false, "Start a new session even if one is cached")
	rootCmd.AddCommand(chatCmd)
}

// pickSession returns the flag's session, the cached one, or a fresh id.
func pickSession(cache *client.Cache) (string, error) {
	if chatSessionID != "" {
		return chatSessionID, nil
	}
	if !chatNew {
		cached, err := cache.Load()
		if err != nil {
			return "", err
		}
		if cached != nil && cached.Status != session.StatusResolved {
			return cached.ID, nil
		}
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// escalate asks for an email once if the server needs a way to reach the
// user.
func escalate(ctx context.Context, in *bufio.Scanner, out io.Writer, sessionID string) (api.EscalateResponse, error) {
	a := newAPI()
	for {
		res, err := a.Escalate(ctx, api.EscalateRequest{SessionID: sessionID, UserEmail: chatEmail})
		if !errors.Is(err, escalation.ErrContactRequired) || chatEmail != "" {
			return res, err
		}
		fmt.Fprint(out, "An agent will need a way to reach you. Email: ")
		if !in.Scan() {
			return res, err
		}
		chatEmail = strings.TrimSpace(in.Text())
		if chatEmail == "" {
			return res, err
		}
	}
}

// converse runs c until the session is resolved, ctx ends, input ends or
// the user types /quit. Each input line is sent as a message. When closeAs
// names an admin, /close resolves the session as that admin.
func converse(ctx context.Context, c *client.Client, in *bufio.Scanner, out io.Writer, closeAs string) error {
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	defer c.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for in.Scan() {
			lines <- in.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			if c.Transcript().Status() == session.StatusResolved {
				fmt.Fprintln(out, "The session was closed. Thanks for reaching out.")
			}
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				continue
			case line == "/quit":
				return nil
			case line == "/close" && closeAs != "":
				if _, err := c.API().CloseSession(ctx, c.Transcript().SessionID(), closeAs); err != nil {
					fmt.Fprintln(out, errorStyle.Render(err.Error()))
				}
				continue
			}
			if _, err := c.Send(ctx, line); err != nil {
				fmt.Fprintln(out, errorStyle.Render("not sent: "+err.Error()))
			}
		}
	}
}
