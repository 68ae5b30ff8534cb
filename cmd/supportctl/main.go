package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/whisper/support-desk/internal/client"
)

var (
	serverURL string
	userID    string
	verbose   bool
	version   = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "supportctl",
	Short: "Talk to the support desk as a user or an agent",
	Long: `A terminal client for the support desk.

Users escalate a conversation to a human agent and keep chatting; agents
triage open sessions, answer them and close them. Messages travel over the
push connection when it is up and over plain HTTP when it is not.

Quick Start:
  supportctl chat --email me@example.com   # talk to an agent
  supportctl admin sessions                # list open sessions
  supportctl admin watch --admin alice     # live triage feed`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !verbose {
			log.SetOutput(io.Discard)
		}
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	defaultURL := os.Getenv("SUPPORT_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "Support desk base URL (env SUPPORT_URL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show transport logs")
	rootCmd.PersistentFlags().StringVar(&userID, "user-id", os.Getenv("SUPPORT_USER_ID"), "Authenticated user id sent as X-User-ID")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

func newAPI() *client.API {
	return client.NewAPI(serverURL, nil, userID)
}
