package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/support-desk/internal/loadtest"
)

var (
	loadConversations  int
	loadConcurrency    int
	loadMessages       int
	loadInterval       time.Duration
	loadTimeout        time.Duration
	loadScrapeInterval time.Duration
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Run concurrent escalated conversations and report latencies",
	Long: `Each conversation escalates a fresh session, connects a user and an
agent, exchanges messages both ways, and closes the session. Delivery
latencies are measured end to end; server counters are scraped from
/metrics for the report.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Load test: %d conversations to %s (concurrency=%d, messages=%d, interval=%s)\n",
			loadConversations, serverURL, loadConcurrency, loadMessages, loadInterval)

		col := loadtest.NewCollector()
		scraper := loadtest.NewScraper(strings.TrimRight(serverURL, "/")+"/metrics", loadScrapeInterval)
		col.SetScraper(scraper)
		scraper.Start(ctx)

		stop := make(chan struct{})
		go func() {
			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					done, errs := col.Counts()
					fmt.Fprintf(out, "  [load] finished: %d/%d  errors: %d\n", done+errs, loadConversations, errs)
				}
			}
		}()

		loadtest.Run(ctx, loadtest.Config{
			BaseURL:       serverURL,
			Conversations: loadConversations,
			Concurrency:   loadConcurrency,
			Messages:      loadMessages,
			Interval:      loadInterval,
			Timeout:       loadTimeout,
		}, col)
		close(stop)
		scraper.Stop()
		col.Report(out)
		return nil
	},
}

func init() {
	loadCmd.Flags().IntVar(&loadConversations, "conversations", 100, "Total conversations")
	loadCmd.Flags().IntVar(&loadConcurrency, "concurrency", 20, "Conversations in flight at once")
	loadCmd.Flags().IntVar(&loadMessages, "messages", 5, "Exchanges per conversation")
	loadCmd.Flags().DurationVar(&loadInterval, "interval", 500*time.Millisecond, "Pause between exchanges")
	loadCmd.Flags().DurationVar(&loadTimeout, "timeout", 10*time.Second, "Per-delivery timeout")
	loadCmd.Flags().DurationVar(&loadScrapeInterval, "scrape-interval", 2*time.Second, "Metrics scrape interval")
	rootCmd.AddCommand(loadCmd)
}
