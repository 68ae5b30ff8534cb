package loadtest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the tracked server metrics at one point in time.
type snapshot struct {
	at           time.Time
	connections  float64
	messages     float64
	delivered    float64
	undelivered  float64 // no_connection + failed
	polls        float64
	rateLimited  float64
	latencySum   float64
	latencyCount float64
}

// Scraper fetches the server's /metrics at an interval during a run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot now and then one per interval until Stop.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce(context.Background())
				return
			case <-ticker.C:
				s.scrapeOnce(ctx)
			}
		}
	}()
}

// Stop takes a final snapshot and waits for the scraper to exit.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce(ctx context.Context) {
	snap, err := s.fetch(ctx)
	if err != nil {
		// The server may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch(ctx context.Context) (snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.metricsURL, nil)
	if err != nil {
		return snapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snapshot{}, fmt.Errorf("loadtest: metrics returned %s", resp.Status)
	}
	return parseSnapshot(resp.Body)
}

func parseSnapshot(r io.Reader) (snapshot, error) {
	snap := snapshot{at: time.Now()}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		switch name {
		case "support_connections_total":
			snap.connections = value
		case "support_messages_total":
			snap.messages += value
		case "support_deliveries_total":
			if strings.Contains(labels, `result="delivered"`) {
				snap.delivered += value
			} else {
				snap.undelivered += value
			}
		case "support_polls_total":
			snap.polls = value
		case "support_rate_limited_total":
			snap.rateLimited = value
		case "support_message_latency_seconds_sum":
			snap.latencySum = value
		case "support_message_latency_seconds_count":
			snap.latencyCount = value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits a text exposition line into name, raw label set
// and value.
func parseMetricLine(line string) (name, labels string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open != -1 {
		closing := strings.IndexByte(line[open:], '}')
		if closing == -1 {
			return "", "", 0, false
		}
		name = line[:open]
		labels = line[open+1 : open+closing]
		rest = line[open+closing+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", "", 0, false
		}
		name, rest = fields[0], strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", "", 0, false
	}
	// A trailing timestamp is optional; the value comes first.
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, labels, v, true
}

// Report writes the server-side summary: initial, final, delta and peak per
// metric, plus the average persist-and-forward latency over the run.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := make([]snapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	rows := []struct {
		label   string
		extract func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Messages", func(s snapshot) float64 { return s.messages }},
		{"Delivered", func(s snapshot) float64 { return s.delivered }},
		{"Undelivered", func(s snapshot) float64 { return s.undelivered }},
		{"Polls", func(s snapshot) float64 { return s.polls }},
		{"Rate limited", func(s snapshot) float64 { return s.rateLimited }},
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-14s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Fprintf(w, "  %-14s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.extract(first), r.extract(last)
		fmt.Fprintf(w, "  %-14s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peak(snaps, r.extract))
	}

	fmt.Fprintln(w)
	count := last.latencyCount - first.latencyCount
	if count > 0 {
		fmt.Fprintf(w, "  %-14s avg: %.4fs  (%.0f observations)\n", "Msg latency",
			(last.latencySum-first.latencySum)/count, count)
	} else {
		fmt.Fprintf(w, "  %-14s avg: N/A  (no observations)\n", "Msg latency")
	}
}

func peak(snaps []snapshot, extract func(snapshot) float64) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > p {
			p = v
		}
	}
	return p
}
