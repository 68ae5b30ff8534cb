// Package loadtest drives many concurrent support conversations against a
// running support desk and reports client-side latencies alongside the
// server's own Prometheus counters.
package loadtest

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates results from all conversations. It is safe for
// concurrent use.
type Collector struct {
	mu            sync.Mutex
	escalate      []time.Duration
	userToAdmin   []time.Duration
	adminToUser   []time.Duration
	conversations int
	errors        int
	startTime     time.Time
	scraper       *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a metrics scraper whose summary is added to Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

func (c *Collector) AddEscalate(d time.Duration) {
	c.mu.Lock()
	c.escalate = append(c.escalate, d)
	c.mu.Unlock()
}

func (c *Collector) AddUserToAdmin(d time.Duration) {
	c.mu.Lock()
	c.userToAdmin = append(c.userToAdmin, d)
	c.mu.Unlock()
}

func (c *Collector) AddAdminToUser(d time.Duration) {
	c.mu.Lock()
	c.adminToUser = append(c.adminToUser, d)
	c.mu.Unlock()
}

// AddConversation records a conversation that ran to resolution.
func (c *Collector) AddConversation() {
	c.mu.Lock()
	c.conversations++
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// Counts returns completed conversations and errors so far.
func (c *Collector) Counts() (conversations, errors int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversations, c.errors
}

// Report writes the summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:       %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Conversations:  %d\n", c.conversations)
	fmt.Fprintf(w, "Errors:         %d\n", c.errors)

	sections := []struct {
		title string
		data  []time.Duration
	}{
		{"Escalate", c.escalate},
		{"User -> Admin", c.userToAdmin},
		{"Admin -> User", c.adminToUser},
	}
	for _, s := range sections {
		if len(s.data) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", s.title)
		fmt.Fprintln(w, "  "+Summarize(s.data).String())
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// Percentiles is a latency distribution summary.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes percentiles over ds. It sorts a copy.
func Summarize(ds []time.Duration) Percentiles {
	n := len(ds)
	if n == 0 {
		return Percentiles{}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: sorted[int(math.Ceil(float64(n)*0.95))-1],
		P99: sorted[int(math.Ceil(float64(n)*0.99))-1],
		Max: sorted[n-1],
	}
}

func (p Percentiles) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}
