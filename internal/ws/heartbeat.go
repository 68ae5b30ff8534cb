package ws

import (
	"log"
	"time"

	"github.com/whisper/support-desk/internal/metrics"
)

// HeartbeatConfig controls liveness probing of push connections. A
// connection silent for longer than Interval+Timeout is evicted; every
// other connection gets a ping each Interval, and the pong counts as
// activity.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (c HeartbeatConfig) deadline() time.Duration {
	return c.Interval + c.Timeout
}

// heartbeat sweeps connections every Interval until the server shuts down.
func (s *Server) heartbeat() {
	ticker := time.NewTicker(s.config.Heartbeat.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if n := s.sweep(now); n > 0 {
				log.Printf("ws: heartbeat evicted %d connections", n)
			}
		}
	}
}

// sweep evicts idle connections and pings the rest. It returns how many
// connections were removed.
func (s *Server) sweep(now time.Time) int {
	deadline := s.config.Heartbeat.deadline()
	evicted := 0
	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			log.Printf("ws: heartbeat timeout conn=%s idle=%s", c.ID, idle.Round(time.Second))
			s.RemoveConnection(c)
			evicted++
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Printf("ws: ping failed conn=%s: %v", c.ID, err)
			s.RemoveConnection(c)
			evicted++
		}
	}
	metrics.HeartbeatEvictionsTotal.Add(float64(evicted))
	return evicted
}
