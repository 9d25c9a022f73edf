package session

import (
	"sync"
	"time"
)

// Liveness tracks server keepalive probes. The remote endpoint pings idle
// connections and reclaims ones that stop answering; the router answers
// every ping with a pong and records it here so the client can tell a
// quiet-but-alive channel from a dead one.
type Liveness struct {
	mu       sync.Mutex
	lastPing time.Time
	pings    int
}

func NewLiveness() *Liveness {
	return &Liveness{}
}

// ObservePing records a keepalive probe.
func (l *Liveness) ObservePing() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastPing = time.Now()
	l.pings++
}

// LastPing returns when the last probe arrived; zero if none yet.
func (l *Liveness) LastPing() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastPing
}

// Pings returns the number of probes observed on this connection.
func (l *Liveness) Pings() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pings
}
