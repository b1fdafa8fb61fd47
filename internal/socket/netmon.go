package socket

import (
	"context"
	"net"
	"sync"
	"time"
)

// NetworkMonitor emits reachability transitions: true when the network
// became usable, false when it was lost.
type NetworkMonitor interface {
	Changes() <-chan bool
	Close() error
}

// BindMonitor fans reachability transitions out to the managers until the
// monitor closes.
func BindMonitor(mon NetworkMonitor, mgrs ...*Manager) {
	go func() {
		for online := range mon.Changes() {
			for _, m := range mgrs {
				m.SetOnline(online)
			}
		}
	}()
}

// ProbeMonitor is the default monitor: it dials a well-known address on a
// fixed interval and reports transitions only, never repeats.
type ProbeMonitor struct {
	addr     string
	interval time.Duration

	changes chan bool
	once    sync.Once
	done    chan struct{}
}

func NewProbeMonitor(addr string, interval time.Duration) *ProbeMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m := &ProbeMonitor{
		addr:     addr,
		interval: interval,
		changes:  make(chan bool, 4),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *ProbeMonitor) Changes() <-chan bool {
	return m.changes
}

func (m *ProbeMonitor) Close() error {
	m.once.Do(func() {
		close(m.done)
	})
	return nil
}

func (m *ProbeMonitor) run() {
	defer close(m.changes)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	last := true
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			online := m.probe()
			if online == last {
				continue
			}
			last = online
			select {
			case m.changes <- online:
			case <-m.done:
				return
			}
		}
	}
}

func (m *ProbeMonitor) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
