// Package network tracks device connectivity for the sync core.
package network

import (
	"context"
	"sync"

	"github.com/actionunit/aumanager/backend/internal/logging"
	"github.com/actionunit/aumanager/backend/internal/pubsub"
)

// ConnectionType is the transport the device is using.
type ConnectionType string

const (
	TypeWifi     ConnectionType = "wifi"
	TypeCellular ConnectionType = "cellular"
	TypeEthernet ConnectionType = "ethernet"
	TypeNone     ConnectionType = "none"
	TypeUnknown  ConnectionType = "unknown"
)

// ParseConnectionType maps a host platform string to a ConnectionType.
func ParseConnectionType(s string) ConnectionType {
	switch ConnectionType(s) {
	case TypeWifi, TypeCellular, TypeEthernet, TypeNone:
		return ConnectionType(s)
	}
	return TypeUnknown
}

// Status is a point-in-time connectivity report.
type Status struct {
	Connected bool           `json:"connected"`
	Type      ConnectionType `json:"connectionType"`
}

// Offline is the status before the host reports anything.
var Offline = Status{Connected: false, Type: TypeNone}

// Monitor is the single source of truth for connectivity. The host platform
// pushes events through Report; everything else reads or subscribes.
type Monitor struct {
	mu    sync.Mutex
	stats *pubsub.Broadcaster[Status]
}

// NewMonitor creates a monitor seeded with initial.
func NewMonitor(initial Status) *Monitor {
	return &Monitor{stats: pubsub.NewWithValue(initial, pubsub.DefaultBuffer)}
}

// Report records a new status. A status equal to the current one is not
// re-broadcast. It returns whether the status changed.
func (m *Monitor) Report(s Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, _ := m.stats.Current()
	if cur == s {
		return false
	}
	m.stats.Publish(s)

	logging.Info("[Network] Status changed", map[string]interface{}{
		"was_connected": cur.Connected,
		"connected":     s.Connected,
		"type":          s.Type,
	})
	return true
}

// Current returns the last known status without waiting.
func (m *Monitor) Current() Status {
	s, _ := m.stats.Current()
	return s
}

// IsOnline reports whether the device is connected.
func (m *Monitor) IsOnline(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return m.Current().Connected
}

// Subscribe streams status changes, starting with the current status.
func (m *Monitor) Subscribe() (<-chan Status, func()) {
	return m.stats.Subscribe()
}

// OnReconnect returns a channel that fires on every disconnected to
// connected transition. The channel closes when ctx is done or the monitor
// is closed.
func (m *Monitor) OnReconnect(ctx context.Context) <-chan Status {
	statuses, cancel := m.Subscribe()
	out := make(chan Status, 1)

	go func() {
		defer close(out)
		defer cancel()

		first := true
		was := false
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-statuses:
				if !ok {
					return
				}
				edge := !first && !was && s.Connected
				first = false
				was = s.Connected
				if !edge {
					continue
				}
				select {
				case out <- s:
				default:
					// a reconnect is already pending delivery
				}
			}
		}
	}()
	return out
}

// Close ends every subscription.
func (m *Monitor) Close() {
	m.stats.Close()
}
