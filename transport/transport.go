// Package transport delivers alerts to vehicles.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/v2icoord/model"
)

// AlertSubjectPrefix is prepended to the vehicle id to form the delivery subject.
const AlertSubjectPrefix = "v2i.alerts."

// AlertSubject returns the subject alerts for vehicleID are published on.
func AlertSubject(vehicleID string) string {
	return AlertSubjectPrefix + vehicleID
}

// PublishTimeout bounds a single alert publish.
const PublishTimeout = 2 * time.Second

// Publisher is the slice of *natsclient.Client that NATSAlerts needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

var _ Publisher = (*natsclient.Client)(nil)

// NATSAlerts publishes each alert as JSON on v2i.alerts.<vehicleID>.
type NATSAlerts struct {
	conn Publisher
}

// NewNATSAlerts creates a transport over conn.
func NewNATSAlerts(conn Publisher) *NATSAlerts {
	return &NATSAlerts{conn: conn}
}

// Enqueue publishes a to the vehicle's subject.
func (t *NATSAlerts) Enqueue(vehicleID string, a model.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", a.ID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
	defer cancel()
	if err := t.conn.Publish(ctx, AlertSubject(vehicleID), data); err != nil {
		return fmt.Errorf("publish alert %s to %s: %w", a.ID, vehicleID, err)
	}
	return nil
}

// ErrMailboxFull is returned by Memory when a vehicle's mailbox is at capacity.
var ErrMailboxFull = errors.New("mailbox full")

// DefaultMailboxSize bounds each vehicle's mailbox in Memory.
const DefaultMailboxSize = 64

// Memory keeps alerts in bounded per-vehicle mailboxes. It is used when no
// broker is configured and by tests.
type Memory struct {
	mu       sync.Mutex
	size     int
	mailbox  map[string][]model.Alert
	rejected int
}

// NewMemory creates a Memory transport. size <= 0 means DefaultMailboxSize.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Memory{size: size, mailbox: make(map[string][]model.Alert)}
}

// Enqueue appends a to the vehicle's mailbox, failing when it is full.
func (m *Memory) Enqueue(vehicleID string, a model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.mailbox[vehicleID]) >= m.size {
		m.rejected++
		return fmt.Errorf("vehicle %s: %w", vehicleID, ErrMailboxFull)
	}
	m.mailbox[vehicleID] = append(m.mailbox[vehicleID], a)
	return nil
}

// Drain removes and returns the vehicle's pending alerts, oldest first.
func (m *Memory) Drain(vehicleID string) []model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.mailbox[vehicleID]
	delete(m.mailbox, vehicleID)
	return out
}

// Pending returns how many alerts wait for vehicleID.
func (m *Memory) Pending(vehicleID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mailbox[vehicleID])
}

// Rejected returns how many deliveries failed on a full mailbox.
func (m *Memory) Rejected() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected
}
