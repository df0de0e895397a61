package manager

import "time"

// 事件类型
const (
	EventAdded       = "added"
	EventEvicted     = "evicted"
	EventBlacklisted = "blacklisted"
	EventCycle       = "cycle"
)

// Event describes one change to the pool.
type Event struct {
	Type    string    `json:"type"`
	Address string    `json:"address,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	CycleID string    `json:"cycle_id,omitempty"`
	Time    time.Time `json:"time"`
}

// EventSink receives pool events. Publish must not block for long; it is
// called outside the pool lock.
type EventSink interface {
	Publish(Event)
}

// emitLocked buffers ev until the caller releases the lock via unlockAndFlush.
func (m *Manager) emitLocked(ev Event) {
	if m.events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = m.now()
	}
	m.pending = append(m.pending, ev)
}

// unlockAndFlush releases m.mu and then publishes buffered events.
func (m *Manager) unlockAndFlush() {
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, ev := range pending {
		m.events.Publish(ev)
	}
}
