package bus

import "sync"

// mailbox is a thread-safe FIFO queue of pending messages for one worker.
// Mailboxes are unbounded; growth is kept in check by the retention-driven
// purge of message history (the bus drains mailboxes continuously).
type mailbox struct {
	mu      sync.Mutex
	entries []*Message
}

func newMailbox() *mailbox {
	return &mailbox{entries: make([]*Message, 0)}
}

// enqueue appends a message to the back of the mailbox.
func (m *mailbox) enqueue(msg *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, msg)
}

// drain removes and returns all pending messages in FIFO order.
// Returns an empty slice if the mailbox was already empty.
func (m *mailbox) drain() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return nil
	}
	out := m.entries
	m.entries = make([]*Message, 0)
	return out
}

// size returns the number of pending messages.
func (m *mailbox) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
