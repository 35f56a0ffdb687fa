package link

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/capturectl/internal/protocol"
)

// PendingCommand tracks one command awaiting its ack.
type PendingCommand struct {
	ID            string
	Command       string
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
}

type pendingEntry struct {
	info PendingCommand
	ack  chan protocol.Envelope
}

// Outbox correlates outstanding commands with incoming acks.
type Outbox struct {
	mu    sync.Mutex
	items map[string]*pendingEntry
}

func NewOutbox() *Outbox {
	return &Outbox{items: make(map[string]*pendingEntry)}
}

func (o *Outbox) register(cmd protocol.Envelope, now time.Time) <-chan protocol.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry := &pendingEntry{
		info: PendingCommand{ID: cmd.ID, Command: cmd.Command, QueuedAt: now},
		ack:  make(chan protocol.Envelope, 1),
	}
	o.items[strings.TrimSpace(cmd.ID)] = entry
	return entry.ack
}

func (o *Outbox) markAttempt(id string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry, ok := o.items[strings.TrimSpace(id)]; ok {
		entry.info.Attempts++
		entry.info.LastAttemptAt = at
	}
}

// resolve delivers ack to its waiter. It reports false for unknown ids.
func (o *Outbox) resolve(ack protocol.Envelope) bool {
	o.mu.Lock()
	entry, ok := o.items[strings.TrimSpace(ack.ID)]
	if ok {
		delete(o.items, strings.TrimSpace(ack.ID))
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	entry.ack <- ack
	return true
}

func (o *Outbox) remove(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, strings.TrimSpace(id))
}

func (o *Outbox) Get(id string) (PendingCommand, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.items[strings.TrimSpace(id)]
	if !ok {
		return PendingCommand{}, false
	}
	return entry.info, true
}

func (o *Outbox) List() []PendingCommand {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PendingCommand, 0, len(o.items))
	for _, entry := range o.items {
		out = append(out, entry.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
