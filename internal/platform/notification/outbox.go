package notification

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusDropped = "dropped"
)

var (
	ErrNotFound     = errors.New("notification not found")
	ErrNotRetryable = errors.New("notification not retryable")
)

// Record tracks the delivery of one message.
type Record struct {
	Message   Message    `json:"message"`
	Status    string     `json:"status"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// Outbox is the in-memory delivery log. It keeps at most limit records and
// forgets the oldest first.
type Outbox struct {
	mu      sync.RWMutex
	limit   int
	records map[string]*Record
	order   []string
}

func NewOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = 10000
	}
	return &Outbox{limit: limit, records: make(map[string]*Record)}
}

func (o *Outbox) add(msg Message, status string, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.records[msg.ID]; !ok {
		o.order = append(o.order, msg.ID)
	}
	o.records[msg.ID] = &Record{Message: msg, Status: status, UpdatedAt: now}
	for len(o.order) > o.limit {
		delete(o.records, o.order[0])
		o.order = o.order[1:]
	}
}

// markStarted counts a delivery attempt. Workers may only start queued
// records; retries may only start failed or dropped ones.
func (o *Outbox) markStarted(id string, retry bool, now time.Time) (Message, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[id]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if retry {
		if r.Status != StatusFailed && r.Status != StatusDropped {
			return Message{}, fmt.Errorf("%w: %q is %s", ErrNotRetryable, id, r.Status)
		}
	} else if r.Status != StatusPending || r.Attempts > 0 {
		return Message{}, fmt.Errorf("%w: %q is %s", ErrNotRetryable, id, r.Status)
	}
	r.Status = StatusPending
	r.Attempts++
	r.UpdatedAt = now
	return r.Message, nil
}

func (o *Outbox) markResult(id string, sendErr error, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[id]
	if !ok {
		return
	}
	r.UpdatedAt = now
	if sendErr != nil {
		r.Status = StatusFailed
		r.Error = sendErr.Error()
		return
	}
	r.Status = StatusSent
	r.Error = ""
	sent := now
	r.SentAt = &sent
}

func (o *Outbox) markDropped(id string, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.records[id]; ok {
		r.Status = StatusDropped
		r.UpdatedAt = now
	}
}

// Get returns a copy of the record.
func (o *Outbox) Get(id string) (Record, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// ListByTarget returns records addressed to the target, newest first, along
// with the total count before paging.
func (o *Outbox) ListByTarget(kind TargetKind, targetID string, limit, offset int) ([]Record, int) {
	o.mu.RLock()
	var matched []Record
	for _, id := range o.order {
		r := o.records[id]
		if r.Message.TargetKind == kind && r.Message.TargetID == targetID {
			matched = append(matched, *r)
		}
	}
	o.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Message.CreatedAt.After(matched[j].Message.CreatedAt)
	})
	total := len(matched)
	if offset >= total {
		return []Record{}, total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total
}

// Stats counts records by status.
func (o *Outbox) Stats() map[string]int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	stats := make(map[string]int)
	for _, r := range o.records {
		stats[r.Status]++
	}
	return stats
}
