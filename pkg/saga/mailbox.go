package saga

import (
	"sync"
	"time"
)

// StepReply is a service's answer to one saga step.
type StepReply struct {
	StepID     string
	EventType  string
	Success    bool
	Data       map[string]any
	Error      string
	ReceivedAt time.Time
}

// replyBox collects the replies of one saga instance, keyed by step. The
// first reply per step wins; redelivered or duplicate replies are dropped so
// an at-least-once bus cannot flip a step's outcome.
type replyBox struct {
	mu      sync.Mutex
	replies map[string]*StepReply
}

func newReplyBox() *replyBox {
	return &replyBox{replies: make(map[string]*StepReply)}
}

func (b *replyBox) put(r *StepReply) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.replies[r.StepID]; dup {
		return false
	}
	b.replies[r.StepID] = r
	return true
}

func (b *replyBox) peek(stepID string) (*StepReply, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.replies[stepID]
	return r, ok
}
