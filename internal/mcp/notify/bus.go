// Package notify implements the in-process notification bus (spec.md
// §4.F): a registered list of subscribers, iterated on publish, with each
// subscriber failure logged and swallowed so a broken subscriber can never
// break the publisher. Ordering within one publish() call is preserved;
// concurrent publishers may interleave, exactly as spec.md §5 requires.
package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Notification is one outbound MCP notification (spec.md §6): a method
// name from the closed set (commandStatus, sessionEvent, ...) plus its
// params payload.
type Notification struct {
	Method string
	Params any
}

// Subscriber receives every Notification published after it registers.
// Implementations must not block for long — Publish calls subscribers
// synchronously and in order.
type Subscriber func(Notification)

// Bus is a registered list of Subscribers, protected by a read-biased lock
// since registration is rare and publish is frequent (spec.md §5).
type Bus struct {
	log *zap.Logger

	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewBus constructs an empty notification bus.
func NewBus(log *zap.Logger) *Bus {
	return &Bus{log: log.Named("notify")}
}

// Subscribe registers fn to receive every subsequent Publish call.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Publish delivers n to every subscriber in registration order. A
// subscriber panic is recovered, logged and swallowed — it never
// propagates to the caller or to other subscribers.
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.safeDeliver(sub, n)
	}
}

func (b *Bus) safeDeliver(sub Subscriber, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("notification subscriber panicked", zap.Any("recover", r), zap.String("method", n.Method))
		}
	}()
	sub(n)
}

// CommandStatusParams is the payload for notifications/commandStatus
// (spec.md §6).
type CommandStatusParams struct {
	CommandID string `json:"commandId"`
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
	Status    string `json:"status"`
	Progress  string `json:"progress,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SessionEventParams is the payload for notifications/sessionEvent
// (spec.md §6). Event is one of "created", "closed", "expired".
type SessionEventParams struct {
	SessionID string `json:"sessionId"`
	Event     string `json:"event"`
}

const (
	MethodCommandStatus = "notifications/commandStatus"
	MethodSessionEvent  = "notifications/sessionEvent"
)
