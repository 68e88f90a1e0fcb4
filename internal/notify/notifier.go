package notify

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kalambet/ascmsync/internal/queue"
)

// SlotWriter is the storage the summary slots are mirrored into.
type SlotWriter interface {
	SetSlot(key, value string) error
}

// SummarySlot returns the slot name holding the mirrored summary of a queue.
func SummarySlot(queueName string) string {
	return queueName + "_queue_summary"
}

// Notifier implements queue.Notifier. Every operation is best-effort.
type Notifier struct {
	slots  SlotWriter
	bus    *Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewNotifier creates a Notifier. slots may be nil to skip the slot mirror.
func NewNotifier(slots SlotWriter, bus *Bus, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{slots: slots, bus: bus, logger: logger, now: time.Now}
}

// WithClock sets the time source for message timestamps.
func (n *Notifier) WithClock(now func() time.Time) *Notifier {
	if now != nil {
		n.now = now
	}
	return n
}

// PublishSummary mirrors s into the queue's summary slot and broadcasts it.
func (n *Notifier) PublishSummary(queueName string, s queue.Summary) {
	if n.slots != nil {
		data, err := json.Marshal(s)
		if err == nil {
			err = n.slots.SetSlot(SummarySlot(queueName), string(data))
		}
		if err != nil {
			n.logger.Debug("mirroring queue summary failed", "queue", queueName, "error", err)
		}
	}
	n.RelaySummary(queueName, s)
}

// RelaySummary broadcasts s without touching storage.
func (n *Notifier) RelaySummary(queueName string, s queue.Summary) {
	if n.bus == nil {
		return
	}
	n.bus.Publish(Message{Type: QueueUpdateType(queueName), Summary: &s, At: n.now().UnixMilli()})
}

// DataUpdated tells dashboards to refetch the data behind queueName.
func (n *Notifier) DataUpdated(queueName string) {
	if n.bus == nil {
		return
	}
	n.bus.Publish(Message{Type: DataUpdatedType(queueName), At: n.now().UnixMilli()})
}
