package queue

import "encoding/json"

// Controller is the payload-agnostic surface of a Queue, used by the HTTP
// API and CLI to inspect and manage queues of any kind.
type Controller interface {
	Name() string
	Summary() Summary
	ListRaw() []Item[json.RawMessage]
	Kick()
	Refresh()
	RetryFailed() int
	ClearFailed() int
	ClearTerminal() int
	Remove(id string) bool
	Subscribe(fn func(Summary)) (unsubscribe func())
}

var _ Controller = (*Queue[struct{}])(nil)

// ListRaw returns the persisted items with payloads left as encoded JSON.
func (q *Queue[P]) ListRaw() []Item[json.RawMessage] {
	items := q.store.Read()
	out := make([]Item[json.RawMessage], 0, len(items))
	for _, it := range items {
		raw, err := json.Marshal(it.Payload)
		if err != nil {
			raw = json.RawMessage("null")
		}
		out = append(out, Item[json.RawMessage]{
			ID:            it.ID,
			Payload:       raw,
			Status:        it.Status,
			Attempts:      it.Attempts,
			LastError:     it.LastError,
			NextAttemptAt: it.NextAttemptAt,
			CreatedAt:     it.CreatedAt,
			UpdatedAt:     it.UpdatedAt,
		})
	}
	return out
}
