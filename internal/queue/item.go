package queue

import "time"

// Status is the delivery state of a queued item.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRetrying Status = "retrying"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
)

// Pending reports whether the scheduler may still pick the item up.
func (s Status) Pending() bool {
	return s == StatusQueued || s == StatusRetrying
}

// Terminal reports whether the item is finished and must not be attempted again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Item is one unit of work waiting to be delivered. Timestamps are epoch
// milliseconds so the persisted form matches what dashboards read.
type Item[P any] struct {
	ID            string `json:"id"`
	Payload       P      `json:"payload"`
	Status        Status `json:"status"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"lastError"`
	NextAttemptAt int64  `json:"nextAttemptAt"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
}

// Due reports whether the item may be attempted at now.
func (it Item[P]) Due(now time.Time) bool {
	return it.Status.Pending() && it.NextAttemptAt <= now.UnixMilli()
}

// Summary is the derived per-status view published after every mutation.
// It is a UI signal, never the source of truth.
type Summary struct {
	Queued    int    `json:"queued"`
	Retrying  int    `json:"retrying"`
	Success   int    `json:"success"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
	NextDue   int64  `json:"nextDue,omitempty"`
	Size      int    `json:"size"`
	NextInSec int64  `json:"nextInSec"`
	LastError string `json:"lastError,omitempty"`
	TS        int64  `json:"ts"`
}

// Pending is the number of items still waiting for delivery.
func (s Summary) Pending() int {
	return s.Queued + s.Retrying
}

// sameCounts compares everything except the timestamp fields.
func (s Summary) sameCounts(o Summary) bool {
	return s.Queued == o.Queued && s.Retrying == o.Retrying && s.Success == o.Success &&
		s.Failed == o.Failed && s.Total == o.Total && s.NextDue == o.NextDue && s.LastError == o.LastError
}

// Summarize derives the summary of items at now.
func Summarize[P any](items []Item[P], now time.Time) Summary {
	s := Summary{TS: now.UnixMilli()}
	var lastUpdate int64
	for _, it := range items {
		s.Total++
		switch it.Status {
		case StatusQueued:
			s.Queued++
		case StatusRetrying:
			s.Retrying++
		case StatusSuccess:
			s.Success++
		case StatusFailed:
			s.Failed++
		}
		if it.Status.Pending() && (s.NextDue == 0 || it.NextAttemptAt < s.NextDue) {
			s.NextDue = it.NextAttemptAt
		}
		if it.LastError != "" && it.Status != StatusSuccess && it.UpdatedAt >= lastUpdate {
			lastUpdate = it.UpdatedAt
			s.LastError = it.LastError
		}
	}
	s.Size = s.Pending()
	if s.NextDue > 0 {
		if wait := s.NextDue - s.TS; wait > 0 {
			s.NextInSec = (wait + 999) / 1000
		}
	}
	return s
}
