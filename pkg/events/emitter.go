package events

import "context"

// Emitter combines the journal append and the per-run webhook fan-out.
// Emit is safe to call from inside store transactions: it performs no
// database I/O and never returns an error.
type Emitter struct {
	journal  *Journal
	notifier *Notifier
}

// NewEmitter creates an emitter. notifier may be nil (webhooks disabled).
func NewEmitter(journal *Journal, notifier *Notifier) *Emitter {
	return &Emitter{journal: journal, notifier: notifier}
}

// Emit appends the event to the journal and, when the owning run has a
// notify URL, fires the webhook in a detached goroutine so emission never
// blocks a pipeline transition on network I/O.
func (e *Emitter) Emit(ev Event, notifyURL string) {
	if e == nil || e.journal == nil {
		return
	}
	e.journal.Append(ev)

	if notifyURL != "" && e.notifier != nil {
		go e.notifier.Notify(context.Background(), notifyURL, ev)
	}
}

// Journal exposes the underlying journal for read-back queries.
func (e *Emitter) Journal() *Journal {
	return e.journal
}
