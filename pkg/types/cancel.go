package types

import "sync/atomic"

// CancelToken is a shared flag checked cooperatively by handlers.
// Cancellation is idempotent; the flag never resets.
type CancelToken struct {
	flag atomic.Bool
}

// Cancel sets the flag. Safe to call from any goroutine, any number
// of times.
func (t *CancelToken) Cancel() {
	t.flag.Store(true)
}

// Canceled reports whether cancellation has been requested.
func (t *CancelToken) Canceled() bool {
	return t.flag.Load()
}

// Check returns a Canceled error once cancellation has been requested,
// nil otherwise. Handlers call this at yield points.
func (t *CancelToken) Check() error {
	if t.flag.Load() {
		return &ErrorInfo{Kind: KindCanceled, Message: "canceled"}
	}
	return nil
}

// ProgressSink receives handler-reported progress in percent (0-100).
type ProgressSink interface {
	Report(pct int)
}

// NoopProgress discards progress reports. Used on the synchronous path
// where nothing observes progress.
type NoopProgress struct{}

func (NoopProgress) Report(int) {}
