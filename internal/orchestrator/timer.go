package orchestrator

import "time"

// SyncTimer remembers when synchronization was last confirmed. It has no
// locking of its own; the orchestrator guards it.
type SyncTimer struct {
	validity time.Duration
	setAt    time.Time
	set      bool
}

// NewSyncTimer returns an empty timer whose confirmations last validity.
func NewSyncTimer(validity time.Duration) SyncTimer {
	return SyncTimer{validity: validity}
}

// MarkValid records a confirmation at now.
func (t *SyncTimer) MarkValid(now time.Time) {
	t.setAt = now
	t.set = true
}

// IsValid reports whether a confirmation is recorded and younger than the
// validity.
func (t *SyncTimer) IsValid(now time.Time) bool {
	return t.set && now.Sub(t.setAt) < t.validity
}

// Invalidate forgets the last confirmation.
func (t *SyncTimer) Invalidate() {
	t.set = false
	t.setAt = time.Time{}
}

// SetAt returns the time of the last confirmation, if any.
func (t *SyncTimer) SetAt() (time.Time, bool) {
	return t.setAt, t.set
}
