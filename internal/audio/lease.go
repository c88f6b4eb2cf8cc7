package audio

import (
	"fmt"
	"sync"
)

// Owner names a microphone consumer
type Owner string

const (
	OwnerCapture  Owner = "push-to-talk"
	OwnerRealtime Owner = "live-voice"
)

// Lease grants exclusive microphone ownership. A second owner is rejected,
// never silently swapped in.
type Lease struct {
	mu     sync.Mutex
	holder Owner
}

// NewLease creates an unheld lease
func NewLease() *Lease {
	return &Lease{}
}

// TryAcquire takes the microphone for owner or fails with ErrMicrophoneBusy.
func (l *Lease) TryAcquire(owner Owner) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != "" {
		return fmt.Errorf("%w by %s", ErrMicrophoneBusy, l.holder)
	}
	l.holder = owner
	return nil
}

// Release gives the microphone back. It is a no-op unless owner holds it.
func (l *Lease) Release(owner Owner) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != owner {
		return false
	}
	l.holder = ""
	return true
}

// Holder returns the current owner, or "".
func (l *Lease) Holder() Owner {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
