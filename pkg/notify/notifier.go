// Package notify implements the change-event bus for the ThreadMesh security
// core. Components signal enumerated change flags; subscribers receive them
// synchronously on the signalling goroutine.
package notify

import "sync"

// Flags is a bit set of state-change events.
type Flags uint32

const (
	// ChangedMasterKey indicates the network master key was replaced
	ChangedMasterKey Flags = 1 << iota
	// ChangedPSKc indicates the commissioning pre-shared key was set
	ChangedPSKc
	// ChangedKeySequence indicates the key sequence counter advanced
	ChangedKeySequence
	// ChangedSecurityPolicy indicates the security policy flags were updated
	ChangedSecurityPolicy
)

// String returns a short name for a single-bit flag value.
func (f Flags) String() string {
	switch f {
	case ChangedMasterKey:
		return "master-key"
	case ChangedPSKc:
		return "pskc"
	case ChangedKeySequence:
		return "key-sequence"
	case ChangedSecurityPolicy:
		return "security-policy"
	default:
		return "multiple"
	}
}

// Names expands a flag set into the names of its set bits.
func (f Flags) Names() []string {
	var names []string
	for _, bit := range []Flags{ChangedMasterKey, ChangedPSKc, ChangedKeySequence, ChangedSecurityPolicy} {
		if f&bit != 0 {
			names = append(names, bit.String())
		}
	}
	return names
}

// Callback receives the flags of a single Signal call.
type Callback func(Flags)

// Notifier fans change flags out to subscribers and remembers which flags have
// been signalled at least once, which backs the SignalIfFirst semantics used
// by idempotent setters.
type Notifier struct {
	mu        sync.Mutex
	signaled  Flags
	callbacks []Callback
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers a callback invoked on every Signal. Callbacks run
// synchronously, in subscription order, on the goroutine that signals.
func (n *Notifier) Subscribe(cb Callback) {
	n.mu.Lock()
	n.callbacks = append(n.callbacks, cb)
	n.mu.Unlock()
}

// Signal marks the given flags as signalled and dispatches them to all
// subscribers.
func (n *Notifier) Signal(flags Flags) {
	n.mu.Lock()
	n.signaled |= flags
	callbacks := make([]Callback, len(n.callbacks))
	copy(callbacks, n.callbacks)
	n.mu.Unlock()

	for _, cb := range callbacks {
		cb(flags)
	}
}

// SignalIfFirst signals the given flags only if they have not all been
// signalled before.
func (n *Notifier) SignalIfFirst(flags Flags) {
	if n.HasSignaled(flags) {
		return
	}
	n.Signal(flags)
}

// HasSignaled reports whether every bit in flags has been signalled at least
// once since construction.
func (n *Notifier) HasSignaled(flags Flags) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.signaled&flags == flags
}
