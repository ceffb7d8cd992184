package meshcop

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/threadmesh/threadmesh/pkg/logging"
	"github.com/threadmesh/threadmesh/pkg/security"
)

const (
	// MaxProvisioningURLLength bounds the provisioning URL advertised to
	// joiners.
	MaxProvisioningURLLength = 64
	// MinPSKdLength is the minimum joiner device credential length.
	MinPSKdLength = 6
	// MaxPSKdLength is the maximum joiner device credential length.
	MaxPSKdLength = 32
	// DefaultJoinerTimeout is how long a joiner entry stays eligible.
	DefaultJoinerTimeout = 120 * time.Second

	// pskdAlphabet is the Base32-Thread character set: uppercase without the
	// easily confused I, O, Q and Z.
	pskdAlphabet = "ABCDEFGHJKLMNPRSTUVWXY1234567890"
)

var (
	// ErrInvalidState indicates the operation is not permitted in the
	// current commissioner or joiner state
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrInvalidPSKd indicates a malformed joiner device credential
	ErrInvalidPSKd = errors.New("PSKd must be 6 to 32 Base32-Thread characters")
	// ErrProvisioningURLTooLong indicates the provisioning URL exceeds the
	// advertised maximum
	ErrProvisioningURLTooLong = errors.New("provisioning URL exceeds 64 bytes")
	// ErrJoinerNotFound indicates no joiner entry matches the given address
	ErrJoinerNotFound = errors.New("no matching joiner entry")
)

// CommissionerState is the commissioner lifecycle state.
type CommissionerState int

const (
	// CommissionerStateDisabled means the commissioner role is inactive.
	CommissionerStateDisabled CommissionerState = iota
	// CommissionerStatePetition means the petition to become the active
	// commissioner is in flight.
	CommissionerStatePetition
	// CommissionerStateActive means this node is the active commissioner.
	CommissionerStateActive
)

// String returns the state name.
func (s CommissionerState) String() string {
	switch s {
	case CommissionerStatePetition:
		return "petition"
	case CommissionerStateActive:
		return "active"
	default:
		return "disabled"
	}
}

// StateCallback observes commissioner state transitions.
type StateCallback func(CommissionerState)

// joinerEntry is one device admitted to join: either a specific EUI-64 or
// the any-joiner wildcard, with its device credential and expiry.
type joinerEntry struct {
	eui64  [8]byte
	any    bool
	pskd   string
	expiry time.Time
}

// Commissioner is the thin commissioning shim over the security core. It
// manages the joiner allow-list, the provisioning URL, and the network
// commissioning credential that becomes the PSKc.
type Commissioner struct {
	mu              sync.Mutex
	state           CommissionerState
	joiners         []joinerEntry
	provisioningURL string
	stateCb         StateCallback

	km    *security.KeyManager
	clock security.Clock
	log   *logging.Logger
}

// NewCommissioner creates a disabled commissioner bound to the key manager.
// A nil clock selects the system clock.
func NewCommissioner(km *security.KeyManager, clock security.Clock, log *logging.Logger) *Commissioner {
	if clock == nil {
		clock = security.SystemClock()
	}
	if log == nil {
		log = logging.NewLogger("commissioner", logging.INFO, nil)
	}
	return &Commissioner{km: km, clock: clock, log: log}
}

// Start petitions for the commissioner role. The petition is local in this
// stack, so the transition to active is immediate.
func (c *Commissioner) Start(cb StateCallback) error {
	c.mu.Lock()
	if c.state != CommissionerStateDisabled {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.stateCb = cb
	c.setStateLocked(CommissionerStatePetition)
	c.setStateLocked(CommissionerStateActive)
	c.mu.Unlock()

	c.log.Info("commissioner active")
	return nil
}

// Stop resigns the commissioner role and drops all joiner entries.
func (c *Commissioner) Stop() error {
	c.mu.Lock()
	if c.state == CommissionerStateDisabled {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.joiners = nil
	c.setStateLocked(CommissionerStateDisabled)
	c.mu.Unlock()

	c.log.Info("commissioner stopped")
	return nil
}

// State returns the commissioner lifecycle state.
func (c *Commissioner) State() CommissionerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddJoiner admits a device to join. A nil eui64 admits any joiner
// presenting the credential. A zero timeout uses DefaultJoinerTimeout.
func (c *Commissioner) AddJoiner(eui64 *[8]byte, pskd string, timeout time.Duration) error {
	if err := validatePSKd(pskd); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CommissionerStateActive {
		return ErrInvalidState
	}

	if timeout == 0 {
		timeout = DefaultJoinerTimeout
	}
	entry := joinerEntry{pskd: pskd, expiry: c.clock.Now().Add(timeout)}
	if eui64 == nil {
		entry.any = true
	} else {
		entry.eui64 = *eui64
	}

	// Replace an existing entry for the same address.
	c.removeJoinerLocked(eui64)
	c.joiners = append(c.joiners, entry)

	c.log.Info("joiner added", logging.Fields{"any": entry.any})
	return nil
}

// RemoveJoiner withdraws a previously admitted device. A nil eui64 removes
// the any-joiner wildcard entry.
func (c *Commissioner) RemoveJoiner(eui64 *[8]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CommissionerStateActive {
		return ErrInvalidState
	}
	if !c.removeJoinerLocked(eui64) {
		return ErrJoinerNotFound
	}
	return nil
}

// FindJoiner returns the device credential for the joiner with the given
// EUI-64, falling back to the wildcard entry. Expired entries are pruned.
func (c *Commissioner) FindJoiner(eui64 [8]byte) (pskd string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneExpiredLocked()

	var wildcard *joinerEntry
	for i := range c.joiners {
		e := &c.joiners[i]
		if e.any {
			wildcard = e
			continue
		}
		if bytes.Equal(e.eui64[:], eui64[:]) {
			return e.pskd, true
		}
	}
	if wildcard != nil {
		return wildcard.pskd, true
	}
	return "", false
}

// SetProvisioningURL sets the URL advertised to joiners during
// commissioning.
func (c *Commissioner) SetProvisioningURL(url string) error {
	if len(url) > MaxProvisioningURLLength {
		return ErrProvisioningURLTooLong
	}
	c.mu.Lock()
	c.provisioningURL = url
	c.mu.Unlock()
	return nil
}

// ProvisioningURL returns the advertised provisioning URL.
func (c *Commissioner) ProvisioningURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provisioningURL
}

// SetCredential derives the PSKc from a commissioning credential and hands
// it to the key manager.
func (c *Commissioner) SetCredential(credential, networkName string, extPanID [8]byte) error {
	pskc, err := GeneratePSKc(credential, networkName, extPanID)
	if err != nil {
		return err
	}
	c.km.SetPSKc(pskc)
	return nil
}

// DeliverKek runs the commissioner side of the KEK exchange for an admitted
// joiner and installs the KEK in the key manager. The returned ciphertext is
// entrusted to the joiner.
func (c *Commissioner) DeliverKek(joinerPublic []byte) ([]byte, error) {
	if c.State() != CommissionerStateActive {
		return nil, ErrInvalidState
	}

	kek, ciphertext, err := EstablishKek(joinerPublic)
	if err != nil {
		return nil, err
	}
	c.km.SetKek(kek)

	c.log.Info("KEK established for joiner")
	return ciphertext, nil
}

func (c *Commissioner) setStateLocked(state CommissionerState) {
	if c.state == state {
		return
	}
	c.state = state
	if c.stateCb != nil {
		c.stateCb(state)
	}
}

func (c *Commissioner) removeJoinerLocked(eui64 *[8]byte) bool {
	for i := range c.joiners {
		e := &c.joiners[i]
		match := (eui64 == nil && e.any) || (eui64 != nil && !e.any && bytes.Equal(e.eui64[:], eui64[:]))
		if match {
			c.joiners = append(c.joiners[:i], c.joiners[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Commissioner) pruneExpiredLocked() {
	now := c.clock.Now()
	kept := c.joiners[:0]
	for _, e := range c.joiners {
		if e.expiry.After(now) {
			kept = append(kept, e)
		}
	}
	c.joiners = kept
}

// validatePSKd checks a joiner device credential against the Base32-Thread
// rules.
func validatePSKd(pskd string) error {
	if len(pskd) < MinPSKdLength || len(pskd) > MaxPSKdLength {
		return ErrInvalidPSKd
	}
	for _, r := range pskd {
		if !strings.ContainsRune(pskdAlphabet, r) {
			return ErrInvalidPSKd
		}
	}
	return nil
}
