// Package security implements the key-management core of the ThreadMesh
// stack: derivation and rotation of the symmetric keys protecting MAC frames
// and MLE messages, the frame counters that accompany them, rotation policy,
// and AEAD nonce construction.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/threadmesh/threadmesh/pkg/notify"
)

const (
	// KeySize is the size of the master key, PSKc, KEK and each derived
	// subkey (16 bytes).
	KeySize = 16
	// DerivedKeySize is the size of the HMAC-SHA-256 output holding both
	// subkeys.
	DerivedKeySize = sha256.Size
	// ExtAddressSize is the size of an IEEE 802.15.4 extended address.
	ExtAddressSize = 8

	// MinKeyRotationTime is the lowest accepted key rotation time in hours.
	MinKeyRotationTime = 1
	// DefaultKeyRotationTime is the default rotation interval (28 days).
	DefaultKeyRotationTime = 672
	// DefaultKeySwitchGuardTime is the default guard interval in hours.
	DefaultKeySwitchGuardTime = 624
	// DefaultSecurityPolicyFlags is the initial security policy.
	DefaultSecurityPolicyFlags = 0xff

	// macKeyOffset is where the MAC subkey starts inside the derived key;
	// the MLE subkey occupies the bytes before it.
	macKeyOffset = 16

	rotationTickInterval = time.Hour
)

// keyDerivationLabel is appended to the big-endian key sequence when deriving
// per-sequence keys, without a trailing NUL.
var keyDerivationLabel = []byte("Thread")

// DefaultMasterKey is the well-known pre-provisioning master key. A deployed
// network must replace it; the daemon warns while it is still in use.
var DefaultMasterKey = [KeySize]byte{
	0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77,
	0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
}

// ErrInvalidRotationTime is returned when a requested key rotation time is
// below MinKeyRotationTime.
var ErrInvalidRotationTime = errors.New("key rotation time below minimum")

// Notifier is the publish side of the change-event bus consumed by the key
// manager. *notify.Notifier satisfies it.
type Notifier interface {
	Signal(flags notify.Flags)
	SignalIfFirst(flags notify.Flags)
	HasSignaled(flags notify.Flags) bool
}

// Peer is the view of a neighbor record mutated during master-key
// replacement.
type Peer interface {
	SetKeySequence(keySequence uint32)
	SetLinkFrameCounter(counter uint32)
	SetMleFrameCounter(counter uint32)
}

// PeerTables is the view of the router and child tables held by the MLE
// subsystem. Iteration over children must skip records in the invalid state.
type PeerTables interface {
	// Parent returns the parent record. Early in a node's lifecycle this is
	// a sentinel self record rather than a true peer; it is still reset.
	Parent() Peer
	ForEachRouter(fn func(Peer))
	ForEachChild(fn func(Peer))
}

// FrameCounterStore persists the frame counters. Store is best-effort: it
// must not return an error into the manager, and it raises the stored
// thresholds via SetStoredMacFrameCounter / SetStoredMleFrameCounter as part
// of completing the write.
type FrameCounterStore interface {
	Store()
}

// PersistedState is the security material handed to the persistence layer.
type PersistedState struct {
	MasterKey           [KeySize]byte
	KeySequence         uint32
	MacFrameCounter     uint32
	MleFrameCounter     uint32
	PSKc                [KeySize]byte
	PSKcSet             bool
	KeyRotationTime     uint32
	SecurityPolicyFlags uint8
}

// KeyManager owns the mesh security material: master key, per-sequence
// derived keys, frame counters, KEK, PSKc and rotation policy.
//
// All methods serialize on one mutex, including the rotation-timer callback,
// so observers never see a partially applied mutation. Key byte arrays are
// returned by value.
type KeyManager struct {
	mu sync.Mutex

	masterKey    [KeySize]byte
	keySequence  uint32
	key          [DerivedKeySize]byte
	temporaryKey [DerivedKeySize]byte

	macFrameCounter       uint32
	mleFrameCounter       uint32
	storedMacFrameCounter uint32
	storedMleFrameCounter uint32

	hoursSinceRotation uint32
	rotationTime       uint32 // hours
	guardTime          uint32 // hours
	guardEnabled       bool
	rotationEnabled    bool
	rotationTimer      *Timer

	pskc    [KeySize]byte
	pskcSet bool

	kek             [KeySize]byte
	kekFrameCounter uint32

	policyFlags uint8

	notifier Notifier
	peers    PeerTables
	store    FrameCounterStore
}

// NewKeyManager creates a key manager seeded with the well-known default
// master key and the default rotation policy. A nil clock selects the system
// clock; nil notifier or peers fall back to no-op implementations.
func NewKeyManager(notifier Notifier, peers PeerTables, clock Clock) *KeyManager {
	if clock == nil {
		clock = SystemClock()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if peers == nil {
		peers = nopPeerTables{}
	}

	k := &KeyManager{
		masterKey:    DefaultMasterKey,
		rotationTime: DefaultKeyRotationTime,
		guardTime:    DefaultKeySwitchGuardTime,
		policyFlags:  DefaultSecurityPolicyFlags,
		notifier:     notifier,
		peers:        peers,
	}
	k.rotationTimer = NewTimer(clock, k.handleRotationTimer)
	computeKey(&k.masterKey, k.keySequence, &k.key)
	return k
}

// BindFrameCounterStore attaches the persistence collaborator. The store is
// constructed after the manager, so the binding happens here instead of in
// the constructor.
func (k *KeyManager) BindFrameCounterStore(store FrameCounterStore) {
	k.mu.Lock()
	k.store = store
	k.mu.Unlock()
}

// Start clears the key-switch guard and begins the hourly rotation schedule.
func (k *KeyManager) Start() {
	k.mu.Lock()
	k.guardEnabled = false
	k.rotationEnabled = true
	k.startRotationTimerLocked()
	k.mu.Unlock()
}

// Stop cancels the rotation timer. Counters and derived keys are untouched.
// No tick handler runs to completion after Stop returns: a handler that
// already slipped past the timer waits on the manager lock and then observes
// the schedule as disabled.
func (k *KeyManager) Stop() {
	k.mu.Lock()
	k.rotationEnabled = false
	k.rotationTimer.Stop()
	k.mu.Unlock()
}

// GetMasterKey returns the current master key.
func (k *KeyManager) GetMasterKey() [KeySize]byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.masterKey
}

// IsDefaultMasterKey reports whether the pre-provisioning master key is still
// in use.
func (k *KeyManager) IsDefaultMasterKey() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.masterKey == DefaultMasterKey
}

// SetMasterKey replaces the master key. A replacement resets the key sequence
// to zero, recomputes the derived key, and zeroes the key sequence and both
// frame counters of the parent record and every router and child. Setting the
// key already in use only re-signals the master-key event if it has never
// been signalled.
func (k *KeyManager) SetMasterKey(key [KeySize]byte) {
	k.mu.Lock()
	if subtle.ConstantTimeCompare(k.masterKey[:], key[:]) == 1 {
		k.mu.Unlock()
		k.notifier.SignalIfFirst(notify.ChangedMasterKey)
		return
	}

	k.masterKey = key
	k.keySequence = 0
	computeKey(&k.masterKey, k.keySequence, &k.key)
	k.macFrameCounter = 0
	k.mleFrameCounter = 0

	resetPeer := func(p Peer) {
		p.SetKeySequence(0)
		p.SetLinkFrameCounter(0)
		p.SetMleFrameCounter(0)
	}
	if parent := k.peers.Parent(); parent != nil {
		resetPeer(parent)
	}
	k.peers.ForEachRouter(resetPeer)
	k.peers.ForEachChild(resetPeer)
	k.mu.Unlock()

	k.notifier.Signal(notify.ChangedKeySequence | notify.ChangedMasterKey)
}

// IsPSKcSet reports whether SetPSKc has been called at least once.
func (k *KeyManager) IsPSKcSet() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pskcSet
}

// GetPSKc returns the commissioning pre-shared key.
func (k *KeyManager) GetPSKc() [KeySize]byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pskc
}

// SetPSKc sets the commissioning pre-shared key. A value that differs from
// the stored one is stored and signals the PSKc-changed event; reasserting
// the stored value signals only if the event has never been signalled.
func (k *KeyManager) SetPSKc(pskc [KeySize]byte) {
	k.mu.Lock()
	changed := subtle.ConstantTimeCompare(k.pskc[:], pskc[:]) != 1
	if changed {
		k.pskc = pskc
	}
	k.pskcSet = true
	k.mu.Unlock()

	if changed {
		k.notifier.Signal(notify.ChangedPSKc)
	} else {
		k.notifier.SignalIfFirst(notify.ChangedPSKc)
	}
}

// GetCurrentKeySequence returns the current key sequence counter.
func (k *KeyManager) GetCurrentKeySequence() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.keySequence
}

// SetCurrentKeySequence moves the key sequence to keySequence.
//
// A +1 advance while the rotation timer is running and the guard is enabled
// is rejected silently until KeySwitchGuardTime hours have elapsed since the
// last rotation; only one such advance is permitted per guard window. An
// accepted change recomputes the derived key, zeroes both frame counters,
// and, if the rotation timer is running, enables the guard and restarts the
// rotation schedule.
func (k *KeyManager) SetCurrentKeySequence(keySequence uint32) {
	k.mu.Lock()
	signal := k.setCurrentKeySequenceLocked(keySequence)
	k.mu.Unlock()
	signal()
}

// setCurrentKeySequenceLocked applies the sequence change and returns the
// deferred signal dispatch, which must run after the manager lock is
// released so subscribers can read back consistent state.
func (k *KeyManager) setCurrentKeySequenceLocked(keySequence uint32) func() {
	if keySequence == k.keySequence {
		return func() { k.notifier.SignalIfFirst(notify.ChangedKeySequence) }
	}

	if keySequence == k.keySequence+1 && k.guardTime != 0 &&
		k.rotationTimer.IsRunning() && k.guardEnabled &&
		k.hoursSinceRotation < k.guardTime {
		// Guard window still open: reject without mutation or signal.
		return func() {}
	}

	k.keySequence = keySequence
	computeKey(&k.masterKey, k.keySequence, &k.key)

	k.macFrameCounter = 0
	k.mleFrameCounter = 0

	if k.rotationTimer.IsRunning() {
		k.guardEnabled = true
		k.startRotationTimerLocked()
	}

	return func() { k.notifier.Signal(notify.ChangedKeySequence) }
}

// GetCurrentMacKey returns the MAC subkey of the current derived key.
func (k *KeyManager) GetCurrentMacKey() [KeySize]byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out [KeySize]byte
	copy(out[:], k.key[macKeyOffset:])
	return out
}

// GetCurrentMleKey returns the MLE subkey of the current derived key.
func (k *KeyManager) GetCurrentMleKey() [KeySize]byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out [KeySize]byte
	copy(out[:], k.key[:macKeyOffset])
	return out
}

// GetTemporaryMacKey derives the MAC subkey for an arbitrary key sequence
// without touching the current key.
func (k *KeyManager) GetTemporaryMacKey(keySequence uint32) [KeySize]byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	computeKey(&k.masterKey, keySequence, &k.temporaryKey)
	var out [KeySize]byte
	copy(out[:], k.temporaryKey[macKeyOffset:])
	return out
}

// GetTemporaryMleKey derives the MLE subkey for an arbitrary key sequence
// without touching the current key.
func (k *KeyManager) GetTemporaryMleKey(keySequence uint32) [KeySize]byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	computeKey(&k.masterKey, keySequence, &k.temporaryKey)
	var out [KeySize]byte
	copy(out[:], k.temporaryKey[:macKeyOffset])
	return out
}

// GetMacFrameCounter returns the MAC frame counter.
func (k *KeyManager) GetMacFrameCounter() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.macFrameCounter
}

// SetMacFrameCounter overwrites the MAC frame counter, typically while
// restoring from persistence at restart.
func (k *KeyManager) SetMacFrameCounter(counter uint32) {
	k.mu.Lock()
	k.macFrameCounter = counter
	k.mu.Unlock()
}

// SetStoredMacFrameCounter sets the persisted MAC counter threshold. The
// runtime counter must not be observed at or beyond this value without a
// persistence event.
func (k *KeyManager) SetStoredMacFrameCounter(counter uint32) {
	k.mu.Lock()
	k.storedMacFrameCounter = counter
	k.mu.Unlock()
}

// IncrementMacFrameCounter advances the MAC frame counter and triggers the
// persistence collaborator once the counter reaches the stored threshold.
// Counter wraparound would re-use a nonce under the current key and is fatal.
func (k *KeyManager) IncrementMacFrameCounter() {
	k.mu.Lock()
	if k.macFrameCounter == math.MaxUint32 {
		k.mu.Unlock()
		panic("security: MAC frame counter wrapped")
	}
	k.macFrameCounter++
	store := k.store
	trigger := store != nil && k.macFrameCounter >= k.storedMacFrameCounter
	k.mu.Unlock()

	if trigger {
		store.Store()
	}
}

// GetMleFrameCounter returns the MLE frame counter.
func (k *KeyManager) GetMleFrameCounter() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.mleFrameCounter
}

// SetMleFrameCounter overwrites the MLE frame counter, typically while
// restoring from persistence at restart.
func (k *KeyManager) SetMleFrameCounter(counter uint32) {
	k.mu.Lock()
	k.mleFrameCounter = counter
	k.mu.Unlock()
}

// SetStoredMleFrameCounter sets the persisted MLE counter threshold.
func (k *KeyManager) SetStoredMleFrameCounter(counter uint32) {
	k.mu.Lock()
	k.storedMleFrameCounter = counter
	k.mu.Unlock()
}

// IncrementMleFrameCounter advances the MLE frame counter and triggers the
// persistence collaborator once the counter reaches the stored threshold.
func (k *KeyManager) IncrementMleFrameCounter() {
	k.mu.Lock()
	if k.mleFrameCounter == math.MaxUint32 {
		k.mu.Unlock()
		panic("security: MLE frame counter wrapped")
	}
	k.mleFrameCounter++
	store := k.store
	trigger := store != nil && k.mleFrameCounter >= k.storedMleFrameCounter
	k.mu.Unlock()

	if trigger {
		store.Store()
	}
}

// GetKek returns the key encryption key.
func (k *KeyManager) GetKek() [KeySize]byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.kek
}

// SetKek replaces the key encryption key and resets its frame counter.
func (k *KeyManager) SetKek(kek [KeySize]byte) {
	k.mu.Lock()
	k.kek = kek
	k.kekFrameCounter = 0
	k.mu.Unlock()
}

// GetKekFrameCounter returns the KEK frame counter.
func (k *KeyManager) GetKekFrameCounter() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.kekFrameCounter
}

// IncrementKekFrameCounter advances the KEK frame counter. The KEK counter
// has no persistence threshold.
func (k *KeyManager) IncrementKekFrameCounter() {
	k.mu.Lock()
	k.kekFrameCounter++
	k.mu.Unlock()
}

// GetKeyRotation returns the rotation interval in hours.
func (k *KeyManager) GetKeyRotation() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rotationTime
}

// SetKeyRotation sets the rotation interval in hours. Values below
// MinKeyRotationTime are rejected with ErrInvalidRotationTime and leave the
// interval unchanged.
func (k *KeyManager) SetKeyRotation(hours uint32) error {
	if hours < MinKeyRotationTime {
		return ErrInvalidRotationTime
	}
	k.mu.Lock()
	k.rotationTime = hours
	k.mu.Unlock()
	return nil
}

// GetKeySwitchGuardTime returns the guard interval in hours.
func (k *KeyManager) GetKeySwitchGuardTime() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.guardTime
}

// SetKeySwitchGuardTime sets the guard interval in hours. Zero disables the
// guard entirely.
func (k *KeyManager) SetKeySwitchGuardTime(hours uint32) {
	k.mu.Lock()
	k.guardTime = hours
	k.mu.Unlock()
}

// GetSecurityPolicyFlags returns the security policy flags.
func (k *KeyManager) GetSecurityPolicyFlags() uint8 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.policyFlags
}

// SetSecurityPolicyFlags updates the security policy flags. The change event
// is signalled when the value differs or has never been signalled, so
// observers see the initial policy even when it merely reasserts the default.
func (k *KeyManager) SetSecurityPolicyFlags(flags uint8) {
	k.mu.Lock()
	changed := k.policyFlags != flags
	if changed || !k.notifier.HasSignaled(notify.ChangedSecurityPolicy) {
		k.policyFlags = flags
		k.mu.Unlock()
		k.notifier.Signal(notify.ChangedSecurityPolicy)
		return
	}
	k.mu.Unlock()
}

// HoursSinceKeyRotation returns the whole hours elapsed since the last
// rotation or Start, whichever is later.
func (k *KeyManager) HoursSinceKeyRotation() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.hoursSinceRotation
}

// IsRotationTimerRunning reports whether the automatic rotation schedule is
// active.
func (k *KeyManager) IsRotationTimerRunning() bool {
	return k.rotationTimer.IsRunning()
}

// PersistedState captures the material the persistence layer writes to
// durable storage.
func (k *KeyManager) PersistedState() PersistedState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return PersistedState{
		MasterKey:           k.masterKey,
		KeySequence:         k.keySequence,
		MacFrameCounter:     k.macFrameCounter,
		MleFrameCounter:     k.mleFrameCounter,
		PSKc:                k.pskc,
		PSKcSet:             k.pskcSet,
		KeyRotationTime:     k.rotationTime,
		SecurityPolicyFlags: k.policyFlags,
	}
}

// startRotationTimerLocked zeroes the hour counter and arms the next hourly
// tick from now.
func (k *KeyManager) startRotationTimerLocked() {
	k.hoursSinceRotation = 0
	k.rotationTimer.Start(rotationTickInterval)
}

// handleRotationTimer runs once per hour while the rotation schedule is
// active.
func (k *KeyManager) handleRotationTimer() {
	k.mu.Lock()
	if !k.rotationEnabled {
		// Stop won the race against an in-flight tick.
		k.mu.Unlock()
		return
	}
	k.hoursSinceRotation++

	// The timer must be re-armed from its previous fire time before the
	// sequence advance below: SetCurrentKeySequence reads "timer running" to
	// decide whether to enable the guard and restart the schedule, and the
	// StartAt baseline keeps the hourly cadence drift-free.
	k.rotationTimer.StartAt(k.rotationTimer.FireTime(), rotationTickInterval)

	signal := func() {}
	if k.hoursSinceRotation >= k.rotationTime {
		signal = k.setCurrentKeySequenceLocked(k.keySequence + 1)
	}
	k.mu.Unlock()
	signal()
}

// computeKey derives the 32-byte key for keySequence:
// HMAC-SHA-256(masterKey, BE32(keySequence) || "Thread"). The MLE subkey is
// the low half, the MAC subkey the high half.
func computeKey(masterKey *[KeySize]byte, keySequence uint32, out *[DerivedKeySize]byte) {
	var sequenceBytes [4]byte
	binary.BigEndian.PutUint32(sequenceBytes[:], keySequence)

	mac := hmac.New(sha256.New, masterKey[:])
	mac.Write(sequenceBytes[:])
	mac.Write(keyDerivationLabel)
	mac.Sum(out[:0])
}

type nopNotifier struct{}

func (nopNotifier) Signal(notify.Flags)           {}
func (nopNotifier) SignalIfFirst(notify.Flags)    {}
func (nopNotifier) HasSignaled(notify.Flags) bool { return false }

type nopPeerTables struct{}

func (nopPeerTables) Parent() Peer             { return nil }
func (nopPeerTables) ForEachRouter(func(Peer)) {}
func (nopPeerTables) ForEachChild(func(Peer))  {}
