package meshcop

import (
	"crypto/sha256"
	"sync"

	"github.com/threadmesh/threadmesh/pkg/logging"
	"github.com/threadmesh/threadmesh/pkg/security"
)

// JoinerState is the joining-device lifecycle state.
type JoinerState int

const (
	// JoinerStateIdle means no join attempt is in progress.
	JoinerStateIdle JoinerState = iota
	// JoinerStateDiscover means the joiner is searching for a network
	// accepting its credential.
	JoinerStateDiscover
	// JoinerStateConnected means the secure session to the commissioner is
	// established.
	JoinerStateConnected
	// JoinerStateEntrust means the joiner is waiting for the key material
	// entrustment.
	JoinerStateEntrust
	// JoinerStateJoined means the joiner holds the network KEK.
	JoinerStateJoined
)

// String returns the state name.
func (s JoinerState) String() string {
	switch s {
	case JoinerStateDiscover:
		return "discover"
	case JoinerStateConnected:
		return "connected"
	case JoinerStateEntrust:
		return "entrust"
	case JoinerStateJoined:
		return "joined"
	default:
		return "idle"
	}
}

// VendorInfo identifies the joining device to the commissioner.
type VendorInfo struct {
	Name      string
	Model     string
	SwVersion string
	Data      string
}

// Joiner is the joining-device shim over the security core. It owns the
// session keypair for the KEK exchange and installs the entrusted KEK into
// the key manager.
type Joiner struct {
	mu       sync.Mutex
	state    JoinerState
	pskd     string
	provURL  string
	vendor   VendorInfo
	session  *KekKeyPair
	joinerID [8]byte

	km  *security.KeyManager
	log *logging.Logger
}

// NewJoiner creates an idle joiner for the device with the given factory
// EUI-64.
func NewJoiner(km *security.KeyManager, eui64 [8]byte, log *logging.Logger) *Joiner {
	if log == nil {
		log = logging.NewLogger("joiner", logging.INFO, nil)
	}
	return &Joiner{
		km:       km,
		joinerID: ComputeJoinerID(eui64),
		log:      log,
	}
}

// ComputeJoinerID derives the joiner ID advertised during discovery: the
// first 8 bytes of SHA-256 over the factory EUI-64.
func ComputeJoinerID(eui64 [8]byte) [8]byte {
	digest := sha256.Sum256(eui64[:])
	var id [8]byte
	copy(id[:], digest[:8])
	return id
}

// JoinerID returns the device's joiner ID.
func (j *Joiner) JoinerID() [8]byte {
	return j.joinerID
}

// State returns the joiner lifecycle state.
func (j *Joiner) State() JoinerState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Start begins a join attempt with the given device credential. It
// generates the session keypair whose public half is advertised to the
// commissioner.
func (j *Joiner) Start(pskd, provisioningURL string, vendor VendorInfo) error {
	if err := validatePSKd(pskd); err != nil {
		return err
	}
	if len(provisioningURL) > MaxProvisioningURLLength {
		return ErrProvisioningURLTooLong
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != JoinerStateIdle {
		return ErrInvalidState
	}

	session, err := GenerateKekKeyPair()
	if err != nil {
		return err
	}

	j.pskd = pskd
	j.provURL = provisioningURL
	j.vendor = vendor
	j.session = session
	j.state = JoinerStateDiscover

	j.log.Info("join attempt started")
	return nil
}

// Stop abandons the current join attempt and discards the session keypair.
func (j *Joiner) Stop() {
	j.mu.Lock()
	j.pskd = ""
	j.session = nil
	j.state = JoinerStateIdle
	j.mu.Unlock()

	j.log.Info("join attempt stopped")
}

// SessionPublicKey returns the serialized public half of the session
// keypair, or nil when no join attempt is in progress.
func (j *Joiner) SessionPublicKey() []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.session == nil {
		return nil
	}
	return j.session.PublicKeyBytes()
}

// MarkConnected records that the secure session to the commissioner came
// up; the joiner now waits for entrustment.
func (j *Joiner) MarkConnected() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != JoinerStateDiscover {
		return ErrInvalidState
	}
	j.state = JoinerStateConnected
	return nil
}

// ProcessEntrust completes the join: it recovers the KEK from the
// commissioner's ciphertext and installs it in the key manager.
func (j *Joiner) ProcessEntrust(ciphertext []byte) error {
	j.mu.Lock()
	if j.state != JoinerStateConnected {
		j.mu.Unlock()
		return ErrInvalidState
	}
	j.state = JoinerStateEntrust
	session := j.session
	j.mu.Unlock()

	kek, err := session.AcceptKek(ciphertext)
	if err != nil {
		j.mu.Lock()
		j.state = JoinerStateConnected
		j.mu.Unlock()
		return err
	}

	j.km.SetKek(kek)

	j.mu.Lock()
	j.session = nil
	j.state = JoinerStateJoined
	j.mu.Unlock()

	j.log.Info("network key material entrusted")
	return nil
}
