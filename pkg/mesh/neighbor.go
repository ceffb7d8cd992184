// Package mesh holds the router and child tables shared between the MLE
// subsystem and the security core. The security core mutates them only while
// replacing the master key.
package mesh

// ExtAddress is an IEEE 802.15.4 extended address.
type ExtAddress [8]byte

// Neighbor is the per-peer security state common to routers and children:
// the key sequence the peer was last heard on and its two frame counters.
type Neighbor struct {
	extAddress       ExtAddress
	rloc16           uint16
	keySequence      uint32
	linkFrameCounter uint32
	mleFrameCounter  uint32
}

// ExtAddress returns the peer's extended address.
func (n *Neighbor) ExtAddress() ExtAddress { return n.extAddress }

// SetExtAddress sets the peer's extended address.
func (n *Neighbor) SetExtAddress(addr ExtAddress) { n.extAddress = addr }

// Rloc16 returns the peer's routing locator.
func (n *Neighbor) Rloc16() uint16 { return n.rloc16 }

// SetRloc16 sets the peer's routing locator.
func (n *Neighbor) SetRloc16(rloc16 uint16) { n.rloc16 = rloc16 }

// KeySequence returns the key sequence last observed from the peer.
func (n *Neighbor) KeySequence() uint32 { return n.keySequence }

// SetKeySequence sets the key sequence last observed from the peer.
func (n *Neighbor) SetKeySequence(keySequence uint32) { n.keySequence = keySequence }

// LinkFrameCounter returns the peer's link-layer frame counter.
func (n *Neighbor) LinkFrameCounter() uint32 { return n.linkFrameCounter }

// SetLinkFrameCounter sets the peer's link-layer frame counter.
func (n *Neighbor) SetLinkFrameCounter(counter uint32) { n.linkFrameCounter = counter }

// MleFrameCounter returns the peer's MLE frame counter.
func (n *Neighbor) MleFrameCounter() uint32 { return n.mleFrameCounter }

// SetMleFrameCounter sets the peer's MLE frame counter.
func (n *Neighbor) SetMleFrameCounter(counter uint32) { n.mleFrameCounter = counter }

// Router is a neighbor acting as a mesh router.
type Router struct {
	Neighbor
	routerID  uint8
	allocated bool
}

// RouterID returns the router's ID.
func (r *Router) RouterID() uint8 { return r.routerID }

// ChildState tracks a child record through its attach lifecycle.
type ChildState int

const (
	// ChildStateInvalid marks a free table slot.
	ChildStateInvalid ChildState = iota
	// ChildStateRestored marks a child restored from persistence, not yet
	// re-attached.
	ChildStateRestored
	// ChildStateParentRequest marks a child mid parent-request handshake.
	ChildStateParentRequest
	// ChildStateChildIDRequest marks a child mid child-ID handshake.
	ChildStateChildIDRequest
	// ChildStateValid marks a fully attached child.
	ChildStateValid
)

// Child is an attached (or attaching) end device.
type Child struct {
	Neighbor
	state   ChildState
	timeout uint32
}

// State returns the child's lifecycle state.
func (c *Child) State() ChildState { return c.state }

// SetState moves the child to a new lifecycle state.
func (c *Child) SetState(state ChildState) { c.state = state }

// Timeout returns the child's supervision timeout in seconds.
func (c *Child) Timeout() uint32 { return c.timeout }

// SetTimeout sets the child's supervision timeout in seconds.
func (c *Child) SetTimeout(timeout uint32) { c.timeout = timeout }
