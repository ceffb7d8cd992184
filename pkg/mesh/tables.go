package mesh

import "github.com/threadmesh/threadmesh/pkg/security"

const (
	// MaxRouters is the table capacity for router records.
	MaxRouters = 32
	// MaxChildren is the table capacity for child records.
	MaxChildren = 128
)

// RouterTable holds the known mesh routers. The backing array is allocated
// at capacity up front so record pointers handed out by Add stay valid for
// the table's lifetime.
type RouterTable struct {
	routers []Router
}

// NewRouterTable creates an empty router table.
func NewRouterTable() *RouterTable {
	return &RouterTable{routers: make([]Router, 0, MaxRouters)}
}

// Add allocates a router record with the given ID and returns it. It returns
// nil when the table is full.
func (t *RouterTable) Add(routerID uint8) *Router {
	if len(t.routers) >= MaxRouters {
		return nil
	}
	t.routers = append(t.routers, Router{routerID: routerID, allocated: true})
	return &t.routers[len(t.routers)-1]
}

// Len returns the number of allocated router records.
func (t *RouterTable) Len() int { return len(t.routers) }

// ForEach visits every allocated router record.
func (t *RouterTable) ForEach(fn func(*Router)) {
	for i := range t.routers {
		fn(&t.routers[i])
	}
}

// ChildTable holds the attached child records. Like the router table, the
// backing array is allocated at capacity so record pointers stay valid.
type ChildTable struct {
	children []Child
}

// NewChildTable creates an empty child table.
func NewChildTable() *ChildTable {
	return &ChildTable{children: make([]Child, 0, MaxChildren)}
}

// Add allocates a child record in the given state and returns it. It returns
// nil when the table is full.
func (t *ChildTable) Add(state ChildState) *Child {
	if len(t.children) >= MaxChildren {
		return nil
	}
	t.children = append(t.children, Child{state: state})
	return &t.children[len(t.children)-1]
}

// Len returns the number of child records, including invalid slots.
func (t *ChildTable) Len() int { return len(t.children) }

// ForEach visits every child record in any state except invalid.
func (t *ChildTable) ForEach(fn func(*Child)) {
	for i := range t.children {
		if t.children[i].state == ChildStateInvalid {
			continue
		}
		fn(&t.children[i])
	}
}

// ForEachInState visits every child record in the given state.
func (t *ChildTable) ForEachInState(state ChildState, fn func(*Child)) {
	for i := range t.children {
		if t.children[i].state == state {
			fn(&t.children[i])
		}
	}
}

// Topology bundles the parent record with the router and child tables and
// presents them to the security core as its peer-table view. The parent is a
// permanent record; before the node attaches it is a sentinel self record
// that is reset along with true peers.
type Topology struct {
	parent   Router
	routers  *RouterTable
	children *ChildTable
}

// NewTopology creates a topology with empty tables.
func NewTopology() *Topology {
	return &Topology{
		routers:  NewRouterTable(),
		children: NewChildTable(),
	}
}

// Routers returns the router table.
func (t *Topology) Routers() *RouterTable { return t.routers }

// Children returns the child table.
func (t *Topology) Children() *ChildTable { return t.children }

// ParentRouter returns the parent record.
func (t *Topology) ParentRouter() *Router { return &t.parent }

// Parent implements security.PeerTables.
func (t *Topology) Parent() security.Peer { return &t.parent }

// ForEachRouter implements security.PeerTables.
func (t *Topology) ForEachRouter(fn func(security.Peer)) {
	t.routers.ForEach(func(r *Router) { fn(r) })
}

// ForEachChild implements security.PeerTables. Children in the invalid state
// are skipped.
func (t *Topology) ForEachChild(fn func(security.Peer)) {
	t.children.ForEach(func(c *Child) { fn(c) })
}
