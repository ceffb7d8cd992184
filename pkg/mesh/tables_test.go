package mesh

import (
	"testing"

	"github.com/threadmesh/threadmesh/pkg/notify"
	"github.com/threadmesh/threadmesh/pkg/security"
)

func seedNeighbor(n *Neighbor) {
	n.SetKeySequence(9)
	n.SetLinkFrameCounter(100)
	n.SetMleFrameCounter(200)
}

func neighborIsZero(n *Neighbor) bool {
	return n.KeySequence() == 0 && n.LinkFrameCounter() == 0 && n.MleFrameCounter() == 0
}

// TestChildTableSkipsInvalid tests the "any state except invalid" iteration
// filter.
func TestChildTableSkipsInvalid(t *testing.T) {
	table := NewChildTable()
	table.Add(ChildStateValid)
	table.Add(ChildStateInvalid)
	table.Add(ChildStateRestored)

	visited := 0
	table.ForEach(func(c *Child) {
		visited++
		if c.State() == ChildStateInvalid {
			t.Error("Invalid child visited")
		}
	})
	if visited != 2 {
		t.Errorf("Expected 2 children visited, got %d", visited)
	}
}

// TestRouterTableCapacity tests the allocation bound.
func TestRouterTableCapacity(t *testing.T) {
	table := NewRouterTable()
	for i := 0; i < MaxRouters; i++ {
		if table.Add(uint8(i)) == nil {
			t.Fatalf("Allocation %d failed below capacity", i)
		}
	}
	if table.Add(0xFF) != nil {
		t.Error("Allocation beyond capacity should fail")
	}
}

// TestTopologyResetOnMasterKeyChange wires a real key manager to a real
// topology and checks that a master-key replacement zeroes every record,
// the sentinel parent included.
func TestTopologyResetOnMasterKeyChange(t *testing.T) {
	topo := NewTopology()

	seedNeighbor(&topo.ParentRouter().Neighbor)
	for i := 0; i < 4; i++ {
		r := topo.Routers().Add(uint8(i))
		seedNeighbor(&r.Neighbor)
	}
	valid := topo.Children().Add(ChildStateValid)
	seedNeighbor(&valid.Neighbor)
	invalid := topo.Children().Add(ChildStateInvalid)
	seedNeighbor(&invalid.Neighbor)

	km := security.NewKeyManager(notify.NewNotifier(), topo, nil)
	km.SetMasterKey([security.KeySize]byte{0x42})

	if !neighborIsZero(&topo.ParentRouter().Neighbor) {
		t.Error("Parent record not reset")
	}
	topo.Routers().ForEach(func(r *Router) {
		if !neighborIsZero(&r.Neighbor) {
			t.Errorf("Router %d not reset", r.RouterID())
		}
	})
	if !neighborIsZero(&valid.Neighbor) {
		t.Error("Valid child not reset")
	}
	// Invalid slots are outside the iteration filter and keep their bytes.
	if neighborIsZero(&invalid.Neighbor) {
		t.Error("Invalid child should not have been touched")
	}
}

// TestTopologyEmptyTables tests master-key replacement with zero routers and
// zero children, the common early-lifecycle case.
func TestTopologyEmptyTables(t *testing.T) {
	topo := NewTopology()
	km := security.NewKeyManager(notify.NewNotifier(), topo, nil)

	km.SetMasterKey([security.KeySize]byte{0x01})

	if km.GetCurrentKeySequence() != 0 {
		t.Errorf("Key sequence = %d, want 0", km.GetCurrentKeySequence())
	}
}
