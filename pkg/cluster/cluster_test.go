package cluster

import "testing"

func TestInitPartitionsAssignsLocalNodeAsOwner(t *testing.T) {
	m := NewMap(1)
	if err := m.InitPartitions(4); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	for _, id := range m.PartitionIDs() {
		entry, ok := m.Partition(id)
		if !ok {
			t.Fatalf("expected partition %d to exist", id)
		}
		owner, hasOwner := entry.Owner()
		if !hasOwner || owner != 1 {
			t.Fatalf("expected partition %d owned by node 1, got %d (%v)", id, owner, hasOwner)
		}
	}
}

func TestInitPartitionsRejectsOutOfRangeCounts(t *testing.T) {
	m := NewMap(1)
	if err := m.InitPartitions(0); err == nil {
		t.Fatal("expected error for 0 partitions")
	}
	if err := m.InitPartitions(1001); err == nil {
		t.Fatal("expected error for >1000 partitions")
	}
}

func TestRemoveRouteClearsPlacements(t *testing.T) {
	m := NewMap(1)
	m.AddRoute(Route{NodeID: 2, Host: "h2", Port: 9000})
	m.SetPlacement(0, 2, StateActiveClone)

	m.RemoveRoute(2)

	entry, ok := m.Partition(0)
	if !ok {
		t.Fatal("expected partition 0 to exist")
	}
	if _, has := entry.Placements[2]; has {
		t.Fatal("expected node 2's placement to be cleared after RemoveRoute")
	}
	if len(m.Routes()) != 0 {
		t.Fatal("expected no routes after RemoveRoute")
	}
}

func TestSetPlacementFreeClearsEntry(t *testing.T) {
	m := NewMap(1)
	m.SetPlacement(0, 1, StateActiveOwner)
	m.SetPlacement(0, 1, StateFree)

	entry, _ := m.Partition(0)
	if _, has := entry.Placements[1]; has {
		t.Fatal("expected StateFree to clear the placement")
	}
}

func TestPartitionCountsByRoute(t *testing.T) {
	m := NewMap(1)
	m.AddRoute(Route{NodeID: 1})
	m.AddRoute(Route{NodeID: 2})
	m.SetPlacement(0, 1, StateActiveOwner)
	m.SetPlacement(0, 2, StateActiveClone)
	m.SetPlacement(1, 1, StateActiveOwner)

	counts := m.PartitionCountsByRoute(map[NodeState]bool{StateActiveOwner: true})
	if counts[1] != 2 {
		t.Fatalf("expected node 1 to own 2 partitions, got %d", counts[1])
	}
	if counts[2] != 0 {
		t.Fatalf("expected node 2 to own 0 partitions, got %d", counts[2])
	}
}

func TestActiveAndFailedRoutes(t *testing.T) {
	m := NewMap(1)
	m.AddRoute(Route{NodeID: 1})
	m.AddRoute(Route{NodeID: 2})
	m.MarkFailed(2, true)

	active := m.ActiveRoutes()
	if len(active) != 1 || active[0] != 1 {
		t.Fatalf("expected only node 1 active, got %v", active)
	}
	failed := m.FailedRoutes()
	if len(failed) != 1 || failed[0] != 2 {
		t.Fatalf("expected only node 2 failed, got %v", failed)
	}
}

func TestApplyDiffCallsEachCallbackInOrder(t *testing.T) {
	var calls []string
	diff := Diff{
		AddPartitions:    []int{5},
		RemovePartitions: []int{3},
		AddRoutes:        []Route{{NodeID: 9}},
		RemoveRoutes:     []int64{7},
	}

	ApplyDiff(diff,
		func(id int) { calls = append(calls, "add_partition") },
		func(id int) { calls = append(calls, "remove_partition") },
		func(r Route) { calls = append(calls, "add_route") },
		func(id int64) { calls = append(calls, "remove_route") },
	)

	want := []string{"remove_partition", "remove_route", "add_route", "add_partition"}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, calls)
		}
	}
}
