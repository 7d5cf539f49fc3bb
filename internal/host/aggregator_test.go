package host

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/store"
	"github.com/woly/hub/internal/wireproto"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	log := zerolog.Nop()
	return NewAggregator(log, store.NewHostStore(log, db), store.NewHistoryStore(log, db))
}

func TestOnHostDiscoveredInsertsOnce(t *testing.T) {
	a := newTestAggregator(t)
	var added, updated int
	a.On("host-added", func(any) { added++ })
	a.On("host-updated", func(any) { updated++ })
	a.On("host-status-transition", func(any) { t.Fatal("unexpected transition on identical re-discovery") })

	in := wireproto.HostDiscovery{NodeID: "n", Name: "pc-a", Mac: "AA:BB:CC:DD:EE:FF", IP: "10.0.0.5", Status: "asleep", Location: "lab"}
	if _, err := a.OnHostDiscovered(in); err != nil {
		t.Fatalf("first discover: %v", err)
	}
	if _, err := a.OnHostDiscovered(in); err != nil {
		t.Fatalf("second discover: %v", err)
	}

	hosts, err := a.GetAllHosts()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(hosts) != 1 {
		t.Fatalf("expected 1 row, got %d", len(hosts))
	}
	if added != 1 {
		t.Errorf("expected 1 host-added event, got %d", added)
	}
	if updated != 1 {
		t.Errorf("expected 1 host-updated event, got %d", updated)
	}
}

func TestHostRenameUpdatesInPlace(t *testing.T) {
	a := newTestAggregator(t)
	var transitions int
	a.On("host-status-transition", func(any) { transitions++ })

	mac := "aa:bb:cc:dd:ee:ff"
	first := wireproto.HostDiscovery{NodeID: "n", Name: "pc-a", Mac: mac, Status: "asleep", Location: "lab"}
	if _, err := a.OnHostDiscovered(first); err != nil {
		t.Fatalf("discover: %v", err)
	}

	renamed := wireproto.HostDiscovery{NodeID: "n", Name: "pc-A", Mac: mac, Status: "asleep", Location: "lab"}
	rec, err := a.OnHostDiscovered(renamed)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if rec.Name != "pc-A" {
		t.Errorf("expected renamed row, got name %q", rec.Name)
	}

	hosts, _ := a.GetAllHosts()
	if len(hosts) != 1 {
		t.Fatalf("rename produced %d rows, want 1", len(hosts))
	}
	if transitions != 0 {
		t.Errorf("rename alone should not emit a status transition, got %d", transitions)
	}
}

func TestStatusTransitionRecordsHistory(t *testing.T) {
	a := newTestAggregator(t)
	mac := "11:22:33:44:55:66"
	if _, err := a.OnHostDiscovered(wireproto.HostDiscovery{NodeID: "n", Name: "pc-b", Mac: mac, Status: "asleep", Location: "lab"}); err != nil {
		t.Fatalf("discover: %v", err)
	}

	var gotTransition bool
	a.On("host-status-transition", func(d any) {
		st := d.(StatusTransition)
		if st.OldStatus != "asleep" || st.NewStatus != "awake" {
			t.Errorf("unexpected transition %+v", st)
		}
		gotTransition = true
	})

	if _, err := a.OnHostUpdated(wireproto.HostDiscovery{NodeID: "n", Name: "pc-b", Mac: mac, Status: "awake", Location: "lab"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !gotTransition {
		t.Fatal("expected a host-status-transition event")
	}

	fqn := BuildFQN("pc-b", "lab", "n")
	history, err := a.GetHostStatusHistory(fqn, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(history))
	}
	if history[0].OldStatus == history[0].NewStatus {
		t.Errorf("history row must have oldStatus != newStatus, got %+v", history[0])
	}
}

func TestOnHostRemovedCascadesByMac(t *testing.T) {
	a := newTestAggregator(t)
	mac := "de:ad:be:ef:00:01"
	if _, err := a.OnHostDiscovered(wireproto.HostDiscovery{NodeID: "n", Name: "pc-c", Mac: mac, Status: "asleep", Location: "lab"}); err != nil {
		t.Fatalf("discover: %v", err)
	}
	legacy := &store.HostRecord{ID: "legacy", NodeID: "n", Name: "pc-c-old", Mac: mac, Status: "asleep", Location: "lab", FQN: BuildFQN("pc-c-old", "lab", "n")}
	if err := a.hosts.Insert(legacy); err != nil {
		t.Fatalf("insert duplicate-mac row: %v", err)
	}
	if err := a.OnHostRemoved("n", "pc-c"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := a.GetHostByFQN(BuildFQN("pc-c", "lab", "n")); err == nil {
		t.Fatal("expected host to be gone after removal")
	}
	if _, err := a.hosts.FindByNodeAndMac("n", mac); err == nil {
		t.Fatal("expected every row sharing the removed host's mac to be gone")
	}
}

func TestMarkNodeHostsUnreachable(t *testing.T) {
	a := newTestAggregator(t)
	if _, err := a.OnHostDiscovered(wireproto.HostDiscovery{NodeID: "n", Name: "pc-d", Mac: "aa:11:22:33:44:55", Status: "awake", Location: "lab"}); err != nil {
		t.Fatalf("discover: %v", err)
	}
	n, err := a.MarkNodeHostsUnreachable("n")
	if err != nil {
		t.Fatalf("mark unreachable: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 host flipped, got %d", n)
	}
	h, err := a.GetHostByFQN(BuildFQN("pc-d", "lab", "n"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if h.Status != "asleep" {
		t.Errorf("expected status asleep after disconnect, got %q", h.Status)
	}
}
