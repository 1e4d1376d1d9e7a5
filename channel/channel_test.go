package channel

import (
	"testing"

	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/internal/fsstore"
	"github.com/corpcore/orchestrator/ledger"
	"github.com/corpcore/orchestrator/registry"
)

func newTestManager(t *testing.T) (*Manager, *registry.Registry) {
	t.Helper()
	store := fsstore.OpenMemory()
	led, err := ledger.Open(store)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	reg, err := registry.Open(store)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	bus, err := ConnectBus("")
	if err != nil {
		t.Fatalf("ConnectBus: %v", err)
	}
	return New(store, led, reg, bus), reg
}

func mustRegister(t *testing.T, reg *registry.Registry, agent domain.Agent) {
	t.Helper()
	if _, err := reg.Register(agent); err != nil {
		t.Fatalf("Register %s: %v", agent.ID, err)
	}
}

func TestSendDownchainSucceeds(t *testing.T) {
	m, reg := newTestManager(t)
	mustRegister(t, reg, domain.Agent{ID: "dir_1", Tier: domain.TierDirector})
	mustRegister(t, reg, domain.Agent{ID: "wkr_1", Tier: domain.TierWorker, ReportsTo: "dir_1"})

	msgID, err := m.Send("dir_1", domain.ChannelDownchain, []string{"wkr_1"}, "assignment", "do the thing", domain.P1, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msgID == "" {
		t.Fatal("expected non-empty message id")
	}

	inbox, err := m.Inbox("wkr_1")
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].ID != msgID {
		t.Fatalf("expected message in inbox, got %+v", inbox)
	}
}

func TestSendDownchainRejectsNonSubordinate(t *testing.T) {
	m, reg := newTestManager(t)
	mustRegister(t, reg, domain.Agent{ID: "dir_1", Tier: domain.TierDirector})
	mustRegister(t, reg, domain.Agent{ID: "wkr_1", Tier: domain.TierWorker})

	if _, err := m.Send("dir_1", domain.ChannelDownchain, []string{"wkr_1"}, "x", "y", domain.P1, ""); err == nil {
		t.Fatal("expected routing error for non-subordinate recipient")
	}
}

func TestSendPeerRequiresSameTier(t *testing.T) {
	m, reg := newTestManager(t)
	mustRegister(t, reg, domain.Agent{ID: "wkr_1", Tier: domain.TierWorker})
	mustRegister(t, reg, domain.Agent{ID: "wkr_2", Tier: domain.TierWorker})
	mustRegister(t, reg, domain.Agent{ID: "dir_1", Tier: domain.TierDirector})

	if _, err := m.Send("wkr_1", domain.ChannelPeer, []string{"wkr_2"}, "x", "y", domain.P2, ""); err != nil {
		t.Fatalf("expected peer send to succeed: %v", err)
	}
	if _, err := m.Send("wkr_1", domain.ChannelPeer, []string{"dir_1"}, "x", "y", domain.P2, ""); err == nil {
		t.Fatal("expected peer send across tiers to fail")
	}
}

func TestBroadcastReachesAllSubordinates(t *testing.T) {
	m, reg := newTestManager(t)
	mustRegister(t, reg, domain.Agent{ID: "exec_1", Tier: domain.TierExecutive})
	mustRegister(t, reg, domain.Agent{ID: "dir_1", Tier: domain.TierDirector, ReportsTo: "exec_1"})
	mustRegister(t, reg, domain.Agent{ID: "wkr_1", Tier: domain.TierWorker, ReportsTo: "dir_1"})

	if _, err := m.Broadcast("exec_1", "all", "notice", "all hands", domain.P0); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	for _, id := range []string{"dir_1", "wkr_1"} {
		inbox, err := m.Inbox(id)
		if err != nil {
			t.Fatalf("Inbox(%s): %v", id, err)
		}
		if len(inbox) != 1 {
			t.Fatalf("expected broadcast delivered to %s, got %+v", id, inbox)
		}
	}
}

func TestMarkReadRemovesFromPendingInbox(t *testing.T) {
	m, reg := newTestManager(t)
	mustRegister(t, reg, domain.Agent{ID: "dir_1", Tier: domain.TierDirector})
	mustRegister(t, reg, domain.Agent{ID: "wkr_1", Tier: domain.TierWorker, ReportsTo: "dir_1"})

	msgID, err := m.Send("dir_1", domain.ChannelDownchain, []string{"wkr_1"}, "x", "y", domain.P1, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := m.MarkRead("wkr_1", msgID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	inbox, err := m.Inbox("wkr_1")
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(inbox) != 0 {
		t.Fatalf("expected empty pending inbox after read, got %+v", inbox)
	}
}
