package hook

import (
	"errors"
	"testing"
	"time"

	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/internal/fsstore"
	"github.com/corpcore/orchestrator/ledger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := fsstore.OpenMemory()
	led, err := ledger.Open(store)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	return New(store, led, time.Minute)
}

func TestClaimReturnsHighestPriorityFirst(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Enqueue("agt_1", domain.OwnerWorker, domain.WorkItem{ID: "wi_low", Priority: domain.P2}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := m.Enqueue("agt_1", domain.OwnerWorker, domain.WorkItem{ID: "wi_high", Priority: domain.P0}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	item, err := m.Claim("agt_1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if item == nil || item.ID != "wi_high" {
		t.Fatalf("expected wi_high claimed first, got %+v", item)
	}
}

func TestClaimConflictWhileHeld(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Enqueue("agt_1", domain.OwnerWorker, domain.WorkItem{ID: "wi_1", Priority: domain.P1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := m.Enqueue("agt_1", domain.OwnerWorker, domain.WorkItem{ID: "wi_2", Priority: domain.P1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := m.Claim("agt_1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := m.Claim("agt_1"); err == nil {
		t.Fatal("expected claim conflict on second claim")
	}
}

func TestFailRetryableRequeues(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Enqueue("agt_1", domain.OwnerWorker, domain.WorkItem{ID: "wi_1", Priority: domain.P1, MaxRetries: 2}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item, err := m.Claim("agt_1")
	if err != nil || item == nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := m.Fail("agt_1", item.ID, item.ClaimToken, errors.New("transient"), true); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	stats, err := m.Stats("agt_1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Queued != 1 {
		t.Fatalf("expected item requeued, stats=%+v", stats)
	}

	requeued, err := m.Claim("agt_1")
	if err != nil || requeued == nil {
		t.Fatalf("Claim after retry: %v", err)
	}
	if requeued.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", requeued.RetryCount)
	}
}

func TestFailExhaustedRetriesFailsPermanently(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Enqueue("agt_1", domain.OwnerWorker, domain.WorkItem{ID: "wi_1", Priority: domain.P1, MaxRetries: 0}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item, err := m.Claim("agt_1")
	if err != nil || item == nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := m.Fail("agt_1", item.ID, item.ClaimToken, errors.New("boom"), true); err == nil {
		t.Fatal("expected retries-exhausted error")
	}

	stats, err := m.Stats("agt_1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Failed != 1 || stats.Queued != 0 {
		t.Fatalf("expected permanent failure, stats=%+v", stats)
	}
}

func TestReclaimStaleRequeuesAbandonedClaims(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Enqueue("agt_1", domain.OwnerWorker, domain.WorkItem{ID: "wi_1", Priority: domain.P1, MaxRetries: 3}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := m.Claim("agt_1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	reclaimed, err := m.ReclaimStale(-time.Second) // everything looks stale
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != "wi_1" {
		t.Fatalf("expected wi_1 reclaimed, got %v", reclaimed)
	}

	item, err := m.Claim("agt_1")
	if err != nil || item == nil {
		t.Fatalf("Claim after reclaim: %v", err)
	}
	if item.RetryCount != 1 {
		t.Fatalf("expected retry count 1 after reclaim, got %d", item.RetryCount)
	}
}
