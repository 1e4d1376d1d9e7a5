package ledger

import (
	"testing"

	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/internal/fsstore"
)

func TestRebuildFoldsEntityHistory(t *testing.T) {
	store := fsstore.OpenMemory()
	l, err := Open(store)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	events := []string{"WorkItemClaimed", "WorkItemReclaimed", "WorkItemClaimed", "WorkItemCompleted"}
	for _, ev := range events {
		if _, err := l.Append(domain.LedgerEntry{Actor: "w-1", EntityKind: "work_item", EntityID: "wi-1", EventKind: ev}); err != nil {
			t.Fatalf("Append %s: %v", ev, err)
		}
	}
	if _, err := l.Append(domain.LedgerEntry{Actor: "eng", EntityKind: "molecule", EntityID: "mol-1", EventKind: "MoleculeStarted"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	states, err := l.Rebuild()
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	wi := states["wi-1"]
	if wi.LastEvent != "WorkItemCompleted" || wi.Events != 4 || wi.LastSequence != 4 {
		t.Fatalf("wi-1 state = %+v", wi)
	}
	if states["mol-1"].LastEvent != "MoleculeStarted" {
		t.Fatalf("mol-1 state = %+v", states["mol-1"])
	}
}

func TestHistoryReturnsCausalOrder(t *testing.T) {
	store := fsstore.OpenMemory()
	l, err := Open(store)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, ev := range []string{"first", "second", "third"} {
		if _, err := l.Append(domain.LedgerEntry{EntityKind: "step", EntityID: "s-1", EventKind: ev}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	history, err := l.History("s-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d", len(history))
	}
	for i, want := range []string{"first", "second", "third"} {
		if history[i].EventKind != want {
			t.Fatalf("history[%d] = %s, want %s", i, history[i].EventKind, want)
		}
	}
}
