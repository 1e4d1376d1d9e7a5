// Package ledger implements the append-only, content-addressed audit log
// shared by every other component. Entries are grouped into monthly
// buckets under the fsstore-backed record tree and hashed with blake2b-256
// so each entry's ID is a function of its own content and its parent,
// giving the chain tamper-evidence without the key-management machinery a
// full cryptographic integrity scheme would need (explicitly out of scope).
package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/internal/fsstore"
	"github.com/corpcore/orchestrator/internal/ids"
)

const bucketTimeFormat = "2006-01"

// Ledger is the append-only log. All writes are serialized by mu so the
// Sequence counter and ParentID chain stay monotonic regardless of how
// many goroutines call Append concurrently.
type Ledger struct {
	store *fsstore.Store
	mu    sync.Mutex

	lastSequence uint64
	lastID       string
}

// Open loads (or initializes) a ledger rooted at store's "ledger/" tree.
func Open(store *fsstore.Store) (*Ledger, error) {
	l := &Ledger{store: store}
	seq, id, err := l.tail()
	if err != nil {
		return nil, fmt.Errorf("ledger: load tail: %w", err)
	}
	l.lastSequence = seq
	l.lastID = id
	return l, nil
}

// Append writes one entry, assigning it a sequence number, timestamp (if
// zero), parent ID, and content-addressed ID, then returns the filled-in
// entry. The entry is fsynced before Append returns, per the durability
// guarantee every other component relies on.
func (l *Ledger) Append(entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Sequence = l.lastSequence + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.ParentID = l.lastID
	entry.ID = ids.New(ids.Ledger)

	hash, err := contentHash(entry)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: hash entry: %w", err)
	}
	entry.ID = hash

	path := entryPath(entry)
	if err := l.store.WriteJSON(path, entry); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: %w", err)
	}

	l.lastSequence = entry.Sequence
	l.lastID = entry.ID
	return entry, nil
}

// contentHash computes the blake2b-256 hash over the JSON form of every
// field of the entry except ID (sequence, timestamp, parent, actor,
// entity, event, payload), so the ID never depends on itself.
func contentHash(entry domain.LedgerEntry) (string, error) {
	shadow := entry
	shadow.ID = ""
	data, err := json.Marshal(shadow)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func bucketOf(t time.Time) string {
	return t.UTC().Format(bucketTimeFormat)
}

func entryPath(entry domain.LedgerEntry) string {
	return fmt.Sprintf("ledger/%s/%020d_%s.json", bucketOf(entry.Timestamp), entry.Sequence, entry.ID)
}

// tail scans the most recent bucket (by directory name, buckets sort
// lexicographically the same as chronologically) for the highest sequence
// number, so Open can resume an existing tree without replaying it all.
func (l *Ledger) tail() (uint64, string, error) {
	buckets, err := l.store.List("ledger")
	if err != nil {
		return 0, "", nil // empty tree, nothing to resume
	}
	sort.Strings(buckets)
	for i := len(buckets) - 1; i >= 0; i-- {
		files, err := l.store.List("ledger/" + buckets[i])
		if err != nil || len(files) == 0 {
			continue
		}
		sort.Strings(files)
		last := files[len(files)-1]
		var entry domain.LedgerEntry
		if err := l.store.ReadJSON("ledger/"+buckets[i]+"/"+last, &entry); err != nil {
			return 0, "", err
		}
		return entry.Sequence, entry.ID, nil
	}
	return 0, "", nil
}

// ReadSince returns every entry with sequence strictly greater than after,
// in sequence order, scanning bucket directories oldest-first.
func (l *Ledger) ReadSince(after uint64) ([]domain.LedgerEntry, error) {
	buckets, err := l.store.List("ledger")
	if err != nil {
		return nil, nil
	}
	sort.Strings(buckets)

	var out []domain.LedgerEntry
	for _, bucket := range buckets {
		files, err := l.store.List("ledger/" + bucket)
		if err != nil {
			continue
		}
		sort.Strings(files)
		for _, f := range files {
			var entry domain.LedgerEntry
			if err := l.store.ReadJSON("ledger/"+bucket+"/"+f, &entry); err != nil {
				return nil, fmt.Errorf("ledger: %w", err)
			}
			if entry.Sequence > after {
				out = append(out, entry)
			}
		}
	}
	return out, nil
}

// Query returns every entry matching entityKind/entityID, most recent
// first. An empty entityKind or entityID matches any value for that
// field.
func (l *Ledger) Query(entityKind, entityID string) ([]domain.LedgerEntry, error) {
	all, err := l.ReadSince(0)
	if err != nil {
		return nil, err
	}
	var out []domain.LedgerEntry
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if entityKind != "" && e.EntityKind != entityKind {
			continue
		}
		if entityID != "" && e.EntityID != entityID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// LatestSequence returns the sequence number of the most recently
// appended entry, or 0 if the ledger is empty.
func (l *Ledger) LatestSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSequence
}
