// Package hook implements the per-agent priority work queue described in
// the orchestration core's hook system: enqueue/claim/complete/fail with
// strict priority-then-FIFO ordering, heartbeats, stale-claim reclaim, and
// a cached snapshot of queue stats for the monitor to read without
// contending with claim traffic.
package hook

import (
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/corpcore/orchestrator/corperrors"
	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/internal/fsstore"
	"github.com/corpcore/orchestrator/internal/ids"
	"github.com/corpcore/orchestrator/internal/keyedmutex"
	"github.com/corpcore/orchestrator/ledger"
)

// StaleClaimThreshold is the default duration a claimed item may sit
// in_progress, measured from its claim timestamp, before
// Manager.ReclaimStale considers it abandoned; heartbeats do not extend
// it. Five minutes gives a crashed agent enough slack to
// restart before its work is taken away.
const StaleClaimThreshold = 5 * time.Minute

// Stats is the claim/complete/fail counter snapshot returned by Stats.
type Stats struct {
	Queued     int `json:"queued"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// queue is one owner's durable hook state.
type queue struct {
	OwnerID   string               `json:"owner_id"`
	OwnerType domain.OwnerType     `json:"owner_type"`
	Items     []domain.WorkItem    `json:"items"` // queued only; claimed item tracked separately
	Claimed   *domain.WorkItem     `json:"claimed,omitempty"`
	Stats     Stats                `json:"stats"`
	LastSeen  time.Time            `json:"last_seen"`
	nextSeq   uint64
}

// Signer mints the signed proof an owner holds a claim, wired to
// security.SignClaim by callers that maintain per-agent Identities. Nil
// leaves ClaimToken empty, so complete/fail/heartbeat trust the caller's
// self-reported owner id alone — the behavior of a deployment with no
// identity layer configured.
type Signer func(ownerID, itemID string) (string, error)

// Verifier checks that token is valid proof ownerID holds itemID's claim,
// wired to security.VerifyClaim against the owner's registered public key
// by the same callers that configure a Signer. Nil skips verification.
type Verifier func(ownerID, itemID, token string) error

// Manager owns every hook in the system.
type Manager struct {
	store    *fsstore.Store
	ledger   *ledger.Ledger
	locks    *keyedmutex.Map
	cache    *gocache.Cache
	signer   Signer
	verifier Verifier

	mu     sync.Mutex
	queues map[string]*queue
}

// New constructs a hook Manager. snapshotTTL controls how long cached
// Stats() results are served before a fresh read.
func New(store *fsstore.Store, led *ledger.Ledger, snapshotTTL time.Duration) *Manager {
	return &Manager{
		store:  store,
		ledger: led,
		locks:  keyedmutex.New(),
		cache:  gocache.New(snapshotTTL, snapshotTTL*2),
		queues: make(map[string]*queue),
	}
}

// SetSigner wires the claim-signing callback; see Signer.
func (m *Manager) SetSigner(s Signer) {
	m.mu.Lock()
	m.signer = s
	m.mu.Unlock()
}

// SetVerifier wires the claim-verification callback; see Verifier.
func (m *Manager) SetVerifier(v Verifier) {
	m.mu.Lock()
	m.verifier = v
	m.mu.Unlock()
}

// verifyHeld rejects a claim-mutating call whose presented token does not
// prove the caller holds q's current claim. Items claimed with no signer
// configured carry no token and pass through unchecked.
func (m *Manager) verifyHeld(q *queue, ownerID, token string) error {
	m.mu.Lock()
	v := m.verifier
	m.mu.Unlock()
	if v == nil || q.Claimed == nil || q.Claimed.ClaimToken == "" {
		return nil
	}
	if token != q.Claimed.ClaimToken {
		return fmt.Errorf("%w: presented token does not match the claim on item %s", corperrors.ErrClaimConflict, q.Claimed.ID)
	}
	return v(ownerID, q.Claimed.ID, token)
}

func (m *Manager) path(ownerID string) string {
	return "hooks/" + ownerID + ".json"
}

func (m *Manager) load(ownerID string, ownerType domain.OwnerType) (*queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[ownerID]; ok {
		return q, nil
	}
	q := &queue{OwnerID: ownerID, OwnerType: ownerType}
	if m.store.Exists(m.path(ownerID)) {
		if err := m.store.ReadJSON(m.path(ownerID), q); err != nil {
			return nil, fmt.Errorf("hook: load %s: %w", ownerID, err)
		}
		for _, item := range q.Items {
			if item.ArrivalSequence >= q.nextSeq {
				q.nextSeq = item.ArrivalSequence + 1
			}
		}
		if q.Claimed != nil && q.Claimed.ArrivalSequence >= q.nextSeq {
			q.nextSeq = q.Claimed.ArrivalSequence + 1
		}
	}
	m.queues[ownerID] = q
	return q, nil
}

func (m *Manager) persist(q *queue) error {
	return m.store.WriteJSON(m.path(q.OwnerID), q)
}

// Enqueue inserts item into owner's queue, assigning it an arrival
// sequence, and keeps the queue sorted by (priority, arrival_sequence).
func (m *Manager) Enqueue(ownerID string, ownerType domain.OwnerType, item domain.WorkItem) (domain.WorkItem, error) {
	unlock := m.locks.Lock(ownerID)
	defer unlock()

	q, err := m.load(ownerID, ownerType)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if item.ID == "" {
		item.ID = ids.New(ids.WorkItem)
	}
	item.ArrivalSequence = q.nextSeq
	q.nextSeq++

	q.Items = append(q.Items, item)
	sort.SliceStable(q.Items, func(i, j int) bool { return domain.Less(q.Items[i], q.Items[j]) })
	q.Stats.Queued = len(q.Items)

	m.invalidateCache(ownerID)
	if err := m.persist(q); err != nil {
		return domain.WorkItem{}, err
	}
	if _, err := m.ledger.Append(domain.LedgerEntry{
		Actor: ownerID, EntityKind: "work_item", EntityID: item.ID, EventKind: "WorkItemEnqueued",
		Payload: map[string]any{"owner_id": ownerID, "priority": item.Priority.String()},
	}); err != nil {
		return domain.WorkItem{}, fmt.Errorf("hook: %w", err)
	}
	return item, nil
}

// Claim atomically removes the highest-priority ready item and marks it
// in_progress. Only one claim may be outstanding per owner.
func (m *Manager) Claim(ownerID string) (*domain.WorkItem, error) {
	unlock := m.locks.Lock(ownerID)
	defer unlock()

	q, err := m.load(ownerID, "")
	if err != nil {
		return nil, err
	}
	if q.Claimed != nil {
		return nil, fmt.Errorf("%w: owner %s already holds item %s", corperrors.ErrClaimConflict, ownerID, q.Claimed.ID)
	}
	if len(q.Items) == 0 {
		return nil, nil
	}

	item := q.Items[0]
	q.Items = q.Items[1:]
	now := time.Now().UTC()
	item.ClaimedAt = &now
	if m.signer != nil {
		token, err := m.signer(ownerID, item.ID)
		if err != nil {
			return nil, fmt.Errorf("hook: sign claim: %w", err)
		}
		item.ClaimToken = token
	}
	q.Claimed = &item
	q.Stats.Queued = len(q.Items)
	q.Stats.InProgress = 1

	if err := m.persist(q); err != nil {
		return nil, err
	}
	m.invalidateCache(ownerID)
	if _, err := m.ledger.Append(domain.LedgerEntry{
		Actor: ownerID, EntityKind: "work_item", EntityID: item.ID, EventKind: "WorkItemClaimed",
	}); err != nil {
		return nil, fmt.Errorf("hook: %w", err)
	}
	claimed := item
	return &claimed, nil
}

// Complete transitions the claimed item to completed, clearing the claim
// slot. token is the claim token returned by Claim; it is verified when a
// Verifier is configured. result is recorded verbatim in the ledger
// payload.
func (m *Manager) Complete(ownerID, itemID, token string, result map[string]any) error {
	unlock := m.locks.Lock(ownerID)
	defer unlock()

	q, err := m.load(ownerID, "")
	if err != nil {
		return err
	}
	if q.Claimed == nil || q.Claimed.ID != itemID {
		return fmt.Errorf("%w: owner %s has no claim on item %s", corperrors.ErrInvalidState, ownerID, itemID)
	}
	if err := m.verifyHeld(q, ownerID, token); err != nil {
		return err
	}
	q.Claimed = nil
	q.Stats.InProgress = 0
	q.Stats.Completed++

	if err := m.persist(q); err != nil {
		return err
	}
	m.invalidateCache(ownerID)
	_, err = m.ledger.Append(domain.LedgerEntry{
		Actor: ownerID, EntityKind: "work_item", EntityID: itemID, EventKind: "WorkItemCompleted", Payload: result,
	})
	if err != nil {
		return fmt.Errorf("hook: %w", err)
	}
	return nil
}

// Fail transitions the claimed item after verifying token against the
// claim. If retryable and retry_count < max_retries it is requeued with an
// incremented retry count (and a fresh arrival sequence, re-entering FIFO
// order at its priority); otherwise it is marked permanently failed.
func (m *Manager) Fail(ownerID, itemID, token string, cause error, retryable bool) error {
	unlock := m.locks.Lock(ownerID)
	defer unlock()

	q, err := m.load(ownerID, "")
	if err != nil {
		return err
	}
	if q.Claimed == nil || q.Claimed.ID != itemID {
		return fmt.Errorf("%w: owner %s has no claim on item %s", corperrors.ErrInvalidState, ownerID, itemID)
	}
	if err := m.verifyHeld(q, ownerID, token); err != nil {
		return err
	}
	item := *q.Claimed
	q.Claimed = nil
	q.Stats.InProgress = 0

	event := "WorkItemFailed"
	if retryable && item.RetryCount < item.MaxRetries {
		item.RetryCount++
		item.ClaimedAt = nil
		item.ClaimToken = ""
		item.ArrivalSequence = q.nextSeq
		q.nextSeq++
		q.Items = append(q.Items, item)
		sort.SliceStable(q.Items, func(i, j int) bool { return domain.Less(q.Items[i], q.Items[j]) })
		q.Stats.Queued = len(q.Items)
		event = "WorkItemRetried"
	} else {
		q.Stats.Failed++
	}

	if err := m.persist(q); err != nil {
		return err
	}
	m.invalidateCache(ownerID)

	payload := map[string]any{"retry_count": item.RetryCount}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	_, err = m.ledger.Append(domain.LedgerEntry{
		Actor: ownerID, EntityKind: "work_item", EntityID: itemID, EventKind: event, Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("hook: %w", err)
	}
	if event == "WorkItemFailed" {
		return fmt.Errorf("%w: item %s", corperrors.ErrRetriesExhausted, itemID)
	}
	return nil
}

// Release returns the claimed item to queued without consuming a retry —
// the cancellation path: the operation unwound cleanly, so the item
// re-enters FIFO order at its priority as if the claim never happened,
// except for the ledger entry recording that it did. token is verified
// like Complete's.
func (m *Manager) Release(ownerID, itemID, token string) error {
	unlock := m.locks.Lock(ownerID)
	defer unlock()

	q, err := m.load(ownerID, "")
	if err != nil {
		return err
	}
	if q.Claimed == nil || q.Claimed.ID != itemID {
		return fmt.Errorf("%w: owner %s has no claim on item %s", corperrors.ErrInvalidState, ownerID, itemID)
	}
	if err := m.verifyHeld(q, ownerID, token); err != nil {
		return err
	}
	item := *q.Claimed
	q.Claimed = nil
	item.ClaimedAt = nil
	item.ClaimToken = ""
	item.ArrivalSequence = q.nextSeq
	q.nextSeq++
	q.Items = append(q.Items, item)
	sort.SliceStable(q.Items, func(i, j int) bool { return domain.Less(q.Items[i], q.Items[j]) })
	q.Stats.Queued = len(q.Items)
	q.Stats.InProgress = 0

	if err := m.persist(q); err != nil {
		return err
	}
	m.invalidateCache(ownerID)
	if _, err := m.ledger.Append(domain.LedgerEntry{
		Actor: ownerID, EntityKind: "work_item", EntityID: itemID, EventKind: "WorkItemReleased",
	}); err != nil {
		return fmt.Errorf("hook: %w", err)
	}
	return nil
}

// Heartbeat updates the owner's last-seen time. It does not protect the
// current claim from ReclaimStale, which measures a claim's age from its
// claim timestamp alone. A heartbeat presenting a token has it
// verified against the current claim; an empty token records owner-level
// liveness only and never attests a claim.
func (m *Manager) Heartbeat(ownerID string, at time.Time, token string) error {
	unlock := m.locks.Lock(ownerID)
	defer unlock()

	q, err := m.load(ownerID, "")
	if err != nil {
		return err
	}
	if token != "" {
		if err := m.verifyHeld(q, ownerID, token); err != nil {
			return err
		}
	}
	q.LastSeen = at
	return m.persist(q)
}

// Refresh reloads an owner's queue state from durable storage, discarding
// the in-memory copy — the cache-coherence primitive called between
// executor tiers.
func (m *Manager) Refresh(ownerID string) error {
	unlock := m.locks.Lock(ownerID)
	defer unlock()

	m.mu.Lock()
	delete(m.queues, ownerID)
	m.mu.Unlock()

	_, err := m.load(ownerID, "")
	m.invalidateCache(ownerID)
	return err
}

// Stats returns the owner's queue/progress counters, served from a TTL
// cache so monitor polling does not contend with the per-owner lock held
// during claim/complete/fail.
func (m *Manager) Stats(ownerID string) (Stats, error) {
	if cached, ok := m.cache.Get(ownerID); ok {
		return cached.(Stats), nil
	}

	unlock := m.locks.Lock(ownerID)
	q, err := m.load(ownerID, "")
	unlock()
	if err != nil {
		return Stats{}, err
	}
	m.cache.SetDefault(ownerID, q.Stats)
	return q.Stats, nil
}

func (m *Manager) invalidateCache(ownerID string) {
	m.cache.Delete(ownerID)
}

// ReclaimStale scans every known hook and moves any claim older than
// threshold (by claim timestamp, since LastSeen is updated independently
// by Heartbeat) back to queued with an incremented retry count. It
// returns the IDs of reclaimed items.
func (m *Manager) ReclaimStale(threshold time.Duration) ([]string, error) {
	m.mu.Lock()
	owners := make([]string, 0, len(m.queues))
	for id := range m.queues {
		owners = append(owners, id)
	}
	m.mu.Unlock()
	sort.Strings(owners)

	var reclaimed []string
	now := time.Now().UTC()
	for _, ownerID := range owners {
		unlock := m.locks.Lock(ownerID)
		q, err := m.load(ownerID, "")
		if err != nil {
			unlock()
			return reclaimed, err
		}
		if q.Claimed != nil && q.Claimed.ClaimedAt != nil && now.Sub(*q.Claimed.ClaimedAt) > threshold {
			item := *q.Claimed
			item.RetryCount++
			item.ClaimedAt = nil
			item.ClaimToken = ""
			item.ArrivalSequence = q.nextSeq
			q.nextSeq++
			q.Items = append(q.Items, item)
			sort.SliceStable(q.Items, func(i, j int) bool { return domain.Less(q.Items[i], q.Items[j]) })
			q.Claimed = nil
			q.Stats.Queued = len(q.Items)
			q.Stats.InProgress = 0
			if err := m.persist(q); err != nil {
				unlock()
				return reclaimed, err
			}
			m.invalidateCache(ownerID)
			if _, err := m.ledger.Append(domain.LedgerEntry{
				Actor: ownerID, EntityKind: "work_item", EntityID: item.ID, EventKind: "WorkItemReclaimed",
			}); err != nil {
				unlock()
				return reclaimed, fmt.Errorf("hook: %w", err)
			}
			reclaimed = append(reclaimed, item.ID)
		}
		unlock()
	}
	return reclaimed, nil
}
