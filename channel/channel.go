// Package channel implements typed inter-agent messaging: downchain,
// upchain, peer, and broadcast lanes, each enforcing its hierarchy
// routing rule. Messages are durably persisted to an fsstore-backed
// per-recipient inbox (so inbox/mark_delivered/mark_read survive a
// restart) and additionally published onto a Bus — a real NATS
// connection in production, an in-process fan-out in tests.
package channel

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/corpcore/orchestrator/corperrors"
	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/internal/fsstore"
	"github.com/corpcore/orchestrator/internal/ids"
	"github.com/corpcore/orchestrator/internal/keyedmutex"
	"github.com/corpcore/orchestrator/ledger"
	"github.com/corpcore/orchestrator/registry"
)

// Manager routes and persists messages.
type Manager struct {
	store    *fsstore.Store
	ledger   *ledger.Ledger
	registry *registry.Registry
	bus      Bus
	locks    *keyedmutex.Map
}

// New constructs a channel Manager over the given bus (see ConnectBus).
func New(store *fsstore.Store, led *ledger.Ledger, reg *registry.Registry, bus Bus) *Manager {
	return &Manager{
		store:    store,
		ledger:   led,
		registry: reg,
		bus:      bus,
		locks:    keyedmutex.New(),
	}
}

// subject computes the NATS subject a message is published on:
// "corp.<recipient-tier>.<recipient-id>.<kind>" for direct sends, or
// "corp.broadcast.<sender-id>" for broadcasts.
func subject(kind domain.ChannelKind, senderID, recipientID string, recipientTier domain.Tier) string {
	if kind == domain.ChannelBroadcast {
		return fmt.Sprintf("corp.broadcast.%s", senderID)
	}
	return fmt.Sprintf("corp.%s.%s.%s", recipientTier, recipientID, kind)
}

// Send validates routing rules for channelType, persists the message to
// every recipient's inbox in send order, publishes a notification per
// recipient, and records a ledger entry.
func (m *Manager) Send(sender string, channelType domain.ChannelKind, recipients []string, subjectLine, body string, priority domain.Priority, inReplyTo string) (string, error) {
	senderAgent, err := m.registry.Get(sender)
	if err != nil {
		return "", fmt.Errorf("channel: %w", err)
	}

	for _, r := range recipients {
		if err := m.validateRoute(channelType, senderAgent, r); err != nil {
			return "", err
		}
	}

	msg := domain.Message{
		ID:          ids.New(ids.Message),
		ChannelType: channelType,
		Sender:      sender,
		Recipients:  recipients,
		Subject:     subjectLine,
		Body:        body,
		Priority:    priority,
		Status:      domain.MessagePending,
		InReplyTo:   inReplyTo,
		SentAt:      time.Now().UTC(),
	}

	for _, r := range recipients {
		if err := m.deliverToInbox(r, msg); err != nil {
			return "", err
		}
		recipientAgent, err := m.registry.Get(r)
		tier := domain.Tier("")
		if err == nil {
			tier = recipientAgent.Tier
		}
		data, _ := json.Marshal(msg)
		_ = m.bus.Publish(subject(channelType, sender, r, tier), data)
	}

	if _, err := m.ledger.Append(domain.LedgerEntry{
		Actor: sender, EntityKind: "message", EntityID: msg.ID, EventKind: "MessageSent",
		Payload: map[string]any{"channel_type": string(channelType), "recipients": recipients},
	}); err != nil {
		return "", fmt.Errorf("channel: %w", err)
	}
	return msg.ID, nil
}

// Broadcast expands to an individual message for every member of the
// sender's transitive subordinate set.
func (m *Manager) Broadcast(sender, audienceSelector, subjectLine, body string, priority domain.Priority) (string, error) {
	audience, err := m.subordinatesOf(sender)
	if err != nil {
		return "", err
	}
	msgID, err := m.Send(sender, domain.ChannelBroadcast, audience, subjectLine, body, priority, "")
	if err != nil {
		return "", err
	}
	return msgID, nil
}

func (m *Manager) subordinatesOf(sender string) ([]string, error) {
	agent, err := m.registry.Get(sender)
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	var out []string
	queue := append([]string{}, agent.DirectReports...)
	seen := map[string]bool{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		child, err := m.registry.Get(id)
		if err == nil {
			queue = append(queue, child.DirectReports...)
		}
	}
	return out, nil
}

func (m *Manager) validateRoute(kind domain.ChannelKind, sender *domain.Agent, recipientID string) error {
	recipient, err := m.registry.Get(recipientID)
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	switch kind {
	case domain.ChannelDownchain:
		if !(sender.Tier.Rank() < recipient.Tier.Rank() && m.registry.IsDownchain(sender.ID, recipient.ID)) {
			return fmt.Errorf("%w: %s is not downchain of %s", corperrors.ErrRouting, recipient.ID, sender.ID)
		}
	case domain.ChannelUpchain:
		if !(sender.Tier.Rank() > recipient.Tier.Rank() && m.registry.IsDownchain(recipient.ID, sender.ID)) {
			return fmt.Errorf("%w: %s is not upchain of %s", corperrors.ErrRouting, recipient.ID, sender.ID)
		}
	case domain.ChannelPeer:
		if sender.Tier != recipient.Tier {
			return fmt.Errorf("%w: %s and %s are not peers", corperrors.ErrRouting, sender.ID, recipient.ID)
		}
	case domain.ChannelBroadcast:
		// audience already computed as sender's subordinate set; nothing further to check.
	}
	return nil
}

func (m *Manager) inboxPath(recipient string) string {
	return "channels/" + recipient + "/inbox.json"
}

func (m *Manager) deliverToInbox(recipient string, msg domain.Message) error {
	unlock := m.locks.Lock(recipient)
	defer unlock()

	var inbox []domain.Message
	if m.store.Exists(m.inboxPath(recipient)) {
		if err := m.store.ReadJSON(m.inboxPath(recipient), &inbox); err != nil {
			return fmt.Errorf("channel: %w", err)
		}
	}
	now := time.Now().UTC()
	msg.DeliveredAt = &now
	msg.Status = domain.MessageDelivered
	inbox = append(inbox, msg)
	return m.store.WriteJSON(m.inboxPath(recipient), inbox)
}

// Inbox returns every pending (not yet read) message for recipient, in
// delivery order, across all senders — callers that need per-sender
// ordering filter on Sender themselves; this package guarantees the
// ordering, not a particular presentation of it.
func (m *Manager) Inbox(recipient string) ([]domain.Message, error) {
	unlock := m.locks.Lock(recipient)
	defer unlock()

	var inbox []domain.Message
	if !m.store.Exists(m.inboxPath(recipient)) {
		return nil, nil
	}
	if err := m.store.ReadJSON(m.inboxPath(recipient), &inbox); err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	var pending []domain.Message
	for _, msg := range inbox {
		if msg.Status != domain.MessageRead {
			pending = append(pending, msg)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].SentAt.Before(pending[j].SentAt) })
	return pending, nil
}

// MarkDelivered marks messageID delivered in recipient's inbox.
func (m *Manager) MarkDelivered(recipient, messageID string) error {
	return m.updateStatus(recipient, messageID, domain.MessageDelivered, false)
}

// MarkRead marks messageID read in recipient's inbox.
func (m *Manager) MarkRead(recipient, messageID string) error {
	return m.updateStatus(recipient, messageID, domain.MessageRead, true)
}

func (m *Manager) updateStatus(recipient, messageID string, status domain.MessageStatus, setReadAt bool) error {
	unlock := m.locks.Lock(recipient)
	defer unlock()

	var inbox []domain.Message
	if !m.store.Exists(m.inboxPath(recipient)) {
		return fmt.Errorf("%w: message %s", corperrors.ErrNotFound, messageID)
	}
	if err := m.store.ReadJSON(m.inboxPath(recipient), &inbox); err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	found := false
	now := time.Now().UTC()
	for i := range inbox {
		if inbox[i].ID == messageID {
			inbox[i].Status = status
			if setReadAt {
				inbox[i].ReadAt = &now
			}
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: message %s", corperrors.ErrNotFound, messageID)
	}
	return m.store.WriteJSON(m.inboxPath(recipient), inbox)
}
