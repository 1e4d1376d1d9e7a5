package security

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/nats-io/nkeys"
)

// Identity is an agent's Ed25519 signing keypair, generated once at
// registration. Only the seed form needs persisting (nkeys regenerates the
// public key from it); agents present ClaimTokens signed with this key
// instead of a bare self-reported owner id, so the hook package's "exactly
// one agent holds a claim" invariant has an unspoofable backing proof.
type Identity struct {
	kp nkeys.KeyPair
}

// NewIdentity generates a fresh user-class nkeys keypair for an agent.
func NewIdentity() (*Identity, error) {
	kp, err := nkeys.CreateUser()
	if err != nil {
		return nil, fmt.Errorf("security: generate identity: %w", err)
	}
	return &Identity{kp: kp}, nil
}

// PublicKey returns the identity's public key, safe to share and to store
// on the Agent record so other components can verify tokens it signs.
func (id *Identity) PublicKey() (string, error) {
	pub, err := id.kp.PublicKey()
	if err != nil {
		return "", fmt.Errorf("security: public key: %w", err)
	}
	return pub, nil
}

// Seed returns the identity's private seed for persistence. Callers must
// treat this as secret material.
func (id *Identity) Seed() ([]byte, error) {
	seed, err := id.kp.Seed()
	if err != nil {
		return nil, fmt.Errorf("security: seed: %w", err)
	}
	return seed, nil
}

// IdentityFromSeed reconstructs an Identity previously produced by NewIdentity.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	kp, err := nkeys.FromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("security: restore identity: %w", err)
	}
	return &Identity{kp: kp}, nil
}

// ClaimToken is the signed proof that an agent holds a work item's claim:
// owner id, item id, and claimed-at, signed with the owner's Identity. A
// hook verifying complete/fail/heartbeat recomputes the signed payload and
// checks it against the sender's registered public key instead of trusting
// a bare owner id string.
type ClaimToken struct {
	OwnerID   string    `json:"owner_id"`
	ItemID    string    `json:"item_id"`
	ClaimedAt time.Time `json:"claimed_at"`
	Signature string    `json:"signature"` // base64 nkeys signature over Payload()
}

// Payload is the canonical byte sequence a ClaimToken's signature covers.
func (c ClaimToken) Payload() []byte {
	return []byte(fmt.Sprintf("%s|%s|%d", c.OwnerID, c.ItemID, c.ClaimedAt.UnixNano()))
}

// SignClaim mints a ClaimToken for itemID, signed by owner's identity.
func SignClaim(owner *Identity, ownerID, itemID string) (ClaimToken, error) {
	claimedAt := time.Now().UTC()
	tok := ClaimToken{OwnerID: ownerID, ItemID: itemID, ClaimedAt: claimedAt}
	sig, err := owner.kp.Sign(tok.Payload())
	if err != nil {
		return ClaimToken{}, fmt.Errorf("security: sign claim: %w", err)
	}
	tok.Signature = base64.StdEncoding.EncodeToString(sig)
	return tok, nil
}

// VerifyClaim checks tok's signature against ownerPublicKey, returning an
// error if the token was not actually signed by that agent's identity (or
// has been tampered with).
func VerifyClaim(tok ClaimToken, ownerPublicKey string) error {
	verifier, err := nkeys.FromPublicKey(ownerPublicKey)
	if err != nil {
		return fmt.Errorf("security: load public key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(tok.Signature)
	if err != nil {
		return fmt.Errorf("security: decode signature: %w", err)
	}
	if err := verifier.Verify(tok.Payload(), sig); err != nil {
		return fmt.Errorf("security: claim token for %s/%s failed verification: %w", tok.OwnerID, tok.ItemID, err)
	}
	return nil
}
