// Package security implements the orchestration core's security layer:
// Delegation Capability Tokens with attenuating caveats, nkeys-signed
// hook claim tokens, circuit breakers over repeated failures or trust
// drops, and red-flag screening of newly-created molecules.
package security

import (
	"fmt"
	"strings"
	"time"
)

// DCT is a Delegation Capability Token: proof that BearerID may act on
// Resource within the bounds of Caveats, ultimately traceable back to
// GranterID.
type DCT struct {
	TokenID   string    `json:"token_id"`
	GranterID string    `json:"granter_id"`
	BearerID  string    `json:"bearer_id"`
	Resource  string    `json:"resource"`
	Caveats   []Caveat  `json:"caveats"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// Caveat is a single restriction in the attenuation chain.
type Caveat struct {
	Type  string `json:"type"` // "scope", "operation", "time", "budget"
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MintDCT creates a new Delegation Capability Token with the given initial
// caveats.
func MintDCT(granterID, bearerID, resource string, ttl time.Duration, caveats ...Caveat) *DCT {
	now := time.Now().UTC()
	return &DCT{
		TokenID:   fmt.Sprintf("dct_%s_%s_%d", granterID, bearerID, now.UnixNano()),
		GranterID: granterID,
		BearerID:  bearerID,
		Resource:  resource,
		Caveats:   caveats,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// Attenuate creates a child DCT naming newBearerID as bearer, carrying
// every caveat of d plus additionalCaveats — restrictions only ever
// accumulate down a delegation chain (executive→vp→director→worker), never
// loosen.
func (d *DCT) Attenuate(newBearerID string, additionalCaveats ...Caveat) (*DCT, error) {
	if d.Revoked {
		return nil, fmt.Errorf("security: cannot attenuate revoked token %s", d.TokenID)
	}
	if time.Now().UTC().After(d.ExpiresAt) {
		return nil, fmt.Errorf("security: cannot attenuate expired token %s", d.TokenID)
	}
	allCaveats := make([]Caveat, len(d.Caveats)+len(additionalCaveats))
	copy(allCaveats, d.Caveats)
	copy(allCaveats[len(d.Caveats):], additionalCaveats)

	child := MintDCT(d.BearerID, newBearerID, d.Resource, time.Until(d.ExpiresAt), allCaveats...)
	return child, nil
}

// ValidateAccess checks whether the token permits operation within scope.
func (d *DCT) ValidateAccess(operation, scope string) error {
	if d.Revoked {
		return fmt.Errorf("security: token %s revoked", d.TokenID)
	}
	if time.Now().UTC().After(d.ExpiresAt) {
		return fmt.Errorf("security: token %s expired", d.TokenID)
	}
	for _, c := range d.Caveats {
		switch c.Type {
		case "operation":
			if !strings.Contains(c.Value, operation) {
				return fmt.Errorf("security: operation %q not permitted by token %s (allowed: %s)", operation, d.TokenID, c.Value)
			}
		case "scope":
			if !strings.HasPrefix(scope, c.Value) {
				return fmt.Errorf("security: scope %q outside boundary %q of token %s", scope, c.Value, d.TokenID)
			}
		}
	}
	return nil
}
