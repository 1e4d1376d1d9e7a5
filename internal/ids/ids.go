// Package ids generates opaque, unique, printable identifiers for every
// entity in the data model. It uses nuid — NATS's unique ID generator,
// already pulled in transitively through the channel system's nats.go
// dependency — rather than hand-rolling a random-string scheme.
package ids

import "github.com/nats-io/nuid"

// Kind prefixes make ids self-describing in logs and on disk without adding
// a lookup table; they carry no semantic weight beyond that.
type Kind string

const (
	Molecule   Kind = "mol"
	Step       Kind = "step"
	WorkItem   Kind = "wi"
	Ledger     Kind = "led"
	Message    Kind = "msg"
	Gate       Kind = "gate"
	Submission Kind = "sub"
	Contract   Kind = "ctr"
	Agent      Kind = "agt"
	Channel    Kind = "chn"
	Token      Kind = "tok"
)

// New returns a fresh id with kind's prefix. It calls the package-level
// nuid.Next(), which is safe for concurrent use (it guards its own
// prefix/counter rotation with a mutex internally).
func New(kind Kind) string {
	return string(kind) + "_" + nuid.Next()
}
