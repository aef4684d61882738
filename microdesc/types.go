// Package microdesc implements the microdescriptor cache: a hash-indexed
// store over an mmap'd main file plus an append-only journal with
// periodic compaction, per spec §4.5.
//
// Grounded on the teacher's core/pki (the annotated-document handling in
// core/pki/chunking.go and the digest-keyed lookups in
// core/pki/document.go), generalized to the spec's own on-disk journal
// format, which the teacher has no equivalent of (Katzenpost documents
// are never cached to an append journal with mmap compaction).
package microdesc

import (
	"crypto/sha256"
	"time"
)

// DigestSize is the microdescriptor digest length (spec §3: "32-byte
// digest, primary key"). A protocol-mandated constant, not a design
// choice (SPEC_FULL.md's stdlib justification for crypto/sha256).
const DigestSize = sha256.Size

// Digest computes the primary-key digest of a microdescriptor body.
func Digest(body []byte) [DigestSize]byte { return sha256.Sum256(body) }

// SavedLocation is the finite enum spec §9 calls for in place of a
// tri-state int flag.
type SavedLocation int

const (
	Nowhere SavedLocation = iota
	InJournal
	InCache
)

// Microdesc is one cached microdescriptor record (spec §3).
type Microdesc struct {
	Digest     [DigestSize]byte
	Body       []byte // owned, or a slice into the mmap'd cache file
	BodyLen    int
	Offset     int64
	LastListed time.Time
	Location   SavedLocation

	// HeldInMap is set on insertion into the cache's map and cleared on
	// removal (invariant 3, spec §8).
	HeldInMap bool
	// HeldByNodes is maintained by the node list external collaborator;
	// the cache never increments or reads it, and Clean and Rebuild free
	// entries without consulting it.
	HeldByNodes int

	noSave bool
}

// NoSave reports whether a descriptor should be skipped when writing
// survivors during compaction (spec §4.5: "for each surviving entry not
// marked no_save").
func (m *Microdesc) NoSave() bool { return m.noSave }

// SetNoSave marks or clears the no_save bit.
func (m *Microdesc) SetNoSave(v bool) { m.noSave = v }
