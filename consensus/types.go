// Package consensus implements the consensus directory state machine:
// quorum-checked multi-authority signature validation, the cert-waiting
// park slot, the current-consensus store and its install protocol, the
// named/unnamed nickname maps, and the per-flavor download scheduler.
//
// Grounded on the teacher's core/pki (Document/MixDescriptor,
// IsDocumentWellFormed, the voters/verifiers threshold pattern) and
// core/cert (Signature shape, VerifyThreshold), generalized from
// Katzenpost's single always-all-signed mix document to the spec's
// multi-flavor, partial-quorum, park-and-retry Tor-style protocol.
package consensus

import (
	"bytes"
	"sort"
	"time"
)

// Flavor identifies which consensus variant a document, cert-waiting
// slot, or download-scheduler timer belongs to.
type Flavor int

const (
	// FlavorNS is the full-descriptor ("ns") consensus flavor.
	FlavorNS Flavor = iota
	// FlavorMicrodesc is the microdescriptor consensus flavor.
	FlavorMicrodesc
)

// NConsensusFlavors is N_CONSENSUS_FLAVORS: the number of recognized
// flavors. Per spec §9's open question, the source's flavor-want check
// used a strictly-greater comparison against this count, which the spec
// calls an off-by-one; IsValidFlavor rejects equal-to as well.
const NConsensusFlavors = 2

// IsValidFlavor reports whether f names a recognized flavor.
func IsValidFlavor(f Flavor) bool {
	return f >= FlavorNS && int(f) < NConsensusFlavors
}

func (f Flavor) String() string {
	switch f {
	case FlavorNS:
		return "ns"
	case FlavorMicrodesc:
		return "microdesc"
	default:
		return "unknown"
	}
}

// ParseFlavorName implements networkstatus_parse_flavor_name: the
// inverse of Flavor.String, used when a flavor arrives as a wire-format
// string (a request resource name, a CLI argument). ok is false for any
// name other than "ns"/"microdesc".
func ParseFlavorName(name string) (f Flavor, ok bool) {
	switch name {
	case "ns":
		return FlavorNS, true
	case "microdesc":
		return FlavorMicrodesc, true
	default:
		return 0, false
	}
}

// DigestAlg identifies a content-digest algorithm. The spec fixes these
// to the protocol's actual digest lengths: 20 bytes for sha1, 32 for
// sha256; this is a protocol fact, not a design choice (see SPEC_FULL.md).
type DigestAlg int

const (
	// DigestSHA1 is the legacy 20-byte digest algorithm.
	DigestSHA1 DigestAlg = iota
	// DigestSHA256 is the 32-byte digest algorithm.
	DigestSHA256
)

// Len returns the digest length in bytes for the algorithm.
func (a DigestAlg) Len() int {
	switch a {
	case DigestSHA1:
		return 20
	case DigestSHA256:
		return 32
	default:
		return 0
	}
}

// RouterFlag is one bit of a RouterStatus flag bitset.
type RouterFlag uint16

const (
	FlagAuthority RouterFlag = 1 << iota
	FlagExit
	FlagStable
	FlagFast
	FlagRunning
	FlagNamed
	FlagUnnamed
	FlagValid
	FlagV2Dir
	FlagGuard
	FlagBadExit
	FlagBadDirectory
	FlagHSDir
)

// Has reports whether the bitset has flag set.
func (fs RouterFlag) Has(flag RouterFlag) bool { return fs&flag != 0 }

// DownloadStatus is the per-resource retry record kept per flavor by the
// consensus download scheduler and carried per router in RouterStatus;
// v2 status fetches keep no DownloadStatus. Invariant: NextTry >= LastTry; a
// successful fetch resets Failures to 0.
type DownloadStatus struct {
	NextTry  time.Time
	LastTry  time.Time
	Failures int
}

// Ready reports whether the resource is eligible to be retried at now.
func (d *DownloadStatus) Ready(now time.Time) bool {
	return !now.Before(d.NextTry)
}

// MarkSuccess resets the failure counter and clears the backoff, to be
// called once a fetch for this resource has completed successfully.
func (d *DownloadStatus) MarkSuccess(now time.Time) {
	d.Failures = 0
	d.LastTry = now
	d.NextTry = now
}

// MarkFailure advances the failure counter and schedules next_try using
// the backoff delay computed by the caller (consensus/scheduler.go owns
// the actual schedule; this just records the bookkeeping fields).
func (d *DownloadStatus) MarkFailure(now time.Time, delay time.Duration) {
	d.Failures++
	d.LastTry = now
	d.NextTry = now.Add(delay)
}

// Signature is one voter's signature over a consensus document body.
// good_signature and bad_signature are terminal: exactly zero or one is
// set after the digest/signature verifier has run on this signature.
type Signature struct {
	Alg              DigestAlg
	SigningKeyDigest []byte
	IdentityDigest   []byte
	SignatureBytes   []byte
	GoodSignature    bool
	BadSignature     bool
}

// Verified reports whether the signature has been classified either way.
func (s *Signature) Verified() bool { return s.GoodSignature || s.BadSignature }

// Voter is one authority's entry in a consensus document: identity plus
// the signatures it contributed.
type Voter struct {
	IdentityDigest []byte // 20 bytes
	Nickname       string
	Address        string
	Contact        string
	Signatures     []Signature
}

// RouterStatus is one router's summary line within a consensus document.
// Invariant (enforced by Consensus.sortAndCheck): within a single
// consensus, identity digests are unique and sorted ascending.
type RouterStatus struct {
	IdentityDigest     []byte // 20 bytes
	DescriptorDigest   []byte // 20 or 32 bytes, by flavor
	Nickname           string
	Address            string
	ORPort             uint16
	DirPort            uint16
	Flags              RouterFlag
	VersionCapability  uint32
	DownloadStatus     DownloadStatus
	Last503            time.Time
}

// IsNamed reports whether the router's Named flag is set.
func (rs *RouterStatus) IsNamed() bool { return rs.Flags.Has(FlagNamed) }

// Consensus is a fully parsed, not-yet-verified directory consensus
// document. It is immutable once installed; lookups by identity go
// through ByIdentity.
type Consensus struct {
	Flavor      Flavor
	ValidAfter  time.Time
	FreshUntil  time.Time
	ValidUntil  time.Time
	Digests     map[DigestAlg][]byte
	Voters      []Voter
	Routers     []RouterStatus
	NetParams   map[string]int64
	BWWeights   map[string]int64

	// RecommendedVersions is the "recommended-client-versions"/
	// "recommended-relay-versions" string list (spec §3's parser is
	// opaque on document grammar, but the dangerous-version check needs
	// this set, so it is named here rather than folded into NetParams,
	// which is integers-only by spec §3).
	RecommendedVersions []string

	// RawBody is the exact bytes this Consensus was parsed from; stored
	// so the store can persist it verbatim. Duplicate detection compares
	// content digests (SameDigests), not these bytes.
	RawBody []byte

	index map[string]int // hex(identity digest) -> index into Routers; not populated, ByIdentity searches Routers directly
}

// Valid reports valid_after <= at <= valid_until.
func (c *Consensus) Valid(at time.Time) bool {
	return !at.Before(c.ValidAfter) && !at.After(c.ValidUntil)
}

// SameDigests reports whether c and other carry identical content
// digests for every algorithm either one has, used for duplicate
// detection in the install protocol (step 5).
func (c *Consensus) SameDigests(other *Consensus) bool {
	if len(c.Digests) != len(other.Digests) {
		return false
	}
	for alg, d := range c.Digests {
		od, ok := other.Digests[alg]
		if !ok || !bytes.Equal(d, od) {
			return false
		}
	}
	return true
}

// sortAndCheck sorts Routers ascending by identity digest and reports
// whether identity digests were (after sorting) unique, satisfying the
// RouterStatus ordering invariant.
func (c *Consensus) sortAndCheck() bool {
	sort.Slice(c.Routers, func(i, j int) bool {
		return bytes.Compare(c.Routers[i].IdentityDigest, c.Routers[j].IdentityDigest) < 0
	})
	for i := 1; i < len(c.Routers); i++ {
		if bytes.Equal(c.Routers[i-1].IdentityDigest, c.Routers[i].IdentityDigest) {
			return false
		}
	}
	return true
}

// ByIdentity returns the RouterStatus for the given identity digest using
// binary search over the sorted Routers slice, or nil if none matches. No
// index is built or consulted.
func (c *Consensus) ByIdentity(identityDigest []byte) *RouterStatus {
	i := sort.Search(len(c.Routers), func(i int) bool {
		return bytes.Compare(c.Routers[i].IdentityDigest, identityDigest) >= 0
	})
	if i < len(c.Routers) && bytes.Equal(c.Routers[i].IdentityDigest, identityDigest) {
		return &c.Routers[i]
	}
	return nil
}
