// Package v2status implements the legacy per-authority ("v2") status
// document cache: spec §4.6. Cache-only when operating as a directory
// cache. Grounded on the teacher's core/pki/document.go pattern of
// keeping a digest-keyed collection with a sorted accessor
// (GetVerifiersKeysFromTOML-style static config plus a sorted-iteration
// helper), generalized to this package's own receive/replace/sweep
// lifecycle, which the teacher's single-document PKI client has no
// equivalent of.
package v2status

import (
	"encoding/hex"
	"sort"
	"time"

	"github.com/veilmesh/relay/core/clock"
	"github.com/veilmesh/relay/direrr"
)

// ClockSkewFutureTolerance is the 24h future-published rejection window
// from spec §4.6.
const ClockSkewFutureTolerance = 24 * time.Hour

// Document is one legacy v2 status document, opaque beyond the fields
// this cache needs to key, order, and expire it.
type Document struct {
	AuthorityIdentityDigest []byte
	PublishedOn             time.Time
	RawBody                 []byte
}

// Persister is the narrow disk-persistence collaborator this cache uses,
// matching spec §4.7's `cached-status/<hex-identity>` layout.
type Persister interface {
	SaveStatus(identityDigest []byte, raw []byte) error
	LoadStatus(identityDigest []byte) ([]byte, error)
	DeleteStatus(identityDigest []byte) error
}

// EventSink is notified of clock-skew rejections, reusing the same
// narrow shape the consensus package's EventSink exposes for this one
// event so callers can share an implementation.
type EventSink interface {
	ClockSkew(now, reference time.Time, detail string)
}

type nullSink struct{}

func (nullSink) ClockSkew(time.Time, time.Time, string) {}

// Cache holds the per-authority v2 status documents in a map keyed by
// identity; SortedByPublished orders them by PublishedOn on each call
// for deterministic iteration (spec §4.6).
type Cache struct {
	persist Persister
	sink    EventSink
	clock   clock.Clock

	byIdentity map[string]*Document
}

// New constructs an empty Cache.
func New(persist Persister, sink EventSink, clk clock.Clock) *Cache {
	if sink == nil {
		sink = nullSink{}
	}
	return &Cache{persist: persist, sink: sink, clock: clk, byIdentity: make(map[string]*Document)}
}

// Receive implements spec §4.6's receive rule: reject on clock skew or
// if the authority wasn't requested, otherwise replace only if the
// incoming document's PublishedOn is strictly newer than what is held
// for that authority.
func (c *Cache) Receive(doc *Document, requested bool) error {
	if !requested {
		return direrr.New(direrr.KindProtocolViolation, "v2 status document not requested")
	}

	now := c.clock.Now()
	if doc.PublishedOn.After(now.Add(ClockSkewFutureTolerance)) {
		c.sink.ClockSkew(now, doc.PublishedOn, "v2 status published_on too far in the future")
		return direrr.New(direrr.KindClockSkew, "published_on exceeds future tolerance")
	}

	key := string(doc.AuthorityIdentityDigest)
	if existing, ok := c.byIdentity[key]; ok {
		if !doc.PublishedOn.After(existing.PublishedOn) {
			return direrr.New(direrr.KindStale, "not strictly newer than held v2 status")
		}
	}

	c.byIdentity[key] = doc
	if c.persist != nil {
		return c.persist.SaveStatus(doc.AuthorityIdentityDigest, doc.RawBody)
	}
	return nil
}

// Get returns the held document for an authority identity digest.
func (c *Cache) Get(identityDigest []byte) (*Document, bool) {
	d, ok := c.byIdentity[string(identityDigest)]
	return d, ok
}

// Sweep removes every entry with PublishedOn older than maxAge,
// implementing the MAX_NETWORKSTATUS_AGE periodic lifetime cap.
func (c *Cache) Sweep(maxAge time.Duration) int {
	now := c.clock.Now()
	removed := 0
	for key, doc := range c.byIdentity {
		if now.Sub(doc.PublishedOn) > maxAge {
			delete(c.byIdentity, key)
			if c.persist != nil {
				_ = c.persist.DeleteStatus(doc.AuthorityIdentityDigest)
			}
			removed++
		}
	}
	return removed
}

// SortedByPublished returns every held document ordered by PublishedOn
// ascending, for deterministic iteration (spec §4.6).
func (c *Cache) SortedByPublished() []*Document {
	out := make([]*Document, 0, len(c.byIdentity))
	for _, d := range c.byIdentity {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedOn.Before(out[j].PublishedOn) })
	return out
}

// Identities returns the hex-encoded authority identity digests
// currently held, for GETINFO-style enumeration.
func (c *Cache) Identities() []string {
	out := make([]string, 0, len(c.byIdentity))
	for key := range c.byIdentity {
		out = append(out, hex.EncodeToString([]byte(key)))
	}
	sort.Strings(out)
	return out
}
