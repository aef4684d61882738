package consensus

import "time"

// EventSink is the narrow view of the control-port event emitter external
// collaborator (spec §1, §6): the four named control events the install
// protocol and clock/version checks raise, implemented as typed method
// calls rather than formatted log lines so tests can assert on them.
type EventSink interface {
	// NewConsensus fires on every successful install (step 8).
	NewConsensus(flavor Flavor, validAfter time.Time)

	// NetworkStatusChanged fires once per install, carrying every added or
	// changed RouterStatus diffed against the previous installed consensus
	// (step 8).
	NetworkStatusChanged(flavor Flavor, changed []RouterStatus)

	// ClockSkew fires when the local clock disagrees with a document's
	// validity window by more than the allowed skew (step 13, and the v2
	// cache's 24h future-published rejection).
	ClockSkew(now, reference time.Time, detail string)

	// DangerousVersion fires once per newly-observed recommended-versions
	// mismatch (spec §7 "one-shot WARN").
	DangerousVersion(ourVersion string, recommended []string)
}

// NullEventSink discards every event; it is the default when no sink is
// configured, keeping the install protocol usable in tests and small
// embeddings without requiring a real control-port.
type NullEventSink struct{}

func (NullEventSink) NewConsensus(Flavor, time.Time)                   {}
func (NullEventSink) NetworkStatusChanged(Flavor, []RouterStatus)      {}
func (NullEventSink) ClockSkew(time.Time, time.Time, string)           {}
func (NullEventSink) DangerousVersion(string, []string)                {}

// RecordingEventSink accumulates every event it receives, used by tests
// that need to assert on emission order and content.
type RecordingEventSink struct {
	NewConsensusEvents   []NewConsensusEvent
	NetworkStatusEvents  []NetworkStatusEvent
	ClockSkewEvents      []ClockSkewEvent
	DangerousVersionEvts []DangerousVersionEvent
}

type NewConsensusEvent struct {
	Flavor     Flavor
	ValidAfter time.Time
}

type NetworkStatusEvent struct {
	Flavor  Flavor
	Changed []RouterStatus
}

type ClockSkewEvent struct {
	Now       time.Time
	Reference time.Time
	Detail    string
}

type DangerousVersionEvent struct {
	OurVersion  string
	Recommended []string
}

func (r *RecordingEventSink) NewConsensus(flavor Flavor, validAfter time.Time) {
	r.NewConsensusEvents = append(r.NewConsensusEvents, NewConsensusEvent{flavor, validAfter})
}

func (r *RecordingEventSink) NetworkStatusChanged(flavor Flavor, changed []RouterStatus) {
	r.NetworkStatusEvents = append(r.NetworkStatusEvents, NetworkStatusEvent{flavor, changed})
}

func (r *RecordingEventSink) ClockSkew(now, reference time.Time, detail string) {
	r.ClockSkewEvents = append(r.ClockSkewEvents, ClockSkewEvent{now, reference, detail})
}

func (r *RecordingEventSink) DangerousVersion(ourVersion string, recommended []string) {
	r.DangerousVersionEvts = append(r.DangerousVersionEvts, DangerousVersionEvent{ourVersion, recommended})
}
