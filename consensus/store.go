package consensus

import (
	"time"

	"github.com/veilmesh/relay/core/clock"
	"github.com/veilmesh/relay/direrr"
)

// ReasonablyLiveTime is REASONABLY_LIVE_TIME: live, or expired by at most
// this long, per the glossary's "reasonably live" definition. The install
// protocol's step 4 cached-document staleness check (OLD_ROUTER_DESC_MAX_AGE,
// left unspecified as a bit-exact constant in spec §6) is implemented
// against this same window: a cached document more than a day past
// valid_until is not "reasonably live" by the glossary's own definition,
// so there is no separate constant to invent.
const ReasonablyLiveTime = 24 * time.Hour

// ClockSkewWarnThreshold is the "now < valid_after - 60s" early-consensus
// clock-skew warning threshold (EARLY_CONSENSUS_NOTICE_SKEW, spec §6).
const ClockSkewWarnThreshold = 60 * time.Second

// SetCurrentFlag is one bit of the flags argument to Store.SetCurrent.
type SetCurrentFlag uint8

const (
	FlagFromCache SetCurrentFlag = 1 << iota
	FlagWasWaitingForCerts
	FlagDontDownloadCerts
	FlagAcceptObsolete
	FlagRequireFlavor
)

func (f SetCurrentFlag) has(bit SetCurrentFlag) bool { return f&bit != 0 }

// Parser is the external collaborator (spec §1) that turns raw document
// bytes into a structured Consensus. The core treats document formats as
// opaque and only requires that the parser populate the fields spec §6
// lists: digests, the three validity timestamps, voters with signatures,
// and a router-status list sorted by identity digest.
type Parser interface {
	ParseConsensus(raw []byte) (*Consensus, error)
}

// CertDownloader is the narrow certificate-store collaborator used to
// "optionally kick certificate download" when a consensus parks for lack
// of certs (install step 7).
type CertDownloader interface {
	RequestCerts(missing []Voter)
}

// Outcome is the non-error result of SetCurrent: the install protocol
// distinguishes an actual install from a successful park.
type Outcome int

const (
	OutcomeInstalled Outcome = iota
	OutcomeParked
	OutcomeDropped
)

// Store holds the current consensus per flavor, the cert-waiting slot per
// flavor, the derived nickname maps, and runs the install protocol
// (spec §4.4). It owns the current consensus exclusively; the waiting
// slot owns its parked consensus exclusively (spec §3 "Ownership").
type Store struct {
	authorities  []Authority
	certStore    CertStore
	certDL       CertDownloader
	verifier     Verifier
	sink         EventSink
	clock        clock.Clock
	persist      *Persister
	parser       Parser
	versionCheck *VersionChecker

	usableFlavor Flavor
	isCache      bool

	current  map[Flavor]*Consensus
	waiting  map[Flavor]*waitingSlot
	download map[Flavor]*DownloadStatus
	names    *nicknameMaps
}

// NewStore constructs a Store. sink and certDL may be nil, in which case
// NullEventSink and a no-op downloader are used.
func NewStore(authorities []Authority, certStore CertStore, certDL CertDownloader, parser Parser, persist *Persister, clk clock.Clock, sink EventSink, usableFlavor Flavor, isCache bool) *Store {
	if sink == nil {
		sink = NullEventSink{}
	}
	if certDL == nil {
		certDL = noopCertDownloader{}
	}
	return &Store{
		authorities:  authorities,
		certStore:    certStore,
		certDL:       certDL,
		verifier:     Verifier{},
		sink:         sink,
		clock:        clk,
		persist:      persist,
		parser:       parser,
		versionCheck: NewVersionChecker(""),
		usableFlavor: usableFlavor,
		isCache:      isCache,
		current:      make(map[Flavor]*Consensus),
		waiting:      make(map[Flavor]*waitingSlot, 2),
		download:     make(map[Flavor]*DownloadStatus, 2),
		names:        newNicknameMaps(),
	}
}

type noopCertDownloader struct{}

func (noopCertDownloader) RequestCerts([]Voter) {}

// Current returns the installed consensus for a flavor, or nil.
func (s *Store) Current(f Flavor) *Consensus { return s.current[f] }

// Waiting reports whether a consensus is parked for a flavor.
func (s *Store) Waiting(f Flavor) bool {
	w, ok := s.waiting[f]
	return ok && !w.Empty()
}

// SetCurrent implements spec §4.4's 13-step install protocol.
func (s *Store) SetCurrent(raw []byte, requestedFlavor Flavor, flags SetCurrentFlag) (Outcome, error) {
	now := s.clock.Now()

	// Step 1: parse.
	c, err := s.parser.ParseConsensus(raw)
	if err != nil {
		return OutcomeDropped, direrr.Wrap(direrr.KindBadParse, "parse consensus", err)
	}
	c.RawBody = raw
	if !c.sortAndCheck() {
		return OutcomeDropped, direrr.New(direrr.KindProtocolViolation, "router status list has duplicate identity digest")
	}

	// Step 2: flavor match.
	flavor := requestedFlavor
	if c.Flavor != requestedFlavor {
		if flags.has(FlagRequireFlavor) {
			return OutcomeDropped, direrr.New(direrr.KindWrongFlavor, "")
		}
		flavor = c.Flavor
	}

	// Step 3: flavor usability.
	if flavor != s.usableFlavor && !s.isCache {
		return OutcomeDropped, nil
	}

	// Step 4: cached-document staleness.
	if flags.has(FlagFromCache) && !flags.has(FlagAcceptObsolete) {
		if c.ValidUntil.Before(now.Add(-ReasonablyLiveTime)) {
			return OutcomeDropped, direrr.New(direrr.KindObsolete, "")
		}
	}

	current := s.current[flavor]

	// Step 5: duplicate.
	if current != nil && c.SameDigests(current) {
		return OutcomeDropped, direrr.New(direrr.KindDuplicate, "")
	}

	// Step 6: stale.
	if current != nil && !c.ValidAfter.After(current.ValidAfter) {
		return OutcomeDropped, direrr.New(direrr.KindStale, "")
	}

	// Step 7: quorum check.
	report := CheckQuorum(c, s.authorities, s.certStore, s.verifier, now)
	switch report.Result {
	case ResultInsufficient:
		return OutcomeDropped, direrr.New(direrr.KindInsufficientSignatures, report.FormatDiagnostic())
	case ResultNeedMoreCerts:
		slot := s.waitingSlot(flavor)
		slot.Park(c, raw, now)
		if s.persist != nil {
			_ = s.persist.SaveUnverified(flavor, raw)
		}
		if !flags.has(FlagDontDownloadCerts) {
			s.certDL.RequestCerts(missingCertVoters(c, report))
		}
		return OutcomeParked, direrr.ErrNeedCerts
	}

	// Steps 8-13: install.
	s.install(c, flavor, flags, now)
	return OutcomeInstalled, nil
}

func (s *Store) waitingSlot(f Flavor) *waitingSlot {
	w, ok := s.waiting[f]
	if !ok {
		w = &waitingSlot{}
		s.waiting[f] = w
	}
	return w
}

func (s *Store) downloadStatus(f Flavor) *DownloadStatus {
	d, ok := s.download[f]
	if !ok {
		d = &DownloadStatus{}
		s.download[f] = d
	}
	return d
}

func missingCertVoters(c *Consensus, report QuorumReport) []Voter {
	missing := make([]Voter, 0, report.NMissing)
	for i := range c.Voters {
		if containsNickname(report.MissingNicknames, c.Voters[i].Nickname) {
			missing = append(missing, c.Voters[i])
		}
	}
	return missing
}

func containsNickname(list []string, n string) bool {
	for _, x := range list {
		if x == n {
			return true
		}
	}
	return false
}

// install runs steps 8-13 of the protocol once quorum has been reached.
func (s *Store) install(c *Consensus, flavor Flavor, flags SetCurrentFlag, now time.Time) {
	previous := s.current[flavor]

	// Step 8: copy forward ancillary per-router state, then install and
	// emit events. Per spec §9's open question, the ancillary-state
	// update touches only the ns flavor, never microdesc.
	if previous != nil && flavor == FlavorNS {
		copyForwardAncillaryState(previous, c)
	}
	s.current[flavor] = c
	s.sink.NewConsensus(flavor, c.ValidAfter)
	s.sink.NetworkStatusChanged(flavor, diffRouterStatus(previous, c))

	// Step 9: evict any parked consensus now subsumed.
	if slot, ok := s.waiting[flavor]; ok {
		if slot.Evict(c.ValidAfter) && s.persist != nil {
			_ = s.persist.DeleteUnverified(flavor)
		}
	}

	// Step 10: download-status bookkeeping.
	dl := s.downloadStatus(flavor)
	if c.Valid(now) {
		dl.MarkSuccess(now)
	} else {
		dl.MarkFailure(now, 0)
	}

	// Step 11: if usable flavor, rebuild nickname maps and run the
	// dangerous-version check against this install's recommended-
	// versions set (the remaining rescale/refresh duties belong to the
	// directory package that owns the node list, traffic shaping, and
	// vote timing collaborators; this package exposes their inputs via
	// Current/nickname lookups so that package can perform them after
	// SetCurrent returns OutcomeInstalled).
	if flavor == s.usableFlavor {
		s.names = rebuildNicknameMaps(c.Routers)
		s.versionCheck.Check(c.RecommendedVersions, s.sink)
	}

	// Step 12: persist unless from cache.
	if !flags.has(FlagFromCache) && s.persist != nil {
		_ = s.persist.SaveCached(flavor, c.RawBody)
	}

	// Step 13: clock-skew check.
	if now.Before(c.ValidAfter.Add(-ClockSkewWarnThreshold)) {
		s.sink.ClockSkew(now, c.ValidAfter, "consensus valid_after is in the future")
	}
}

// copyForwardAncillaryState implements install step 8's "copy forward
// per-router ancillary state from the previous consensus": Last503
// unconditionally, and DownloadStatus when the descriptor digest for that
// identity is unchanged.
func copyForwardAncillaryState(previous, next *Consensus) {
	for i := range next.Routers {
		rs := &next.Routers[i]
		old := previous.ByIdentity(rs.IdentityDigest)
		if old == nil {
			continue
		}
		rs.Last503 = old.Last503
		if bytesEqual(old.DescriptorDigest, rs.DescriptorDigest) {
			rs.DownloadStatus = old.DownloadStatus
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// diffRouterStatus returns the RouterStatus entries in next that are new
// or changed relative to previous, for the network-status change event.
func diffRouterStatus(previous, next *Consensus) []RouterStatus {
	if previous == nil {
		return next.Routers
	}
	var changed []RouterStatus
	for i := range next.Routers {
		rs := &next.Routers[i]
		old := previous.ByIdentity(rs.IdentityDigest)
		if old == nil || old.Flags != rs.Flags || !bytesEqual(old.DescriptorDigest, rs.DescriptorDigest) {
			changed = append(changed, *rs)
		}
	}
	return changed
}

// NoteCertsArrived implements spec §4.4's certificate-arrival hook: when
// new certificates enter the cert store, re-run the quorum check on every
// parked consensus; if any now reaches enough/all_good, re-enter
// SetCurrent with FlagWasWaitingForCerts. SetCurrent does not read that
// flag; it only marks the call as a re-entry.
func (s *Store) NoteCertsArrived() {
	now := s.clock.Now()
	for flavor, slot := range s.waiting {
		if slot.Empty() {
			continue
		}
		report := CheckQuorum(slot.consensus, s.authorities, s.certStore, s.verifier, now)
		if report.Result != ResultEnough && report.Result != ResultAllGood {
			continue
		}
		raw := slot.rawBytes
		slot.consensus = nil
		slot.rawBytes = nil
		_, _ = s.SetCurrent(raw, flavor, FlagWasWaitingForCerts)
	}
}

// Nicknames exposes the current named/unnamed maps for lookups (GETINFO
// ns/name/<nickname>).
func (s *Store) Nicknames() *nicknameMaps { return s.names }

// Authorities returns the statically configured recognized v3 directory
// authority set (spec §4.2), for callers outside the quorum checker that
// need to pick an authority to contact directly (e.g. the v2 status
// cache's per-authority fetch, spec §4.3).
func (s *Store) Authorities() []Authority { return s.authorities }

// DownloadStatus exposes the per-flavor download-status record for the
// scheduler to consult and update.
func (s *Store) DownloadStatus(f Flavor) *DownloadStatus { return s.downloadStatus(f) }

// SaveDownloadState persists the current per-flavor download-status
// records via the configured Persister; a no-op if none was supplied.
func (s *Store) SaveDownloadState() error {
	if s.persist == nil {
		return nil
	}
	return s.persist.SaveDownloadState(s.download)
}

// LoadDownloadState restores per-flavor download-status records saved by
// a previous SaveDownloadState call, used during Bootstrap; a no-op if no
// Persister was supplied or no state file exists.
func (s *Store) LoadDownloadState() error {
	if s.persist == nil {
		return nil
	}
	states, err := s.persist.LoadDownloadState()
	if err != nil || states == nil {
		return err
	}
	for f, d := range states {
		s.download[f] = d
	}
	return nil
}

// RecheckCertDownloads implements the in-scope half of
// update_certificate_downloads: for every flavor with a parked
// cert-waiting consensus, re-run the quorum check and re-issue a
// download request for whatever certs are still missing, so a dropped
// or failed initial RequestCerts call gets retried on every directory
// tick rather than only once at park time. (The original source's other
// half re-fetches certs for the already-installed consensus's voters to
// stay ready for the authority's next vote; that is authority-side
// vote preparation, out of scope per spec's "voting as an authority"
// non-goal, so it has no equivalent here.)
func (s *Store) RecheckCertDownloads(now time.Time) {
	for _, slot := range s.waiting {
		if slot.Empty() {
			continue
		}
		report := CheckQuorum(slot.consensus, s.authorities, s.certStore, s.verifier, now)
		if report.Result != ResultNeedMoreCerts {
			continue
		}
		s.certDL.RequestCerts(missingCertVoters(slot.consensus, report))
	}
}

// ResetFailuresAndWarnings implements networkstatus_reset_download_failures
// plus networkstatus_reset_warnings' one-shot-WARN half: zero every
// flavor's download-failure counter so a long-failed fetch is retried
// immediately, and re-arm the dangerous-version latch. An operator-
// triggered reset (the original ties this to the control port's SIGNAL
// NEWNYM), not part of the normal install/fetch flow.
func (s *Store) ResetFailuresAndWarnings() {
	for _, dl := range s.download {
		dl.Failures = 0
		dl.NextTry = time.Time{}
	}
	s.versionCheck.Reset()
}

// WaitingDownloadFailedLatch ticks and reports the cert-waiting slot's
// dl_failed latch for a flavor, used by the scheduler's launch rules.
func (s *Store) WaitingDownloadFailedLatch(f Flavor, now time.Time) bool {
	slot, ok := s.waiting[f]
	if !ok {
		return false
	}
	slot.TickDownloadFailedLatch(now)
	return slot.DownloadFailed()
}
