// Package directory glues the consensus store, the download scheduler,
// the microdescriptor cache, and the v2 status cache into the single
// explicit state value spec §9's design notes call for ("in a rewrite
// these become a single DirectoryState value passed explicitly"),
// running them on one cooperative event loop.
//
// Grounded on core/pki/worker.go's WorkerBase/timer-driven fetch loop and
// internal/pki's worker() pattern (load base from the teacher's own
// session/client PKI worker — a single goroutine that periodically
// decides what to fetch, fetches it, and applies the result inline),
// generalized from Katzenpost's epoch-indexed single-document fetch to
// this subsystem's per-flavor scheduler plus v2 cache sweep.
package directory

import (
	"context"
	"encoding/hex"
	"math/rand"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilmesh/relay/config"
	"github.com/veilmesh/relay/consensus"
	"github.com/veilmesh/relay/core/clock"
	"github.com/veilmesh/relay/direrr"
	"github.com/veilmesh/relay/microdesc"
	"github.com/veilmesh/relay/v2status"
)

// Transport is the narrow HTTP-style directory-transport external
// collaborator (spec §1): fetch the named resource for a purpose,
// returning raw bytes or an error.
type Transport interface {
	Fetch(ctx context.Context, purpose, resource string) ([]byte, error)
}

// NodeList is the narrow node-list external collaborator re-projected
// after every install (spec §1).
type NodeList interface {
	Refresh(c *consensus.Consensus)
}

// V2Parser is the narrow parser external collaborator (spec §1) for v2
// status documents: just enough to recover the published_on timestamp
// v2status.Cache.Receive needs to apply spec §4.6's replace-only-if-
// newer rule, mirroring how consensus.Parser is narrowed to exactly what
// the store's install protocol needs from a full consensus parse.
type V2Parser interface {
	ParseV2PublishedOn(raw []byte) (time.Time, error)
}

// TickInterval is the coarse scheduler-tick period spec §4.3 calls for
// ("a coarse interval, e.g. seconds").
const TickInterval = 10 * time.Second

// V2SweepInterval is how often the v2 status cache's lifetime sweep
// runs; an ambient choice this package owns since spec §4.6 only names
// the per-entry expiry window, not a sweep cadence.
const V2SweepInterval = 15 * time.Minute

// microdescBatchSize caps how many missing digests are requested in a
// single microdesc fetch. Spec §1 names "the download scheduler for
// both" but leaves the batch-request wire geometry to the out-of-scope
// parser/transport collaborators, so this is an ambient choice, not a
// protocol constant recovered from the pack.
const microdescBatchSize = 92

// Directory is the single glue value owning every store in this
// subsystem, run by one cooperative event-loop goroutine per spec §5's
// single-threaded model. The halt/wait bookkeeping below is the same
// lifecycle primitive core/pki's WorkerBase gives every katzenpost
// background loop, folded directly into this type instead of kept as a
// separate embeddable package: directory is the only caller, and the
// halt signal here also has to fence the microdescriptor-cache
// compaction pass (Worker.Halt alone never needed to coordinate with a
// second owned resource).
type Directory struct {
	haltWg   sync.WaitGroup
	initOnce sync.Once
	haltCh   chan struct{}

	log *logging.Logger

	cfg       *config.Config
	clock     clock.Clock
	store     *consensus.Store
	scheduler *consensus.Scheduler
	mdCache   *microdesc.Cache
	v2Cache   *v2status.Cache
	transport Transport
	nodes     NodeList
	mdSplit   microdesc.BodySplitter
	v2Parser  V2Parser

	usableFlavor consensus.Flavor
	maxNsAge     time.Duration
}

// New constructs a Directory. Every dependency is an already-built
// component from consensus/microdesc/v2status/config; this package only
// sequences them.
func New(
	log *logging.Logger,
	cfg *config.Config,
	clk clock.Clock,
	store *consensus.Store,
	scheduler *consensus.Scheduler,
	mdCache *microdesc.Cache,
	v2Cache *v2status.Cache,
	transport Transport,
	nodes NodeList,
	mdSplit microdesc.BodySplitter,
	v2Parser V2Parser,
	usableFlavor consensus.Flavor,
) *Directory {
	return &Directory{
		log:          log,
		cfg:          cfg,
		clock:        clk,
		store:        store,
		scheduler:    scheduler,
		mdCache:      mdCache,
		v2Cache:      v2Cache,
		transport:    transport,
		nodes:        nodes,
		mdSplit:      mdSplit,
		v2Parser:     v2Parser,
		usableFlavor: usableFlavor,
		maxNsAge:     24 * time.Hour,
	}
}

func (d *Directory) init() {
	d.haltCh = make(chan struct{})
}

// Start launches the background event loop.
func (d *Directory) Start() {
	d.initOnce.Do(d.init)
	d.haltWg.Add(1)
	go func() {
		defer d.haltWg.Done()
		d.worker()
	}()
}

// v2FetchInterval implements spec §4.3's v2 cache refresh cadence:
// authorities attempt every V2AuthorityInterval, non-authority caches
// every V2CacheInterval.
func (d *Directory) v2FetchInterval() time.Duration {
	if d.cfg != nil && d.cfg.IsAuthority {
		return consensus.V2AuthorityInterval
	}
	return consensus.V2CacheInterval
}

// tickInterval returns Config.FetchInterval when the operator has set an
// override, otherwise the package default.
func (d *Directory) tickInterval() time.Duration {
	if d.cfg != nil && d.cfg.FetchInterval > 0 {
		return d.cfg.FetchInterval
	}
	return TickInterval
}

func (d *Directory) worker() {
	ticker := time.NewTicker(d.tickInterval())
	defer ticker.Stop()
	sweep := time.NewTicker(V2SweepInterval)
	defer sweep.Stop()
	v2Fetch := time.NewTicker(d.v2FetchInterval())
	defer v2Fetch.Stop()

	for {
		select {
		case <-d.haltCh:
			d.log.Debug("directory worker halting")
			return
		case <-ticker.C:
			d.tick()
		case <-sweep.C:
			removed := d.v2Cache.Sweep(d.maxNsAge)
			if removed > 0 {
				d.log.Noticef("v2 status sweep removed %d stale entries", removed)
			}
		case <-v2Fetch.C:
			d.fetchV2Status()
		}
	}
}

// tick implements one scheduler pass: for each flavor we want, apply the
// launch rules, fetch if due, and feed the result back into the store.
func (d *Directory) tick() {
	now := d.clock.Now()

	for _, flavor := range []consensus.Flavor{consensus.FlavorNS, consensus.FlavorMicrodesc} {
		if flavor != d.usableFlavor {
			continue
		}
		resource := flavor.String()
		if !d.scheduler.ShouldLaunch(flavor, "consensus", resource, now) {
			continue
		}
		if !d.scheduler.BeginFetch("consensus", resource) {
			continue
		}
		d.fetchConsensus(flavor, resource)
	}

	d.store.RecheckCertDownloads(now)

	if d.usableFlavor == consensus.FlavorMicrodesc {
		d.fetchMicrodescs(now)
	}

	if d.mdCache.NeedsCompaction() {
		d.log.Notice("microdescriptor cache compaction triggered")
		if err := d.mdCache.Rebuild(d.mdCachePath(), d.mdJournalPath(), now.Add(-microdesc.TolerateAge), false); err != nil {
			d.log.Warningf("microdescriptor cache compaction failed: %v", err)
		}
	}
}

func (d *Directory) mdCachePath() string   { return d.cfg.DataDirectory + "/cached-microdescs" }
func (d *Directory) mdJournalPath() string { return d.cfg.DataDirectory + "/cached-microdescs.new" }

func (d *Directory) fetchConsensus(flavor consensus.Flavor, resource string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	raw, err := d.transport.Fetch(ctx, "consensus", resource)
	now := d.clock.Now()
	if err != nil {
		d.log.Warningf("consensus fetch failed for flavor %s: %v", flavor, err)
		d.scheduler.EndFetch("consensus", resource, flavor, now, false)
		if err := d.store.SaveDownloadState(); err != nil {
			d.log.Warningf("failed to persist download state: %v", err)
		}
		return
	}

	outcome, serr := d.store.SetCurrent(raw, flavor, consensus.SetCurrentFlag(0))
	// spec §7's propagation rule: only a hard failure (bad parse or
	// confirmed insufficient signatures) bumps the scheduler's
	// download-failure counter. Installed, parked (waiting on certs,
	// not a failure), and mild drops (duplicate/stale/obsolete) all
	// count as a successful fetch attempt.
	notAFailure := outcome == consensus.OutcomeInstalled || outcome == consensus.OutcomeParked || direrr.IsMild(serr)
	d.scheduler.EndFetch("consensus", resource, flavor, now, notAFailure)
	if err := d.store.SaveDownloadState(); err != nil {
		d.log.Warningf("failed to persist download state: %v", err)
	}

	switch outcome {
	case consensus.OutcomeInstalled:
		d.log.Noticef("installed consensus flavor=%s valid_after=%s", flavor, d.store.Current(flavor).ValidAfter)
		if d.nodes != nil {
			d.nodes.Refresh(d.store.Current(flavor))
		}
	case consensus.OutcomeParked:
		d.log.Info("consensus parked, waiting for certificates")
	case consensus.OutcomeDropped:
		if serr != nil {
			d.log.Debugf("consensus dropped: %v", serr)
		}
	}
}

// fetchMicrodescs implements the microdesc half of spec §1's "the
// download scheduler for both": compute the missing-digest list against
// the installed microdesc consensus (spec §4.5's Missing list), request
// one batch, split the response, and feed it to the cache. Gated by the
// same flavor-level ShouldLaunch/BeginFetch/EndFetch dedup and backoff
// the consensus fetch uses, keyed on purpose "microdesc" resource
// "batch" — one shared backoff counter per flavor rather than a
// per-digest dl_status, since spec §1 leaves per-descriptor retry
// bookkeeping to the out-of-scope transport/parser collaborators.
func (d *Directory) fetchMicrodescs(now time.Time) {
	c := d.store.Current(consensus.FlavorMicrodesc)
	if c == nil {
		return
	}
	if !d.scheduler.ShouldLaunch(consensus.FlavorMicrodesc, "microdesc", "batch", now) {
		return
	}

	listed := make([][microdesc.DigestSize]byte, 0, len(c.Routers))
	for i := range c.Routers {
		rs := &c.Routers[i]
		if len(rs.DescriptorDigest) != microdesc.DigestSize {
			continue
		}
		var dg [microdesc.DigestSize]byte
		copy(dg[:], rs.DescriptorDigest)
		listed = append(listed, dg)
	}

	missing := d.mdCache.MissingList(listed, nil, nil)
	if len(missing) == 0 {
		return
	}
	if len(missing) > microdescBatchSize {
		missing = missing[:microdescBatchSize]
	}

	if !d.scheduler.BeginFetch("microdesc", "batch") {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	raw, err := d.transport.Fetch(ctx, "microdesc", microdescResource(missing))
	if err != nil {
		d.log.Warningf("microdesc batch fetch failed: %v", err)
		d.scheduler.EndFetch("microdesc", "batch", consensus.FlavorMicrodesc, now, false)
		return
	}
	d.scheduler.EndFetch("microdesc", "batch", consensus.FlavorMicrodesc, now, true)

	bodies, err := microdesc.SplitBodies(raw, d.mdSplit)
	if err != nil {
		d.log.Warningf("microdesc batch response malformed: %v", err)
		return
	}

	requested := make(map[[microdesc.DigestSize]byte]bool, len(missing))
	for _, dg := range missing {
		requested[dg] = true
	}
	if _, err := d.mdCache.Add(bodies, microdesc.InJournal, true, requested, true); err != nil {
		d.log.Warningf("microdesc add failed: %v", err)
	}
}

// microdescResource builds the "d/<digest>-<digest>-..." batch-request
// resource name from a set of missing digests.
func microdescResource(digests [][microdesc.DigestSize]byte) string {
	parts := make([]string, len(digests))
	for i, dg := range digests {
		parts[i] = hex.EncodeToString(dg[:])
	}
	return "d/" + strings.Join(parts, "-")
}

// fetchV2Status implements spec §4.3's v2 cache refresh: authorities ask
// every other v2 authority; non-authority directory caches ask one
// random authority for "all", gated by Config.FetchV2Networkstatus.
func (d *Directory) fetchV2Status() {
	if d.cfg == nil {
		return
	}
	authorities := d.store.Authorities()
	if len(authorities) == 0 {
		return
	}
	switch {
	case d.cfg.IsAuthority:
		for _, a := range authorities {
			d.fetchOneV2Status(a, "all")
		}
	case d.cfg.IsDirectoryCache && d.cfg.FetchV2Networkstatus:
		a := authorities[rand.Intn(len(authorities))]
		d.fetchOneV2Status(a, "all")
	}
}

// fetchOneV2Status fetches and installs the named v2 status resource
// from a single authority. resource is currently always "all"
// (spec §4.3); kept as a parameter to mirror the protocol's per-
// fingerprint fetch shape authorities use among themselves.
func (d *Directory) fetchOneV2Status(a consensus.Authority, resource string) {
	key := hex.EncodeToString(a.IdentityDigest) + "/" + resource
	if !d.scheduler.BeginFetch("v2status", key) {
		return
	}
	defer d.scheduler.ClearInFlight("v2status", key)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	raw, err := d.transport.Fetch(ctx, "v2status", resource)
	if err != nil {
		d.log.Warningf("v2 status fetch failed for %s: %v", a.Nickname, err)
		return
	}

	now := d.clock.Now()
	publishedOn := now
	if d.v2Parser != nil {
		publishedOn, err = d.v2Parser.ParseV2PublishedOn(raw)
		if err != nil {
			d.log.Warningf("v2 status parse failed for %s: %v", a.Nickname, err)
			return
		}
	}

	doc := &v2status.Document{
		AuthorityIdentityDigest: a.IdentityDigest,
		PublishedOn:             publishedOn,
		RawBody:                 raw,
	}
	if err := d.v2Cache.Receive(doc, true); err != nil {
		d.log.Debugf("v2 status rejected for %s: %v", a.Nickname, err)
	}
}

// NoteCertsArrived forwards to the store's certificate-arrival hook
// (spec §4.4), to be called by the certificate-store collaborator.
func (d *Directory) NoteCertsArrived() { d.store.NoteCertsArrived() }

// GetInfo exposes the store's GETINFO surface (spec §6).
func (d *Directory) GetInfo(key string, fmtr consensus.Formatter) (string, error) {
	return d.store.GetInfo(key, fmtr)
}

// Halt stops the event loop and waits for it to exit.
func (d *Directory) Halt() {
	d.initOnce.Do(d.init)
	close(d.haltCh)
	d.haltWg.Wait()
}
