package consensus

import (
	"math/rand"
	"time"

	"github.com/veilmesh/relay/core/retry"
)

// FetcherClass selects which of the three next_download_time formulas in
// spec §4.3 applies to this node.
type FetcherClass int

const (
	// ClassOrdinary is a plain client: fetches late in the window.
	ClassOrdinary FetcherClass = iota
	// ClassEarly is an authority or a cache: fetches as soon as the
	// document goes stale.
	ClassEarly
	// ClassLate is a bridge user: fetches even later than an ordinary
	// client, to reduce exposure of bridge use to network observers.
	ClassLate
)

// V2AuthorityInterval and V2CacheInterval are the two v2 cache refresh
// periods from spec §4.3.
const (
	V2AuthorityInterval = 10 * time.Minute
	V2CacheInterval     = 60 * time.Minute
)

// maxSlop caps the "slop" window used when computing the early-fetch
// start time (min(120s, interval/16) per spec §4.3).
const maxSlop = 120 * time.Second

// Scheduler computes next_download_time per spec §4.3 and applies the
// launch rules on each tick. It shares the Store's per-flavor
// DownloadStatus records.
type Scheduler struct {
	class      FetcherClass
	extraEarly bool
	store      *Store
	schedule   retry.Schedule
	inFlight   map[string]bool // keyed on "purpose/resource" for dedup
}

// NewScheduler returns a Scheduler for the given fetcher class.
// extraEarly mirrors Config.FetchDirInfoExtraEarly, which collapses the
// early-fetching cache's window.
func NewScheduler(store *Store, class FetcherClass, extraEarly bool) *Scheduler {
	return &Scheduler{
		class:      class,
		extraEarly: extraEarly,
		store:      store,
		schedule:   retry.NewConsensusSchedule(30*time.Second, 1*time.Hour),
		inFlight:   make(map[string]bool),
	}
}

// NextDownloadTime implements spec §4.3's "when to refetch a consensus"
// rule for a live or soon-to-expire consensus c (nil if no live
// consensus currently exists for the flavor).
func (sc *Scheduler) NextDownloadTime(c *Consensus, now time.Time) time.Time {
	if c == nil || !c.Valid(now) {
		return now
	}

	interval := c.FreshUntil.Sub(c.ValidAfter)
	slop := interval / 16
	if slop > maxSlop {
		slop = maxSlop
	}

	var start time.Time
	var dlInterval time.Duration

	switch sc.class {
	case ClassEarly:
		start = c.FreshUntil.Add(slop)
		dlInterval = interval / 2
		if sc.extraEarly {
			extra := 60 * time.Second
			if extra < dlInterval {
				dlInterval = extra
			}
		}
	case ClassLate:
		start = c.FreshUntil.Add(3 * interval / 4)
		dlInterval = 7 * c.ValidUntil.Sub(start) / 8
		start = start.Add(dlInterval + slop)
		dlInterval = c.ValidUntil.Add(-slop).Sub(start)
	default: // ClassOrdinary
		start = c.FreshUntil.Add(3 * interval / 4)
		dlInterval = 7 * c.ValidUntil.Sub(start) / 8
	}

	if dlInterval < time.Second {
		dlInterval = time.Second
	}

	offset := time.Duration(0)
	if dlInterval > 0 {
		offset = time.Duration(rand.Int63n(int64(dlInterval)))
	}
	return start.Add(offset)
}

// fetchKey is the in-flight dedup key for a (purpose, resource) pair.
func fetchKey(purpose, resource string) string { return purpose + "/" + resource }

// BeginFetch marks a (purpose, resource) fetch as in-flight; it returns
// false if one is already open (the launch rules' duplicate-fetch
// suppression).
func (sc *Scheduler) BeginFetch(purpose, resource string) bool {
	k := fetchKey(purpose, resource)
	if sc.inFlight[k] {
		return false
	}
	sc.inFlight[k] = true
	return true
}

// ClearInFlight clears the in-flight marker for (purpose, resource)
// without touching any flavor's DownloadStatus, for fetches that have no
// per-flavor backoff counter of their own — the v2 status cache's
// per-authority requests (spec §4.3's v2 cache refresh), which bill
// against no flavor.
func (sc *Scheduler) ClearInFlight(purpose, resource string) {
	delete(sc.inFlight, fetchKey(purpose, resource))
}

// EndFetch clears the in-flight marker for (purpose, resource) and
// records success or failure against the flavor's DownloadStatus.
func (sc *Scheduler) EndFetch(purpose, resource string, flavor Flavor, now time.Time, ok bool) {
	delete(sc.inFlight, fetchKey(purpose, resource))
	dl := sc.store.DownloadStatus(flavor)
	if ok {
		dl.MarkSuccess(now)
		return
	}
	dl.MarkFailure(now, sc.schedule.Delay(dl.Failures))
}

// ShouldLaunch implements spec §4.3's launch rules for one wanted
// flavor on a scheduler tick.
func (sc *Scheduler) ShouldLaunch(flavor Flavor, purpose, resource string, now time.Time) bool {
	if sc.inFlight[fetchKey(purpose, resource)] {
		return false
	}
	if !sc.store.DownloadStatus(flavor).Ready(now) {
		return false
	}
	if sc.store.WaitingDownloadFailedLatch(flavor, now) {
		// dl_failed latch set: the park has gone stale, so scheduling a
		// fresh fetch is exactly what the launch rule should do, not
		// skip it; the "skip" case is the complementary one where the
		// slot is still within DelayWhileFetchingCerts of parking.
		return true
	}
	if sc.store.Waiting(flavor) {
		slot := sc.store.waiting[flavor]
		if now.Sub(slot.parkedAt) < DelayWhileFetchingCerts {
			return false
		}
	}
	return true
}
