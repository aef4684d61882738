package directory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilmesh/relay/config"
	"github.com/veilmesh/relay/consensus"
	"github.com/veilmesh/relay/core/clock"
	"github.com/veilmesh/relay/core/log"
	"github.com/veilmesh/relay/microdesc"
	"github.com/veilmesh/relay/v2status"
)

// fakeParser decodes raw bytes against a test-stashed fixture, the same
// trick consensus's own store_test.go uses to drive SetCurrent without a
// real wire format.
type fakeParser struct {
	byRaw map[string]*consensus.Consensus
}

func (p *fakeParser) ParseConsensus(raw []byte) (*consensus.Consensus, error) {
	c, ok := p.byRaw[string(raw)]
	if !ok {
		return nil, errors.New("fakeParser: unknown fixture")
	}
	clone := *c
	return &clone, nil
}

type fakeCertStore struct{}

func (fakeCertStore) Lookup([]byte, []byte) (*consensus.Cert, bool) { return nil, false }
func (fakeCertStore) CertExpired(*consensus.Cert, time.Time) bool   { return false }
func (fakeCertStore) DownloadRecentlyFailed([]byte) bool            { return false }

// fakeTransport replays a scripted sequence of fetch results, one per
// call to Fetch.
type fakeTransport struct {
	raws [][]byte
	errs []error
	n    int
}

func (t *fakeTransport) Fetch(ctx context.Context, purpose, resource string) ([]byte, error) {
	raw, err := t.raws[t.n], t.errs[t.n]
	t.n++
	return raw, err
}

func voterWithGoodSig(id string) consensus.Voter {
	return consensus.Voter{
		IdentityDigest: []byte(id),
		Nickname:       id,
		Signatures: []consensus.Signature{
			{Alg: consensus.DigestSHA256, GoodSignature: true, IdentityDigest: []byte(id)},
		},
	}
}

func consensusFixture(validAfter time.Time, digest string) *consensus.Consensus {
	return &consensus.Consensus{
		Flavor:     consensus.FlavorNS,
		ValidAfter: validAfter,
		FreshUntil: validAfter.Add(time.Hour),
		ValidUntil: validAfter.Add(2 * time.Hour),
		Digests:    map[consensus.DigestAlg][]byte{consensus.DigestSHA256: []byte(digest)},
		Voters:     []consensus.Voter{voterWithGoodSig("a1")},
		Routers: []consensus.RouterStatus{
			{IdentityDigest: []byte{0x01}, Nickname: "relay1", Flags: consensus.FlagNamed | consensus.FlagRunning},
		},
	}
}

func newTestDirectory(t *testing.T, now time.Time, transport *fakeTransport) (*Directory, *consensus.Store, *fakeParser) {
	parser := &fakeParser{byRaw: make(map[string]*consensus.Consensus)}
	authorities := []consensus.Authority{{IdentityDigest: []byte("a1"), Nickname: "a1"}}
	clk := clock.Fixed(now)
	store := consensus.NewStore(authorities, fakeCertStore{}, nil, parser, nil, clk, nil, consensus.FlavorNS, false)
	scheduler := consensus.NewScheduler(store, consensus.ClassOrdinary, false)

	backend, err := log.New("", "NOTICE", true)
	require.NoError(t, err)

	d := New(backend.GetLogger("directory"), nil, clk, store, scheduler, nil, nil, transport, nil, nil, nil, consensus.FlavorNS)
	return d, store, parser
}

// TestFetchConsensusStaleDropDoesNotBumpFailureCounter covers spec §7's
// S3 stale-rejection case: a mild drop (stale) must leave the
// download-failure counter untouched, unlike a hard failure.
func TestFetchConsensusStaleDropDoesNotBumpFailureCounter(t *testing.T) {
	t.Parallel()
	now := time.Now()

	transport := &fakeTransport{
		raws: [][]byte{[]byte("first"), []byte("stale-resend")},
		errs: []error{nil, nil},
	}
	d, store, parser := newTestDirectory(t, now, transport)

	parser.byRaw["first"] = consensusFixture(now.Add(-10*time.Minute), "d1")
	d.fetchConsensus(consensus.FlavorNS, "ns")
	require.NotNil(t, store.Current(consensus.FlavorNS))
	require.Equal(t, 0, store.DownloadStatus(consensus.FlavorNS).Failures)

	older := consensusFixture(now.Add(-30*time.Minute), "d2")
	parser.byRaw["stale-resend"] = older
	d.fetchConsensus(consensus.FlavorNS, "ns")

	require.Equal(t, 0, store.DownloadStatus(consensus.FlavorNS).Failures)
}

// TestFetchConsensusBadParseBumpsFailureCounter confirms the
// complementary case still works: a hard failure does bump the counter,
// so the fix above isn't just disabling failure tracking entirely.
func TestFetchConsensusBadParseBumpsFailureCounter(t *testing.T) {
	t.Parallel()
	now := time.Now()

	transport := &fakeTransport{
		raws: [][]byte{[]byte("garbage")},
		errs: []error{nil},
	}
	d, store, _ := newTestDirectory(t, now, transport)

	d.fetchConsensus(consensus.FlavorNS, "ns")

	require.Nil(t, store.Current(consensus.FlavorNS))
	require.Equal(t, 1, store.DownloadStatus(consensus.FlavorNS).Failures)
}

// blankLineSplitter is a minimal BodySplitter for the microdesc-batch
// tests below: bodies end at the next blank line, mirroring
// cmd/dircache's own lineSplitter.
type blankLineSplitter struct{}

func (blankLineSplitter) NextBodyLength(remaining []byte) (int, error) {
	idx := strings.Index(string(remaining), "\n\n")
	if idx < 0 {
		return len(remaining), nil
	}
	return idx + 2, nil
}

type fakeV2Persister struct{}

func (fakeV2Persister) SaveStatus([]byte, []byte) error   { return nil }
func (fakeV2Persister) LoadStatus([]byte) ([]byte, error) { return nil, nil }
func (fakeV2Persister) DeleteStatus([]byte) error         { return nil }

// newMicrodescTestDirectory builds a Directory with a real microdesc
// cache and a microdesc-flavored consensus already installed, for
// exercising fetchMicrodescs (spec §4.5's missing-list pipeline).
func newMicrodescTestDirectory(t *testing.T, now time.Time, transport *fakeTransport, missingBody []byte) (*Directory, *microdesc.Cache) {
	t.Helper()
	parser := &fakeParser{byRaw: make(map[string]*consensus.Consensus)}
	authorities := []consensus.Authority{{IdentityDigest: []byte("a1"), Nickname: "a1"}}
	clk := clock.Fixed(now)
	store := consensus.NewStore(authorities, fakeCertStore{}, nil, parser, nil, clk, nil, consensus.FlavorMicrodesc, false)
	scheduler := consensus.NewScheduler(store, consensus.ClassOrdinary, false)

	dir := t.TempDir()
	mdCache, err := microdesc.Open(dir, filepath.Join(dir, "cached-microdescs"), filepath.Join(dir, "cached-microdescs.new"), blankLineSplitter{}, nil, clk)
	require.NoError(t, err)
	mdCache.SetHasLiveMicrodescConsensus(true)

	backend, err := log.New("", "NOTICE", true)
	require.NoError(t, err)

	present := microdesc.Digest([]byte("present body\n\n"))
	missing := microdesc.Digest(missingBody)

	c := &consensus.Consensus{
		Flavor:     consensus.FlavorMicrodesc,
		ValidAfter: now.Add(-10 * time.Minute),
		FreshUntil: now.Add(50 * time.Minute),
		ValidUntil: now.Add(2 * time.Hour),
		Digests:    map[consensus.DigestAlg][]byte{consensus.DigestSHA256: []byte("d1")},
		Voters:     []consensus.Voter{voterWithGoodSig("a1")},
		Routers: []consensus.RouterStatus{
			{IdentityDigest: []byte{0x01}, Nickname: "have", DescriptorDigest: present[:], Flags: consensus.FlagRunning},
			{IdentityDigest: []byte{0x02}, Nickname: "want", DescriptorDigest: missing[:], Flags: consensus.FlagRunning},
		},
	}
	parser.byRaw["bootstrap"] = c
	_, err = mdCache.Add([][]byte{[]byte("present body\n\n")}, microdesc.InJournal, true, nil, true)
	require.NoError(t, err)
	_, err = store.SetCurrent([]byte("bootstrap"), consensus.FlavorMicrodesc, consensus.SetCurrentFlag(0))
	require.NoError(t, err)

	cfg := &config.Config{}
	d := New(backend.GetLogger("directory"), cfg, clk, store, scheduler, mdCache, nil, transport, nil, blankLineSplitter{}, nil, consensus.FlavorMicrodesc)
	return d, mdCache
}

// TestFetchMicrodescsAddsMissingBody covers spec §4.5's missing-list
// pipeline: a router listed in the installed microdesc consensus but
// absent from the cache is requested, split out of the batch response,
// and added.
func TestFetchMicrodescsAddsMissingBody(t *testing.T) {
	t.Parallel()
	now := time.Now()
	missingBody := []byte("wanted body\n\n")

	transport := &fakeTransport{
		raws: [][]byte{missingBody},
		errs: []error{nil},
	}
	d, mdCache := newMicrodescTestDirectory(t, now, transport, missingBody)

	d.fetchMicrodescs(now)

	got := mdCache.Lookup(microdesc.Digest(missingBody))
	require.NotNil(t, got)
}

// TestFetchMicrodescsSkipsWhenNothingMissing confirms fetchMicrodescs
// makes no request at all once every listed digest is already cached.
func TestFetchMicrodescsSkipsWhenNothingMissing(t *testing.T) {
	t.Parallel()
	now := time.Now()
	missingBody := []byte("wanted body\n\n")

	transport := &fakeTransport{raws: [][]byte{}, errs: []error{}}
	d, mdCache := newMicrodescTestDirectory(t, now, transport, missingBody)
	_, err := mdCache.Add([][]byte{missingBody}, microdesc.InJournal, true, nil, true)
	require.NoError(t, err)

	d.fetchMicrodescs(now)
	require.Equal(t, 0, transport.n)
}

// newV2TestDirectory builds a Directory wired for fetchV2Status
// (spec §4.3's v2 cache refresh), with one configured authority.
func newV2TestDirectory(t *testing.T, now time.Time, transport *fakeTransport, cfg *config.Config) (*Directory, *v2status.Cache) {
	t.Helper()
	parser := &fakeParser{byRaw: make(map[string]*consensus.Consensus)}
	authorities := []consensus.Authority{{IdentityDigest: []byte("a1"), Nickname: "a1"}}
	clk := clock.Fixed(now)
	store := consensus.NewStore(authorities, fakeCertStore{}, nil, parser, nil, clk, nil, consensus.FlavorNS, false)
	scheduler := consensus.NewScheduler(store, consensus.ClassOrdinary, false)
	v2Cache := v2status.New(fakeV2Persister{}, nil, clk)

	backend, err := log.New("", "NOTICE", true)
	require.NoError(t, err)

	d := New(backend.GetLogger("directory"), cfg, clk, store, scheduler, nil, v2Cache, transport, nil, nil, nil, consensus.FlavorNS)
	return d, v2Cache
}

// TestFetchV2StatusDirectoryCacheFetchesWhenEnabled covers spec §4.3's
// directory-cache leg of the v2 cache refresh: a configured cache with
// FetchV2Networkstatus set asks one authority for "all" and installs
// the result.
func TestFetchV2StatusDirectoryCacheFetchesWhenEnabled(t *testing.T) {
	t.Parallel()
	now := time.Now()
	transport := &fakeTransport{raws: [][]byte{[]byte("v2-doc")}, errs: []error{nil}}
	cfg := &config.Config{IsDirectoryCache: true, FetchV2Networkstatus: true}
	d, v2Cache := newV2TestDirectory(t, now, transport, cfg)

	d.fetchV2Status()

	doc, ok := v2Cache.Get([]byte("a1"))
	require.True(t, ok)
	require.Equal(t, []byte("v2-doc"), doc.RawBody)
}

// TestFetchV2StatusSkippedWhenDisabled confirms a cache that has not
// opted into FetchV2Networkstatus makes no request.
func TestFetchV2StatusSkippedWhenDisabled(t *testing.T) {
	t.Parallel()
	now := time.Now()
	transport := &fakeTransport{raws: [][]byte{}, errs: []error{}}
	cfg := &config.Config{IsDirectoryCache: true, FetchV2Networkstatus: false}
	d, _ := newV2TestDirectory(t, now, transport, cfg)

	d.fetchV2Status()
	require.Equal(t, 0, transport.n)
}
