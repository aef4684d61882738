package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilmesh/relay/core/clock"
	"github.com/veilmesh/relay/direrr"
)

// fakeParser decodes the raw bytes as the literal Consensus stashed by
// the test under that byte string, so tests can drive SetCurrent without
// a real wire format.
type fakeParser struct {
	byRaw map[string]*Consensus
}

func (p *fakeParser) ParseConsensus(raw []byte) (*Consensus, error) {
	c, ok := p.byRaw[string(raw)]
	if !ok {
		return nil, direrr.New(direrr.KindBadParse, "unknown fixture")
	}
	clone := *c
	return &clone, nil
}

func newTestStore(t *testing.T, now time.Time) (*Store, *fakeParser, *RecordingEventSink) {
	parser := &fakeParser{byRaw: make(map[string]*Consensus)}
	sink := &RecordingEventSink{}
	authorities := []Authority{{IdentityDigest: []byte("a1"), Nickname: "a1"}}
	store := NewStore(authorities, newFakeCertStore(), nil, parser, nil, clock.Fixed(now), sink, FlavorNS, false)
	return store, parser, sink
}

func TestSetCurrentFiresDangerousVersionOnce(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store, parser, sink := newTestStore(t, now)

	raw1 := []byte("consensus-1")
	c1 := consensusFixture(now.Add(-30 * time.Minute))
	c1.RecommendedVersions = []string{"1.0.0", "1.0.1"}
	parser.byRaw[string(raw1)] = c1
	_, err := store.SetCurrent(raw1, FlavorNS, 0)
	require.NoError(t, err)
	require.Len(t, sink.DangerousVersionEvts, 1)

	raw2 := []byte("consensus-2")
	c2 := consensusFixture(now.Add(-10 * time.Minute))
	c2.Digests[DigestSHA256] = []byte("d2")
	c2.RecommendedVersions = []string{"1.0.1"}
	parser.byRaw[string(raw2)] = c2
	_, err = store.SetCurrent(raw2, FlavorNS, 0)
	require.NoError(t, err)
	require.Len(t, sink.DangerousVersionEvts, 1, "one-shot latch must not re-fire on a later install")
}

func consensusFixture(validAfter time.Time) *Consensus {
	return &Consensus{
		Flavor:     FlavorNS,
		ValidAfter: validAfter,
		FreshUntil: validAfter.Add(time.Hour),
		ValidUntil: validAfter.Add(2 * time.Hour),
		Digests:    map[DigestAlg][]byte{DigestSHA256: []byte("d1")},
		Voters:     []Voter{voterWithGoodSig("a1")},
		Routers: []RouterStatus{
			{IdentityDigest: []byte{0x01}, Nickname: "relay1", Flags: FlagNamed | FlagRunning},
		},
	}
}

func TestSetCurrentInstalls(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store, parser, sink := newTestStore(t, now)

	raw := []byte("consensus-1")
	parser.byRaw[string(raw)] = consensusFixture(now.Add(-30 * time.Minute))

	outcome, err := store.SetCurrent(raw, FlavorNS, 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeInstalled, outcome)
	require.NotNil(t, store.Current(FlavorNS))
	require.Len(t, sink.NewConsensusEvents, 1)

	id, ok := store.Nicknames().LookupNamed("relay1")
	require.True(t, ok)
	require.Equal(t, []byte{0x01}, id)
}

func TestSetCurrentRejectsDuplicate(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store, parser, _ := newTestStore(t, now)

	raw := []byte("consensus-1")
	parser.byRaw[string(raw)] = consensusFixture(now.Add(-30 * time.Minute))
	_, err := store.SetCurrent(raw, FlavorNS, 0)
	require.NoError(t, err)

	raw2 := []byte("consensus-1-resend")
	parser.byRaw[string(raw2)] = consensusFixture(now.Add(-30 * time.Minute))
	outcome, err := store.SetCurrent(raw2, FlavorNS, 0)
	require.Equal(t, OutcomeDropped, outcome)
	require.ErrorIs(t, err, direrr.ErrDuplicate)
}

func TestSetCurrentRejectsStale(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store, parser, _ := newTestStore(t, now)

	raw1 := []byte("consensus-newer")
	parser.byRaw[string(raw1)] = consensusFixture(now.Add(-10 * time.Minute))
	_, err := store.SetCurrent(raw1, FlavorNS, 0)
	require.NoError(t, err)

	raw2 := []byte("consensus-older")
	older := consensusFixture(now.Add(-30 * time.Minute))
	older.Digests[DigestSHA256] = []byte("different-digest")
	parser.byRaw[string(raw2)] = older

	outcome, err := store.SetCurrent(raw2, FlavorNS, 0)
	require.Equal(t, OutcomeDropped, outcome)
	require.ErrorIs(t, err, direrr.ErrStale)
}

func TestSetCurrentParksOnNeedMoreCerts(t *testing.T) {
	t.Parallel()
	now := time.Now()
	authorities := []Authority{
		{IdentityDigest: []byte("a1"), Nickname: "a1"},
		{IdentityDigest: []byte("a2"), Nickname: "a2"},
		{IdentityDigest: []byte("a3"), Nickname: "a3"},
	}
	parser := &fakeParser{byRaw: make(map[string]*Consensus)}
	store := NewStore(authorities, newFakeCertStore(), nil, parser, nil, clock.Fixed(now), nil, FlavorNS, false)

	c := consensusFixture(now.Add(-10 * time.Minute))
	missing := Voter{
		IdentityDigest: []byte("a2"),
		Nickname:       "a2",
		Signatures:     []Signature{{Alg: DigestSHA256, IdentityDigest: []byte("a2"), SigningKeyDigest: []byte("k")}},
	}
	c.Voters = []Voter{voterWithGoodSig("a1"), missing}

	raw := []byte("parked")
	parser.byRaw[string(raw)] = c

	outcome, err := store.SetCurrent(raw, FlavorNS, 0)
	require.Equal(t, OutcomeParked, outcome)
	require.ErrorIs(t, err, direrr.ErrNeedCerts)
	require.True(t, store.Waiting(FlavorNS))
	require.Nil(t, store.Current(FlavorNS))
}

type recordingCertDownloader struct {
	calls int
	last  []Voter
}

func (r *recordingCertDownloader) RequestCerts(missing []Voter) {
	r.calls++
	r.last = missing
}

func TestRecheckCertDownloadsRerequestsWhileParked(t *testing.T) {
	t.Parallel()
	now := time.Now()
	authorities := []Authority{
		{IdentityDigest: []byte("a1"), Nickname: "a1"},
		{IdentityDigest: []byte("a2"), Nickname: "a2"},
		{IdentityDigest: []byte("a3"), Nickname: "a3"},
	}
	parser := &fakeParser{byRaw: make(map[string]*Consensus)}
	certDL := &recordingCertDownloader{}
	store := NewStore(authorities, newFakeCertStore(), certDL, parser, nil, clock.Fixed(now), nil, FlavorNS, false)

	c := consensusFixture(now.Add(-10 * time.Minute))
	missing := Voter{
		IdentityDigest: []byte("a2"),
		Nickname:       "a2",
		Signatures:     []Signature{{Alg: DigestSHA256, IdentityDigest: []byte("a2"), SigningKeyDigest: []byte("k")}},
	}
	c.Voters = []Voter{voterWithGoodSig("a1"), missing}

	raw := []byte("parked")
	parser.byRaw[string(raw)] = c
	outcome, _ := store.SetCurrent(raw, FlavorNS, 0)
	require.Equal(t, OutcomeParked, outcome)
	require.Equal(t, 1, certDL.calls)

	store.RecheckCertDownloads(now.Add(time.Minute))
	require.Equal(t, 2, certDL.calls)
	require.Len(t, certDL.last, 1)
	require.Equal(t, "a2", certDL.last[0].Nickname)
}

func TestSetCurrentDropsInsufficientSignatures(t *testing.T) {
	t.Parallel()
	now := time.Now()
	authorities := []Authority{
		{IdentityDigest: []byte("a1"), Nickname: "a1"},
		{IdentityDigest: []byte("a2"), Nickname: "a2"},
		{IdentityDigest: []byte("a3"), Nickname: "a3"},
	}
	parser := &fakeParser{byRaw: make(map[string]*Consensus)}
	certStore := newFakeCertStore()
	certStore.failedDL["a2"] = true
	store := NewStore(authorities, certStore, nil, parser, nil, clock.Fixed(now), nil, FlavorNS, false)

	c := consensusFixture(now.Add(-10 * time.Minute))
	missing := Voter{
		IdentityDigest: []byte("a2"),
		Nickname:       "a2",
		Signatures:     []Signature{{Alg: DigestSHA256, IdentityDigest: []byte("a2"), SigningKeyDigest: []byte("k")}},
	}
	c.Voters = []Voter{voterWithGoodSig("a1"), missing}

	raw := []byte("insufficient")
	parser.byRaw[string(raw)] = c

	outcome, err := store.SetCurrent(raw, FlavorNS, 0)
	require.Equal(t, OutcomeDropped, outcome)
	require.ErrorIs(t, err, direrr.ErrInsufficientSignatures)
}
