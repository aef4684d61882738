package v2status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilmesh/relay/core/clock"
	"github.com/veilmesh/relay/direrr"
)

type fakePersister struct {
	saved   map[string][]byte
	deleted map[string]bool
}

func newFakePersister() *fakePersister {
	return &fakePersister{saved: make(map[string][]byte), deleted: make(map[string]bool)}
}

func (p *fakePersister) SaveStatus(identityDigest, raw []byte) error {
	p.saved[string(identityDigest)] = raw
	return nil
}

func (p *fakePersister) LoadStatus(identityDigest []byte) ([]byte, error) {
	return p.saved[string(identityDigest)], nil
}

func (p *fakePersister) DeleteStatus(identityDigest []byte) error {
	p.deleted[string(identityDigest)] = true
	return nil
}

func TestReceiveRejectsUnrequested(t *testing.T) {
	t.Parallel()
	c := New(nil, nil, clock.Fixed(time.Now()))
	err := c.Receive(&Document{AuthorityIdentityDigest: []byte("a1"), PublishedOn: time.Now()}, false)
	require.Error(t, err)
}

func TestReceiveRejectsFutureClockSkew(t *testing.T) {
	t.Parallel()
	now := time.Now()
	c := New(nil, nil, clock.Fixed(now))
	doc := &Document{AuthorityIdentityDigest: []byte("a1"), PublishedOn: now.Add(ClockSkewFutureTolerance + time.Hour)}
	err := c.Receive(doc, true)
	require.ErrorIs(t, err, direrr.ErrClockSkew)
}

func TestReceiveReplacesOnlyWhenStrictlyNewer(t *testing.T) {
	t.Parallel()
	now := time.Now()
	persist := newFakePersister()
	c := New(persist, nil, clock.Fixed(now))

	first := &Document{AuthorityIdentityDigest: []byte("a1"), PublishedOn: now.Add(-time.Hour), RawBody: []byte("v1")}
	require.NoError(t, c.Receive(first, true))

	sameAge := &Document{AuthorityIdentityDigest: []byte("a1"), PublishedOn: now.Add(-time.Hour), RawBody: []byte("v1-resend")}
	err := c.Receive(sameAge, true)
	require.ErrorIs(t, err, direrr.ErrStale)

	got, ok := c.Get([]byte("a1"))
	require.True(t, ok)
	require.Equal(t, []byte("v1"), got.RawBody)

	newer := &Document{AuthorityIdentityDigest: []byte("a1"), PublishedOn: now.Add(-time.Minute), RawBody: []byte("v2")}
	require.NoError(t, c.Receive(newer, true))

	got, ok = c.Get([]byte("a1"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), got.RawBody)
	require.Equal(t, []byte("v2"), persist.saved["a1"])
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	t.Parallel()
	now := time.Now()
	persist := newFakePersister()
	c := New(persist, nil, clock.Fixed(now))

	require.NoError(t, c.Receive(&Document{AuthorityIdentityDigest: []byte("old"), PublishedOn: now.Add(-48 * time.Hour)}, true))
	require.NoError(t, c.Receive(&Document{AuthorityIdentityDigest: []byte("fresh"), PublishedOn: now.Add(-time.Minute)}, true))

	removed := c.Sweep(24 * time.Hour)
	require.Equal(t, 1, removed)

	_, ok := c.Get([]byte("old"))
	require.False(t, ok)
	_, ok = c.Get([]byte("fresh"))
	require.True(t, ok)
	require.True(t, persist.deleted["old"])
}

func TestSortedByPublishedAndIdentities(t *testing.T) {
	t.Parallel()
	now := time.Now()
	c := New(nil, nil, clock.Fixed(now))

	require.NoError(t, c.Receive(&Document{AuthorityIdentityDigest: []byte("b"), PublishedOn: now.Add(-time.Hour)}, true))
	require.NoError(t, c.Receive(&Document{AuthorityIdentityDigest: []byte("a"), PublishedOn: now.Add(-2 * time.Hour)}, true))

	sorted := c.SortedByPublished()
	require.Len(t, sorted, 2)
	require.True(t, sorted[0].PublishedOn.Before(sorted[1].PublishedOn))

	ids := c.Identities()
	require.Len(t, ids, 2)
}
