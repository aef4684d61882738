package consensus

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilmesh/relay/direrr"
)

// timeFromUnix converts a stored unix-seconds value back to a time.Time,
// leaving the zero Time for an unset (zero) stamp rather than mapping it
// to the 1970 epoch.
func timeFromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// Persister implements spec §4.7's disk layout for the consensus store:
// cached-<flavor>-consensus for installed documents and
// unverified-<flavor>-consensus for the cert-waiting park. Built on
// os/io/path-filepath directly because the on-disk format (raw document
// bytes under exact, spec-pinned filenames) has no off-the-shelf
// serialization-library or embedded-KV equivalent in the retrieval pack
// (see SPEC_FULL.md's stdlib justification).
type Persister struct {
	dataDir string
}

// NewPersister returns a Persister rooted at dataDir, creating it (and
// the cached-status subdirectory the v2 status cache uses) if absent.
func NewPersister(dataDir string) (*Persister, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, direrr.Wrap(direrr.KindIoFailure, "create data directory", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "cached-status"), 0700); err != nil {
		return nil, direrr.Wrap(direrr.KindIoFailure, "create cached-status directory", err)
	}
	return &Persister{dataDir: dataDir}, nil
}

func cachedConsensusName(f Flavor) string {
	if f == FlavorMicrodesc {
		return "cached-microdesc-consensus"
	}
	return "cached-consensus"
}

func unverifiedConsensusName(f Flavor) string {
	if f == FlavorMicrodesc {
		return "unverified-microdesc-consensus"
	}
	return "unverified-consensus"
}

// SaveCached persists the installed consensus for flavor f.
func (p *Persister) SaveCached(f Flavor, raw []byte) error {
	return p.writeAtomic(cachedConsensusName(f), raw)
}

// LoadCached loads the installed consensus for flavor f, returning
// (nil, nil) if the file is absent (not an error — startup tolerates any
// single missing/unreadable file per spec §4.7).
func (p *Persister) LoadCached(f Flavor) ([]byte, error) {
	return p.loadTolerant(cachedConsensusName(f))
}

// SaveUnverified persists the parked consensus for flavor f.
func (p *Persister) SaveUnverified(f Flavor, raw []byte) error {
	return p.writeAtomic(unverifiedConsensusName(f), raw)
}

// LoadUnverified loads the parked consensus for flavor f, tolerating
// absence.
func (p *Persister) LoadUnverified(f Flavor) ([]byte, error) {
	return p.loadTolerant(unverifiedConsensusName(f))
}

// DeleteUnverified removes the parked-consensus file for flavor f, used
// by the install protocol's step 9 eviction. A missing file is not an
// error.
func (p *Persister) DeleteUnverified(f Flavor) error {
	err := os.Remove(filepath.Join(p.dataDir, unverifiedConsensusName(f)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return direrr.Wrap(direrr.KindIoFailure, "delete unverified consensus", err)
	}
	return nil
}

// StatusPath returns the cached-status/<hex-identity> path for an
// authority identity digest (spec §4.6).
func (p *Persister) StatusPath(identityDigest []byte) string {
	return filepath.Join(p.dataDir, "cached-status", hex.EncodeToString(identityDigest))
}

// SaveStatus, LoadStatus, and DeleteStatus implement v2status.Persister
// against the cached-status/<hex-identity> layout (spec §4.6/§4.7).
func (p *Persister) SaveStatus(identityDigest, raw []byte) error {
	full := p.StatusPath(identityDigest)
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return direrr.Wrap(direrr.KindIoFailure, "write v2 status", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return direrr.Wrap(direrr.KindIoFailure, "rename v2 status", err)
	}
	return nil
}

func (p *Persister) LoadStatus(identityDigest []byte) ([]byte, error) {
	b, err := os.ReadFile(p.StatusPath(identityDigest))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, direrr.Wrap(direrr.KindIoFailure, "read v2 status", err)
	}
	return b, nil
}

func (p *Persister) DeleteStatus(identityDigest []byte) error {
	err := os.Remove(p.StatusPath(identityDigest))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return direrr.Wrap(direrr.KindIoFailure, "delete v2 status", err)
	}
	return nil
}

// MicrodescCachePath and MicrodescJournalPath are the microdesc cache's
// main file and append journal paths (spec §4.5/§4.7).
func (p *Persister) MicrodescCachePath() string   { return filepath.Join(p.dataDir, "cached-microdescs") }
func (p *Persister) MicrodescJournalPath() string { return filepath.Join(p.dataDir, "cached-microdescs.new") }

// downloadStateEntry is the CBOR-encoded record of one flavor's retry
// bookkeeping. Unlike the cached/unverified consensus bodies and the v2
// status documents, which are opaque wire bytes owned by the
// parser/writer external collaborator (spec §1), this is purely this
// module's own internal scheduling state, so it is free to pick its own
// encoding; it uses the teacher's wire-format library
// (github.com/fxamacker/cbor/v2, the same one core/pki's document bodies
// are canonically encoded with) rather than inventing a text format.
type downloadStateEntry struct {
	Flavor   Flavor
	NextTry  int64 // unix seconds
	LastTry  int64
	Failures int
}

const downloadStateName = "download-state.cbor"

// SaveDownloadState persists the scheduler's per-flavor DownloadStatus
// records so backoff state survives a restart instead of resetting to
// "ready immediately" (which would otherwise cause a thundering-herd
// re-fetch of every configured flavor on every process start).
func (p *Persister) SaveDownloadState(states map[Flavor]*DownloadStatus) error {
	entries := make([]downloadStateEntry, 0, len(states))
	for f, d := range states {
		entries = append(entries, downloadStateEntry{
			Flavor:   f,
			NextTry:  d.NextTry.Unix(),
			LastTry:  d.LastTry.Unix(),
			Failures: d.Failures,
		})
	}
	data, err := cbor.Marshal(entries)
	if err != nil {
		return direrr.Wrap(direrr.KindIoFailure, "encode download state", err)
	}
	return p.writeAtomic(downloadStateName, data)
}

// LoadDownloadState reverses SaveDownloadState, tolerating an absent file.
func (p *Persister) LoadDownloadState() (map[Flavor]*DownloadStatus, error) {
	data, err := p.loadTolerant(downloadStateName)
	if err != nil || data == nil {
		return nil, err
	}
	var entries []downloadStateEntry
	if err := cbor.Unmarshal(data, &entries); err != nil {
		return nil, direrr.Wrap(direrr.KindIoFailure, "decode download state", err)
	}
	out := make(map[Flavor]*DownloadStatus, len(entries))
	for _, e := range entries {
		out[e.Flavor] = &DownloadStatus{
			NextTry:  timeFromUnix(e.NextTry),
			LastTry:  timeFromUnix(e.LastTry),
			Failures: e.Failures,
		}
	}
	return out, nil
}

// writeAtomic writes to name.tmp then renames over name, so persistence
// failures (or a crash mid-write) never leave a truncated file in place
// of a previously good one — in-memory state remains authoritative
// regardless (spec §7's IO-failure recovery rule).
func (p *Persister) writeAtomic(name string, data []byte) error {
	full := filepath.Join(p.dataDir, name)
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return direrr.Wrap(direrr.KindIoFailure, fmt.Sprintf("write %s", name), err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return direrr.Wrap(direrr.KindIoFailure, fmt.Sprintf("rename %s", name), err)
	}
	return nil
}

func (p *Persister) loadTolerant(name string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(p.dataDir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, direrr.Wrap(direrr.KindIoFailure, fmt.Sprintf("read %s", name), err)
	}
	return b, nil
}
