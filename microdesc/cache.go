package microdesc

import (
	"encoding/hex"
	"os"
	"time"

	"github.com/veilmesh/relay/core/clock"
	"github.com/veilmesh/relay/direrr"
)

// compactionThreshold is the 16 KiB journal-size trigger from spec §4.5.
const compactionThreshold = 16 * 1024

// TolerateAge is TOLERATE_MICRODESC_AGE: the default Clean cutoff window
// (spec §6: 604800 s).
const TolerateAge = 7 * 24 * time.Hour

// NodeListNotifier is the narrow node-list external collaborator (spec
// §1) notified when newly added descriptors arrive while the current
// consensus is microdesc-flavored.
type NodeListNotifier interface {
	NoteMicrodescAdded(m *Microdesc)
}

type nullNotifier struct{}

func (nullNotifier) NoteMicrodescAdded(*Microdesc) {}

// Cache is the microdescriptor cache: an in-memory digest-keyed map
// backed by an mmap'd main file plus an append journal, per spec §4.5.
type Cache struct {
	dataDir  string
	splitter BodySplitter
	notifier NodeListNotifier
	clock    clock.Clock

	byDigest map[[DigestSize]byte]*Microdesc

	main       *mmapFile
	journal    *os.File
	journalLen int64
	cacheLen   int64

	totalLenSeen int64
	nSeen        int64
	bytesDropped int64

	// hasLiveMicrodescConsensus gates Clean's "never nuke everything
	// after downtime" guard; set by the caller (the directory package,
	// which knows the current consensus) before calling Clean.
	hasLiveMicrodescConsensus bool
}

// Open loads (or creates) the cache's main file and journal under
// dataDir, using splitter to find descriptor body boundaries and
// replaying any existing journal entries into the in-memory map.
func Open(dataDir, cachePath, journalPath string, splitter BodySplitter, notifier NodeListNotifier, clk clock.Clock) (*Cache, error) {
	if notifier == nil {
		notifier = nullNotifier{}
	}
	c := &Cache{
		dataDir:  dataDir,
		splitter: splitter,
		notifier: notifier,
		clock:    clk,
		byDigest: make(map[[DigestSize]byte]*Microdesc),
	}

	main, err := openMmap(cachePath)
	if err != nil {
		return nil, err
	}
	c.main = main
	c.cacheLen = int64(len(main.data))

	if err := c.loadFile(main.data, 0, InCache); err != nil {
		main.close()
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		main.close()
		return nil, direrr.Wrap(direrr.KindIoFailure, "open microdesc journal", err)
	}
	c.journal = jf

	jdata, err := os.ReadFile(journalPath)
	if err != nil {
		return nil, direrr.Wrap(direrr.KindIoFailure, "read microdesc journal", err)
	}
	c.journalLen = int64(len(jdata))
	if err := c.loadFile(jdata, 0, InJournal); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Cache) loadFile(data []byte, baseOffset int64, loc SavedLocation) error {
	entries, err := parseEntries(data, baseOffset, c.splitter)
	if err != nil {
		return err
	}
	for _, e := range entries {
		d := Digest(e.body)
		m := &Microdesc{
			Digest:     d,
			Body:       e.body,
			BodyLen:    len(e.body),
			Offset:     e.bodyOffset,
			LastListed: e.lastListed,
			Location:   loc,
			HeldInMap:  true,
		}
		if existing, ok := c.byDigest[d]; ok {
			if e.lastListed.After(existing.LastListed) {
				existing.LastListed = e.lastListed
			}
			continue
		}
		c.byDigest[d] = m
	}
	return nil
}

// SetHasLiveMicrodescConsensus toggles Clean's downtime guard.
func (c *Cache) SetHasLiveMicrodescConsensus(v bool) { c.hasLiveMicrodescConsensus = v }

// Count returns the number of microdescriptors currently held.
func (c *Cache) Count() int { return len(c.byDigest) }

// AverageSize implements microdesc_average_size: the mean body length
// across every body passed to Add since Open (duplicates and rejected
// bodies included; entries loaded from disk are not counted), used to
// size download-batch estimates. Returns 512 (the original's fallback)
// before Add has been called.
func (c *Cache) AverageSize() int64 {
	if c.nSeen == 0 {
		return 512
	}
	return c.totalLenSeen / c.nSeen
}

// Lookup returns a borrowed reference to the microdescriptor for digest,
// or nil.
func (c *Cache) Lookup(digest [DigestSize]byte) *Microdesc {
	return c.byDigest[digest]
}

// Add implements spec §4.5's Add algorithm for a batch of parsed
// descriptor bodies. requestedDigests, if non-nil, is mutated: matched
// digests are removed from it, and any body not in the set is rejected
// as a protocol violation.
func (c *Cache) Add(bodies [][]byte, hint SavedLocation, saveToJournal bool, requestedDigests map[[DigestSize]byte]bool, isMicrodescFlavored bool) ([]*Microdesc, error) {
	now := c.clock.Now()
	added := make([]*Microdesc, 0, len(bodies))

	for _, body := range bodies {
		d := Digest(body)
		c.nSeen++
		c.totalLenSeen += int64(len(body))

		if requestedDigests != nil {
			if !requestedDigests[d] {
				return added, direrr.New(direrr.KindProtocolViolation, "unrequested descriptor "+hex.EncodeToString(d[:]))
			}
			delete(requestedDigests, d)
		}

		if existing, ok := c.byDigest[d]; ok {
			if now.After(existing.LastListed) {
				existing.LastListed = now
			}
			c.bytesDropped += int64(len(body))
			continue
		}

		m := &Microdesc{Digest: d, Body: body, BodyLen: len(body), LastListed: now, HeldInMap: true}
		if saveToJournal {
			bodyOffset, n, err := writeEntry(c.journal, c.journalLen, m)
			if err != nil {
				return added, err
			}
			m.Offset = bodyOffset
			m.Location = InJournal
			c.journalLen += n
		} else {
			m.Location = hint
		}

		c.byDigest[d] = m
		added = append(added, m)
		if isMicrodescFlavored {
			c.notifier.NoteMicrodescAdded(m)
		}
	}
	return added, nil
}

// Clean implements spec §4.5's Clean: remove entries with
// last_listed < cutoff, skipped entirely unless a live microdesc
// consensus exists or force is set.
func (c *Cache) Clean(cutoff time.Time, force bool) int {
	if !c.hasLiveMicrodescConsensus && !force {
		return 0
	}
	removed := 0
	for d, m := range c.byDigest {
		if m.LastListed.Before(cutoff) {
			c.bytesDropped += int64(m.BodyLen)
			m.HeldInMap = false
			delete(c.byDigest, d)
			removed++
		}
	}
	return removed
}

// NeedsCompaction reports spec §4.5's rebuild trigger: journal_len >=
// 16KiB and (bytes_dropped > (journal_len+cache_len)/3 or
// journal_len > cache_len/2).
func (c *Cache) NeedsCompaction() bool {
	if c.journalLen < compactionThreshold {
		return false
	}
	return c.bytesDropped > (c.journalLen+c.cacheLen)/3 || c.journalLen > c.cacheLen/2
}

// Rebuild implements spec §4.5's compaction procedure: clean, then
// rewrite every surviving non-no_save entry into a fresh cache file,
// remap it, rebind body pointers, and truncate the journal.
func (c *Cache) Rebuild(cachePath, journalPath string, cutoff time.Time, force bool) error {
	c.Clean(cutoff, force)

	tmpPath := cachePath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return direrr.Wrap(direrr.KindIoFailure, "create replacement cache file", err)
	}

	offset := int64(0)
	type pending struct {
		digest [DigestSize]byte
		offset int64
	}
	var rebind []pending

	for d, m := range c.byDigest {
		if m.NoSave() {
			continue
		}
		bodyOffset, n, werr := writeEntry(tmp, offset, m)
		if werr != nil {
			tmp.Close()
			return werr
		}
		rebind = append(rebind, pending{digest: d, offset: bodyOffset})
		offset += n
	}
	if err := tmp.Close(); err != nil {
		return direrr.Wrap(direrr.KindIoFailure, "close replacement cache file", err)
	}

	if err := c.main.close(); err != nil {
		return direrr.Wrap(direrr.KindIoFailure, "unmap old cache", err)
	}
	if err := os.Rename(tmpPath, cachePath); err != nil {
		return direrr.Wrap(direrr.KindIoFailure, "replace cache file", err)
	}

	newMain, err := openMmap(cachePath)
	if err != nil {
		return err
	}
	c.main = newMain
	c.cacheLen = int64(len(newMain.data))

	for _, p := range rebind {
		m := c.byDigest[p.digest]
		m.Offset = p.offset
		m.Body = newMain.bodyAt(p.offset, m.BodyLen)
		m.Location = InCache
	}

	if err := c.journal.Truncate(0); err != nil {
		return direrr.Wrap(direrr.KindIoFailure, "truncate journal", err)
	}
	if _, err := c.journal.Seek(0, 0); err != nil {
		return direrr.Wrap(direrr.KindIoFailure, "seek journal", err)
	}
	c.journalLen = 0
	c.bytesDropped = 0
	return nil
}

// MissingList implements spec §4.5: given a microdesc-flavored
// consensus's listed digests, yield those absent from the cache,
// download-ready per a caller-supplied readiness check (if requested),
// not in skip, and not all-zero.
func (c *Cache) MissingList(listed [][DigestSize]byte, skip map[[DigestSize]byte]bool, ready func([DigestSize]byte) bool) [][DigestSize]byte {
	var zero [DigestSize]byte
	var missing [][DigestSize]byte
	for _, d := range listed {
		if d == zero {
			continue
		}
		if skip != nil && skip[d] {
			continue
		}
		if _, ok := c.byDigest[d]; ok {
			continue
		}
		if ready != nil && !ready(d) {
			continue
		}
		missing = append(missing, d)
	}
	return missing
}

// Close releases the mmap and journal file handle.
func (c *Cache) Close() error {
	jerr := c.journal.Close()
	merr := c.main.close()
	if merr != nil {
		return merr
	}
	return jerr
}
