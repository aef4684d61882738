package microdesc

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/veilmesh/relay/direrr"
)

const lastListedPrefix = "@last-listed "
const timeLayout = time.RFC3339

// BodySplitter is the narrow view of the parser external collaborator
// (spec §1) this package needs: given the bytes remaining after an
// annotation, report how many of them belong to this entry's body. The
// core treats descriptor bodies as opaque and has no way to find their
// end on its own.
type BodySplitter interface {
	NextBodyLength(remaining []byte) (int, error)
}

// writeEntry appends one journal/cache-file entry: an
// "@last-listed <ISO-time>\n" annotation followed by the raw body, per
// spec §4.5. It returns the offset the body itself starts at (after the
// annotation) and the total bytes written.
func writeEntry(w io.Writer, startOffset int64, m *Microdesc) (bodyOffset int64, n int64, err error) {
	ann := fmt.Sprintf("%s%s\n", lastListedPrefix, m.LastListed.UTC().Format(timeLayout))
	if _, err := io.WriteString(w, ann); err != nil {
		return 0, 0, direrr.Wrap(direrr.KindIoFailure, "write journal annotation", err)
	}
	bodyOffset = startOffset + int64(len(ann))
	if _, err := w.Write(m.Body); err != nil {
		return 0, 0, direrr.Wrap(direrr.KindIoFailure, "write journal body", err)
	}
	return bodyOffset, int64(len(ann)) + int64(len(m.Body)), nil
}

// journalEntry is one decoded record read back from the journal or main
// cache file during load/compaction.
type journalEntry struct {
	lastListed time.Time
	bodyOffset int64
	body       []byte
}

// parseEntries scans the full contents of a journal or cache file,
// using splitter to find each entry's body boundary.
func parseEntries(data []byte, baseOffset int64, splitter BodySplitter) ([]journalEntry, error) {
	var entries []journalEntry
	offset := int64(0)

	for offset < int64(len(data)) {
		rest := data[offset:]
		nl := indexByte(rest, '\n')
		if nl < 0 {
			return nil, direrr.New(direrr.KindProtocolViolation, "truncated journal annotation")
		}
		line := string(rest[:nl+1])
		if !strings.HasPrefix(line, lastListedPrefix) {
			return nil, direrr.New(direrr.KindProtocolViolation, "malformed journal annotation")
		}
		ts, perr := time.Parse(timeLayout, strings.TrimSuffix(strings.TrimPrefix(line, lastListedPrefix), "\n"))
		if perr != nil {
			return nil, direrr.Wrap(direrr.KindProtocolViolation, "malformed journal timestamp", perr)
		}
		offset += int64(nl + 1)

		bodyLen, err := splitter.NextBodyLength(data[offset:])
		if err != nil {
			return nil, direrr.Wrap(direrr.KindProtocolViolation, "find descriptor body boundary", err)
		}
		if offset+int64(bodyLen) > int64(len(data)) {
			return nil, direrr.New(direrr.KindProtocolViolation, "truncated journal body")
		}
		body := data[offset : offset+int64(bodyLen)]
		entries = append(entries, journalEntry{lastListed: ts, bodyOffset: baseOffset + offset, body: body})
		offset += int64(bodyLen)
	}
	return entries, nil
}

// SplitBodies splits a raw fetched byte blob — the transport's response
// to a batch microdescriptor request, with no "@last-listed" annotations
// (unlike the on-disk journal format parseEntries reads) — into the
// individual descriptor bodies splitter finds, for the download pipeline
// to hand straight to Cache.Add.
func SplitBodies(data []byte, splitter BodySplitter) ([][]byte, error) {
	var bodies [][]byte
	offset := 0
	for offset < len(data) {
		n, err := splitter.NextBodyLength(data[offset:])
		if err != nil {
			return nil, direrr.Wrap(direrr.KindProtocolViolation, "find descriptor body boundary", err)
		}
		if n <= 0 || offset+n > len(data) {
			return nil, direrr.New(direrr.KindProtocolViolation, "truncated microdesc batch body")
		}
		bodies = append(bodies, data[offset:offset+n])
		offset += n
	}
	return bodies, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
