//go:build unix

package microdesc

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/veilmesh/relay/direrr"
)

// mmapFile is a read-only mapping of the microdescriptor cache's main
// file. No mmap library exists anywhere in the retrieval pack (see
// SPEC_FULL.md's DOMAIN STACK entry); this wraps golang.org/x/sys/unix
// directly, the way the teacher's own bbolt dependency maps its data
// file internally, rather than adding an unvetted mmap wrapper
// dependency.
type mmapFile struct {
	f    *os.File
	data []byte
}

// openMmap opens path read-only and maps its full contents. An empty or
// missing file yields a zero-length mapping, not an error, since a fresh
// cache starts with no main file.
func openMmap(path string) (*mmapFile, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, direrr.Wrap(direrr.KindIoFailure, "open microdesc cache", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, direrr.Wrap(direrr.KindIoFailure, "stat microdesc cache", err)
	}
	if fi.Size() == 0 {
		return &mmapFile{f: f, data: nil}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, direrr.Wrap(direrr.KindIoFailure, "mmap microdesc cache", err)
	}
	return &mmapFile{f: f, data: data}, nil
}

// bodyAt returns the slice of the mapping at [offset, offset+length),
// i.e. mmap_base + offset from invariant 8 of spec §8.
func (m *mmapFile) bodyAt(offset int64, length int) []byte {
	if m.data == nil {
		return nil
	}
	return m.data[offset : offset+int64(length)]
}

func (m *mmapFile) close() error {
	var err error
	if m.data != nil {
		err = unix.Munmap(m.data)
		m.data = nil
	}
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
