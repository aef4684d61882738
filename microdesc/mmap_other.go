//go:build !unix

package microdesc

import (
	"os"

	"github.com/veilmesh/relay/direrr"
)

// mmapFile on non-unix platforms falls back to reading the whole cache
// file into memory once at open time. The spec's invariant 8
// (body == mmap_base+offset) still holds trivially since bodyAt slices
// the same backing array; there is simply no real mapping underneath it.
type mmapFile struct {
	data []byte
}

func openMmap(path string) (*mmapFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &mmapFile{}, nil
		}
		return nil, direrr.Wrap(direrr.KindIoFailure, "open microdesc cache", err)
	}
	return &mmapFile{data: data}, nil
}

func (m *mmapFile) bodyAt(offset int64, length int) []byte {
	if m.data == nil {
		return nil
	}
	return m.data[offset : offset+int64(length)]
}

func (m *mmapFile) close() error { return nil }
