// Package disk implements a byte-addressable read_page/write_page/
// allocate_page surface: the disk manager collaborator the buffer pool
// fetches and flushes pages through. It is provided here as a concrete,
// swappable implementation over an afero.Fs so tests can run against an
// in-memory filesystem while production wires the real one.
package disk

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/relicdb/enginecore/core/storage/page"
)

// Manager is the interface the buffer pool consumes. It is intentionally
// narrow: the buffer pool owns caching and eviction, this only moves bytes.
type Manager interface {
	ReadPage(id page.ID, buf []byte) error
	WritePage(id page.ID, buf []byte) error
	AllocatePage() (page.ID, error)
	DeallocatePage(id page.ID) error
	Sync() error
	Close() error
}

// headerMagic tags the start of the file so Open can refuse to attach to
// an unrelated file.
const headerMagic uint32 = 0xE9610C0D

// HeaderSize is the size of the file-level preamble written ahead of the
// page-addressable region. It is deliberately kept out of page.ID(0)'s own
// byte range: page 0 is reserved in full for the header page's
// index-directory records (core/index/bplustree/headerpage.go), so the
// file's own magic/page-size stamp lives in a preamble before page 0
// rather than sharing its first bytes.
const HeaderSize = 32

// FileManager is the default Manager, storing a HeaderSize-byte preamble
// followed by pages contiguously addressed by page.ID * page.Size.
type FileManager struct {
	mu       sync.Mutex
	fs       afero.Fs
	path     string
	file     afero.File
	numPages uint64
}

var _ Manager = (*FileManager)(nil)

// Open opens an existing data file or creates one, depending on create.
func Open(fs afero.Fs, path string, create bool) (*FileManager, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("disk: stat %s: %w", path, err)
	}

	var f afero.File
	fm := &FileManager{fs: fs, path: path}

	switch {
	case !exists && create:
		f, err = fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
		if err != nil {
			return nil, fmt.Errorf("disk: create %s: %w", path, err)
		}
		fm.file = f
		if err := fm.writeFreshHeader(); err != nil {
			f.Close()
			return nil, err
		}
		// page.HeaderPageID (0) is reserved for the B+ tree index
		// directory (core/index/bplustree/headerpage.go) and is never
		// handed out by AllocatePage; write it out as a zeroed page up
		// front so numPages starts at 1.
		var empty [page.Size]byte
		if _, err := fm.file.WriteAt(empty[:], offset(0)); err != nil {
			f.Close()
			return nil, fmt.Errorf("disk: write header page: %w", err)
		}
		fm.numPages = 1
	case !exists && !create:
		return nil, fmt.Errorf("disk: data file %s does not exist", path)
	default:
		f, err = fs.OpenFile(path, os.O_RDWR, 0o666)
		if err != nil {
			return nil, fmt.Errorf("disk: open %s: %w", path, err)
		}
		fm.file = f
		if err := fm.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("disk: stat %s: %w", path, err)
		}
		size := info.Size() - int64(HeaderSize)
		if size < 0 {
			size = 0
		}
		fm.numPages = uint64(size) / page.Size
		if fm.numPages == 0 {
			fm.numPages = 1
		}
	}
	return fm, nil
}

// offset maps a logical page id to its byte offset in the file, past the
// HeaderSize-byte preamble.
func offset(id page.ID) int64 {
	return int64(HeaderSize) + int64(id)*page.Size
}

func (fm *FileManager) writeFreshHeader() error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], headerMagic)
	binary.LittleEndian.PutUint32(buf[4:8], page.Size)
	if _, err := fm.file.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("disk: write header: %w", err)
	}
	return nil
}

func (fm *FileManager) validateHeader() error {
	var buf [HeaderSize]byte
	if _, err := fm.file.ReadAt(buf[:], 0); err != nil {
		return fmt.Errorf("disk: read header: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != headerMagic {
		return fmt.Errorf("disk: %s is not an enginecore data file (bad magic 0x%x)", fm.path, magic)
	}
	if sz := binary.LittleEndian.Uint32(buf[4:8]); sz != page.Size {
		return fmt.Errorf("disk: page size mismatch: file has %d, engine expects %d", sz, page.Size)
	}
	return nil
}

// ReadPage fills buf (which must be exactly page.Size bytes) with the
// on-disk contents of id.
func (fm *FileManager) ReadPage(id page.ID, buf []byte) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(buf) != page.Size {
		return fmt.Errorf("disk: read buffer must be %d bytes, got %d", page.Size, len(buf))
	}
	n, err := fm.file.ReadAt(buf, offset(id))
	if err != nil && err != io.EOF {
		return fmt.Errorf("disk: read page %d: %w", id, err)
	}
	if n != page.Size {
		return fmt.Errorf("disk: short read for page %d: got %d bytes", id, n)
	}
	return nil
}

// WritePage persists buf (exactly page.Size bytes) at id's offset.
func (fm *FileManager) WritePage(id page.ID, buf []byte) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(buf) != page.Size {
		return fmt.Errorf("disk: write buffer must be %d bytes, got %d", page.Size, len(buf))
	}
	if _, err := fm.file.WriteAt(buf, offset(id)); err != nil {
		return fmt.Errorf("disk: write page %d: %w", id, err)
	}
	return nil
}

// AllocatePage extends the file by one page and returns its monotonically
// increasing id.
func (fm *FileManager) AllocatePage() (page.ID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	id := page.ID(fm.numPages)
	var empty [page.Size]byte
	if _, err := fm.file.WriteAt(empty[:], offset(id)); err != nil {
		return page.InvalidID, fmt.Errorf("disk: allocate page %d: %w", id, err)
	}
	fm.numPages++
	return id, nil
}

// NumPages returns the number of pages currently allocated, for tooling
// that wants to report a data file's size without reaching into its
// internals (e.g. cmd/dbengine's inspect subcommand).
func (fm *FileManager) NumPages() uint64 {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.numPages
}

// DeallocatePage is a placeholder: this engine carries no on-disk free
// list. A free-space manager is a WAL/recovery-adjacent concern this
// engine does not implement.
func (fm *FileManager) DeallocatePage(id page.ID) error {
	return nil
}

// Sync flushes the underlying file to stable storage.
func (fm *FileManager) Sync() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if syncer, ok := fm.file.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return fmt.Errorf("disk: sync: %w", err)
		}
	}
	return nil
}

// Close releases the underlying file handle.
func (fm *FileManager) Close() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.file == nil {
		return nil
	}
	err := fm.file.Close()
	fm.file = nil
	return err
}
