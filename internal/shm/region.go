package shm

import (
	"os"
	"path/filepath"
	"syscall"
	"unsafe"

	acerr "github.com/tradecore/acctsvc/internal/common/errors"
)

// Mode selects how a named region is attached.
type Mode int

const (
	// ModeCreate requires the region to not exist yet.
	ModeCreate Mode = iota
	// ModeOpen requires the region to already exist with the exact size.
	ModeOpen
	// ModeOpenOrCreate creates the region, or opens it if it already exists.
	ModeOpenOrCreate
)

// DefaultBaseDir is where named regions live. Tests may point a Manager at a
// throwaway directory instead.
const DefaultBaseDir = "/dev/shm"

// Region is a mapped named shared-memory region. The creator process owns
// the region; openers only map it and must not truncate or unlink it.
type Region struct {
	Name    string
	Data    []byte
	Created bool
}

// Base returns the start of the mapping.
func (r *Region) Base() unsafe.Pointer { return unsafe.Pointer(&r.Data[0]) }

// Size returns the mapped length in bytes.
func (r *Region) Size() int { return len(r.Data) }

// Close unmaps the region. It never unlinks; Unlink is a separate explicit
// operation reserved for tooling.
func (r *Region) Close() error {
	if r.Data == nil {
		return nil
	}
	err := syscall.Munmap(r.Data)
	r.Data = nil
	return err
}

// Manager creates and opens named shared-memory regions under a base
// directory. The zero value uses DefaultBaseDir.
type Manager struct {
	BaseDir string
}

func (m *Manager) path(name string) string {
	base := m.BaseDir
	if base == "" {
		base = DefaultBaseDir
	}
	return filepath.Join(base, filepath.Base(name))
}

// Open attaches the named region with the exact size. On ModeCreate the
// region is exclusively created and truncated to size; on ModeOpen a size
// mismatch is fatal (ShmResizeFailed); ModeOpenOrCreate tries an exclusive
// create first and falls back to open when the name already exists.
func (m *Manager) Open(name string, size int, mode Mode) (*Region, error) {
	if name == "" || size <= 0 {
		err := acerr.New(acerr.DomainShm, acerr.InvalidParam, "shm_manager", "invalid region name or size")
		acerr.Record(err)
		return nil, err
	}

	path := m.path(name)
	var (
		f       *os.File
		created bool
		err     error
	)

	switch mode {
	case ModeCreate:
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		created = true
	case ModeOpen:
		f, err = os.OpenFile(path, os.O_RDWR, 0o644)
	case ModeOpenOrCreate:
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil && os.IsExist(err) {
			f, err = os.OpenFile(path, os.O_RDWR, 0o644)
		} else {
			created = err == nil
		}
	}
	if err != nil {
		status := acerr.Wrap(err, acerr.DomainShm, acerr.ShmOpenFailed, "shm_manager", "open "+name+" failed")
		acerr.Record(status)
		return nil, status
	}
	defer f.Close()

	if created {
		if err := f.Truncate(int64(size)); err != nil {
			os.Remove(path)
			status := acerr.Wrap(err, acerr.DomainShm, acerr.ShmResizeFailed, "shm_manager", "truncate "+name+" failed")
			acerr.Record(status)
			return nil, status
		}
	} else {
		st, err := f.Stat()
		if err != nil {
			status := acerr.Wrap(err, acerr.DomainShm, acerr.ShmStatFailed, "shm_manager", "stat "+name+" failed")
			acerr.Record(status)
			return nil, status
		}
		if st.Size() != int64(size) {
			status := acerr.Newf(acerr.DomainShm, acerr.ShmResizeFailed, "shm_manager",
				"size mismatch for %s: expected %d, got %d", name, size, st.Size())
			acerr.Record(status)
			return nil, status
		}
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		if created {
			os.Remove(path)
		}
		status := acerr.Wrap(err, acerr.DomainShm, acerr.ShmMmapFailed, "shm_manager", "mmap "+name+" failed")
		acerr.Record(status)
		return nil, status
	}

	return &Region{Name: name, Data: data, Created: created}, nil
}

// Unlink removes the named region. Tooling-only; running services never call
// this on segments they did not create.
func (m *Manager) Unlink(name string) error {
	return os.Remove(m.path(name))
}
