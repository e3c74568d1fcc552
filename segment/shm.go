// ════════════════════════════════════════════════════════════════════════════════════════════════
// Shared Memory Rendezvous
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Shared-Memory Container Toolkit
// Component: File-Backed Mapping Helpers
//
// Description:
//   Writer/reader rendezvous for cross-process image exchange: a writer creates a file-backed
//   shared mapping sized by PackedSize and publishes with PackTo+Sync; readers open the same
//   file read-only and hand the window to Unpack. The mapping layer adds no synchronization —
//   the publish/attach discipline over a live window is the embedding caller's contract, and
//   Unpack's gates decide whether whatever bytes were observed are usable.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package segment

import (
	"fmt"
	"os"
)

// Mapping is one file-backed shared memory window.
type Mapping struct {
	f    *os.File
	data []byte
}

// CreateShared creates (or truncates) the file at path, sizes it to exactly size bytes, and maps
// it shared and writable. Writers size it with PackedSize.
func CreateShared(path string, size int) (*Mapping, error) {
	if size <= 0 {
		return nil, fmt.Errorf("segment: mapping size must be positive, got %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, err
	}
	data, err := mapShared(f, size, true)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Mapping{f: f, data: data}, nil
}

// OpenShared maps the file at path shared and read-only, covering its current length.
func OpenShared(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := int(st.Size())
	if size <= 0 {
		f.Close()
		return nil, fmt.Errorf("segment: %s holds no image", path)
	}
	data, err := mapShared(f, size, false)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Mapping{f: f, data: data}, nil
}

// Bytes returns the mapped window. Valid until Close; views returned by Unpack over this window
// must be dropped before closing.
func (mp *Mapping) Bytes() []byte { return mp.data }

// Sync flushes the window's pages to the backing file. Live readers of the same mapping see
// stores without it; Sync is for durability across writer restarts.
func (mp *Mapping) Sync() error {
	if mp.data == nil {
		return nil
	}
	return syncShared(mp.data)
}

// Close unmaps the window and closes the backing file.
func (mp *Mapping) Close() error {
	data := mp.data
	mp.data = nil
	if data != nil {
		if err := unmapShared(data); err != nil {
			mp.f.Close()
			return err
		}
	}
	return mp.f.Close()
}
