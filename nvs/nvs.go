// Package nvs is a host file-backed stand-in for ESP-IDF's NVS key-value
// store, grounded on original_source/src/emu_nvs.c: one binary file per
// namespace, record format {u8 key_len, key, u32 value_len LE, value},
// the whole file rewritten on commit.
package nvs

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// OpenMode mirrors nvs_open_mode_t.
type OpenMode int

const (
	ReadWrite OpenMode = iota
	ReadOnly
)

const maxKeyLen = 15 // NVS_MAX_KEY_LEN-1 in the original, null terminator excluded

type entry struct {
	key   string
	value []byte
}

// Namespace is one open NVS namespace, file-backed under dir/<name>.nvs.
type Namespace struct {
	mu       sync.Mutex
	name     string
	mode     OpenMode
	path     string
	entries  []entry
	dirty    bool
}

// sanitizeName rejects path traversal in a namespace name, mirroring
// file_io.go's sanitizePath discipline (reject absolute paths and "..").
func sanitizeName(name string) (string, error) {
	if name == "" || len(name) > maxKeyLen {
		return "", fmt.Errorf("nvs: namespace name %q invalid (1..%d bytes)", name, maxKeyLen)
	}
	if filepath.IsAbs(name) || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("nvs: namespace name %q is not a bare identifier", name)
	}
	return name, nil
}

// Open opens the namespace backed by a file under dir, creating dir if
// absent and loading any existing records. The file itself is not created
// here; the first Commit that has changes to save writes it.
func Open(dir, name string, mode OpenMode) (*Namespace, error) {
	clean, err := sanitizeName(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("nvs: create dir %s: %w", dir, err)
	}
	ns := &Namespace{
		name: clean,
		mode: mode,
		path: filepath.Join(dir, clean+".nvs"),
	}
	if err := ns.load(); err != nil {
		return nil, err
	}
	return ns, nil
}

func (ns *Namespace) load() error {
	data, err := os.ReadFile(ns.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("nvs: read %s: %w", ns.path, err)
	}

	var entries []entry
	for off := 0; off < len(data); {
		if off+1 > len(data) {
			break
		}
		klen := int(data[off])
		off++
		if klen == 0 || klen > maxKeyLen {
			break
		}
		if off+klen > len(data) {
			break
		}
		key := string(data[off : off+klen])
		off += klen

		if off+4 > len(data) {
			break
		}
		vlen := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if vlen < 0 || off+vlen > len(data) {
			break
		}
		value := make([]byte, vlen)
		copy(value, data[off:off+vlen])
		off += vlen

		entries = append(entries, entry{key: key, value: value})
	}
	ns.entries = entries
	return nil
}

func (ns *Namespace) find(key string) int {
	for i, e := range ns.entries {
		if e.key == key {
			return i
		}
	}
	return -1
}

// Set stores value under key (nvs_set_blob and friends collapse to this;
// typed setters are a thin encoding layer above it in the stub fabric).
func (ns *Namespace) Set(key string, value []byte) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.mode == ReadOnly {
		return fmt.Errorf("nvs: namespace %q is read-only", ns.name)
	}
	clean, err := sanitizeName(key)
	if err != nil {
		return err
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	if i := ns.find(clean); i >= 0 {
		ns.entries[i].value = cp
	} else {
		ns.entries = append(ns.entries, entry{key: clean, value: cp})
	}
	ns.dirty = true
	return nil
}

// ErrNotFound is returned by Get when the key is absent, mirroring
// ESP_ERR_NVS_NOT_FOUND.
var ErrNotFound = fmt.Errorf("nvs: key not found")

// Get returns a copy of the stored value for key.
func (ns *Namespace) Get(key string) ([]byte, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	i := ns.find(key)
	if i < 0 {
		return nil, ErrNotFound
	}
	out := make([]byte, len(ns.entries[i].value))
	copy(out, ns.entries[i].value)
	return out, nil
}

// Erase removes key, returning ErrNotFound if it was absent.
func (ns *Namespace) Erase(key string) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.mode == ReadOnly {
		return fmt.Errorf("nvs: namespace %q is read-only", ns.name)
	}
	i := ns.find(key)
	if i < 0 {
		return ErrNotFound
	}
	ns.entries = append(ns.entries[:i], ns.entries[i+1:]...)
	ns.dirty = true
	return nil
}

// EraseAll clears every key in the namespace (nvs_erase_all).
func (ns *Namespace) EraseAll() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.mode == ReadOnly {
		return fmt.Errorf("nvs: namespace %q is read-only", ns.name)
	}
	ns.entries = nil
	ns.dirty = true
	return nil
}

// Commit rewrites the entire backing file if there are unsaved changes.
func (ns *Namespace) Commit() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.commitLocked()
}

func (ns *Namespace) commitLocked() error {
	if !ns.dirty {
		return nil
	}
	var buf []byte
	for _, e := range ns.entries {
		buf = append(buf, byte(len(e.key)))
		buf = append(buf, e.key...)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(e.value)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, e.value...)
	}
	if err := os.WriteFile(ns.path, buf, 0o644); err != nil {
		return fmt.Errorf("nvs: write %s: %w", ns.path, err)
	}
	ns.dirty = false
	return nil
}

// Close commits any pending changes. The namespace must not be used
// afterward.
func (ns *Namespace) Close() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.commitLocked()
}
