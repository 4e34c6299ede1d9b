package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// FileStore is the flat on-disk directory holding uploaded file bodies,
// keyed by basename. One mutex covers every operation end to end; callers
// must not hold any registry lock across a FileStore call.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

func newFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// baseName reduces a client-supplied path to the bare file name used as the
// storage key. Leading dots are skipped before the path split, so "./a.txt"
// and "a.txt" collide as intended. Reports false for names that reduce to
// nothing.
func baseName(path string) (string, bool) {
	path = strings.TrimLeft(path, ".")
	if path == "" {
		return "", false
	}
	name := path
	for _, tok := range strings.Split(path, "/") {
		if tok != "" {
			name = tok
		}
	}
	if name == "" || name == "." || name == ".." {
		return "", false
	}
	return name, true
}

// Save writes data as dir/name, replacing any previous content atomically:
// the bytes land in a uniquely-named temp file first, are fsynced, and then
// renamed over the target.
func (s *FileStore) Save(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := filepath.Join(s.dir, ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("filestore save %s: %w", name, err)
	}
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("filestore save %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("filestore save %s: %w", name, err)
	}
	return nil
}

// Load maps dir/name read-only and returns the mapping plus a release
// function. found is false when no such file exists. The release function
// must run before the reply's descriptor goes back to the listener.
func (s *FileStore) Load(name string) (data []byte, release func(), found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, false, nil
		}
		return nil, nil, false, fmt.Errorf("filestore load %s: %w", name, err)
	}
	if fi.Size() == 0 {
		return nil, func() {}, true, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, false, fmt.Errorf("filestore load %s: %w", name, err)
	}
	defer f.Close()

	m, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, false, fmt.Errorf("filestore mmap %s: %w", name, err)
	}
	return m, func() { unix.Munmap(m) }, true, nil
}

// Purge unlinks every entry in the directory. Run once at shutdown.
func (s *FileStore) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("filestore purge: %w", err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("filestore purge %s: %w", e.Name(), err)
		}
	}
	return nil
}
