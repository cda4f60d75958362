package userstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore is a MemoryStore backed by a JSON snapshot that several
// processes may share. Every read picks up a snapshot another process
// replaced, and every change is applied to the latest snapshot while holding
// an exclusive lock on path+".write.lock". The run lock is a separate
// advisory lock on path+".lock", so two processes never sync at the same
// time.
type FileStore struct {
	*MemoryStore
	snapshot *snapshotFile
	lockPath string

	lockMu   sync.Mutex
	lockFile *os.File
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	snapshot := &snapshotFile{path: path, writeLockPath: path + ".write.lock"}
	state, err := snapshot.refresh(newMemoryState())
	if err != nil {
		return nil, err
	}
	mem := NewMemoryStore()
	mem.state = state
	mem.persist = snapshot.write
	mem.refresh = snapshot.refresh
	mem.exclusive = snapshot.holdWriteLock
	return &FileStore{
		MemoryStore: mem,
		snapshot:    snapshot,
		lockPath:    path + ".lock",
	}, nil
}

// snapshotFile tracks which version of the snapshot the cache holds. Its
// methods run under the MemoryStore mutex.
type snapshotFile struct {
	path          string
	writeLockPath string
	// seen is the file last loaded or written by this handle.
	seen          os.FileInfo
}

func (f *snapshotFile) refresh(current *memoryState) (*memoryState, error) {
	info, err := os.Stat(f.path)
	if errors.Is(err, os.ErrNotExist) {
		if f.seen == nil {
			return current, nil
		}
		f.seen = nil
		return newMemoryState(), nil
	}
	if err != nil {
		return nil, err
	}
	if f.unchanged(info) {
		return current, nil
	}
	state, err := loadSnapshot(f.path)
	if err != nil {
		return nil, err
	}
	f.seen = info
	return state, nil
}

// unchanged compares identity as well as size and mtime because every write
// renames a new file into place.
func (f *snapshotFile) unchanged(info os.FileInfo) bool {
	return f.seen != nil &&
		os.SameFile(f.seen, info) &&
		f.seen.Size() == info.Size() &&
		f.seen.ModTime().Equal(info.ModTime())
}

func (f *snapshotFile) write(st *memoryState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(f.path, data, 0o600); err != nil {
		return err
	}
	info, err := os.Stat(f.path)
	if err != nil {
		// The write landed; the next read reloads it.
		f.seen = nil
		return nil
	}
	f.seen = info
	return nil
}

func (f *snapshotFile) holdWriteLock() (func(), error) {
	lock, err := os.OpenFile(f.writeLockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := waitLockFile(lock); err != nil {
		_ = lock.Close()
		return nil, err
	}
	return func() {
		_ = unlockFile(lock)
		_ = lock.Close()
	}, nil
}

func loadSnapshot(path string) (*memoryState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newMemoryState(), nil
		}
		return nil, err
	}
	state := &memoryState{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, state); err != nil {
			return nil, err
		}
	}
	state.normalize()
	return state, nil
}

func (s *FileStore) Lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	release, err := s.MemoryStore.Lock(ctx)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		release()
		return nil, err
	}
	if err := tryLockFile(f); err != nil {
		_ = f.Close()
		release()
		return nil, err
	}
	s.lockMu.Lock()
	s.lockFile = f
	s.lockMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lockMu.Lock()
			if s.lockFile != nil {
				_ = unlockFile(s.lockFile)
				_ = s.lockFile.Close()
				s.lockFile = nil
			}
			s.lockMu.Unlock()
			release()
		})
	}, nil
}

func (s *FileStore) Close() error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.lockFile != nil {
		_ = unlockFile(s.lockFile)
		err := s.lockFile.Close()
		s.lockFile = nil
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
