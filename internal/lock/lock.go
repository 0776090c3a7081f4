// Package lock guards the state directory against a second orchestrator and
// serializes in-process work per key.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"
)

// ErrLocked is returned when another orchestrator already holds the state directory.
var ErrLocked = errors.New("state directory is locked by another orchestrator")

// Keyed serializes callers sharing a key. Entries live only while someone holds
// or waits for them.
type Keyed struct {
	mu   sync.Mutex
	keys map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{keys: make(map[string]*keyedEntry)}
}

// Do runs fn while holding key.
func (k *Keyed) Do(key string, fn func() error) error {
	e := k.acquire(key)
	defer k.release(key, e)
	return fn()
}

func (k *Keyed) acquire(key string) *keyedEntry {
	k.mu.Lock()
	e, ok := k.keys[key]
	if !ok {
		e = &keyedEntry{}
		k.keys[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return e
}

func (k *Keyed) release(key string, e *keyedEntry) {
	e.mu.Unlock()

	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.keys, key)
	}
	k.mu.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}

// Owner identifies the process holding a FileLock.
type Owner struct {
	PID      int       `json:"pid"`
	Host     string    `json:"host,omitempty"`
	Acquired time.Time `json:"acquired"`
}

func (o Owner) String() string {
	if o.Host == "" {
		return fmt.Sprintf("pid %d", o.PID)
	}
	return fmt.Sprintf("pid %d on %s", o.PID, o.Host)
}

// FileLock is an advisory flock whose file records the Owner.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) Path() string { return fl.path }

// TryLock takes the lock without blocking, failing with ErrLocked when it is held.
func (fl *FileLock) TryLock() error {
	if fl.file != nil {
		return nil
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return fmt.Errorf("%w (%s)", ErrLocked, fl.path)
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	host, _ := os.Hostname()
	owner := Owner{PID: os.Getpid(), Host: host, Acquired: time.Now().UTC()}
	if err := stamp(f, owner); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return err
	}
	fl.file = f
	return nil
}

func stamp(f *os.File, owner Owner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt(append(data, '\n'), 0); err != nil {
		return fmt.Errorf("write lock owner: %w", err)
	}
	return f.Sync()
}

// Owner reads the recorded holder. ok is false when the file is missing or unreadable.
func (fl *FileLock) Owner() (owner Owner, ok bool) {
	data, err := os.ReadFile(fl.path)
	if err != nil {
		return Owner{}, false
	}
	if err := json.Unmarshal(data, &owner); err != nil || owner.PID == 0 {
		return Owner{}, false
	}
	return owner, true
}

// Unlock removes the lock file and releases the flock. Unlocking twice is a no-op.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil

	// remove while still holding so a waiter never locks a stale inode
	_ = os.Remove(fl.path)
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}
