package events

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxLogSize = 100 * 1024 * 1024
	ArchiveDir        = "archive"

	maxLineSize = 4 * 1024 * 1024
)

// Entry is one line of the audit log. Hash covers every other field and Prev
// holds the previous entry's Hash, so an edited, inserted or deleted line
// breaks the chain. The chain continues across restarts and rotations.
type Entry struct {
	Seq       int64          `json:"seq"`
	Time      time.Time      `json:"time"`
	Event     string         `json:"event"`
	RunID     string         `json:"run_id,omitempty"`
	ItemID    string         `json:"item_id,omitempty"`
	AttemptID string         `json:"attempt_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Prev      string         `json:"prev,omitempty"`
	Hash      string         `json:"hash"`
}

func (e Entry) digest() (string, error) {
	e.Hash = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// AuditLogger appends hash-chained JSON lines to a file and moves full files
// into archive/.
type AuditLogger struct {
	mu       sync.Mutex
	path     string
	maxSize  int64
	file     *os.File
	size     int64
	seq      int64
	lastHash string
	rotated  int
}

// NewAuditLogger opens or creates the log at path. An existing log is appended
// to and its chain continued.
func NewAuditLogger(path string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}

	l := &AuditLogger{path: path, maxSize: maxSize}
	last, err := lastEntry(path)
	if err != nil {
		return nil, err
	}
	if last != nil {
		l.seq, l.lastHash = last.Seq, last.Hash
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file, l.size = f, info.Size()
	return nil
}

// lastEntry returns the final well-formed entry of path, or nil.
func lastEntry(path string) (*Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	defer f.Close()

	var last *Entry
	err = scanEntries(f, func(e *Entry, _ error) {
		if e != nil {
			last = e
		}
	})
	return last, err
}

// scanEntries calls fn once per non-empty line with the decoded entry or the
// decode error.
func scanEntries(r io.Reader, fn func(*Entry, error)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			fn(nil, err)
			continue
		}
		fn(&e, nil)
	}
	return sc.Err()
}

// Log appends an entry for event, lifting the well-known id fields out of details.
func (l *AuditLogger) Log(event string, details map[string]any) error {
	e := Entry{Event: event, Details: details}
	e.RunID, _ = details["run_id"].(string)
	e.ItemID, _ = details["item_id"].(string)
	e.AttemptID, _ = details["attempt_id"].(string)
	e.Status, _ = details["status"].(string)
	_, err := l.Append(e)
	return err
}

// Append stamps e with the next sequence number, time and chain hashes and
// writes it. It returns the entry as written.
func (l *AuditLogger) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return Entry{}, errors.New("audit log closed")
	}

	e.Seq = l.seq + 1
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	e.Prev = l.lastHash
	hash, err := e.digest()
	if err != nil {
		return Entry{}, fmt.Errorf("hash audit entry: %w", err)
	}
	e.Hash = hash

	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.size > 0 && l.size+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return Entry{}, fmt.Errorf("rotate audit log: %w", err)
		}
	}
	n, err := l.file.Write(data)
	l.size += int64(n)
	if err != nil {
		return Entry{}, fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return Entry{}, fmt.Errorf("sync audit log: %w", err)
	}

	l.seq, l.lastHash = e.Seq, e.Hash
	return e, nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil

	dir := filepath.Join(filepath.Dir(l.path), ArchiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	l.rotated++
	ext := filepath.Ext(l.path)
	base := strings.TrimSuffix(filepath.Base(l.path), ext)
	name := fmt.Sprintf("%s.%s.%d%s", base, time.Now().UTC().Format("20060102T150405"), l.rotated, ext)
	if err := os.Rename(l.path, filepath.Join(dir, name)); err != nil {
		return err
	}
	return l.open()
}

// Attach subscribes the logger to eventTypes on bus through a single queue, so
// the chain follows publish order. The returned function detaches it.
func (l *AuditLogger) Attach(bus *Bus, onError func(error), eventTypes ...EventType) func() {
	return bus.Subscribe(func(e Event) {
		if err := l.Log(string(e.Type), e.Data); err != nil && onError != nil {
			onError(err)
		}
	}, eventTypes...)
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

func (l *AuditLogger) Path() string { return l.path }

func (l *AuditLogger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Verification is the result of checking one audit log file.
type Verification struct {
	Entries   int
	Malformed int
	// Broken lists sequence numbers whose hash does not match their content or
	// whose Prev does not match the entry before them.
	Broken []int64
}

func (v Verification) OK() bool { return v.Malformed == 0 && len(v.Broken) == 0 }

// Verify checks the hash chain of the log at path. The first entry's Prev is not
// checked since its predecessor may live in an archived file.
func Verify(path string) (Verification, error) {
	f, err := os.Open(path)
	if err != nil {
		return Verification{}, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var v Verification
	var prev *Entry
	err = scanEntries(f, func(e *Entry, decodeErr error) {
		if decodeErr != nil {
			v.Malformed++
			return
		}
		v.Entries++
		want, err := e.digest()
		switch {
		case err != nil || want != e.Hash:
			v.Broken = append(v.Broken, e.Seq)
		case prev != nil && (e.Prev != prev.Hash || e.Seq != prev.Seq+1):
			v.Broken = append(v.Broken, e.Seq)
		}
		prev = e
	})
	return v, err
}
