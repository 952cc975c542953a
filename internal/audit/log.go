package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// ErrPartialEntry means the log ends in a line that is not a complete entry,
// usually a write cut short by a crash. Appending would chain onto it.
var ErrPartialEntry = errors.New("audit: log ends with a partial entry")

// Log is the append-only record of consent mutations and denials. Each line
// carries the hash of the line before it, so an edited, dropped or inserted
// line breaks the chain and Verify reports where.
type Log struct {
	path string
	now  func() time.Time

	mu    sync.Mutex
	file  *os.File
	head  string
	count int
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the clock used to stamp entries recorded without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Open opens path for appending, creating it and its directory if needed.
// An existing log is scanned to recover the chain head.
func Open(path string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	head, count, err := chainHead(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}

	l := &Log{path: path, now: time.Now, file: file, head: head, count: count}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// chainHead returns the hash of the last line of path and the number of
// lines, or the genesis hash for a missing or empty file.
func chainHead(path string) (string, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return GenesisHash, 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	var (
		last  []byte
		count int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		last = append(last[:0], scanner.Bytes()...)
		count++
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("audit: scan existing log: %w", err)
	}
	if count == 0 {
		return GenesisHash, 0, nil
	}
	if !json.Valid(last) {
		return "", 0, fmt.Errorf("%w: %s line %d", ErrPartialEntry, path, count)
	}
	return HashLine(last), count, nil
}

// Path returns the file the log appends to.
func (l *Log) Path() string {
	return l.path
}

// Head returns the hash the next entry will chain onto.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Len returns the number of entries in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Record chains entry onto the log and syncs it to disk. A missing timestamp
// is filled from the log's clock.
func (l *Log) Record(entry AuditEntry) error {
	if err := entry.validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = l.now().UTC().Format(TimestampFormat)
	}
	entry.PrevHash = l.head

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write %s entry for %s: %w", entry.Operation, entry.Entity, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	l.head = HashLine(line)
	l.count++
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
