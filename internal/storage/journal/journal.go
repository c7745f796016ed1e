package journal

// ============================================================================
// Flow journal - append-only progress log
// Responsibilities:
// 1. Append flow lifecycle records (submit, finish, fail) to an append-only file
// 2. Replay records to rebuild scheduler progress after a restart
// 3. Rotate after a checkpoint so the file only carries the tail
// 4. Guard record integrity with per-record checksums
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Op is the journaled operation.
type Op string

const (
	OpSubmit Op = "SUBMIT" // a flow entered the scheduler
	OpFinish Op = "FINISH" // one logical node completed
	OpFail   Op = "FAIL"   // a flow failed permanently
)

// Record is one journal entry. Sequence numbers are monotonic across
// rotations, so a checkpoint's last-seq marker stays meaningful even when a
// rotation never happened.
type Record struct {
	Seq      uint64 `json:"seq"`
	Op       Op     `json:"op"`
	Flow     string `json:"flow"`
	Order    int    `json:"order,omitempty"`  // FINISH: logical node order
	Source   string `json:"source,omitempty"` // SUBMIT: flow definition pathname
	Time     int64  `json:"time"`
	Checksum uint32 `json:"checksum"`
}

// Handler is applied to each record during replay.
type Handler func(Record) error

// Journal is an append-only record log backed by one file.
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	enc          *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
}

// New opens or creates the journal at path. An existing file is scanned so
// appends continue from the last sequence number.
func New(path string, syncOnAppend bool) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{
		file:         file,
		enc:          json.NewEncoder(file),
		path:         path,
		syncOnAppend: syncOnAppend,
	}

	last, err := lastSeqInFile(path)
	if err != nil {
		file.Close()
		return nil, err
	}
	j.seq = last

	return j, nil
}

func lastSeqInFile(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open journal for scan: %w", err)
	}
	defer file.Close()

	var last uint64
	dec := json.NewDecoder(file)
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		last = rec.Seq
	}
	return last, nil
}

// Append writes one record and returns its sequence number.
func (j *Journal) Append(op Op, flowName string, order int, source string) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	j.seq++
	rec := Record{
		Seq:    j.seq,
		Op:     op,
		Flow:   flowName,
		Order:  order,
		Source: source,
		Time:   time.Now().UnixMilli(),
	}
	rec.Checksum = checksum(rec)

	if err := j.enc.Encode(rec); err != nil {
		return 0, fmt.Errorf("append journal record: %w", err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return 0, fmt.Errorf("sync journal: %w", err)
		}
	}
	return j.seq, nil
}

// Replay reads the whole file, verifies each record and hands it to the
// handler in order. Replay stops at the first corruption or handler error.
func (j *Journal) Replay(handler Handler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("open journal for replay: %w", err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if got := checksum(rec); got != rec.Checksum {
			return &ChecksumError{Seq: rec.Seq, Expected: rec.Checksum, Actual: got}
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return nil
}

// Rotate moves the current file aside and starts a fresh one. Sequence
// numbers keep counting, so records written after a rotation stay ordered
// against the checkpoint's last-seq marker.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync before rotate: %w", err)
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close before rotate: %w", err)
	}

	backupPath := j.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(j.path, backupPath); err != nil {
		return fmt.Errorf("rotate journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open fresh journal: %w", err)
	}
	j.file = file
	j.enc = json.NewEncoder(file)
	return nil
}

// Close flushes and closes the file. The journal cannot be used afterwards.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	j.closed = true

	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return fmt.Errorf("sync on close: %w", err)
	}
	return j.file.Close()
}

// LastSeq returns the sequence number of the newest record. Safe on a nil
// journal, which stands for journaling disabled.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file location.
func (j *Journal) Path() string {
	return j.path
}
