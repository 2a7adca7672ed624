// Package checkpoint persists a resumable execution ledger so a restarted
// run skips completed work deterministically.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// IOError signals lost checkpoint integrity. It is fatal: the run must
// abort, since resumability can no longer be guaranteed.
type IOError struct {
	Op    string
	Path  string
	Cause error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("checkpoint: %s %s: %v", e.Op, e.Path, e.Cause)
}

func (e *IOError) Unwrap() error { return e.Cause }

// record is one ledger entry, keyed by operation id.
type record struct {
	Complete    bool            `json:"complete"`
	Result      json.RawMessage `json:"result,omitempty"`
	Index       int             `json:"index,omitempty"` // items fully processed so far
	Accumulator json.RawMessage `json:"accumulator,omitempty"`
}

// Store is a durable key-value ledger of completed operations and loop
// positions. Records are only marked complete after the ledger file is
// flushed; an interrupted write leaves the prior ledger intact (temp file
// plus rename).
type Store struct {
	fs     billy.Filesystem
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]*record
}

// Open loads the ledger at ledgerPath, creating an empty store when the
// file does not exist yet.
func Open(fsys billy.Filesystem, ledgerPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{
		fs:      fsys,
		path:    ledgerPath,
		logger:  logger,
		records: make(map[string]*record),
	}
	raw, err := util.ReadFile(fsys, ledgerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, &IOError{Op: "read", Path: ledgerPath, Cause: err}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.records); err != nil {
			return nil, &IOError{Op: "decode", Path: ledgerPath, Cause: err}
		}
	}
	return s, nil
}

// HasRecords reports whether any checkpoint records exist, i.e. whether a
// previous run was interrupted before completing.
func (s *Store) HasRecords() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records) > 0
}

// Clear erases all records for the run. Invoked only after the whole
// pipeline completes successfully.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*record)
	if err := s.fs.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return &IOError{Op: "remove", Path: s.path, Cause: err}
	}
	return nil
}

// flushLocked writes the ledger atomically. Callers hold s.mu.
func (s *Store) flushLocked() error {
	raw, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return &IOError{Op: "encode", Path: s.path, Cause: err}
	}
	dir := path.Dir(s.path)
	if dir != "." && dir != "/" {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return &IOError{Op: "mkdir", Path: dir, Cause: err}
		}
	}
	tmp := s.path + ".tmp"
	if err := util.WriteFile(s.fs, tmp, raw, 0o644); err != nil {
		return &IOError{Op: "write", Path: tmp, Cause: err}
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return &IOError{Op: "rename", Path: s.path, Cause: err}
	}
	return nil
}

func (s *Store) lookup(opID string) (record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[opID]
	if !ok {
		return record{}, false
	}
	return *r, true
}

func (s *Store) put(opID string, r record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[opID] = &r
	return s.flushLocked()
}

// Run executes fn under the checkpoint keyed by opID. When a completed
// record exists its stored result is returned without invoking fn. On
// success the result is durably stored before Run returns; when fn fails no
// record is written, so the operation stays retryable.
func Run[T any](s *Store, opID string, fn func() (T, error)) (T, error) {
	var zero T
	if r, ok := s.lookup(opID); ok && r.Complete {
		var stored T
		if len(r.Result) > 0 {
			if err := json.Unmarshal(r.Result, &stored); err != nil {
				return zero, &IOError{Op: "decode result", Path: opID, Cause: err}
			}
		}
		s.logger.Debug("checkpoint hit", "op", opID)
		return stored, nil
	}

	result, err := fn()
	if err != nil {
		return zero, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return zero, &IOError{Op: "encode result", Path: opID, Cause: err}
	}
	if err := s.put(opID, record{Complete: true, Result: raw}); err != nil {
		return zero, err
	}
	return result, nil
}

// Iterate runs body over items, resuming from the first unprocessed index
// recorded for opID. After each item the new index and accumulator are
// persisted before the next item starts, so a crash mid-loop never loses or
// repeats completed work. The final accumulator is returned and the record
// is marked complete.
func Iterate[T, A any](s *Store, opID string, items []T, seed A, body func(item T, acc A) (A, error)) (A, error) {
	acc := seed
	start := 0
	if r, ok := s.lookup(opID); ok {
		if r.Complete {
			if len(r.Accumulator) > 0 {
				if err := json.Unmarshal(r.Accumulator, &acc); err != nil {
					return seed, &IOError{Op: "decode accumulator", Path: opID, Cause: err}
				}
			}
			s.logger.Debug("checkpoint hit", "op", opID)
			return acc, nil
		}
		start = r.Index
		if len(r.Accumulator) > 0 {
			if err := json.Unmarshal(r.Accumulator, &acc); err != nil {
				return seed, &IOError{Op: "decode accumulator", Path: opID, Cause: err}
			}
		}
		if start > 0 {
			s.logger.Info("resuming iteration", "op", opID, "skipped", start, "total", len(items))
		}
	}

	for i := start; i < len(items); i++ {
		next, err := body(items[i], acc)
		if err != nil {
			return acc, err
		}
		acc = next
		raw, merr := json.Marshal(acc)
		if merr != nil {
			return acc, &IOError{Op: "encode accumulator", Path: opID, Cause: merr}
		}
		if err := s.put(opID, record{Index: i + 1, Accumulator: raw}); err != nil {
			return acc, err
		}
	}

	raw, err := json.Marshal(acc)
	if err != nil {
		return acc, &IOError{Op: "encode accumulator", Path: opID, Cause: err}
	}
	if err := s.put(opID, record{Complete: true, Index: len(items), Accumulator: raw}); err != nil {
		return acc, err
	}
	return acc, nil
}
