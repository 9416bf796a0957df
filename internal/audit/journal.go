package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// maxLineSize bounds a single journal line on read-back. Longer lines are
// skipped like any other malformed line.
const maxLineSize = 10 * 1024 * 1024

// readLines calls fn with every non-empty line of r, without its line
// ending. Lines longer than maxLineSize are passed over and counted in
// skipped. The slice given to fn is only valid until fn returns.
func readLines(r io.Reader, fn func(line []byte)) (skipped int, err error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		buf      []byte
		oversize bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if !oversize {
				buf = append(buf, chunk...)
				if len(buf) > maxLineSize {
					oversize = true
					buf = nil
				}
			}
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return skipped, err
		}

		if oversize {
			skipped++
		} else {
			buf = append(buf, chunk...)
			line := bytes.TrimSuffix(bytes.TrimSuffix(buf, []byte("\n")), []byte("\r"))
			switch {
			case len(line) > maxLineSize:
				skipped++
			case len(line) > 0:
				fn(line)
			}
		}
		buf = buf[:0]
		oversize = false

		if err != nil {
			return skipped, nil
		}
	}
}

// Journal is an append-only JSON-lines file. Every Append is written with a
// single write(2) on an O_APPEND descriptor and fsynced before returning.
// Create one with OpenJournal; do not copy after first use.
type Journal struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	lines int64
}

// OpenJournal opens (or creates) the journal at path. Existing lines are
// counted so Len is accurate across restarts; malformed lines are counted
// too, since they occupy the file, but are skipped on read-back.
func OpenJournal(path string) (*Journal, error) {
	var lines int64
	if f, err := os.Open(path); err == nil {
		skipped, err := readLines(f, func([]byte) { lines++ })
		lines += int64(skipped)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("audit: scanning existing journal %q: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}

	return &Journal{path: path, file: f, lines: lines}, nil
}

// Append marshals v as one JSON line and makes it durable before returning.
func (j *Journal) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("audit: append to closed journal %q", j.path)
	}
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("audit: write record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync %q: %w", j.path, err)
	}
	j.lines++
	return nil
}

// Len returns the number of non-empty lines in the journal.
func (j *Journal) Len() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lines
}

// Tail returns up to limit of the most recent lines accepted by keep, oldest
// first. Lines keep rejects are skipped, so a corrupt line never hides a good
// one. A nil keep accepts any syntactically valid JSON. A missing file or a
// non-positive limit yields an empty result.
func (j *Journal) Tail(limit int, keep func(line []byte) bool) ([]json.RawMessage, error) {
	if limit <= 0 {
		return []json.RawMessage{}, nil
	}
	if keep == nil {
		keep = json.Valid
	}

	// Held so a concurrent Append is never observed half-written.
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("audit: open %q: %w", j.path, err)
	}
	defer f.Close()

	ring := make([]json.RawMessage, limit)
	var n int
	_, err = readLines(f, func(line []byte) {
		if !keep(line) {
			return
		}
		ring[n%limit] = append(json.RawMessage(nil), line...)
		n++
	})
	if err != nil {
		return nil, fmt.Errorf("audit: scan %q: %w", j.path, err)
	}

	if n <= limit {
		return ring[:n], nil
	}
	out := make([]json.RawMessage, 0, limit)
	start := n % limit
	out = append(out, ring[start:]...)
	out = append(out, ring[:start]...)
	return out, nil
}

// Close fsyncs and closes the underlying file. It is safe to call twice.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	f := j.file
	j.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return f.Close()
}
