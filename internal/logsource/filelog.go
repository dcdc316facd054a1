// Package logsource provides a reference LogSource implementation that
// tails an append-only JSON-lines file, for use by cmd/segctl and
// tests that don't have a real write-ahead log service to talk to.
package logsource

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/chroma-core/vectorsegment/internal/segment"
)

// wireRecord is the on-the-wire JSON shape of a log record (§6):
// {log_offset, id, operation, embedding?, metadata?, document?}.
type wireRecord struct {
	LogOffset uint64    `json:"log_offset"`
	Id        string    `json:"id"`
	Operation string    `json:"operation"`
	Embedding []float32 `json:"embedding,omitempty"`
	Metadata  []byte    `json:"metadata,omitempty"`
	Document  []byte    `json:"document,omitempty"`
}

func parseOperation(s string) (segment.Operation, error) {
	switch s {
	case "ADD":
		return segment.OpAdd, nil
	case "UPDATE":
		return segment.OpUpdate, nil
	case "UPSERT":
		return segment.OpUpsert, nil
	case "DELETE":
		return segment.OpDelete, nil
	default:
		return 0, fmt.Errorf("unknown operation %q", s)
	}
}

// FileLogSource implements segment.LogSource by reading a JSON-lines
// file and watching it for appends with fsnotify, debouncing rapid
// writes the same way the teacher's watcher package debounces file
// events before re-scanning.
type FileLogSource struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	records []segment.Record
	offset  int64 // byte offset already consumed from the file

	watcher  *fsnotify.Watcher
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}
}

// Open creates a FileLogSource over path, reading any existing content
// and starting an fsnotify watch for subsequent appends.
func Open(path string, log *slog.Logger) (*FileLogSource, error) {
	if log == nil {
		log = slog.Default()
	}
	f := &FileLogSource{
		path:     path,
		log:      log,
		debounce: 50 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}
	if err := f.readNew(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch log file: %w", err)
	}
	f.watcher = watcher

	go f.watchLoop()
	return f, nil
}

func (f *FileLogSource) watchLoop() {
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				f.scheduleRead()
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("log source watch error", "error", err)
		case <-f.stopCh:
			return
		}
	}
}

func (f *FileLogSource) scheduleRead() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.debounce, func() {
		if err := f.readNew(); err != nil {
			f.log.Warn("failed to read appended log records", "error", err)
		}
	})
}

// readNew reads any bytes appended since the last read and decodes
// whole JSON lines from them.
func (f *FileLogSource) readNew() error {
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	f.mu.Lock()
	startOffset := f.offset
	f.mu.Unlock()

	if _, err := file.Seek(startOffset, 0); err != nil {
		return err
	}

	var newRecords []segment.Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var consumed int64
	for scanner.Scan() {
		line := scanner.Bytes()
		consumed += int64(len(line)) + 1 // + newline
		if len(line) == 0 {
			continue
		}
		var wr wireRecord
		if err := json.Unmarshal(line, &wr); err != nil {
			f.log.Warn("skipping malformed log line", "error", err)
			continue
		}
		op, err := parseOperation(wr.Operation)
		if err != nil {
			f.log.Warn("skipping log line with unknown operation", "error", err)
			continue
		}
		newRecords = append(newRecords, segment.Record{
			LogOffset: wr.LogOffset,
			Id:        wr.Id,
			Operation: op,
			Embedding: wr.Embedding,
			Metadata:  wr.Metadata,
			Document:  wr.Document,
		})
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	f.offset = startOffset + consumed
	f.records = append(f.records, newRecords...)
	sort.Slice(f.records, func(i, j int) bool { return f.records[i].LogOffset < f.records[j].LogOffset })
	f.mu.Unlock()
	return nil
}

// Pull implements segment.LogSource: it returns up to maxRecords
// records with LogOffset > fromOffset, from the in-memory tail.
func (f *FileLogSource) Pull(ctx context.Context, fromOffset uint64, maxRecords int) ([]segment.Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	start := sort.Search(len(f.records), func(i int) bool { return f.records[i].LogOffset > fromOffset })
	end := start + maxRecords
	if end > len(f.records) {
		end = len(f.records)
	}
	if start >= end {
		return nil, nil
	}
	out := make([]segment.Record, end-start)
	copy(out, f.records[start:end])
	return out, nil
}

// Append writes one record to the end of the log file as a JSON line,
// assigning it a fresh UUID id when id is empty (the segment itself
// never generates ids, so a standalone writer needs its own scheme).
// offset must be greater than every offset already in the file; callers
// driving a real append-only log typically track this externally.
func Append(path string, offset uint64, id string, op segment.Operation, embedding []float32) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	wr := wireRecord{
		LogOffset: offset,
		Id:        id,
		Operation: op.String(),
		Embedding: embedding,
	}
	line, err := json.Marshal(wr)
	if err != nil {
		return "", fmt.Errorf("encode log record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open log file for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("append log record: %w", err)
	}
	return id, nil
}

// Close stops the fsnotify watch.
func (f *FileLogSource) Close() error {
	close(f.stopCh)
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}
