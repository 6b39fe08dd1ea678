package persist

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mstanton/muster/internal/models"
)

// EventLog is an append-only, per-stream JSON-Lines log. Append assigns each
// event a monotonically increasing sequence within its stream.
type EventLog struct {
	dir string

	mu   sync.Mutex
	seqs map[string]int64 // last assigned sequence per stream
}

// NewEventLog creates the log directory if needed.
func NewEventLog(dir string) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}
	return &EventLog{dir: dir, seqs: make(map[string]int64)}, nil
}

func (l *EventLog) streamPath(stream string) (string, error) {
	if stream == "" || strings.ContainsAny(stream, "/\\") {
		return "", fmt.Errorf("invalid stream name: %q", stream)
	}
	return filepath.Join(l.dir, stream+".jsonl"), nil
}

// lastSeq scans the stream file for the highest sequence. Called once per
// stream per process; later appends use the in-memory counter.
func (l *EventLog) lastSeq(path string) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	var last int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev models.SessionEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue // tolerate a torn trailing line
		}
		if ev.Seq > last {
			last = ev.Seq
		}
	}
	return last, scanner.Err()
}

// Append assigns the next sequence and durably appends one line for ev.
func (l *EventLog) Append(stream string, ev *models.SessionEvent) error {
	path, err := l.streamPath(stream)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seqs[stream]; !ok {
		last, err := l.lastSeq(path)
		if err != nil {
			return fmt.Errorf("scan stream %s: %w", stream, err)
		}
		l.seqs[stream] = last
	}
	l.seqs[stream]++
	ev.Seq = l.seqs[stream]
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open stream %s: %w", stream, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append to stream %s: %w", stream, err)
	}
	return nil
}

// ReadFilter narrows a replay. Zero values mean "no constraint".
type ReadFilter struct {
	Since time.Time
	Until time.Time
	Types []models.EventType
	Limit int
}

func (f ReadFilter) match(ev *models.SessionEvent) bool {
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if ev.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Read replays a stream with optional time/type filters and a result cap.
// A missing stream yields an empty slice.
func (l *EventLog) Read(stream string, filter ReadFilter) ([]models.SessionEvent, error) {
	path, err := l.streamPath(stream)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", stream, err)
	}
	defer func() { _ = f.Close() }()

	var events []models.SessionEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev models.SessionEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if !filter.match(&ev) {
			continue
		}
		events = append(events, ev)
		if filter.Limit > 0 && len(events) >= filter.Limit {
			break
		}
	}
	return events, scanner.Err()
}

// Delete removes a stream entirely. Used when the owning session is deleted.
func (l *EventLog) Delete(stream string) error {
	path, err := l.streamPath(stream)
	if err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.seqs, stream)
	l.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete stream %s: %w", stream, err)
	}
	return nil
}

// Tail delivers events appended after the subscription was created. Already
// written events are not replayed. The channel closes when ctx is done.
// A shrunk or rotated stream is treated as "no new data": the read offset
// resets to the current end instead of failing.
func (l *EventLog) Tail(ctx context.Context, stream string) (<-chan models.SessionEvent, error) {
	path, err := l.streamPath(stream)
	if err != nil {
		return nil, err
	}

	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", l.dir, err)
	}

	out := make(chan models.SessionEvent, 64)
	go func() {
		defer close(out)
		defer func() { _ = watcher.Close() }()

		// Polling backstop for editors/filesystems that elide notify events.
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
			case <-watcher.Errors:
			case <-ticker.C:
			}
			offset = l.drain(ctx, path, offset, out)
		}
	}()
	return out, nil
}

// drain reads complete lines between offset and EOF, sending decoded events.
// Returns the new offset.
func (l *EventLog) drain(ctx context.Context, path string, offset int64, out chan<- models.SessionEvent) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return offset
	}
	size := info.Size()
	if size < offset {
		// Truncated or rotated underneath us; resync to the new end.
		return size
	}
	if size == offset {
		return offset
	}

	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}
	buf := make([]byte, size-offset)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return offset
	}
	buf = buf[:n]

	// Only consume up to the last newline; a torn final line stays pending.
	cut := bytes.LastIndexByte(buf, '\n')
	if cut < 0 {
		return offset
	}
	for _, line := range bytes.Split(buf[:cut], []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var ev models.SessionEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return offset
		}
	}
	return offset + int64(cut) + 1
}
