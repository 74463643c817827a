// Package storage keeps an on-disk audit trail of relay traffic.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Frame directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

var ErrAuditClosed = errors.New("audit log is closed")

// AuditRecord is one JSON line of the audit trail.
type AuditRecord struct {
	Time      time.Time       `json:"ts"`
	Direction string          `json:"dir"`
	Method    string          `json:"method,omitempty"`
	ID        json.RawMessage `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Bytes     int             `json:"bytes"`
	// Truncated frames keep a prefix of the text and the digest of the whole.
	Truncated bool            `json:"truncated,omitempty"`
	SHA256    string          `json:"sha256,omitempty"`
	Frame     json.RawMessage `json:"frame"`
}

// AuditLog appends relay frames to a per-day JSONL file rotated by size.
// Writes are queued and never block the relay connection; when the queue is
// full the record is dropped.
type AuditLog struct {
	dir           string
	maxSizeMB     int
	maxFrameBytes int
	now           func() time.Time

	queue chan AuditRecord
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	day    string
	out    *lumberjack.Logger
	closed bool

	dropped int
}

// NewAuditLog starts the writer goroutine. Files land in dir/<yyyy-mm-dd>/relay.jsonl.
// Frames longer than maxFrameBytes are truncated; zero keeps them whole.
func NewAuditLog(dir string, queueSize, maxSizeMB, maxFrameBytes int) *AuditLog {
	if queueSize <= 0 {
		queueSize = 1024
	}
	a := &AuditLog{
		dir:           dir,
		maxSizeMB:     maxSizeMB,
		maxFrameBytes: maxFrameBytes,
		now:           time.Now,
		queue:         make(chan AuditRecord, queueSize),
		done:          make(chan struct{}),
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

// Observe records a raw relay frame. Its signature matches relay.Observer.
func (a *AuditLog) Observe(direction string, data []byte) {
	rec := AuditRecord{
		Time:      a.now().UTC(),
		Direction: direction,
		Bytes:     len(data),
		Frame:     append(json.RawMessage(nil), data...),
	}
	var head struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Event  string          `json:"event"`
		Params struct {
			Method    string `json:"method"`
			SessionID string `json:"sessionId"`
		} `json:"params"`
	}
	if json.Unmarshal(data, &head) == nil {
		rec.ID = head.ID
		rec.Method = head.Method
		if head.Event != "" {
			rec.Method = head.Event
		}
		if head.Params.Method != "" {
			rec.Method += ":" + head.Params.Method
		}
		rec.SessionID = head.Params.SessionID
	} else {
		rec.Frame, _ = json.Marshal(string(data))
	}
	if kept, cut, digest := truncateFrame(data, a.maxFrameBytes); cut {
		rec.Truncated = true
		rec.SHA256 = digest
		rec.Frame, _ = json.Marshal(string(kept))
	}
	_ = a.Write(rec)
}

// Write queues a record.
func (a *AuditLog) Write(rec AuditRecord) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrAuditClosed
	}
	select {
	case a.queue <- rec:
		return nil
	default:
		a.mu.Lock()
		a.dropped++
		n := a.dropped
		a.mu.Unlock()
		slog.Warn("audit queue full, dropping frame", "dropped_total", n)
		return errors.New("audit queue full")
	}
}

// Dropped is the number of records lost to a full queue.
func (a *AuditLog) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close flushes queued records and closes the current file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.done)
	a.wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out != nil {
		return a.out.Close()
	}
	return nil
}

func (a *AuditLog) loop() {
	defer a.wg.Done()
	for {
		select {
		case rec := <-a.queue:
			a.append(rec)
		case <-a.done:
			for {
				select {
				case rec := <-a.queue:
					a.append(rec)
				default:
					return
				}
			}
		}
	}
}

func (a *AuditLog) append(rec AuditRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		slog.Error("audit marshal failed", "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	day := rec.Time.Format("2006-01-02")
	if a.out == nil || day != a.day {
		if err := a.openDay(day); err != nil {
			slog.Error("audit open failed", "error", err, "day", day)
			return
		}
	}
	if _, err := a.out.Write(append(line, '\n')); err != nil {
		slog.Error("audit write failed", "error", err)
	}
}

func (a *AuditLog) openDay(day string) error {
	if a.out != nil {
		_ = a.out.Close()
		a.out = nil
	}
	dir := filepath.Join(a.dir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	a.out = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "relay.jsonl"),
		MaxSize:    a.maxSizeMB,
		MaxBackups: 20,
		MaxAge:     30,
	}
	a.day = day
	slog.Info("audit file opened", "file", a.out.Filename)
	return nil
}

func truncateFrame(in []byte, maxBytes int) ([]byte, bool, string) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false, ""
	}
	sum := sha256.Sum256(in)
	return in[:maxBytes], true, hex.EncodeToString(sum[:])
}
