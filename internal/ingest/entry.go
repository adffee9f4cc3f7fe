package ingest

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/wolfeidau/devicelog/internal/codec"
)

type threadNameKey struct{}

// WithThreadName labels log entries written with ctx. Without a label the
// entry is attributed to the writing goroutine.
func WithThreadName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, threadNameKey{}, name)
}

// LogEntry is one captured unit of log data. It is immutable once constructed.
type LogEntry struct {
	content    string
	typ        int
	timestamp  int64
	threadID   int64
	threadName string
	mainThread bool
}

// NewLogEntry snapshots content together with the calling goroutine's identity.
func NewLogEntry(ctx context.Context, content string, typ int, at time.Time) LogEntry {
	gid := goroutineID()

	name, _ := ctx.Value(threadNameKey{}).(string)
	if name == "" {
		if gid == 1 {
			name = "main"
		} else {
			name = "goroutine-" + strconv.FormatInt(gid, 10)
		}
	}

	return LogEntry{
		content:    content,
		typ:        typ,
		timestamp:  at.UnixMilli(),
		threadID:   gid,
		threadName: name,
		mainThread: gid == 1,
	}
}

func (e LogEntry) Content() string    { return e.content }
func (e LogEntry) Type() int          { return e.typ }
func (e LogEntry) Timestamp() int64   { return e.timestamp }
func (e LogEntry) ThreadID() int64    { return e.threadID }
func (e LogEntry) ThreadName() string { return e.threadName }
func (e LogEntry) MainThread() bool   { return e.mainThread }

// Record converts the entry to its persisted line record.
func (e LogEntry) Record() codec.Record {
	return codec.Record{
		Content:    e.content,
		Type:       e.typ,
		Time:       e.timestamp,
		ThreadName: e.threadName,
		ThreadID:   e.threadID,
		MainThread: e.mainThread,
	}
}

// goroutineID parses the current goroutine id from the stack header
// "goroutine 123 [running]:". It returns 0 if the header is not recognised.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}

	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
