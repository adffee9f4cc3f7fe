// Package devlog assembles the storage codec, the ingestion pipeline and the
// upload scheduler into one object the host application creates at startup
// and passes to its producers.
package devlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/devicelog/internal/codec"
	"github.com/wolfeidau/devicelog/internal/config"
	"github.com/wolfeidau/devicelog/internal/ingest"
	"github.com/wolfeidau/devicelog/internal/upload"
)

// Log types used by the host application.
const (
	TypeRoutine   = 101
	TypeException = 102
)

// RangeLayout is the layout of the times accepted by FastUpRange.
const RangeLayout = "200601021504"

// ErrInvalidRange is returned by FastUpRange for unparsable or reversed times.
var ErrInvalidRange = errors.New("invalid time range")

var stackCleaner = strings.NewReplacer("\r", "", "\t", "")

// Option configures a DevLog.
type Option func(*options)

type options struct {
	now       func() time.Time
	codecOpts []codec.Option
	pipeOpts  []ingest.Option
}

// WithClock overrides the clock used for upload windows and entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithCodecOptions passes options through to the storage codec.
func WithCodecOptions(opts ...codec.Option) Option {
	return func(o *options) {
		o.codecOpts = append(o.codecOpts, opts...)
	}
}

// WithPipelineOptions passes options through to the ingestion pipeline.
func WithPipelineOptions(opts ...ingest.Option) Option {
	return func(o *options) {
		o.pipeOpts = append(o.pipeOpts, opts...)
	}
}

// DevLog is the log pipeline of one process.
type DevLog struct {
	now       func() time.Time
	codec     *codec.Codec
	pipeline  *ingest.Pipeline
	scheduler *upload.Scheduler

	regularMu sync.Mutex
	regular   *regularJob
}

// New creates the pipeline for cfg and starts its storage worker. Storage is
// initialized by the worker; an invalid cfg leaves writes queued, see
// ingest.Pipeline. cfg.Debug lowers the process logger to debug level.
func New(cfg config.Config, transport upload.Transport, device upload.DeviceInfo, opts ...Option) *DevLog {
	o := &options{
		now: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if cfg.Debug && log.Logger.GetLevel() > zerolog.DebugLevel {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	store := codec.New(cfg, append([]codec.Option{codec.WithClock(o.now)}, o.codecOpts...)...)

	return &DevLog{
		now:       o.now,
		codec:     store,
		pipeline:  ingest.New(store, append([]ingest.Option{ingest.WithClock(o.now)}, o.pipeOpts...)...),
		scheduler: upload.NewScheduler(store, transport, device),
	}
}

// Write records content under typ. Empty content is ignored.
func (d *DevLog) Write(typ int, content string) {
	d.pipeline.Write(content, typ)
}

// WriteContext is Write attributing the entry to the thread name carried by ctx.
func (d *DevLog) WriteContext(ctx context.Context, typ int, content string) {
	d.pipeline.WriteContext(ctx, content, typ)
}

// Error records content followed, on the next line, by the detailed text of
// err with carriage returns and tabs removed.
func (d *DevLog) Error(typ int, content string, err error) {
	if err != nil {
		content = content + "\n" + stackCleaner.Replace(fmt.Sprintf("%+v", err))
	}
	d.pipeline.Write(content, typ)
}

// Flush asks the worker to move buffered records into their day files.
func (d *DevLog) Flush() {
	d.pipeline.Flush()
}

// Pending returns the number of writes and flushes not yet applied.
func (d *DevLog) Pending() int {
	return d.pipeline.Pending()
}

// Quit stops periodic uploads and the storage worker, see ingest.Pipeline.Quit.
// Upload tasks already running are left to finish.
func (d *DevLog) Quit(ctx context.Context, flushFirst bool) error {
	d.StopRegular()
	return d.pipeline.Quit(ctx, flushFirst)
}

// Up starts an upload task, see upload.Scheduler.Up.
func (d *DevLog) Up(types []int, forceFile bool, beginTime, endTime int64) int64 {
	return d.scheduler.Up(types, forceFile, beginTime, endTime)
}

// FastUp uploads every log of the last recentDays days.
func (d *DevLog) FastUp(recentDays int) int64 {
	now := d.now().UnixMilli()
	return d.scheduler.Up(nil, false, now-int64(recentDays)*config.Day, now)
}

// FastUpRange uploads the logs of the given types between two local times
// formatted as yyyyMMddHHmm.
func (d *DevLog) FastUpRange(types []int, beginTime, endTime string) (int64, error) {
	begin, err := time.ParseInLocation(RangeLayout, beginTime, time.Local)
	if err != nil {
		return -1, fmt.Errorf("%w: begin: %w", ErrInvalidRange, err)
	}

	end, err := time.ParseInLocation(RangeLayout, endTime, time.Local)
	if err != nil {
		return -1, fmt.Errorf("%w: end: %w", ErrInvalidRange, err)
	}

	if end.Before(begin) {
		return -1, fmt.Errorf("%w: end %s is before begin %s", ErrInvalidRange, endTime, beginTime)
	}

	return d.scheduler.Up(types, false, begin.UnixMilli(), end.UnixMilli()), nil
}

// StopUp cancels one upload task; a negative id cancels all of them.
func (d *DevLog) StopUp(id int64) {
	d.scheduler.Stop(id)
}

// StopAllUp cancels periodic uploads and every running upload task.
func (d *DevLog) StopAllUp() {
	d.StopRegular()
	d.scheduler.Stop(-1)
}

// Task returns the handle of a registered upload task.
func (d *DevLog) Task(id int64) *upload.Task {
	return d.scheduler.Task(id)
}

// WaitUploads blocks until running upload tasks finish or ctx ends.
func (d *DevLog) WaitUploads(ctx context.Context) error {
	return d.scheduler.Wait(ctx)
}

// Files lists the stored day files covering [beginTime, endTime].
func (d *DevLog) Files(beginTime, endTime int64) ([]string, error) {
	return d.codec.FilterFiles(beginTime, endTime)
}
