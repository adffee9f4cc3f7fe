// Package upload runs cancellable background uploads of stored log records.
//
// Each call to Up starts one task. Short time ranges are decoded, filtered and
// sent as a single inline batch; long ranges, or any range when forced, are
// sent as the stored files themselves.
package upload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfeidau/devicelog/internal/codec"
	"github.com/wolfeidau/devicelog/internal/config"
	"github.com/wolfeidau/devicelog/internal/telemetry"
)

// firstTaskID is the id given to the first task of a process.
const firstTaskID = 1000

// Strategy is how a task delivers its records.
type Strategy int

const (
	StrategyInline Strategy = iota + 1
	StrategyFile
)

func (s Strategy) String() string {
	switch s {
	case StrategyInline:
		return "inline"
	case StrategyFile:
		return "file"
	default:
		return "unknown"
	}
}

// ChooseStrategy picks file upload when forced or when the range spans a full
// day or more, and inline upload otherwise.
func ChooseStrategy(forceFile bool, beginTime, endTime int64) Strategy {
	if forceFile || endTime-beginTime >= config.Day {
		return StrategyFile
	}
	return StrategyInline
}

// Scheduler starts and tracks upload tasks.
type Scheduler struct {
	files     Files
	transport Transport
	device    DeviceInfo
	metrics   *telemetry.Metrics

	lastID atomic.Int64

	mu       sync.Mutex
	tasks    map[int64]*Task
	inflight map[int64]*Task
}

// NewScheduler creates a scheduler reading from files and sending with transport.
func NewScheduler(files Files, transport Transport, device DeviceInfo) *Scheduler {
	s := &Scheduler{
		files:     files,
		transport: transport,
		device:    device,
		metrics:   telemetry.GetMetrics(),
		tasks:     make(map[int64]*Task),
		inflight:  make(map[int64]*Task),
	}
	s.lastID.Store(firstTaskID - 1)
	return s
}

// Up starts an upload of the records of the given types timestamped within
// [beginTime, endTime] and returns the new task id. An empty types means every
// type. It never blocks on the upload itself.
func (s *Scheduler) Up(types []int, forceFile bool, beginTime, endTime int64) int64 {
	return s.Start(types, forceFile, beginTime, endTime).ID()
}

// Start is Up returning the task handle.
func (s *Scheduler) Start(types []int, forceFile bool, beginTime, endTime int64) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	task := newTask(s.lastID.Add(1), cancel)

	s.mu.Lock()
	s.housekeepLocked()
	s.tasks[task.id] = task
	s.inflight[task.id] = task
	s.mu.Unlock()

	req := request{
		types:     slices.Clone(types),
		forceFile: forceFile,
		beginTime: beginTime,
		endTime:   endTime,
	}

	s.metrics.UploadTasksStartedTotal.Add(ctx, 1)

	go func() {
		s.run(ctx, task, req)

		s.mu.Lock()
		delete(s.inflight, task.id)
		s.mu.Unlock()
	}()

	return task
}

// Stop cancels the task with id if it is still active. A negative id cancels
// every active task.
func (s *Scheduler) Stop(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.housekeepLocked()

	if id < 0 {
		for tid, task := range s.tasks {
			task.cancel()
			delete(s.tasks, tid)
		}
		return
	}

	if task, ok := s.tasks[id]; ok {
		task.cancel()
		delete(s.tasks, id)
	}
}

// Task returns the registered task with id, or nil once it has been cleared
// from the registry.
func (s *Scheduler) Task(id int64) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

// Wait blocks until every task started before the call has finished or ctx
// ends. Tasks started while it waits are not waited for.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]*Task, 0, len(s.inflight))
	for _, task := range s.inflight {
		pending = append(pending, task)
	}
	s.mu.Unlock()

	for _, task := range pending {
		select {
		case <-task.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// housekeepLocked drops finished tasks from the registry.
func (s *Scheduler) housekeepLocked() {
	for id, task := range s.tasks {
		if !task.Active() {
			delete(s.tasks, id)
		}
	}
}

type request struct {
	types     []int
	forceFile bool
	beginTime int64
	endTime   int64
}

func (r request) wants(rec codec.Record) bool {
	if rec.Time < r.beginTime || rec.Time > r.endTime {
		return false
	}
	return len(r.types) == 0 || slices.Contains(r.types, rec.Type)
}

// run executes a task and records its outcome.
func (s *Scheduler) run(ctx context.Context, task *Task, req request) {
	start := time.Now()
	strategy := ChooseStrategy(req.forceFile, req.beginTime, req.endTime)

	ctx, span := telemetry.Tracer().Start(ctx, "upload.task",
		trace.WithAttributes(
			attribute.Int64("upload.task_id", task.id),
			attribute.String("upload.strategy", strategy.String()),
			attribute.Int64("upload.begin_time", req.beginTime),
			attribute.Int64("upload.end_time", req.endTime),
		),
	)
	defer span.End()

	log.Debug().
		Int64("task_id", task.id).
		Str("strategy", strategy.String()).
		Int64("begin_time", req.beginTime).
		Int64("end_time", req.endTime).
		Msg("Upload task started")

	var err error
	if strategy == StrategyFile {
		err = s.uploadFiles(ctx, task, req)
	} else {
		err = s.uploadInline(ctx, task, req)
	}

	status := StatusCompleted
	switch {
	case err == nil:
	case ctx.Err() != nil:
		status = StatusCancelled
		err = ctx.Err()
	default:
		status = StatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	task.finish(status, err)

	attrs := metric.WithAttributes(
		attribute.String("status", status.String()),
		attribute.String("strategy", strategy.String()),
	)
	s.metrics.UploadTasksFinishedTotal.Add(context.Background(), 1, attrs)
	s.metrics.UploadDuration.Record(context.Background(), float64(time.Since(start).Milliseconds()), attrs)

	ev := log.Info()
	if status == StatusFailed {
		ev = log.Error().Err(err)
	}
	ev.Int64("task_id", task.id).
		Str("status", status.String()).
		Str("strategy", strategy.String()).
		Dur("duration", time.Since(start)).
		Msg("Upload task finished")
}

// uploadFiles sends every stored file in the day range of the request.
func (s *Scheduler) uploadFiles(ctx context.Context, task *Task, req request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	paths, err := s.files.FilterFiles(req.beginTime, req.endTime)
	if err != nil {
		return fmt.Errorf("failed to list log files: %w", err)
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := s.files.ReadRaw(path)
		if err != nil {
			// removed by retention since it was listed
			log.Warn().Err(err).Int64("task_id", task.id).Str("path", path).Msg("Skipping unreadable log file")
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		name := filepath.Base(path)
		file := LogFile{
			Name: name,
			Date: codec.FileDate(name),
			Data: data,
		}

		if err := s.transport.UploadFile(ctx, s.device, file); err != nil {
			return fmt.Errorf("%w: upload file %s: %w", ErrTransport, name, err)
		}

		s.metrics.UploadFilesTotal.Add(ctx, 1)
		s.metrics.UploadBytesTotal.Add(ctx, int64(len(data)))

		log.Debug().
			Int64("task_id", task.id).
			Str("file", name).
			Str("file_date", file.Date).
			Int("bytes", len(data)).
			Msg("Uploaded log file")
	}

	return nil
}

// uploadInline decodes the day range, keeps the matching records and sends
// them as one batch followed by an acknowledgement.
func (s *Scheduler) uploadInline(ctx context.Context, task *Task, req request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	paths, err := s.files.FilterFiles(req.beginTime, req.endTime)
	if err != nil {
		return fmt.Errorf("failed to list log files: %w", err)
	}

	var (
		kept    []codec.Record
		skipped int
	)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}

		records, bad, err := s.files.ReadFile(ctx, path)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Warn().Err(err).Int64("task_id", task.id).Str("path", path).Msg("Skipping unreadable log file")
			continue
		}
		skipped += bad

		for _, rec := range records {
			if req.wants(rec) {
				kept = append(kept, rec)
			}
		}
	}

	if skipped > 0 {
		log.Warn().Int64("task_id", task.id).Int("skipped", skipped).Msg("Skipped corrupt log records")
	}

	if len(kept) == 0 {
		log.Debug().Int64("task_id", task.id).Msg("No records in range, nothing to upload")
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.transport.UploadBatch(ctx, s.device, kept); err != nil {
		return fmt.Errorf("%w: upload batch: %w", ErrTransport, err)
	}
	s.metrics.UploadRecordsTotal.Add(ctx, int64(len(kept)))

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.transport.AcknowledgeUploadComplete(ctx, s.device.DeviceSerial); err != nil {
		return fmt.Errorf("%w: acknowledge upload: %w", ErrTransport, err)
	}

	return nil
}
