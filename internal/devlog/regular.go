package devlog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Cycle selects how often RegularUp uploads.
type Cycle int

const (
	// CycleDay uploads the previous value days as files every day at 10:00.
	CycleDay Cycle = iota + 1

	// CycleHour uploads the last value hours inline every value hours.
	// Values of 24 or more behave as CycleFixedTime at 00:00.
	CycleHour

	// CycleFixedTime uploads the previous day as files every day at hour value.
	CycleFixedTime
)

func (c Cycle) String() string {
	switch c {
	case CycleDay:
		return "day"
	case CycleHour:
		return "hour"
	case CycleFixedTime:
		return "fixed_time"
	default:
		return "unknown"
	}
}

const dailyUploadHour = 10

var (
	// ErrRegularActive is returned by RegularUp while a periodic upload is scheduled.
	ErrRegularActive = errors.New("periodic upload already scheduled")

	// ErrInvalidCycle is returned by RegularUp for an unknown cycle or out of range value.
	ErrInvalidCycle = errors.New("invalid upload cycle")
)

// schedule is a normalised periodic upload plan.
type schedule struct {
	cycle Cycle
	hours int // CycleHour period
	days  int // days covered by a daily upload
	hour  int // hour of day a daily upload fires
}

func newSchedule(cycle Cycle, value int) (schedule, error) {
	switch cycle {
	case CycleDay:
		if value < 1 {
			return schedule{}, fmt.Errorf("%w: day cycle needs at least one day, got %d", ErrInvalidCycle, value)
		}
		return schedule{cycle: CycleDay, days: value, hour: dailyUploadHour}, nil

	case CycleHour:
		if value < 1 {
			return schedule{}, fmt.Errorf("%w: hour cycle needs at least one hour, got %d", ErrInvalidCycle, value)
		}
		if value >= 24 {
			return schedule{cycle: CycleFixedTime, days: 1, hour: 0}, nil
		}
		return schedule{cycle: CycleHour, hours: value}, nil

	case CycleFixedTime:
		if value < 0 || value > 23 {
			return schedule{}, fmt.Errorf("%w: hour of day must be 0-23, got %d", ErrInvalidCycle, value)
		}
		return schedule{cycle: CycleFixedTime, days: 1, hour: value}, nil

	default:
		return schedule{}, fmt.Errorf("%w: %d", ErrInvalidCycle, cycle)
	}
}

// next returns the first firing time strictly after now.
func (s schedule) next(now time.Time) time.Time {
	y, m, d := now.Date()

	if s.cycle == CycleHour {
		return time.Date(y, m, d, now.Hour(), 0, 0, 0, now.Location()).Add(time.Duration(s.hours) * time.Hour)
	}

	at := time.Date(y, m, d, s.hour, 0, 0, 0, now.Location())
	if !at.After(now) {
		at = time.Date(y, m, d+1, s.hour, 0, 0, 0, now.Location())
	}
	return at
}

// window returns the upload range for a firing at now. Daily uploads cover the
// whole days before today and always send files; hourly uploads cover the
// last hours up to now and are left to the scheduler's strategy choice.
func (s schedule) window(now time.Time) (begin, end int64, forceFile bool) {
	y, m, d := now.Date()

	if s.cycle == CycleHour {
		from := time.Date(y, m, d, now.Hour()-s.hours, 0, 0, 0, now.Location())
		return from.UnixMilli(), now.UnixMilli(), false
	}

	from := time.Date(y, m, d-s.days, s.hour, 0, 0, 0, now.Location())
	to := time.Date(y, m, d-1, s.hour, 0, 0, 0, now.Location())
	return from.UnixMilli(), to.UnixMilli(), true
}

type regularJob struct {
	sched    schedule
	cancel   context.CancelFunc
	done     chan struct{}
	lastTask atomic.Int64
}

// RegularUp schedules a repeating upload. Only one periodic upload runs at a
// time; while one is scheduled further calls return ErrRegularActive.
func (d *DevLog) RegularUp(cycle Cycle, value int) error {
	sched, err := newSchedule(cycle, value)
	if err != nil {
		return err
	}

	d.regularMu.Lock()
	defer d.regularMu.Unlock()

	if d.regular != nil {
		return ErrRegularActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &regularJob{
		sched:  sched,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	job.lastTask.Store(-1)
	d.regular = job

	go d.runRegular(ctx, job)

	log.Info().
		Str("cycle", sched.cycle.String()).
		Int("value", value).
		Time("next_run", sched.next(d.now())).
		Msg("Periodic upload scheduled")

	return nil
}

// StopRegular cancels the periodic upload and the upload task it last started.
func (d *DevLog) StopRegular() {
	d.regularMu.Lock()
	job := d.regular
	d.regular = nil
	d.regularMu.Unlock()

	if job == nil {
		return
	}

	job.cancel()
	<-job.done

	if id := job.lastTask.Load(); id >= 0 {
		d.scheduler.Stop(id)
	}

	log.Info().Str("cycle", job.sched.cycle.String()).Msg("Periodic upload stopped")
}

func (d *DevLog) runRegular(ctx context.Context, job *regularJob) {
	defer close(job.done)

	for {
		wait := job.sched.next(d.now()).Sub(d.now())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		d.fireRegular(job)
	}
}

func (d *DevLog) fireRegular(job *regularJob) {
	begin, end, forceFile := job.sched.window(d.now())
	id := d.scheduler.Up(nil, forceFile, begin, end)
	job.lastTask.Store(id)

	log.Info().
		Int64("task_id", id).
		Str("cycle", job.sched.cycle.String()).
		Int64("begin_time", begin).
		Int64("end_time", end).
		Msg("Periodic upload started")
}
