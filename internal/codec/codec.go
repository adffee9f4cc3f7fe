// Package codec stores log records in encrypted, size-rotated, day-keyed
// append-only files.
//
// Appended records first land in a buffer file under the cache path. Flush
// moves them into the file for the record's local day, so records survive a
// crash between append and flush and are recovered at the next Init.
package codec

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/devicelog/internal/config"
)

var (
	// ErrNotInitialized is returned by writes before a successful Init.
	ErrNotInitialized = errors.New("codec not initialized")

	// ErrInsufficientSpace is returned when the log volume is below the free space threshold.
	ErrInsufficientSpace = errors.New("insufficient free space")

	// ErrCorruptRecord is returned for a persisted record that cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("codec closed")
)

const (
	cacheFileName = "devlog.cache"

	// cacheDrainThreshold is the buffered size that triggers a drain without an explicit flush.
	cacheDrainThreshold = 64 * 1024
)

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the clock used for retention.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// WithFreeSpace overrides how free space on the log volume is measured.
func WithFreeSpace(fn func(path string) (uint64, error)) Option {
	return func(c *Codec) {
		c.freeSpace = fn
	}
}

// Codec is the storage mutator. Init, Append, Flush and Close must be called
// from a single goroutine; FilterFiles and ReadFile are safe from any goroutine.
type Codec struct {
	cfg       config.Config
	now       func() time.Time
	freeSpace func(path string) (uint64, error)

	mu          sync.Mutex
	initialized atomic.Bool
	closed      bool
	cipher      *recordCipher
	cache       *os.File
	cacheSize   int64
	tails       map[int64]*tail
}

// tail tracks the newest file of a day.
type tail struct {
	index int
	size  int64
}

// New creates a codec for cfg. Nothing touches the disk until Init.
func New(cfg config.Config, opts ...Option) *Codec {
	c := &Codec{
		cfg:       cfg.WithDefaults(),
		now:       time.Now,
		freeSpace: availableBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir returns the directory holding the day files.
func (c *Codec) Dir() string {
	return c.cfg.LogDirPath
}

// Initialized reports whether Init has succeeded.
func (c *Codec) Initialized() bool {
	return c.initialized.Load()
}

// Init prepares the directories and the cache buffer. The first successful
// call wins; later calls return nil without doing anything. Records left in
// the cache buffer by a previous process are moved into day files.
func (c *Codec) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized.Load() {
		return nil
	}
	if c.closed {
		return ErrClosed
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	rc, err := newRecordCipher(c.cfg.EncryptKey, c.cfg.EncryptIV)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(c.cfg.LogDirPath, 0o700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := os.MkdirAll(c.cfg.CachePath, 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	cache, size, err := openCache(filepath.Join(c.cfg.CachePath, cacheFileName))
	if err != nil {
		return err
	}

	c.cipher = rc
	c.cache = cache
	c.cacheSize = size - headerSize
	c.tails = make(map[int64]*tail)
	c.initialized.Store(true)

	if c.cacheSize > 0 {
		log.Info().
			Int64("buffered_bytes", c.cacheSize).
			Msg("Recovering buffered log records")
		if err := c.drainLocked(); err != nil {
			log.Error().Err(err).Msg("Failed to recover buffered log records")
		}
	}

	if err := pruneExpired(c.cfg.LogDirPath, c.cfg.RetentionDays, c.now()); err != nil {
		log.Warn().Err(err).Msg("Log retention cleanup failed")
	}
	// recovery may have filled tails for files pruning just removed
	clear(c.tails)

	log.Info().
		Str("log_dir", c.cfg.LogDirPath).
		Str("cache_path", c.cfg.CachePath).
		Int64("max_file_bytes", c.cfg.MaxFileBytes).
		Int("retention_days", c.cfg.RetentionDays).
		Msg("Log storage initialized")

	return nil
}

// openCache opens or creates the cache buffer, resetting it when its header
// is missing or damaged.
func openCache(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open cache buffer: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat cache buffer: %w", err)
	}

	if info.Size() >= headerSize {
		if err := readHeader(io.NewSectionReader(f, 0, headerSize)); err == nil {
			return f, info.Size(), nil
		}
		log.Warn().Str("path", path).Msg("Cache buffer header invalid, resetting")
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to reset cache buffer: %w", err)
	}
	if _, err := f.WriteAt(header(), 0); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to write cache header: %w", err)
	}

	return f, headerSize, nil
}

// Append encrypts rec and adds it to the cache buffer. The record is skipped
// with ErrInsufficientSpace unless the log volume has more than MinFreeBytes free.
func (c *Codec) Append(rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized.Load() {
		return ErrNotInitialized
	}

	avail, err := c.freeSpace(c.cfg.LogDirPath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to measure free space, writing anyway")
	} else if avail <= uint64(c.cfg.MinFreeBytes) {
		return fmt.Errorf("%w: %d bytes available, more than %d required", ErrInsufficientSpace, avail, c.cfg.MinFreeBytes)
	}

	payload, err := marshalRecord(rec)
	if err != nil {
		return err
	}

	raw := buildFrame(rec.Time, c.cipher.encrypt(payload))
	if len(raw) > maxFrameLength {
		return fmt.Errorf("record of %d bytes exceeds maximum frame size", len(raw))
	}

	n, err := c.cache.WriteAt(raw, headerSize+c.cacheSize)
	if err != nil {
		return fmt.Errorf("failed to write cache buffer: %w", err)
	}
	c.cacheSize += int64(n)

	if c.cacheSize >= cacheDrainThreshold {
		return c.drainLocked()
	}

	return nil
}

// Flush moves buffered records into their day files and syncs them.
func (c *Codec) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized.Load() {
		return ErrNotInitialized
	}

	return c.drainLocked()
}

// Close releases the cache buffer without draining it.
func (c *Codec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if !c.initialized.Load() {
		return nil
	}
	c.initialized.Store(false)

	if err := c.cache.Close(); err != nil {
		return fmt.Errorf("failed to close cache buffer: %w", err)
	}

	log.Debug().Int64("buffered_bytes", c.cacheSize).Msg("Log storage closed")

	return nil
}

// drainLocked copies every buffered frame to the file for its day, syncs the
// touched files and empties the buffer. On a write failure the remaining
// buffered records are discarded so they are not duplicated by a later drain.
func (c *Codec) drainLocked() error {
	if c.cacheSize == 0 {
		return nil
	}

	open := make(map[int64]*os.File)
	defer func() {
		for _, f := range open {
			f.Close()
		}
	}()

	r := bufio.NewReader(io.NewSectionReader(c.cache, headerSize, c.cacheSize))

	var (
		moved    int
		skipped  int
		drainErr error
	)

	for {
		fr, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, ErrCorruptRecord) {
			skipped++
			log.Warn().Err(err).Msg("Skipping corrupt buffered record")
			continue
		}
		if err != nil {
			skipped++
			log.Warn().Err(err).Msg("Cache buffer ends with an incomplete record")
			break
		}

		day := DayKey(fr.timestamp)
		f, err := c.targetLocked(day, int64(len(fr.raw)), open)
		if err != nil {
			drainErr = err
			break
		}

		n, err := f.Write(fr.raw)
		c.tails[day].size += int64(n)
		if err != nil {
			drainErr = fmt.Errorf("failed to write record: %w", err)
			break
		}
		moved++
	}

	for day, f := range open {
		if err := f.Sync(); err != nil && drainErr == nil {
			drainErr = fmt.Errorf("failed to fsync log file for day %d: %w", day, err)
		}
	}

	if err := c.cache.Truncate(headerSize); err != nil {
		return errors.Join(drainErr, fmt.Errorf("failed to reset cache buffer: %w", err))
	}
	c.cacheSize = 0

	log.Debug().
		Int("moved", moved).
		Int("skipped", skipped).
		Msg("Drained cache buffer")

	return drainErr
}

// targetLocked returns the open file new frames of day should be written to,
// rotating to a continuation file when the frame would push it past MaxFileBytes.
func (c *Codec) targetLocked(day, need int64, open map[int64]*os.File) (*os.File, error) {
	t, ok := c.tails[day]
	if !ok {
		var err error
		if t, err = c.scanTail(day); err != nil {
			return nil, err
		}
		c.tails[day] = t
	}

	f := open[day]
	rotated := false

	if t.size > headerSize && t.size+need > c.cfg.MaxFileBytes {
		if f != nil {
			if err := f.Sync(); err != nil {
				return nil, fmt.Errorf("failed to fsync rotated file: %w", err)
			}
			f.Close()
			delete(open, day)
			f = nil
		}
		t.index++
		t.size = 0
		rotated = true
	}

	if f == nil {
		path := filepath.Join(c.cfg.LogDirPath, fileName(day, t.index))

		var err error
		if t.size < headerSize {
			f, t.size, err = createFile(path)
		} else {
			f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				err = fmt.Errorf("failed to open log file: %w", err)
			}
		}
		if err != nil {
			return nil, err
		}
		open[day] = f
	}

	if rotated {
		log.Info().
			Int64("day", day).
			Int("index", t.index).
			Msg("Rotated log file")

		if err := pruneExpired(c.cfg.LogDirPath, c.cfg.RetentionDays, c.now()); err != nil {
			log.Warn().Err(err).Msg("Log retention cleanup failed")
		}

		// pruning may have removed files behind other tails; rescan them on next use
		for d := range c.tails {
			if _, isOpen := open[d]; !isOpen && d != day {
				delete(c.tails, d)
			}
		}
	}

	return f, nil
}

// scanTail finds the newest existing file for day.
func (c *Codec) scanTail(day int64) (*tail, error) {
	entries, err := os.ReadDir(c.cfg.LogDirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	t := &tail{}
	found := false
	for _, entry := range entries {
		d, index, ok := parseFileName(entry.Name())
		if !ok || d != day || (found && index < t.index) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		t.index = index
		t.size = info.Size()
		found = true
	}

	return t, nil
}

// FilterFiles returns the day files whose day key lies in [beginDay, endDay],
// ordered by day and continuation index. Both bounds are truncated to local midnight.
func (c *Codec) FilterFiles(beginDay, endDay int64) ([]string, error) {
	beginDay, endDay = DayKey(beginDay), DayKey(endDay)

	entries, err := os.ReadDir(c.cfg.LogDirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	type candidate struct {
		day   int64
		index int
		name  string
	}

	var found []candidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		day, index, ok := parseFileName(entry.Name())
		if !ok || day < beginDay || day > endDay {
			continue
		}
		found = append(found, candidate{day: day, index: index, name: entry.Name()})
	}

	slices.SortFunc(found, func(a, b candidate) int {
		if n := cmp.Compare(a.day, b.day); n != 0 {
			return n
		}
		return cmp.Compare(a.index, b.index)
	})

	paths := make([]string, 0, len(found))
	for _, f := range found {
		paths = append(paths, filepath.Join(c.cfg.LogDirPath, f.name))
	}

	return paths, nil
}

// ReadFile opens path independently of the writer and decodes every record in
// it. Corrupt records are skipped and counted. ctx is checked between records.
func (c *Codec) ReadFile(ctx context.Context, path string) ([]Record, int, error) {
	rc, err := newRecordCipher(c.cfg.EncryptKey, c.cfg.EncryptIV)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if err := readHeader(r); err != nil {
		return nil, 0, err
	}

	var (
		records []Record
		skipped int
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, skipped, err
		}

		fr, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, ErrCorruptRecord) {
			skipped++
			continue
		}
		if err != nil {
			// the writer may be mid-append or the tail was cut by a crash
			log.Debug().Err(err).Str("path", path).Msg("Stopped reading at incomplete record")
			skipped++
			break
		}

		plaintext, err := rc.decrypt(fr.ciphertext)
		if err != nil {
			skipped++
			continue
		}

		rec, err := unmarshalRecord(plaintext)
		if err != nil {
			skipped++
			continue
		}

		records = append(records, rec)
	}

	return records, skipped, nil
}

// ReadRaw returns the stored, still encrypted, bytes of a day file.
func (c *Codec) ReadRaw(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	return data, nil
}
