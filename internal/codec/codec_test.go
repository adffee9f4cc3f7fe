package codec

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/devicelog/internal/config"
)

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.Local)

func testConfig(t *testing.T) config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.CachePath = filepath.Join(t.TempDir(), "cache")
	cfg.LogDirPath = filepath.Join(t.TempDir(), "logs")
	cfg.EncryptKey = []byte("0123456789abcdef")
	cfg.EncryptIV = []byte("fedcba9876543210")
	return cfg
}

func plentyOfSpace(string) (uint64, error) {
	return math.MaxUint64, nil
}

func newTestCodec(t *testing.T, cfg config.Config) *Codec {
	t.Helper()

	c := New(cfg, WithClock(func() time.Time { return testNow }), WithFreeSpace(plentyOfSpace))
	require.NoError(t, c.Init())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testRecord(i int, at time.Time) Record {
	return Record{
		Content:    fmt.Sprintf("message-%02d", i),
		Type:       101,
		Time:       at.UnixMilli(),
		ThreadName: "worker",
		ThreadID:   7,
		MainThread: false,
	}
}

func readAll(t *testing.T, c *Codec, begin, end time.Time) []Record {
	t.Helper()

	files, err := c.FilterFiles(begin.UnixMilli(), end.UnixMilli())
	require.NoError(t, err)

	var all []Record
	for _, path := range files {
		recs, skipped, err := c.ReadFile(context.Background(), path)
		require.NoError(t, err)
		require.Zero(t, skipped)
		all = append(all, recs...)
	}
	return all
}

func TestCodec_InitInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.EncryptKey = nil

	c := New(cfg)
	err := c.Init()
	require.ErrorIs(t, err, config.ErrConfigInvalid)
	assert.False(t, c.Initialized())

	err = c.Append(testRecord(1, testNow))
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestCodec_InitIdempotent(t *testing.T) {
	c := newTestCodec(t, testConfig(t))

	require.NoError(t, c.Init())
	assert.True(t, c.Initialized())
}

func TestCodec_RoundTrip(t *testing.T) {
	c := newTestCodec(t, testConfig(t))

	rec := Record{
		Content:    "hello\nworld",
		Type:       102,
		Time:       testNow.UnixMilli(),
		ThreadName: "main",
		ThreadID:   1,
		MainThread: true,
	}
	require.NoError(t, c.Append(rec))
	require.NoError(t, c.Flush())

	got := readAll(t, c, testNow, testNow)
	require.Len(t, got, 1)
	assert.Equal(t, rec, got[0])
}

func TestCodec_FlushWithNothingPending(t *testing.T) {
	c := newTestCodec(t, testConfig(t))

	require.NoError(t, c.Flush())
	require.NoError(t, c.Flush())

	files, err := c.FilterFiles(testNow.UnixMilli(), testNow.UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestCodec_UnflushedRecordsStayInCache(t *testing.T) {
	c := newTestCodec(t, testConfig(t))

	require.NoError(t, c.Append(testRecord(1, testNow)))

	files, err := c.FilterFiles(testNow.UnixMilli(), testNow.UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestCodec_FileIsEncrypted(t *testing.T) {
	c := newTestCodec(t, testConfig(t))

	require.NoError(t, c.Append(testRecord(1, testNow)))
	require.NoError(t, c.Flush())

	files, err := c.FilterFiles(testNow.UnixMilli(), testNow.UnixMilli())
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, fileMagic, string(data[:8]))
	assert.NotContains(t, string(data), "message-01")
}

func TestCodec_InsufficientSpace(t *testing.T) {
	cfg := testConfig(t)
	c := New(cfg,
		WithClock(func() time.Time { return testNow }),
		WithFreeSpace(func(string) (uint64, error) { return 1024, nil }),
	)
	require.NoError(t, c.Init())
	defer c.Close()

	err := c.Append(testRecord(1, testNow))
	require.ErrorIs(t, err, ErrInsufficientSpace)

	require.NoError(t, c.Flush())
	assert.Empty(t, readAll(t, c, testNow, testNow))
}

func TestCodec_FreeSpaceThreshold(t *testing.T) {
	tests := []struct {
		name    string
		minFree int64
		avail   uint64
		wantErr bool
	}{
		{name: "unset uses default", minFree: 0, avail: 1, wantErr: true},
		{name: "exactly the threshold", minFree: 0, avail: uint64(config.DefaultMinFreeBytes), wantErr: true},
		{name: "above the threshold", minFree: 0, avail: uint64(config.DefaultMinFreeBytes) + 1},
		{name: "custom threshold", minFree: 4096, avail: 4097},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Config{
				CachePath:    filepath.Join(t.TempDir(), "cache"),
				LogDirPath:   filepath.Join(t.TempDir(), "logs"),
				EncryptKey:   []byte("0123456789abcdef"),
				EncryptIV:    []byte("fedcba9876543210"),
				MinFreeBytes: tt.minFree,
			}
			c := New(cfg,
				WithClock(func() time.Time { return testNow }),
				WithFreeSpace(func(string) (uint64, error) { return tt.avail, nil }),
			)
			require.NoError(t, c.Init())
			defer c.Close()

			err := c.Append(testRecord(1, testNow))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInsufficientSpace)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCodec_DayRouting(t *testing.T) {
	c := newTestCodec(t, testConfig(t))

	yesterday := testNow.AddDate(0, 0, -1)
	require.NoError(t, c.Append(testRecord(1, yesterday)))
	require.NoError(t, c.Append(testRecord(2, testNow)))
	require.NoError(t, c.Append(testRecord(3, testNow.Add(time.Hour))))
	require.NoError(t, c.Flush())

	files, err := c.FilterFiles(yesterday.UnixMilli(), testNow.UnixMilli())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, fileName(DayKey(yesterday.UnixMilli()), 0), filepath.Base(files[0]))
	assert.Equal(t, fileName(DayKey(testNow.UnixMilli()), 0), filepath.Base(files[1]))

	today := readAll(t, c, testNow, testNow)
	require.Len(t, today, 2)
	assert.Equal(t, "message-02", today[0].Content)
	assert.Equal(t, "message-03", today[1].Content)
}

func TestCodec_Rotation(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFileBytes = 300
	c := newTestCodec(t, cfg)

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Append(testRecord(i, testNow.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, c.Flush())

	files, err := c.FilterFiles(testNow.UnixMilli(), testNow.UnixMilli())
	require.NoError(t, err)
	require.Greater(t, len(files), 1)

	day := DayKey(testNow.UnixMilli())
	for i, path := range files {
		assert.Equal(t, fileName(day, i), filepath.Base(path))
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.LessOrEqual(t, info.Size(), cfg.MaxFileBytes)
	}

	got := readAll(t, c, testNow, testNow)
	require.Len(t, got, 10)
	for i, rec := range got {
		assert.Equal(t, fmt.Sprintf("message-%02d", i), rec.Content)
	}
}

func TestCodec_AppendsToExistingDayFile(t *testing.T) {
	cfg := testConfig(t)

	c1 := New(cfg, WithClock(func() time.Time { return testNow }), WithFreeSpace(plentyOfSpace))
	require.NoError(t, c1.Init())
	require.NoError(t, c1.Append(testRecord(1, testNow)))
	require.NoError(t, c1.Flush())
	require.NoError(t, c1.Close())

	c2 := newTestCodec(t, cfg)
	require.NoError(t, c2.Append(testRecord(2, testNow)))
	require.NoError(t, c2.Flush())

	got := readAll(t, c2, testNow, testNow)
	require.Len(t, got, 2)
}

func TestCodec_RecoversCacheAfterClose(t *testing.T) {
	cfg := testConfig(t)

	c1 := New(cfg, WithClock(func() time.Time { return testNow }), WithFreeSpace(plentyOfSpace))
	require.NoError(t, c1.Init())
	require.NoError(t, c1.Append(testRecord(1, testNow)))
	require.NoError(t, c1.Append(testRecord(2, testNow)))
	require.NoError(t, c1.Close())

	c2 := newTestCodec(t, cfg)
	got := readAll(t, c2, testNow, testNow)
	require.Len(t, got, 2)
	assert.Equal(t, "message-01", got[0].Content)
}

func TestCodec_RecoveredExpiredDayWritable(t *testing.T) {
	cfg := testConfig(t)
	expired := testNow.AddDate(0, 0, -30)

	c1 := New(cfg, WithClock(func() time.Time { return testNow }), WithFreeSpace(plentyOfSpace))
	require.NoError(t, c1.Init())
	require.NoError(t, c1.Append(testRecord(1, expired)))
	require.NoError(t, c1.Close())

	// recovery writes the expired day then retention removes it
	c2 := newTestCodec(t, cfg)
	assert.Empty(t, readAll(t, c2, expired, expired))

	require.NoError(t, c2.Append(testRecord(2, expired)))
	require.NoError(t, c2.Append(testRecord(3, testNow)))
	require.NoError(t, c2.Flush())

	got := readAll(t, c2, expired, expired)
	require.Len(t, got, 1)
	assert.Equal(t, "message-02", got[0].Content)
	assert.Len(t, readAll(t, c2, testNow, testNow), 1)
}

func TestCodec_DrainsWhenCacheFull(t *testing.T) {
	c := newTestCodec(t, testConfig(t))

	big := testRecord(0, testNow)
	big.Content = string(make([]byte, cacheDrainThreshold))
	require.NoError(t, c.Append(big))

	files, err := c.FilterFiles(testNow.UnixMilli(), testNow.UnixMilli())
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestCodec_Retention(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.LogDirPath, 0o700))

	expired := DayKey(testNow.AddDate(0, 0, -8).UnixMilli())
	kept := DayKey(testNow.AddDate(0, 0, -7).UnixMilli())
	for _, name := range []string{fileName(expired, 0), fileName(expired, 1), fileName(kept, 0), "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.LogDirPath, name), header(), 0o600))
	}

	newTestCodec(t, cfg)

	_, err := os.Stat(filepath.Join(cfg.LogDirPath, fileName(expired, 0)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(cfg.LogDirPath, fileName(expired, 1)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(cfg.LogDirPath, fileName(kept, 0)))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.LogDirPath, "notes.txt"))
	assert.NoError(t, err)
}

func TestCodec_CorruptRecordSkipped(t *testing.T) {
	c := newTestCodec(t, testConfig(t))

	require.NoError(t, c.Append(testRecord(1, testNow)))
	require.NoError(t, c.Append(testRecord(2, testNow)))
	require.NoError(t, c.Flush())

	files, err := c.FilterFiles(testNow.UnixMilli(), testNow.UnixMilli())
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	// flip a ciphertext byte in the first frame
	data[headerSize+12] ^= 0xff
	require.NoError(t, os.WriteFile(files[0], data, 0o600))

	recs, skipped, err := c.ReadFile(context.Background(), files[0])
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, recs, 1)
	assert.Equal(t, "message-02", recs[0].Content)
}

func TestCodec_TruncatedTail(t *testing.T) {
	c := newTestCodec(t, testConfig(t))

	require.NoError(t, c.Append(testRecord(1, testNow)))
	require.NoError(t, c.Append(testRecord(2, testNow)))
	require.NoError(t, c.Flush())

	files, err := c.FilterFiles(testNow.UnixMilli(), testNow.UnixMilli())
	require.NoError(t, err)

	info, err := os.Stat(files[0])
	require.NoError(t, err)
	require.NoError(t, os.Truncate(files[0], info.Size()-5))

	recs, skipped, err := c.ReadFile(context.Background(), files[0])
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, recs, 1)
	assert.Equal(t, "message-01", recs[0].Content)
}

func TestCodec_ReadFileCancelled(t *testing.T) {
	c := newTestCodec(t, testConfig(t))

	require.NoError(t, c.Append(testRecord(1, testNow)))
	require.NoError(t, c.Flush())

	files, err := c.FilterFiles(testNow.UnixMilli(), testNow.UnixMilli())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = c.ReadFile(ctx, files[0])
	require.ErrorIs(t, err, context.Canceled)
}

func TestCodec_FilterFilesMissingDir(t *testing.T) {
	c := New(testConfig(t))

	files, err := c.FilterFiles(testNow.UnixMilli(), testNow.UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestBuildFrame(t *testing.T) {
	payload := []byte("0123456789abcdef")
	raw := buildFrame(42, payload)

	length := binary.LittleEndian.Uint32(raw[0:4])
	assert.Equal(t, uint32(frameOverhead+len(payload)), length)
	assert.Len(t, raw, int(length))

	//nolint:gosec // test value
	assert.Equal(t, int64(42), int64(binary.LittleEndian.Uint64(raw[4:12])))
	assert.Equal(t, computeCRC64(raw[4:len(raw)-8]), binary.LittleEndian.Uint64(raw[len(raw)-8:]))
}

func TestRecordCipher(t *testing.T) {
	rc, err := newRecordCipher([]byte("0123456789abcdef"), []byte("fedcba9876543210"))
	require.NoError(t, err)

	for _, size := range []int{0, 1, 15, 16, 17, 100} {
		plaintext := make([]byte, size)
		for i := range plaintext {
			plaintext[i] = byte(i)
		}

		ciphertext := rc.encrypt(plaintext)
		assert.Zero(t, len(ciphertext)%16)

		got, err := rc.decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}

	_, err = rc.decrypt([]byte("short"))
	require.ErrorIs(t, err, ErrCorruptRecord)

	_, err = newRecordCipher([]byte("0123456789abcdef"), []byte("short"))
	require.Error(t, err)
}

func TestFileDate(t *testing.T) {
	day := DayKey(testNow.UnixMilli())

	tests := []struct {
		name string
		file string
		want string
	}{
		{name: "day file", file: fileName(day, 0), want: testNow.Format(time.DateOnly)},
		{name: "continuation file", file: fileName(day, 3), want: testNow.Format(time.DateOnly)},
		{name: "not a timestamp", file: "logfile", want: "2001-09-09"},
		{name: "bad continuation", file: fileName(day, 0) + ".x", want: "2001-09-09"},
		{name: "out of range", file: "9223372036854775807", want: "2000-01-01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FileDate(tt.file))
		})
	}
}

func TestDayKey(t *testing.T) {
	midnight := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.Local)

	assert.Equal(t, midnight.UnixMilli(), DayKey(testNow.UnixMilli()))
	assert.Equal(t, midnight.UnixMilli(), DayKey(midnight.UnixMilli()))
	assert.Equal(t, midnight.UnixMilli(), DayKey(midnight.Add(24*time.Hour-time.Millisecond).UnixMilli()))
}
