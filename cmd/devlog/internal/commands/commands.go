package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/devicelog/internal/config"
	"github.com/wolfeidau/devicelog/internal/devlog"
	"github.com/wolfeidau/devicelog/internal/logger"
)

type Globals struct {
	Debug   bool
	Version string
	Config  string
}

// StoreFlags locate and unlock the log store. Flags override the config file.
type StoreFlags struct {
	CachePath  string `help:"Directory holding the write buffer" env:"DEVLOG_CACHE_PATH"`
	LogDir     string `help:"Directory holding the day files" env:"DEVLOG_LOG_DIR"`
	EncryptKey string `help:"16 character encryption key" env:"DEVLOG_ENCRYPT_KEY"`
	EncryptIV  string `help:"16 character encryption IV" env:"DEVLOG_ENCRYPT_IV"`
}

func (s StoreFlags) config(globals *Globals) (config.Config, error) {
	cfg := config.Default()
	if globals.Config != "" {
		var err error
		cfg, err = config.Load(globals.Config)
		if err != nil {
			return config.Config{}, err
		}
	}

	if s.CachePath != "" {
		cfg.CachePath = s.CachePath
	}
	if s.LogDir != "" {
		cfg.LogDirPath = s.LogDir
	}
	if s.EncryptKey != "" {
		cfg.EncryptKey = []byte(s.EncryptKey)
	}
	if s.EncryptIV != "" {
		cfg.EncryptIV = []byte(s.EncryptIV)
	}
	if cfg.Debug && !globals.Debug {
		log.Logger = logger.Setup(true)
	}
	cfg.Debug = cfg.Debug || globals.Debug

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

// RangeFlags select a time range, either the last Days days or Begin..End.
type RangeFlags struct {
	Days  int    `help:"Select the last N days" default:"1"`
	Begin string `help:"Range start as yyyyMMddHHmm (local time)"`
	End   string `help:"Range end as yyyyMMddHHmm (local time), defaults to now"`
}

func (r RangeFlags) millis(now time.Time) (begin, end int64, err error) {
	if r.Begin == "" {
		return now.UnixMilli() - int64(r.Days)*config.Day, now.UnixMilli(), nil
	}

	b, err := time.ParseInLocation(devlog.RangeLayout, r.Begin, time.Local)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid begin: %w", err)
	}

	e := now
	if r.End != "" {
		e, err = time.ParseInLocation(devlog.RangeLayout, r.End, time.Local)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid end: %w", err)
		}
	}

	if e.Before(b) {
		return 0, 0, fmt.Errorf("end %s is before begin %s", e.Format(time.DateTime), b.Format(time.DateTime))
	}

	return b.UnixMilli(), e.UnixMilli(), nil
}
