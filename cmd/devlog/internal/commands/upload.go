package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/devicelog/internal/devlog"
	"github.com/wolfeidau/devicelog/internal/logger"
	"github.com/wolfeidau/devicelog/internal/telemetry"
	"github.com/wolfeidau/devicelog/internal/transport"
	"github.com/wolfeidau/devicelog/internal/upload"
)

type UploadCmd struct {
	StoreFlags `embed:""`
	RangeFlags `embed:""`

	Server      string        `help:"Collector base URL" default:"http://localhost:8080" env:"DEVLOG_SERVER"`
	TokenSecret string        `help:"Shared secret used to sign device tokens" env:"DEVLOG_TOKEN_SECRET"`
	Compress    bool          `help:"Compress file uploads with zstd"`
	Timeout     time.Duration `help:"Time allowed for the upload" default:"10m"`
	Types       []int         `help:"Only upload these log types (inline uploads only)"`
	ForceFile   bool          `help:"Upload stored files even for short ranges"`
	Tracing     bool          `help:"Export traces and metrics over OTLP" env:"DEVLOG_TRACING"`

	AppID        string `help:"Application id" env:"DEVLOG_APP_ID" required:""`
	DeviceID     string `help:"Device id" env:"DEVLOG_DEVICE_ID" required:""`
	Serial       string `help:"Device serial number, used as the union id" env:"DEVLOG_SERIAL"`
	AppVersion   string `help:"Application version" default:"0.0.0"`
	BuildVersion string `help:"Application build number" default:"0"`
}

func (u *UploadCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, err := u.config(globals)
	if err != nil {
		return err
	}

	begin, end, err := u.millis(time.Now())
	if err != nil {
		return err
	}

	if u.Tracing {
		shutdown, err := telemetry.Init(ctx, "devlog", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	httpClient := &http.Client{
		Timeout:   u.Timeout,
		Transport: logger.NewCollectorRequests(log.Logger, nil),
	}
	collector := transport.New(transport.Config{
		BaseURL:     u.Server,
		Timeout:     u.Timeout,
		TokenSecret: []byte(u.TokenSecret),
		Compress:    u.Compress,
	}, httpClient)

	device := upload.DeviceInfo{
		AppID:        u.AppID,
		UnionID:      u.Serial,
		AppVersion:   u.AppVersion,
		BuildVersion: u.BuildVersion,
		DeviceID:     u.DeviceID,
		Platform:     "1",
		DeviceSerial: u.Serial,
	}

	ctx, cancel := context.WithTimeout(ctx, u.Timeout)
	defer cancel()

	d := devlog.New(cfg, collector, device)

	// move anything a previous writer left buffered into day files first
	d.Flush()
	if err := d.Quit(ctx, true); err != nil {
		return fmt.Errorf("failed to flush log store: %w", err)
	}

	id := d.Up(u.Types, u.ForceFile, begin, end)
	task := d.Task(id)

	log.Info().
		Int64("task_id", id).
		Str("strategy", upload.ChooseStrategy(u.ForceFile, begin, end).String()).
		Time("begin", time.UnixMilli(begin)).
		Time("end", time.UnixMilli(end)).
		Msg("Upload started")

	if err := d.WaitUploads(ctx); err != nil {
		d.StopUp(id)
		<-task.Done()
	}

	if task.Status() != upload.StatusCompleted {
		return fmt.Errorf("upload task %d %s: %w", id, task.Status(), task.Err())
	}

	log.Info().Int64("task_id", id).Msg("Upload completed")

	return nil
}
