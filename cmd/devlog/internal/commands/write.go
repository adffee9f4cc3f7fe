package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/devicelog/internal/codec"
	"github.com/wolfeidau/devicelog/internal/devlog"
	"github.com/wolfeidau/devicelog/internal/ingest"
)

type WriteCmd struct {
	StoreFlags `embed:""`
	Type       int           `help:"Log type (101 routine, 102 exception)" default:"101"`
	Thread     string        `help:"Thread name recorded with each line" default:"cli"`
	Timeout    time.Duration `help:"Time allowed to flush on exit" default:"30s"`
}

func (w *WriteCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, err := w.config(globals)
	if err != nil {
		return err
	}

	return w.write(ctx, ingest.New(codec.New(cfg)), os.Stdin)
}

func (w *WriteCmd) write(ctx context.Context, pipeline *ingest.Pipeline, in io.Reader) error {
	if w.Type == 0 {
		w.Type = devlog.TypeRoutine
	}
	ctx = ingest.WithThreadName(ctx, w.Thread)

	lines := 0
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		pipeline.WriteContext(ctx, scanner.Text(), w.Type)
		lines++
	}
	scanErr := scanner.Err()

	pipeline.Flush()

	quitCtx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()
	if err := pipeline.Quit(quitCtx, true); err != nil {
		return fmt.Errorf("failed to flush log store: %w", err)
	}

	if scanErr != nil {
		return fmt.Errorf("failed to read input: %w", scanErr)
	}

	if pending := pipeline.Pending(); pending > 0 {
		return fmt.Errorf("%d actions were not applied, check the log store configuration", pending)
	}

	log.Info().Int("lines", lines).Int("type", w.Type).Msg("Lines written")

	return nil
}
