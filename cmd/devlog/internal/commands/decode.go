package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/devicelog/internal/codec"
)

type DecodeCmd struct {
	StoreFlags `embed:""`
	Path       string `arg:"" help:"Stored day file to decode" type:"existingfile"`
}

func (d *DecodeCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, err := d.config(globals)
	if err != nil {
		return err
	}

	return d.decode(ctx, codec.New(cfg), os.Stdout)
}

func (d *DecodeCmd) decode(ctx context.Context, store *codec.Codec, out io.Writer) error {
	records, skipped, err := store.ReadFile(ctx, d.Path)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", d.Path, err)
	}

	enc := json.NewEncoder(out)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	if skipped > 0 {
		log.Warn().Str("path", d.Path).Int("skipped", skipped).Msg("Skipped corrupt records")
	}

	return nil
}
