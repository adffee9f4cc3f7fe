package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/devicelog/internal/codec"
)

type FilesCmd struct {
	StoreFlags `embed:""`
	RangeFlags `embed:""`
}

func (f *FilesCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, err := f.config(globals)
	if err != nil {
		return err
	}

	return f.list(codec.New(cfg), time.Now(), os.Stdout)
}

func (f *FilesCmd) list(store *codec.Codec, now time.Time, out io.Writer) error {
	begin, end, err := f.millis(now)
	if err != nil {
		return err
	}

	paths, err := store.FilterFiles(begin, end)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tSIZE\tFILE")
	for _, path := range paths {
		size := int64(-1)
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", codec.FileDate(filepath.Base(path)), size, path)
	}

	return w.Flush()
}
