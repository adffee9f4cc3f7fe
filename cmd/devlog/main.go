package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/devicelog/cmd/devlog/internal/commands"
	"github.com/wolfeidau/devicelog/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		Write   commands.WriteCmd  `cmd:"" help:"Append lines from stdin to the log store"`
		Files   commands.FilesCmd  `cmd:"" help:"List stored day files"`
		Decode  commands.DecodeCmd `cmd:"" help:"Print the records of a stored file as JSON lines"`
		Upload  commands.UploadCmd `cmd:"" help:"Upload stored logs to a collector"`
		Config  string             `help:"YAML/JSON config file path" env:"DEVLOG_CONFIG" type:"path"`
		Debug   bool               `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))

	log.Logger = logger.Setup(cli.Debug)

	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version, Config: cli.Config})
	cmd.FatalIfErrorf(err)
}
