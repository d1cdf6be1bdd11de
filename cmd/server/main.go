package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/sessiond/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode."`
		Version kong.VersionFlag
		Serve   commands.ServeCmd `cmd:"" default:"withargs" help:"Start the session server"`
		Sweep   commands.SweepCmd `cmd:"" help:"Remove expired sessions from a durable store and exit"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("sessiond"),
		kong.Description("Session storage and lifecycle server for AI tool handlers."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
