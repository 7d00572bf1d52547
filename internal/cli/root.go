package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/pyroth/sbx/internal"
	"github.com/pyroth/sbx/internal/paths"
)

// Represents the root command for the sbx tool.
var RootCmd struct {
	Quiet   bool       `short:"q" help:"Suppress informational output."`
	Verbose bool       `short:"v" help:"Enable verbose output."`
	Debug   bool       `short:"d" help:"Enable debug output."`
	Store   string     `short:"s" help:"Override the image store directory." placeholder:"PATH"`
	Pull    PullCmd    `cmd:"" help:"Pull an image and materialize its root filesystem."`
	Images  ImagesCmd  `cmd:"" help:"List locally stored images."`
	Rm      RmCmd      `cmd:"" help:"Remove a locally stored image."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("OCI image acquisition for micro-VM sandboxes.\n\nPulls images from container registries into a local content-addressed store and extracts them as root filesystems."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	debug := RootCmd.Debug || internal.IsDebug()
	quiet := RootCmd.Quiet || internal.IsQuiet()
	verbose := RootCmd.Verbose || internal.IsVerbose()

	if RootCmd.Quiet {
		internal.SetQuiet(true)
	}

	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	} else if quiet {
		level = log.WarnLevel
	}

	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: verbose,
		ReportCaller:    debug,
	})

	slog.SetDefault(slog.New(handler))
}

// Returns the store root, honoring the --store flag.
func storeRoot() string {
	if RootCmd.Store != "" {
		return RootCmd.Store
	}
	return paths.StoreRoot()
}
