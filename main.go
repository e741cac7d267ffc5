package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the command line into the app.
type AppOptions struct {
	ConfigFile string
	DataDir    string
	OutputFile string
	Format     string // preview: png or svg
	Width      int    // preview: max width in pixels, 0 keeps full size
	Verbose    bool
}

// appRunner is what the command tree drives. Tests substitute a mock.
type appRunner interface {
	ApplyOptions(opts AppOptions)
	RunService(ctx context.Context) error
	RunReconcile(out io.Writer) error
	RunList(out io.Writer) error
	RunPreview(id string, out io.Writer) error
	RunValidateConfig(out io.Writer) error
	RunInitConfig(out io.Writer) error
}

func newRootCmd(app appRunner, out io.Writer) *cobra.Command {
	var opts AppOptions

	root := &cobra.Command{
		Use:           "muralwall",
		Short:         "Tile remote images across walls of display frames",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			app.ApplyOptions(opts)
		},
	}
	root.SetOut(out)
	root.SetErr(out)
	root.PersistentFlags().StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&opts.DataDir, "data-dir", ".", "Directory holding the record file, audit db and config")
	root.PersistentFlags().BoolVar(&opts.Verbose, "verbose", false, "Debug logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the mural service (tick loop, HTTP, websocket, MQTT)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(out, "muralwall version: %s\n", Version)
			fmt.Fprintln(out, "muralwall service starting...")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.RunService(ctx)
		},
	}

	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Run the startup cleanup pass against the record file and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunReconcile(out)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the murals in the record file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunList(out)
		},
	}

	preview := &cobra.Command{
		Use:   "preview <id>",
		Short: "Render a mural preview (png) or its tile layout (svg)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "png" && opts.Format != "svg" {
				return fmt.Errorf("unknown format %q (png or svg)", opts.Format)
			}
			return app.RunPreview(args[0], out)
		},
	}
	preview.Flags().StringVarP(&opts.OutputFile, "output", "o", "", "Output file (default <id>.<format>)")
	preview.Flags().StringVar(&opts.Format, "format", "png", "Preview format: png or svg")
	preview.Flags().IntVar(&opts.Width, "width", 640, "Maximum preview width in pixels")

	validate := &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunValidateConfig(out)
		},
	}

	initConfig := &cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunInitConfig(out)
		},
	}

	root.AddCommand(serve, reconcile, list, preview, validate, initConfig)
	return root
}

// run executes the command line in args against app.
func run(args []string, out io.Writer, app appRunner) error {
	cmd := newRootCmd(app, out)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
