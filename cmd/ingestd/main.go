package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestd/internal/config"
	"github.com/JakeFAU/ingestd/internal/pipeline"
	"github.com/JakeFAU/ingestd/internal/server"
	memorysource "github.com/JakeFAU/ingestd/internal/source/memory"
)

// Set via -ldflags at build time.
var version = "dev"

var errRunFailed = errors.New("run failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(nil).ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// newRootCmd wires the subcommands. buildOpts are passed to server.Build and
// exist for tests.
func newRootCmd(buildOpts []server.Option) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ingestd",
		Short:         "Bounded producer/consumer ingestion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newRunCmd(buildOpts), newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newRunCmd(buildOpts []server.Option) *cobra.Command {
	var (
		cfgFile string
		demo    int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one ingestion pass over the configured sources",
		Long: `Starts every configured source, drains them through the archive handler,
and exits once all sources are exhausted or the process is interrupted.
The terminal report is printed to stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts := append([]server.Option{server.WithVersion(version)}, buildOpts...)
			if demo > 0 {
				opts = append(opts, server.WithSources(server.NamedSource{
					Name:   "demo",
					Source: demoSource(demo),
				}))
			}
			return runPipeline(cmd.Context(), &cfg, cmd.OutOrStdout(), opts...)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (YAML); INGESTD_* env vars override it")
	cmd.Flags().IntVar(&demo, "demo", 0, "add an in-memory source with this many items")
	return cmd
}

func runPipeline(ctx context.Context, cfg *config.Config, out io.Writer, opts ...server.Option) error {
	app, err := server.Build(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	report, runErr := app.Run(ctx)
	fmt.Fprintln(out, report.String())
	if runErr != nil {
		app.Logger().Warn("run finished with errors", zap.Error(runErr))
	}
	if report.State == pipeline.StateFailed {
		if runErr == nil {
			return errRunFailed
		}
		return fmt.Errorf("%w: %w", errRunFailed, runErr)
	}
	return nil
}

func demoSource(n int) *memorysource.Source {
	ids := make([]string, n)
	for i := range n {
		ids[i] = "demo-" + strconv.Itoa(i)
	}
	return memorysource.FromIDs(8, ids...)
}
