// cmd/nugettrust/cli/app.go
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/willibrandon/nugettrust/cmd/nugettrust/output"
	"github.com/willibrandon/nugettrust/observability"
)

var rootCmd = &cobra.Command{
	Use:   "nugettrust",
	Short: "NuGet package signing and trust verification",
	Long: `nugettrust signs NuGet packages and verifies package signatures
against a trust policy built from NuGet.Config trusted signers.

Complete documentation is available at https://github.com/willibrandon/nugettrust`,
	SilenceUsage:       true,
	SilenceErrors:      true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
	Run: func(cmd *cobra.Command, args []string) {
		// Show help when no command is provided
		_ = cmd.Help()
	},
}

// Console is the global console for CLI commands
var Console *output.Console

// Logger receives engine diagnostics. It discards everything until the
// verbosity flag is parsed.
var Logger = observability.NewNullLogger()

// Global flag values shared by subcommands.
var (
	ConfigFile  string
	verbosity   string
	traceExport string
	otlpAddr    string
	metricsAddr string
)

var tracerProvider *sdktrace.TracerProvider

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// Root returns the root command.
func Root() *cobra.Command {
	return rootCmd
}

func init() {
	Console = output.DefaultConsole()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ConfigFile, "configfile", "", "NuGet configuration file holding trusted signers")
	flags.StringVarP(&verbosity, "verbosity", "v", "normal", "Display verbosity (quiet, normal, detailed, diagnostic)")
	flags.StringVar(&traceExport, "trace", observability.ExporterNone, "Trace exporter (none, stdout, otlp); stdout spans are written to stderr")
	flags.StringVar(&otlpAddr, "otlp-endpoint", observability.DefaultOTLPEndpoint, "OTLP collector endpoint used with --trace otlp")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")
}

func setup(cmd *cobra.Command, args []string) error {
	v, err := output.ParseVerbosity(verbosity)
	if err != nil {
		return err
	}
	Console.SetVerbosity(v)
	Logger = NewLogger(v)

	if traceExport != observability.ExporterNone {
		cfg := observability.DefaultTracerConfig()
		cfg.ServiceVersion = GetVersion()
		cfg.Environment = "cli"
		cfg.ExporterType = traceExport
		cfg.OTLPEndpoint = otlpAddr
		tp, err := observability.SetupTracing(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		tracerProvider = tp
	}

	if metricsAddr != "" {
		go func() {
			if err := observability.StartMetricsServer(metricsAddr); err != nil {
				Logger.Warn("Metrics server on {Address} stopped: {Error}", metricsAddr, err)
			}
		}()
	}
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if tracerProvider == nil {
		return nil
	}
	tp := tracerProvider
	tracerProvider = nil
	return observability.ShutdownTracing(context.Background(), tp)
}

// NewLogger maps console verbosity to an engine log level. Engine logs go
// to stderr so command output on stdout stays parseable.
func NewLogger(v output.Verbosity) observability.Logger {
	switch v {
	case output.VerbosityDiagnostic:
		return observability.NewLogger(os.Stderr, observability.VerboseLevel)
	case output.VerbosityDetailed:
		return observability.NewLogger(os.Stderr, observability.DebugLevel)
	case output.VerbosityQuiet:
		return observability.NewNullLogger()
	default:
		return observability.NewLogger(os.Stderr, observability.WarnLevel)
	}
}

// SetupVersion configures version information after variables are set
func SetupVersion() {
	rootCmd.SetVersionTemplate(GetFullVersion() + "\n")
	rootCmd.Version = GetVersion()
}

// AddCommand adds a command to the root command
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}
