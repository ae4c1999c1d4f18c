package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/remote"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/ui"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Global flags
var (
	configPath  string
	logLevel    string
	logJSON     bool
	noColor     bool
	metricsFile string
	historyDB   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if metricsFile != "" {
		if merr := metrics.WriteTextfile(metricsFile); merr != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", merr)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - deploy services into FreeBSD jails",
	Long: `Burrow provisions FreeBSD hosts over SSH and deploys services into
jails built from cached images.

Every deploy creates a fresh jail, starts it with the host network to run
setup hooks, moves it to a private loopback address, switches the Caddy
reverse proxy to it and removes old jails beyond the retention limit.
A failure before the proxy switch destroys the new jail and leaves the
running one untouched.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{
			Level:      log.ParseLevel(logLevel),
			JSONOutput: logJSON,
		})
		if noColor {
			ui.DisableColor()
		}
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Service description file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")
	rootCmd.PersistentFlags().StringVar(&historyDB, "history-db", storage.DefaultPath(), "Local deploy history database")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(destroyCmd)
}

// loadConfig reads and validates the service description
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newExecutor builds the ssh transport for cfg
func newExecutor(cfg *config.Config) remote.Executor {
	return remote.NewSSH(remote.SSHConfig{
		Doas:    cfg.Doas,
		Timeout: cfg.Timeout,
	})
}

// reporterFor returns a per-host console reporter factory
func reporterFor(console *ui.Console) func(string) ui.Reporter {
	return func(host string) ui.Reporter {
		return console.ForHost(host)
	}
}

// openHistory opens the deploy history. History is optional: a database
// that cannot be opened is logged and skipped.
func openHistory() storage.Store {
	if historyDB == "" {
		return nil
	}
	store, err := storage.NewBoltStore(historyDB)
	if err != nil {
		log.Logger.Warn().Err(err).Str("path", historyDB).Msg("deploy history unavailable")
		return nil
	}
	return store
}

// startEvents starts a broker whose events are written to the log. The
// returned function flushes the remaining events.
func startEvents() (*events.Broker, func()) {
	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub {
			ev := log.Logger.Info().Str("event", string(e.Type)).Str("host", e.Host).Str("service", e.Service)
			for k, v := range e.Metadata {
				ev = ev.Str(k, v)
			}
			ev.Time("at", e.Timestamp).Msg(e.Message)
		}
	}()
	return broker, func() {
		broker.Stop()
		<-done
	}
}
