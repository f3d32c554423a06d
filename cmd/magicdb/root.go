package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/jacentio/magicdb/catalog"
	"github.com/jacentio/magicdb/internal/backend"
	"github.com/jacentio/magicdb/internal/config"
	"github.com/jacentio/magicdb/internal/interp"
	"github.com/jacentio/magicdb/internal/logging"
	"github.com/jacentio/magicdb/internal/metrics"
	"github.com/jacentio/magicdb/internal/repl"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	configFile  string
	backend     string
	endpoints   []string
	namespace   string
	lockTTL     time.Duration
	timeout     time.Duration
	execute     []string
	metricsAddr string
	logLevel    string
	historyFile string
}

func newRootCommand() *cobra.Command {
	return newCommand(&options{})
}

// newCommand binds the command's flags to opts.
func newCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "magicdb",
		Short: "Manage the magicdb metadata catalog",
		Long: "magicdb reads catalog statements (create database, load data, ...) " +
			"and applies them to the catalog stored in memory, etcd, consul or DynamoDB.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts.input(cmd.InOrStdin()), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config", "", "YAML configuration file")
	flags.StringVar(&opts.backend, "backend", config.BackendMemory, "catalog store: memory, etcd, consul or dynamodb")
	flags.StringSliceVar(&opts.endpoints, "endpoints", nil, "etcd endpoints, consul address or DynamoDB endpoint")
	flags.StringVar(&opts.namespace, "namespace", "magicdb", "catalog namespace")
	flags.DurationVar(&opts.lockTTL, "lock-ttl", 10*time.Second, "maximum time a mutation may hold the catalog lock")
	flags.DurationVar(&opts.timeout, "request-timeout", 30*time.Second, "maximum time one statement may take, including the lock wait")
	flags.StringArrayVarP(&opts.execute, "execute", "e", nil, "statement to run instead of reading input (repeatable)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.StringVar(&opts.historyFile, "history-file", "", "readline history file for interactive sessions")
	return cmd
}

// resolve layers the configuration file, then flags set on the command line.
func (o *options) resolve(flags *pflag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if o.configFile != "" {
		loaded, err := config.Load(o.configFile)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if flags.Changed("backend") {
		cfg.Backend = o.backend
	}
	if flags.Changed("namespace") {
		cfg.Namespace = o.namespace
	}
	if flags.Changed("lock-ttl") {
		cfg.LockTTL = o.lockTTL
	}
	if flags.Changed("request-timeout") {
		cfg.RequestTimeout = o.timeout
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("history-file") {
		cfg.HistoryFile = o.historyFile
	}
	if flags.Changed("endpoints") && len(o.endpoints) > 0 {
		switch cfg.Backend {
		case config.BackendEtcd:
			cfg.Etcd.Endpoints = o.endpoints
		case config.BackendConsul:
			cfg.Consul.Address = o.endpoints[0]
		case config.BackendDynamoDB:
			cfg.DynamoDB.Endpoint = o.endpoints[0]
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// input returns the statements given with -e, or stdin.
func (o *options) input(stdin io.Reader) io.Reader {
	if len(o.execute) == 0 {
		return stdin
	}
	return strings.NewReader(strings.Join(o.execute, "\n"))
}

func run(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) (err error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		if srv, err = serveMetrics(cfg.MetricsAddr, logger); err != nil {
			return multierror.Append(err, store.Close()).ErrorOrNil()
		}
	}

	client := catalog.New(store, cfg.Catalog(), logger)
	session := repl.New(interp.New(client, cfg.Interpreter(), logger), in, out, repl.Config{HistoryFile: cfg.HistoryFile}, logger)
	runErr := session.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop metrics server: %w", err))
		}
		cancel()
	}
	if err := store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close store: %w", err))
	}
	return result.ErrorOrNil()
}

// serveMetrics listens on addr and serves /metrics until shut down.
func serveMetrics(addr string, logger *zap.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server exited", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return srv, nil
}
