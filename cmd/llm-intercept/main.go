package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vachhanidhyey/llm-intercept/internal/api"
	"github.com/vachhanidhyey/llm-intercept/internal/auth"
	"github.com/vachhanidhyey/llm-intercept/internal/config"
	"github.com/vachhanidhyey/llm-intercept/internal/observability"
	"github.com/vachhanidhyey/llm-intercept/internal/proxy"
	"github.com/vachhanidhyey/llm-intercept/internal/record"
	"github.com/vachhanidhyey/llm-intercept/internal/upstream"
	"github.com/vachhanidhyey/llm-intercept/internal/version"
)

const defaultConfigPath = "llm-intercept.yaml"

const recordWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "doctor":
		return runDoctor(args[1:], os.Stdout, os.Stderr)
	case "diagnostics":
		return runDiagnostics(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Logging.Level, false)
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}
	if otelRuntime.Enabled() {
		// Re-derive the logger so every line carries trace_id/span_id when a
		// span is active.
		logger = newLogger(cfg.Logging.Level, true)
	}

	var store record.Store
	switch cfg.Storage.Driver {
	case "sqlite":
		sqliteStore, err := record.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize sqlite storage: %v\n", err)
			return 1
		}
		defer func() {
			if err := sqliteStore.Close(); err != nil {
				logger.Error("failed to close sqlite storage", "error", err)
			}
		}()
		store = sqliteStore
	case "postgres":
		postgresStore, err := record.NewPostgresStore(cfg.Storage.DSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize postgres storage: %v\n", err)
			return 1
		}
		defer func() {
			if err := postgresStore.Close(); err != nil {
				logger.Error("failed to close postgres storage", "error", err)
			}
		}()
		store = postgresStore
	default:
		fmt.Fprintf(os.Stderr, "unsupported storage.driver %q\n", cfg.Storage.Driver)
		return 1
	}

	writer := record.NewWriter(store, cfg.Recording.QueueSize, cfg.Recording.BatchSize)
	attachWriterMetrics(writer, otelRuntime)
	attachWriterFailureLogging(logger, writer, otelRuntime)
	writer.Start(context.Background())
	defer shutdownRecordWriter(logger, writer, recordWriterShutdownTimeout)

	upstreamClient := upstream.NewClient(upstream.Options{
		BaseURL:        cfg.Upstream.BaseURL,
		ConnectTimeout: time.Duration(cfg.Upstream.ConnectTimeoutMS) * time.Millisecond,
		RequestTimeout: time.Duration(cfg.Upstream.RequestTimeoutMS) * time.Millisecond,
		WrapTransport:  otelRuntime.WrapHTTPTransport,
	})

	proxyHandler := proxy.NewHandler(proxy.HandlerOptions{
		Forwarder:             proxy.ForwarderFromClient(upstreamClient),
		Recorder:              writer,
		Logger:                logger,
		StreamBufferMaxBytes:  cfg.Stream.BufferMaxBytes,
		StreamChannelCapacity: cfg.Stream.ChannelCapacity,
	})

	adminToken := auth.NewAdminToken(cfg.Admin.Token)
	apiHandler := api.NewRouter(api.RouterOptions{
		AppVersion:    version.String(),
		Store:         store,
		StorageDriver: cfg.Storage.Driver,
		StoragePath:   cfg.Storage.Path,
		AdminToken:    adminToken,
		Diagnostics:   writer,
	})

	mux := http.NewServeMux()
	mux.Handle("/v1/chat/completions", proxyHandler)
	mux.Handle("/", apiHandler)

	serverHandler := otelRuntime.SpanEnrichmentMiddleware(mux)
	serverHandler = otelRuntime.WrapHTTPHandler(serverHandler)
	server := newInterceptServer(cfg, logger, serverHandler)

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"upstream", cfg.Upstream.BaseURL,
		"storage_driver", cfg.Storage.Driver,
		"admin_enabled", adminToken.Enabled(),
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("intercept proxy stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("intercept proxy failed", "error", err)
			return 1
		}
		return 0
	}
}

func newLogger(level string, withSpanContext bool) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)})
	if withSpanContext {
		handler = observability.NewSpanLogHandler(handler)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newInterceptServer builds the HTTP server. WriteTimeout stays unset:
// streamed completions can legitimately run for minutes.
func newInterceptServer(cfg config.Config, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           proxy.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func attachWriterMetrics(writer *record.Writer, otelRuntime *observability.Runtime) {
	if writer == nil || !otelRuntime.Enabled() {
		return
	}
	writer.SetMetrics(&record.WriterMetrics{
		OnDrop: otelRuntime.RecordExchangeDrop,
	})
}

func attachWriterFailureLogging(logger *slog.Logger, writer *record.Writer, otelRuntime *observability.Runtime) {
	if logger == nil || writer == nil {
		return
	}

	writer.SetWriteFailureHandler(func(failure record.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		otelRuntime.RecordWriteFailure(failure.Operation, failure.FailedCount)
		logger.Error(
			"exchange persistence failed; dropped records",
			"operation", strings.TrimSpace(failure.Operation),
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error", failure.Err,
		)
	})
}

func shutdownRecordWriter(logger *slog.Logger, writer *record.Writer, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to flush pending exchanges before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("flushed pending exchanges before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  llm-intercept serve [--config path/to/llm-intercept.yaml]")
	fmt.Fprintln(out, "  llm-intercept version")
	fmt.Fprintln(out, "  llm-intercept config init [--config path/to/llm-intercept.yaml] [--force]")
	fmt.Fprintln(out, "  llm-intercept config validate [--config path/to/llm-intercept.yaml]")
	fmt.Fprintln(out, "  llm-intercept doctor [--config path/to/llm-intercept.yaml] [--format text|json]")
	fmt.Fprintln(out, "  llm-intercept diagnostics [--config path/to/llm-intercept.yaml] [--base-url URL] [--admin-token TOKEN] [--format text|json] [--timeout DURATION]")
}
