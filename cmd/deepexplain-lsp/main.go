package main

import (
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"

	// NOTE: Replace with your actual module path if different
	"github.com/shehackedyou/deepexplain"
)

// Set at build time
var appVersion = "dev"

func main() {
	// --- Log File Setup ---
	logFilePath := "deepexplain-lsp.log"
	logFile, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to open log file %s: %v\n", logFilePath, err)
		os.Exit(1)
	}
	defer logFile.Close()

	// --- Setup Temporary Logger for Initialization ---
	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	tempLogger.Info("DeepExplain LSP server starting...", "version", appVersion, "pid", os.Getpid())

	// --- Initialize Explainer (Loads Config) ---
	explainer, initErr := deepexplain.NewExplainer(tempLogger)
	if initErr != nil && !errors.Is(initErr, deepexplain.ErrConfig) {
		tempLogger.Error("Fatal error initializing DeepExplain service", "error", initErr)
		os.Exit(1)
	}
	if explainer == nil {
		tempLogger.Error("DeepExplain initialization returned nil unexpectedly")
		os.Exit(1)
	}
	defer func() {
		slog.Info("Closing DeepExplain service...")
		if err := explainer.Close(); err != nil {
			slog.Error("Error closing explainer", "error", err)
		}
	}()

	// --- Setup Final Logger based on Config ---
	initialConfig := explainer.GetCurrentConfig()
	logLevel, parseLevelErr := deepexplain.ParseLogLevel(initialConfig.LogLevel)
	if parseLevelErr != nil {
		tempLogger.Warn("Invalid log level in config, using default 'info'", "specified_level", initialConfig.LogLevel, "error", parseLevelErr)
		logLevel = slog.LevelInfo
	}

	// Log to both stderr and the log file. stderr output is visible when the
	// editor surfaces server output; the file survives editor restarts.
	logWriter := io.MultiWriter(os.Stderr, logFile)
	handlerOpts := slog.HandlerOptions{Level: logLevel, AddSource: true}
	finalLogger := slog.New(slog.NewTextHandler(logWriter, &handlerOpts))
	slog.SetDefault(finalLogger)

	slog.Info("DeepExplain LSP service initialized.", "effective_log_level", logLevel.String())
	if initErr != nil && errors.Is(initErr, deepexplain.ErrConfig) {
		slog.Warn("DeepExplain initialized with configuration warnings", "error", initErr)
	}

	// --- Enable Profiling & Debug Endpoint ---
	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)
	go startDebugServer(finalLogger)

	// --- Start LSP Server ---
	lspServer := deepexplain.NewServer(explainer, finalLogger, appVersion)
	lspServer.Run(os.Stdin, os.Stdout)

	slog.Info("DeepExplain LSP server shut down.")
}

// startDebugServer exposes pprof and expvar on a local port for diagnostics.
func startDebugServer(logger *slog.Logger) {
	addr := "localhost:6061"
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/vars", expvar.Handler())

	logger.Info("Starting debug server", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("Debug server stopped", "error", err)
	}
}
