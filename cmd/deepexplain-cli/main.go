package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog" // Use structured logging
	"os"
	"path/filepath"
	"strings"
	"time"

	// NOTE: Replace with your actual module path if different
	"github.com/shehackedyou/deepexplain"
)

// Set at build time
var version = "dev"

func main() {
	// --- Flag Definitions ---
	filePath := flag.String("file", "", "Path to the source file (required)")
	line := flag.Int("line", 0, "Line number (1-based, required)")
	col := flag.Int("col", 0, "Column number (1-based, required)")
	langFlag := flag.String("lang", "", "Language id (e.g. go, python); inferred from file extension if empty")
	rangeOnly := flag.Bool("range-only", false, "Print classification and block range without contacting the LLM")
	logLevelFlag := flag.String("log-level", "", "Log level (debug, info, warn, error) - overrides config")

	flag.Parse()

	// --- Setup Temporary Logger for Initialization ---
	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

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

	// --- Setup Final Logger based on Flag/Config ---
	initialConfig := explainer.GetCurrentConfig()
	chosenLogLevelStr := initialConfig.LogLevel

	if *logLevelFlag != "" {
		chosenLogLevelStr = *logLevelFlag
		tempLogger.Debug("Log level overridden by command-line flag", "flag_level", chosenLogLevelStr)
	}

	logLevel, parseLevelErr := deepexplain.ParseLogLevel(chosenLogLevelStr)
	if parseLevelErr != nil {
		tempLogger.Warn("Invalid log level specified, using default 'info'", "specified_level", chosenLogLevelStr, "error", parseLevelErr)
		logLevel = slog.LevelInfo
	}

	handlerOpts := slog.HandlerOptions{Level: logLevel, AddSource: false} // Keep CLI logs concise
	finalLogger := slog.New(slog.NewTextHandler(os.Stderr, &handlerOpts))
	slog.SetDefault(finalLogger)

	slog.Info("DeepExplain service initialized.", "effective_log_level", logLevel.String())
	if initErr != nil && errors.Is(initErr, deepexplain.ErrConfig) {
		slog.Warn("DeepExplain initialized with configuration warnings", "error", initErr)
	}

	// --- Input Validation ---
	if *filePath == "" {
		slog.Error("Missing required flag: -file")
		flag.Usage()
		os.Exit(1)
	}
	if *line <= 0 {
		slog.Error("Invalid value for -line: must be positive", "value", *line)
		flag.Usage()
		os.Exit(1)
	}
	if *col <= 0 {
		slog.Error("Invalid value for -col: must be positive", "value", *col)
		flag.Usage()
		os.Exit(1)
	}
	absPath, pathErr := deepexplain.ValidateAndGetFilePath(*filePath, finalLogger)
	if pathErr != nil {
		slog.Error("Invalid file path provided via -file flag", "path", *filePath, "error", pathErr)
		os.Exit(1)
	}

	contentBytes, readErr := os.ReadFile(absPath)
	if readErr != nil {
		slog.Error("Cannot read file provided via -file flag", "path", absPath, "error", readErr)
		os.Exit(1)
	}

	languageID := *langFlag
	if languageID == "" {
		languageID = languageIDFromPath(absPath)
		slog.Debug("Inferred language id from file extension", "language", languageID)
	}

	doc := deepexplain.NewTextDocument(languageID, string(contentBytes))
	pos := deepexplain.Position{Line: *line - 1, Character: *col - 1}

	// --- Execute Command ---
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if *rangeOnly {
		class, rng, rangeErr := explainer.BlockRangeAt(doc, pos)
		if rangeErr != nil {
			if errors.Is(rangeErr, deepexplain.ErrNoCode) {
				slog.Info("Nothing explainable at the given position", "line", *line, "col", *col)
				os.Exit(0)
			}
			slog.Error("Failed to compute block range", "error", rangeErr)
			os.Exit(1)
		}
		fmt.Printf("classification: %s\n", class)
		fmt.Printf("range: %d:%d-%d:%d\n", rng.Start.Line+1, rng.Start.Character+1, rng.End.Line+1, rng.End.Character+1)
		return
	}

	slog.Info("Requesting explanation", "path", absPath, "line", *line, "col", *col, "language", languageID)

	spinner := deepexplain.NewSpinner()
	spinner.Start("Waiting for explanation...")
	expl, explainErr := explainer.ExplainAt(ctx, doc, pos)
	spinner.Stop()

	if explainErr != nil {
		switch {
		case errors.Is(explainErr, deepexplain.ErrNoCode):
			slog.Info("Nothing explainable at the given position", "line", *line, "col", *col)
			os.Exit(0)
		case errors.Is(explainErr, context.DeadlineExceeded):
			slog.Error("Explanation request timed out", "file", absPath, "line", *line, "col", *col)
		case errors.Is(explainErr, context.Canceled):
			slog.Warn("Explanation request cancelled", "file", absPath, "line", *line, "col", *col)
		case errors.Is(explainErr, deepexplain.ErrOllamaUnavailable):
			slog.Error("Explanation backend (Ollama) unavailable", "error", explainErr)
		default:
			slog.Error("Failed to get explanation", "error", explainErr, "file", absPath, "line", *line, "col", *col)
		}
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}

	fmt.Printf("%s [%s] %d:%d-%d:%d\n",
		deepexplain.ColorBlue+expl.Classification.String()+deepexplain.ColorReset,
		expl.LanguageID,
		expl.Range.Start.Line+1, expl.Range.Start.Character+1,
		expl.Range.End.Line+1, expl.Range.End.Character+1)
	fmt.Println(expl.Code)
	fmt.Println("---")
	fmt.Println(expl.Text)
	if expl.FromCache {
		fmt.Println("(cached)")
	}

	slog.Info("CLI command finished successfully.")
}

// languageIDFromPath maps a file extension to an LSP-style language id.
func languageIDFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".jsx":
		return "javascriptreact"
	case ".ts", ".mts", ".cts":
		return "typescript"
	case ".tsx":
		return "typescriptreact"
	case ".java":
		return "java"
	case ".cs":
		return "csharp"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".cxx", ".hpp":
		return "cpp"
	case ".rs":
		return "rust"
	case ".rb":
		return "ruby"
	case ".php":
		return "php"
	default:
		return "plaintext"
	}
}
