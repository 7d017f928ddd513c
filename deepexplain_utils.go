// deepexplain_utils.go
package deepexplain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// ============================================================================
// Terminal Colors
// ============================================================================
var (
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[38;5;119m"
	ColorYellow = "\033[38;5;220m"
	ColorBlue   = "\033[38;5;153m"
	ColorRed    = "\033[38;5;203m"
	ColorCyan   = "\033[38;5;141m"
)

// PrettyPrint prints colored text to stderr.
func PrettyPrint(color, text string) {
	fmt.Fprint(os.Stderr, color, text, ColorReset)
}

// ============================================================================
// Logging Helpers
// ============================================================================

// ParseLogLevel converts a level name to a slog.Level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level '%s' (expected debug, info, warn, or error)", level)
	}
}

// ValidateAndGetFilePath cleans a user-supplied file path and resolves it to
// an absolute path, rejecting empty input.
func ValidateAndGetFilePath(path string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(path) == "" {
		return "", errors.New("file path cannot be empty")
	}
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		logger.Warn("Could not resolve absolute path", "path", path, "error", err)
		return "", fmt.Errorf("failed to resolve absolute path for '%s': %w", path, err)
	}
	return absPath, nil
}

// ============================================================================
// Config File Helpers
// ============================================================================

// GetConfigPaths returns the primary (user config dir) and secondary (home
// dotfile) config file paths. Either may be empty if it cannot be determined.
func GetConfigPaths(logger *slog.Logger) (primary string, secondary string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var pathErrors []error

	userConfigDir, confErr := os.UserConfigDir()
	if confErr == nil {
		primary = filepath.Join(userConfigDir, configDirName, defaultConfigFileName)
	} else {
		logger.Debug("Could not determine user config directory", "error", confErr)
		pathErrors = append(pathErrors, fmt.Errorf("user config dir: %w", confErr))
	}

	homeDir, homeErr := os.UserHomeDir()
	if homeErr == nil {
		secondary = filepath.Join(homeDir, "."+configDirName, defaultConfigFileName)
	} else {
		logger.Debug("Could not determine user home directory", "error", homeErr)
		pathErrors = append(pathErrors, fmt.Errorf("user home dir: %w", homeErr))
	}

	if primary == "" && secondary == "" {
		return "", "", fmt.Errorf("%w: %w", ErrConfig, errors.Join(pathErrors...))
	}
	return primary, secondary, nil
}

// LoadAndMergeConfig reads the config file at path and merges any set fields
// into cfg. Returns loaded=false when the file does not exist.
func LoadAndMergeConfig(path string, cfg *Config, logger *slog.Logger) (loaded bool, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("reading config file '%s': %w", path, readErr)
	}

	var fileCfg FileConfig
	if jsonErr := json.Unmarshal(data, &fileCfg); jsonErr != nil {
		return true, fmt.Errorf("parsing config file JSON '%s': %w", path, jsonErr)
	}

	if fileCfg.OllamaURL != nil {
		cfg.OllamaURL = *fileCfg.OllamaURL
	}
	if fileCfg.Model != nil {
		cfg.Model = *fileCfg.Model
	}
	if fileCfg.MaxTokens != nil {
		cfg.MaxTokens = *fileCfg.MaxTokens
	}
	if fileCfg.Temperature != nil {
		cfg.Temperature = *fileCfg.Temperature
	}
	if fileCfg.LogLevel != nil {
		cfg.LogLevel = *fileCfg.LogLevel
	}
	if fileCfg.ContextLines != nil {
		cfg.ContextLines = *fileCfg.ContextLines
	}
	if fileCfg.MemoryCacheTTLSeconds != nil {
		cfg.MemoryCacheTTLSeconds = *fileCfg.MemoryCacheTTLSeconds
	}
	if fileCfg.DiskCacheTTLSeconds != nil {
		cfg.DiskCacheTTLSeconds = *fileCfg.DiskCacheTTLSeconds
	}
	logger.Debug("Merged config file over defaults", "path", path)
	return true, nil
}

// WriteDefaultConfig writes the default configuration as indented JSON,
// creating parent directories as needed. Existing files are not overwritten.
func WriteDefaultConfig(path string, defaultConfig Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, statErr := os.Stat(path); statErr == nil {
		logger.Debug("Config file already exists, not overwriting with defaults.", "path", path)
		return nil
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return fmt.Errorf("stat config file '%s': %w", path, statErr)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating config directory for '%s': %w", path, err)
	}
	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("writing default config '%s': %w", path, err)
	}
	logger.Info("Wrote default config file", "path", path)
	return nil
}

// ============================================================================
// LSP Position Conversion Helpers
// ============================================================================

// Utf16OffsetToBytes converts a 0-based UTF-16 offset within a line to a 0-based byte offset.
func Utf16OffsetToBytes(line []byte, utf16Offset int) (int, error) {
	if utf16Offset < 0 {
		return 0, fmt.Errorf("%w: invalid utf16Offset: %d (must be >= 0)", ErrInvalidPositionInput, utf16Offset)
	}
	if utf16Offset == 0 {
		return 0, nil
	}

	byteOffset := 0
	currentUTF16Offset := 0
	for byteOffset < len(line) {
		if currentUTF16Offset >= utf16Offset {
			break
		} // Reached target.
		r, size := utf8.DecodeRune(line[byteOffset:])
		if r == utf8.RuneError && size <= 1 {
			return byteOffset, fmt.Errorf("%w at byte offset %d", ErrInvalidUTF8, byteOffset)
		}
		utf16Units := 1
		if r > 0xFFFF {
			utf16Units = 2
		} // Surrogate pairs require 2 units.
		// If adding this rune exceeds target, current byteOffset is the answer.
		if currentUTF16Offset+utf16Units > utf16Offset {
			break
		}
		currentUTF16Offset += utf16Units
		byteOffset += size
		if currentUTF16Offset == utf16Offset {
			break
		} // Exact match.
	}
	// Check if target offset was beyond the actual line length in UTF-16.
	if currentUTF16Offset < utf16Offset {
		return len(line), fmt.Errorf("%w: utf16Offset %d is beyond the line length in UTF-16 units (%d)", ErrPositionOutOfRange, utf16Offset, currentUTF16Offset)
	}
	return byteOffset, nil
}

// BytesToUtf16Offset converts a 0-based byte offset within a line to a
// 0-based UTF-16 offset, clamping to the line end.
func BytesToUtf16Offset(line []byte, byteOffset int) int {
	if byteOffset < 0 {
		return 0
	}
	if byteOffset > len(line) {
		byteOffset = len(line)
	}
	utf16Offset := 0
	i := 0
	for i < byteOffset {
		r, size := utf8.DecodeRune(line[i:])
		if r == utf8.RuneError && size <= 1 {
			// Invalid byte counts as one unit, keeps offsets monotonic.
			utf16Offset++
			i++
			continue
		}
		if r > 0xFFFF {
			utf16Offset += 2
		} else {
			utf16Offset++
		}
		i += size
	}
	return utf16Offset
}

// ============================================================================
// Retry Helper
// ============================================================================

// retry executes an operation function with backoff and retry logic.
func retry(ctx context.Context, operation func() error, maxAttempts int, initialDelay time.Duration, logger *slog.Logger) error {
	var lastErr error
	if logger == nil {
		logger = slog.Default()
	}

	currentDelay := initialDelay
	for i := 0; i < maxAttempts; i++ {
		attemptLogger := logger.With("attempt", i+1, "max_attempts", maxAttempts)
		select {
		case <-ctx.Done():
			attemptLogger.Warn("Context cancelled before attempt", "error", ctx.Err())
			return ctx.Err()
		default:
		} // Check context.

		lastErr = operation()
		if lastErr == nil {
			return nil
		} // Success.

		// Don't retry context errors.
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			attemptLogger.Warn("Attempt failed due to context error. Not retrying.", "error", lastErr)
			return lastErr
		}

		// Check for other retryable errors (e.g., specific HTTP statuses from OllamaError)
		var ollamaErr *OllamaError
		isRetryable := errors.As(lastErr, &ollamaErr) && (ollamaErr.Status == http.StatusServiceUnavailable || ollamaErr.Status == http.StatusTooManyRequests)
		isRetryable = isRetryable || errors.Is(lastErr, ErrOllamaUnavailable) // Include general unavailability

		if !isRetryable {
			attemptLogger.Warn("Attempt failed with non-retryable error.", "error", lastErr)
			return lastErr
		}

		// If it's the last attempt, don't wait, just return the error.
		if i == maxAttempts-1 {
			break
		}

		waitDuration := currentDelay
		attemptLogger.Warn("Attempt failed with retryable error. Retrying...", "error", lastErr, "delay", waitDuration)

		select {
		case <-ctx.Done():
			attemptLogger.Warn("Context cancelled during retry wait", "error", ctx.Err())
			return ctx.Err()
		case <-time.After(waitDuration):
		} // Wait or cancel.
	}
	logger.Error("Operation failed after all retries.", "retries", maxAttempts, "final_error", lastErr)
	return fmt.Errorf("operation failed after %d retries: %w", maxAttempts, lastErr)
}

// ============================================================================
// Spinner
// ============================================================================

// Spinner provides simple terminal spinner feedback.
type Spinner struct {
	chars    []string
	message  string
	index    int
	mu       sync.Mutex
	stopChan chan struct{}
	doneChan chan struct{}
	running  bool
}

func NewSpinner() *Spinner {
	return &Spinner{chars: []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}, index: 0}
}

// Start begins the spinner animation in a separate goroutine.
func (s *Spinner) Start(initialMessage string) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	s.message = initialMessage
	s.running = true
	s.mu.Unlock()
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		defer func() {
			s.mu.Lock()
			isRunning := s.running
			s.running = false
			s.mu.Unlock()
			if isRunning {
				fmt.Fprintf(os.Stderr, "\r\033[K")
			}
			select {
			case s.doneChan <- struct{}{}:
			default:
			}
			close(s.doneChan)
		}() // Cleanup.
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.mu.Lock()
				if !s.running {
					s.mu.Unlock()
					return
				}
				char := s.chars[s.index]
				msg := s.message
				s.index = (s.index + 1) % len(s.chars)
				s.mu.Unlock()
				fmt.Fprintf(os.Stderr, "\r\033[K%s%s%s %s", ColorCyan, char, ColorReset, msg)
			}
		} // Animate.
	}()
}

// UpdateMessage changes the text displayed next to the spinner.
func (s *Spinner) UpdateMessage(newMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.message = newMessage
	}
}

// Stop halts the spinner animation and cleans up.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	doneChan := s.doneChan
	s.mu.Unlock()
	if doneChan != nil {
		select {
		case <-doneChan:
		case <-time.After(500 * time.Millisecond):
			slog.Warn("Timeout waiting for spinner goroutine cleanup")
		}
	}
	fmt.Fprintf(os.Stderr, "\r\033[K") // Wait & final clear.
}

// ============================================================================
// Stream Processing Helpers (Used by Ollama Client)
// ============================================================================

// streamResponse reads the Ollama NDJSON stream and writes generated text to w.
func streamResponse(ctx context.Context, r io.ReadCloser, w io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	defer r.Close()
	reader := bufio.NewReader(r)
	lineCount := 0
	for {
		select {
		case <-ctx.Done():
			logger.Warn("Context cancelled during streaming", "error", ctx.Err())
			return ctx.Err()
		default:
		} // Check context.

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(line) > 0 { // Process final partial line if any
					if procErr := processLine(line, w, logger); procErr != nil {
						return procErr
					}
				}
				logger.Debug("Stream processing finished (EOF)", "lines_processed", lineCount)
				return nil
			} // Handle EOF.
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("%w: error reading from Ollama stream: %w", ErrStreamProcessing, err)
			} // Check context after read error.
		}
		lineCount++
		if procErr := processLine(line, w, logger); procErr != nil {
			return procErr
		} // Process line.
	}
}

// processLine decodes a single line from the Ollama stream and writes the content.
func processLine(line []byte, w io.Writer, logger *slog.Logger) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	} // Ignore empty lines.
	var resp OllamaResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		logger.Debug("Ignoring non-JSON line from Ollama stream", "line", string(line))
		return nil
	} // Tolerate non-JSON lines.
	if resp.Error != "" {
		logger.Error("Ollama stream reported an error", "error", resp.Error)
		return fmt.Errorf("%w: ollama stream error: %s", ErrStreamProcessing, resp.Error)
	} // Check for errors in stream.
	if _, err := fmt.Fprint(w, resp.Response); err != nil {
		logger.Error("Error writing stream chunk to output", "error", err)
		return fmt.Errorf("%w: error writing to output: %w", ErrStreamProcessing, err)
	} // Write content.
	return nil
}
