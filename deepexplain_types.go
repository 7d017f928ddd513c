// deepexplain/types.go
// Contains core type definitions used throughout the deepexplain package.
package deepexplain

import (
	"errors"
	"fmt"
	stdslog "log/slog"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// Configuration Types & Constants
// =============================================================================

const (
	defaultOllamaURL = "http://localhost:11434"
	defaultModel     = "deepseek-coder-r2"

	// Standard prompt template used for explanations.
	explainPromptTemplate = `<s>[INST] <<SYS>>
You are an expert programming assistant.
Explain what the provided %s code does, clearly and concisely, for a developer reading it for the first time.
Describe the purpose of the code unit as a whole, then any non-obvious details.
Output ONLY the explanation in plain prose, without markdown headings or introductory text.
<</SYS>>

SURROUNDING CODE (for context only, do not explain it):
%s

CODE TO EXPLAIN:
` + "```%s\n%s\n```" + `
[/INST]`

	defaultMaxTokens          = 512           // Default maximum tokens for LLM response.
	defaultTemperature        = 0.2           // Default sampling temperature for LLM.
	defaultLogLevel           = "info"        // Default log level.
	defaultContextLines       = 5             // Default surrounding lines sent alongside the code.
	defaultMemoryCacheTTLSecs = 300           // Default TTL for memory cache items (5 minutes).
	defaultDiskCacheTTLSecs   = 86400         // Default TTL for disk cache entries (24 hours).
	defaultConfigFileName     = "config.json" // Default config file name.
	configDirName             = "deepexplain" // Subdirectory name for config/data.
	cacheSchemaVersion        = 1             // Used to invalidate cache if internal formats change.

	// commentScanBound limits how far above the query line the comment state
	// machine looks for block-comment delimiters. Content opened more than this
	// many lines above the query is never detected as "inside a comment".
	commentScanBound = 100

	// Retry constants
	maxRetries = 3
	retryDelay = 500 * time.Millisecond
)

// Config holds the active configuration for the explanation service.
type Config struct {
	OllamaURL             string        `json:"ollama_url"`
	Model                 string        `json:"model"`
	PromptTemplate        string        `json:"-"` // Loaded internally, not from config file.
	MaxTokens             int           `json:"max_tokens"`
	Temperature           float64       `json:"temperature"`
	LogLevel              string        `json:"log_level"`                // Log level (debug, info, warn, error).
	ContextLines          int           `json:"context_lines"`            // Lines of surrounding context sent with the code.
	MemoryCacheTTLSeconds int           `json:"memory_cache_ttl_seconds"` // TTL for memory cache items.
	DiskCacheTTLSeconds   int           `json:"disk_cache_ttl_seconds"`   // TTL for persistent cache entries.
	MemoryCacheTTL        time.Duration `json:"-"`                        // Derived duration, not from file.
	DiskCacheTTL          time.Duration `json:"-"`                        // Derived duration, not from file.
}

// FileConfig represents the structure of the JSON config file for unmarshalling.
// Uses pointers to distinguish between unset fields and zero-value fields.
type FileConfig struct {
	OllamaURL             *string  `json:"ollama_url"`
	Model                 *string  `json:"model"`
	MaxTokens             *int     `json:"max_tokens"`
	Temperature           *float64 `json:"temperature"`
	LogLevel              *string  `json:"log_level"`
	ContextLines          *int     `json:"context_lines"`
	MemoryCacheTTLSeconds *int     `json:"memory_cache_ttl_seconds"`
	DiskCacheTTLSeconds   *int     `json:"disk_cache_ttl_seconds"`
}

// getDefaultConfig returns a new instance of the default configuration.
func getDefaultConfig() Config {
	return Config{
		OllamaURL:             defaultOllamaURL,
		Model:                 defaultModel,
		PromptTemplate:        explainPromptTemplate,
		MaxTokens:             defaultMaxTokens,
		Temperature:           defaultTemperature,
		LogLevel:              defaultLogLevel,
		ContextLines:          defaultContextLines,
		MemoryCacheTTLSeconds: defaultMemoryCacheTTLSecs,
		DiskCacheTTLSeconds:   defaultDiskCacheTTLSecs,
		MemoryCacheTTL:        time.Duration(defaultMemoryCacheTTLSecs) * time.Second,
		DiskCacheTTL:          time.Duration(defaultDiskCacheTTLSecs) * time.Second,
	}
}

// Validate checks if configuration values are valid, applying defaults for some fields.
func (c *Config) Validate(logger *stdslog.Logger) error {
	var validationErrors []error
	if logger == nil {
		logger = stdslog.Default()
	}
	tempDefault := getDefaultConfig()

	if strings.TrimSpace(c.OllamaURL) == "" {
		validationErrors = append(validationErrors, errors.New("ollama_url cannot be empty"))
	} else {
		parsedURL, err := url.ParseRequestURI(c.OllamaURL)
		if err != nil {
			validationErrors = append(validationErrors, fmt.Errorf("invalid ollama_url format: %w", err))
		} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			validationErrors = append(validationErrors, fmt.Errorf("invalid ollama_url scheme '%s', must be http or https", parsedURL.Scheme))
		}
	}
	if strings.TrimSpace(c.Model) == "" {
		validationErrors = append(validationErrors, errors.New("model cannot be empty"))
	}
	if c.MaxTokens <= 0 {
		logger.Warn("Config validation: max_tokens is not positive, applying default.", "configured_value", c.MaxTokens, "default", tempDefault.MaxTokens)
		c.MaxTokens = tempDefault.MaxTokens
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		logger.Warn("Config validation: temperature is outside reasonable range [0.0, 2.0], applying default.", "configured_value", c.Temperature, "default", tempDefault.Temperature)
		validationErrors = append(validationErrors, fmt.Errorf("temperature %f is outside valid range [0.0, 2.0]", c.Temperature))
		c.Temperature = tempDefault.Temperature
	}
	if c.ContextLines <= 0 {
		logger.Warn("Config validation: context_lines is not positive, applying default.", "configured_value", c.ContextLines, "default", tempDefault.ContextLines)
		c.ContextLines = tempDefault.ContextLines
	}
	if c.MemoryCacheTTLSeconds <= 0 {
		logger.Warn("Config validation: memory_cache_ttl_seconds is not positive, applying default.", "configured_value", c.MemoryCacheTTLSeconds, "default", tempDefault.MemoryCacheTTLSeconds)
		c.MemoryCacheTTLSeconds = tempDefault.MemoryCacheTTLSeconds
	}
	if c.DiskCacheTTLSeconds <= 0 {
		logger.Warn("Config validation: disk_cache_ttl_seconds is not positive, applying default.", "configured_value", c.DiskCacheTTLSeconds, "default", tempDefault.DiskCacheTTLSeconds)
		c.DiskCacheTTLSeconds = tempDefault.DiskCacheTTLSeconds
	}
	// Derive the durations from the seconds values after validation/defaulting.
	c.MemoryCacheTTL = time.Duration(c.MemoryCacheTTLSeconds) * time.Second
	c.DiskCacheTTL = time.Duration(c.DiskCacheTTLSeconds) * time.Second

	if c.LogLevel == "" {
		logger.Warn("Config validation: log_level is empty, applying default.", "default", defaultLogLevel)
		c.LogLevel = defaultLogLevel
	} else {
		_, err := ParseLogLevel(c.LogLevel)
		if err != nil {
			logger.Warn("Config validation: Invalid log_level found, applying default.", "configured_value", c.LogLevel, "default", defaultLogLevel, "error", err)
			validationErrors = append(validationErrors, fmt.Errorf("invalid log_level '%s': %w", c.LogLevel, err))
			c.LogLevel = defaultLogLevel
		}
	}

	if c.PromptTemplate == "" {
		c.PromptTemplate = explainPromptTemplate
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(validationErrors...))
	}
	return nil
}

// =============================================================================
// Position & Classification Types
// =============================================================================

// Position is a zero-based line/character location within a document.
type Position struct {
	Line      int // 0-based
	Character int // 0-based, byte offset within the line
}

// Range is a region of a document. The line axis is end-inclusive; character
// bounds produced by this package always span the full width of the boundary
// lines (no sub-line ranges).
type Range struct {
	Start Position
	End   Position
}

// BlockLineRange is the line-granular block extent before widening to a Range.
// Both bounds are inclusive.
type BlockLineRange struct {
	StartLine int
	EndLine   int
}

// Classification describes what kind of code unit a line belongs to.
type Classification int

const (
	// ClassUnknown means the line matched no known pattern; block extraction
	// falls back to the indentation heuristic.
	ClassUnknown Classification = iota
	// ClassSimple is a standalone statement (declaration, return,
	// import/export) that highlights and explains as a single line.
	ClassSimple
	// ClassStructural is a line that begins or is nested inside a control-flow,
	// function, class, or method construct; it highlights and explains as its
	// full block.
	ClassStructural
)

func (c Classification) String() string {
	switch c {
	case ClassSimple:
		return "simple"
	case ClassStructural:
		return "structural"
	default:
		return "unknown"
	}
}

// =============================================================================
// Document Abstraction
// =============================================================================

// Document is the capability interface over a read-only, line-oriented text
// buffer. Any host buffer implementing it works; there is no dependency on a
// specific editor.
type Document interface {
	// LanguageID returns the host editor's language identifier (e.g. "python").
	LanguageID() string
	// LineCount returns the number of lines in the buffer.
	LineCount() int
	// LineText returns the text of the given zero-based line without its
	// trailing newline. Out-of-range indices return the empty string.
	LineText(i int) string
	// OffsetAt returns the absolute byte offset of the position, counting one
	// byte per newline. Positions are clamped to document bounds.
	OffsetAt(pos Position) int
}

// TextDocument is an in-memory Document backed by a string. It is the concrete
// buffer used by the LSP layer for open files and by tests.
type TextDocument struct {
	languageID  string
	lines       []string
	lineOffsets []int // byte offset of the start of each line
}

// NewTextDocument splits content into lines and precomputes line offsets.
// CRLF line endings are normalized. Empty content yields a zero-line document.
func NewTextDocument(languageID, content string) *TextDocument {
	doc := &TextDocument{languageID: languageID}
	if content == "" {
		return doc
	}
	raw := strings.Split(content, "\n")
	doc.lines = make([]string, len(raw))
	doc.lineOffsets = make([]int, len(raw))
	offset := 0
	for i, line := range raw {
		doc.lineOffsets[i] = offset
		offset += len(line) + 1 // +1 for the newline
		doc.lines[i] = strings.TrimSuffix(line, "\r")
	}
	return doc
}

func (d *TextDocument) LanguageID() string { return d.languageID }
func (d *TextDocument) LineCount() int     { return len(d.lines) }

func (d *TextDocument) LineText(i int) string {
	if i < 0 || i >= len(d.lines) {
		return ""
	}
	return d.lines[i]
}

func (d *TextDocument) OffsetAt(pos Position) int {
	if len(d.lines) == 0 || pos.Line < 0 {
		return 0
	}
	if pos.Line >= len(d.lines) {
		last := len(d.lines) - 1
		return d.lineOffsets[last] + len(d.lines[last])
	}
	ch := pos.Character
	if ch < 0 {
		ch = 0
	}
	if ch > len(d.lines[pos.Line]) {
		ch = len(d.lines[pos.Line])
	}
	return d.lineOffsets[pos.Line] + ch
}

// =============================================================================
// Explanation Types
// =============================================================================

// Explanation is the result of explaining the code unit at a position.
type Explanation struct {
	Code           string         // The exact text that was explained.
	Context        string         // Surrounding lines sent with the prompt.
	LanguageID     string         // Language id of the source document.
	Classification Classification // Classification used for both range and text.
	Range          Range          // Block extent for the editor highlight.
	Text           string         // The generated explanation.
	FromCache      bool           // True if served from the explanation cache.
}

// =============================================================================
// Ollama Types
// =============================================================================

type OllamaError struct {
	Message string
	Status  int // HTTP status code, if available
}

func (e *OllamaError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("Ollama error: %s (Status: %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("Ollama error: %s", e.Message)
}

type OllamaResponse struct {
	Response string `json:"response"`        // The generated text chunk.
	Done     bool   `json:"done"`            // Indicates if the stream is complete.
	Error    string `json:"error,omitempty"` // Error message from Ollama, if any.
}
