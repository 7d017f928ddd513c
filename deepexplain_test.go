// deepexplain/deepexplain_test.go
package deepexplain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/tools/txtar"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// Config Tests
// =============================================================================

func TestConfigValidate(t *testing.T) {
	logger := discardLogger()

	t.Run("defaults are valid", func(t *testing.T) {
		cfg := getDefaultConfig()
		if err := cfg.Validate(logger); err != nil {
			t.Errorf("Validate(defaults) = %v, want nil", err)
		}
	})

	t.Run("empty model is an error", func(t *testing.T) {
		cfg := getDefaultConfig()
		cfg.Model = "  "
		err := cfg.Validate(logger)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
		}
	})

	t.Run("bad url scheme is an error", func(t *testing.T) {
		cfg := getDefaultConfig()
		cfg.OllamaURL = "ftp://localhost:11434"
		if err := cfg.Validate(logger); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
		}
	})

	t.Run("non-positive numbers get defaults", func(t *testing.T) {
		cfg := getDefaultConfig()
		cfg.MaxTokens = 0
		cfg.ContextLines = -1
		cfg.MemoryCacheTTLSeconds = 0
		cfg.DiskCacheTTLSeconds = 0
		if err := cfg.Validate(logger); err != nil {
			t.Fatalf("Validate() = %v, want nil after defaulting", err)
		}
		if cfg.MaxTokens != defaultMaxTokens {
			t.Errorf("MaxTokens = %d, want default %d", cfg.MaxTokens, defaultMaxTokens)
		}
		if cfg.ContextLines != defaultContextLines {
			t.Errorf("ContextLines = %d, want default %d", cfg.ContextLines, defaultContextLines)
		}
		if want := time.Duration(defaultMemoryCacheTTLSecs) * time.Second; cfg.MemoryCacheTTL != want {
			t.Errorf("MemoryCacheTTL = %v, want derived %v", cfg.MemoryCacheTTL, want)
		}
		if want := time.Duration(defaultDiskCacheTTLSecs) * time.Second; cfg.DiskCacheTTL != want {
			t.Errorf("DiskCacheTTL = %v, want derived %v", cfg.DiskCacheTTL, want)
		}
	})

	t.Run("out-of-range temperature errors and resets", func(t *testing.T) {
		cfg := getDefaultConfig()
		cfg.Temperature = 3.5
		err := cfg.Validate(logger)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
		}
		if cfg.Temperature != defaultTemperature {
			t.Errorf("Temperature = %f, want reset to default %f", cfg.Temperature, defaultTemperature)
		}
	})

	t.Run("empty prompt template restored", func(t *testing.T) {
		cfg := getDefaultConfig()
		cfg.PromptTemplate = ""
		if err := cfg.Validate(logger); err != nil {
			t.Fatalf("Validate() = %v, want nil", err)
		}
		if cfg.PromptTemplate == "" {
			t.Error("PromptTemplate still empty after Validate")
		}
	})
}

func TestLoadAndMergeConfig(t *testing.T) {
	logger := discardLogger()

	t.Run("merges set fields only", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		content := `{"model": "other-model", "context_lines": 9}`
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write test config: %v", err)
		}

		cfg := getDefaultConfig()
		loaded, err := LoadAndMergeConfig(path, &cfg, logger)
		if err != nil {
			t.Fatalf("LoadAndMergeConfig() error = %v", err)
		}
		if !loaded {
			t.Fatal("LoadAndMergeConfig() loaded = false, want true")
		}
		if cfg.Model != "other-model" {
			t.Errorf("Model = %q, want merged value", cfg.Model)
		}
		if cfg.ContextLines != 9 {
			t.Errorf("ContextLines = %d, want 9", cfg.ContextLines)
		}
		if cfg.OllamaURL != defaultOllamaURL {
			t.Errorf("OllamaURL = %q, want untouched default", cfg.OllamaURL)
		}
	})

	t.Run("missing file is not an error", func(t *testing.T) {
		cfg := getDefaultConfig()
		loaded, err := LoadAndMergeConfig(filepath.Join(t.TempDir(), "nope.json"), &cfg, logger)
		if err != nil || loaded {
			t.Errorf("LoadAndMergeConfig(missing) = (%v, %v), want (false, nil)", loaded, err)
		}
	})

	t.Run("invalid json is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
			t.Fatalf("Failed to write test config: %v", err)
		}
		cfg := getDefaultConfig()
		if _, err := LoadAndMergeConfig(path, &cfg, logger); err == nil {
			t.Error("LoadAndMergeConfig(invalid json) error = nil, want parse error")
		}
	})
}

func TestWriteDefaultConfig(t *testing.T) {
	logger := discardLogger()
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	if err := WriteDefaultConfig(path, getDefaultConfig(), logger); err != nil {
		t.Fatalf("WriteDefaultConfig() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Reading written config: %v", err)
	}
	var fileCfg FileConfig
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		t.Fatalf("Written config is not valid JSON: %v", err)
	}
	if fileCfg.Model == nil || *fileCfg.Model != defaultModel {
		t.Errorf("Written config model = %v, want %q", fileCfg.Model, defaultModel)
	}

	// A second write must not clobber an existing file.
	if err := os.WriteFile(path, []byte(`{"model":"custom"}`), 0644); err != nil {
		t.Fatalf("Failed to overwrite config: %v", err)
	}
	if err := WriteDefaultConfig(path, getDefaultConfig(), logger); err != nil {
		t.Fatalf("WriteDefaultConfig() on existing file error = %v", err)
	}
	data, _ = os.ReadFile(path)
	if !strings.Contains(string(data), "custom") {
		t.Error("WriteDefaultConfig overwrote an existing config file")
	}
}

// =============================================================================
// Cache Tests
// =============================================================================

func newTestCache(t *testing.T, cfg Config) *ExplanationCache {
	t.Helper()
	cache, err := NewExplanationCacheAt(discardLogger(), cfg, filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("NewExplanationCacheAt() error = %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestExplanationCacheSetGet(t *testing.T) {
	cache := newTestCache(t, getDefaultConfig())

	expl := Explanation{
		Code:       "x := 1",
		LanguageID: "go",
		Text:       "Declares x and initializes it to one.",
	}
	cache.Set("go", "test-model", "x := 1", expl)

	got, found := cache.Get("go", "test-model", "x := 1")
	if !found {
		t.Fatal("Get() after Set() found = false, want true")
	}
	if got.Text != expl.Text || got.Code != expl.Code {
		t.Errorf("Get() = %+v, want the stored explanation", got)
	}

	// The key covers language and model, not just the code.
	if _, found := cache.Get("go", "other-model", "x := 1"); found {
		t.Error("Get() with a different model hit, want miss")
	}
	if _, found := cache.Get("python", "test-model", "x := 1"); found {
		t.Error("Get() with a different language hit, want miss")
	}
	if _, found := cache.Get("go", "test-model", "y := 2"); found {
		t.Error("Get() with different code hit, want miss")
	}
}

func TestExplanationCacheDiskExpiry(t *testing.T) {
	cfg := getDefaultConfig()
	cfg.MemoryCacheTTL = 30 * time.Millisecond
	cfg.DiskCacheTTL = 30 * time.Millisecond

	dbPath := filepath.Join(t.TempDir(), "cache.db")
	cache, err := NewExplanationCacheAt(discardLogger(), cfg, dbPath)
	if err != nil {
		t.Fatalf("NewExplanationCacheAt() error = %v", err)
	}
	cache.Set("go", "m", "code", Explanation{Text: "short lived"})
	if err := cache.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	// Reopen with a cold memory tier so only the disk entry can answer.
	reopened, err := NewExplanationCacheAt(discardLogger(), cfg, dbPath)
	if err != nil {
		t.Fatalf("Reopening cache: %v", err)
	}
	defer reopened.Close()
	if _, found := reopened.Get("go", "m", "code"); found {
		t.Error("Get() returned an entry older than the disk TTL")
	}
}

func TestExplanationCachePersistsAcrossReopen(t *testing.T) {
	cfg := getDefaultConfig()
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	cache, err := NewExplanationCacheAt(discardLogger(), cfg, dbPath)
	if err != nil {
		t.Fatalf("NewExplanationCacheAt() error = %v", err)
	}
	cache.Set("go", "m", "code", Explanation{Text: "persisted"})
	if err := cache.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewExplanationCacheAt(discardLogger(), cfg, dbPath)
	if err != nil {
		t.Fatalf("Reopening cache: %v", err)
	}
	defer reopened.Close()
	got, found := reopened.Get("go", "m", "code")
	if !found || got.Text != "persisted" {
		t.Errorf("Get() after reopen = (%+v, %v), want the persisted entry", got, found)
	}
}

func TestExplanationCacheMetrics(t *testing.T) {
	cache := newTestCache(t, getDefaultConfig())
	if cache.MemoryCacheMetrics() == nil {
		t.Error("MemoryCacheMetrics() = nil with memory tier enabled")
	}
	cache.Close()
	if cache.MemoryCacheMetrics() != nil {
		t.Error("MemoryCacheMetrics() != nil after Close")
	}
}

// =============================================================================
// Explainer Tests
// =============================================================================

// mockLLMClient replays a canned NDJSON stream in the Ollama format.
type mockLLMClient struct {
	response    string
	generateErr error
	calls       int
}

func (m *mockLLMClient) GenerateStream(ctx context.Context, prompt string, config Config, logger *slog.Logger) (io.ReadCloser, error) {
	m.calls++
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.Encode(OllamaResponse{Response: m.response})
	enc.Encode(OllamaResponse{Done: true})
	return io.NopCloser(&buf), nil
}

func (m *mockLLMClient) CheckAvailability(ctx context.Context, config Config, logger *slog.Logger) error {
	return nil
}

func newTestExplainer(t *testing.T, client LLMClient) *Explainer {
	t.Helper()
	logger := discardLogger()
	cfg := getDefaultConfig()
	cache, err := NewExplanationCacheAt(logger, cfg, filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("NewExplanationCacheAt() error = %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	detector := NewStructureDetector(logger)
	return &Explainer{
		client:    client,
		detector:  detector,
		extractor: NewContextExtractor(detector, logger),
		cache:     cache,
		config:    cfg,
		logger:    logger,
	}
}

func TestExplainAtSimpleStatement(t *testing.T) {
	mock := &mockLLMClient{response: "Declares x from compute's result."}
	e := newTestExplainer(t, mock)
	doc := NewTextDocument("go", "x := compute()")

	expl, err := e.ExplainAt(context.Background(), doc, Position{Line: 0, Character: 2})
	if err != nil {
		t.Fatalf("ExplainAt() error = %v", err)
	}
	if expl.Text != mock.response {
		t.Errorf("Text = %q, want the streamed response", expl.Text)
	}
	if expl.Classification != ClassSimple {
		t.Errorf("Classification = %v, want ClassSimple", expl.Classification)
	}
	if expl.Range.Start.Line != 0 || expl.Range.End.Line != 0 {
		t.Errorf("Range = %+v, want a single-line extent", expl.Range)
	}
	if expl.FromCache {
		t.Error("FromCache = true on the first request")
	}
	if mock.calls != 1 {
		t.Errorf("LLM calls = %d, want 1", mock.calls)
	}
}

func TestExplainAtServedFromCache(t *testing.T) {
	mock := &mockLLMClient{response: "Cached answer."}
	e := newTestExplainer(t, mock)
	doc := NewTextDocument("go", "x := compute()")
	pos := Position{Line: 0, Character: 0}

	if _, err := e.ExplainAt(context.Background(), doc, pos); err != nil {
		t.Fatalf("First ExplainAt() error = %v", err)
	}
	expl, err := e.ExplainAt(context.Background(), doc, pos)
	if err != nil {
		t.Fatalf("Second ExplainAt() error = %v", err)
	}
	if !expl.FromCache {
		t.Error("FromCache = false on the second identical request")
	}
	if expl.Text != mock.response {
		t.Errorf("Cached Text = %q, want %q", expl.Text, mock.response)
	}
	if mock.calls != 1 {
		t.Errorf("LLM calls = %d, want 1 (second request must hit the cache)", mock.calls)
	}
}

func TestExplainAtBlankLineInsideBlock(t *testing.T) {
	mock := &mockLLMClient{response: "Runs start then finish."}
	e := newTestExplainer(t, mock)
	doc := NewTextDocument("go", "func run() {\n\tstart()\n\n\tfinish()\n}")

	expl, err := e.ExplainAt(context.Background(), doc, Position{Line: 2, Character: 0})
	if err != nil {
		t.Fatalf("ExplainAt() on blank inside block error = %v", err)
	}
	if expl.Classification != ClassStructural {
		t.Errorf("Classification = %v, want ClassStructural for a blank inside a block", expl.Classification)
	}
	if !strings.Contains(expl.Code, "start()") || !strings.Contains(expl.Code, "finish()") {
		t.Errorf("Code = %q, want the enclosing block", expl.Code)
	}
}

func TestExplainAtNoCode(t *testing.T) {
	mock := &mockLLMClient{response: "unused"}
	e := newTestExplainer(t, mock)

	tests := []struct {
		name    string
		content string
		pos     Position
	}{
		{"Comment line", "// a comment\nx := 1", Position{Line: 0, Character: 3}},
		{"Blank outside any block", "a := 1\n\nb := 2", Position{Line: 1, Character: 0}},
		{"Position past the document", "x := 1", Position{Line: 10, Character: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := NewTextDocument("go", tt.content)
			_, err := e.ExplainAt(context.Background(), doc, tt.pos)
			if !errors.Is(err, ErrNoCode) {
				t.Errorf("ExplainAt() error = %v, want ErrNoCode", err)
			}
		})
	}
	if mock.calls != 0 {
		t.Errorf("LLM calls = %d, want 0 for unexplainable positions", mock.calls)
	}
}

func TestExplainAtNonRetryableError(t *testing.T) {
	mock := &mockLLMClient{generateErr: errors.New("boom")}
	e := newTestExplainer(t, mock)
	doc := NewTextDocument("go", "x := 1")

	_, err := e.ExplainAt(context.Background(), doc, Position{Line: 0})
	if err == nil {
		t.Fatal("ExplainAt() error = nil, want failure")
	}
	if mock.calls != 1 {
		t.Errorf("LLM calls = %d, want 1 (non-retryable errors must not retry)", mock.calls)
	}
}

func TestExplainAtRetriesUnavailableBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping retry timing test in short mode")
	}
	mock := &mockLLMClient{generateErr: &OllamaError{Message: "overloaded", Status: http.StatusServiceUnavailable}}
	e := newTestExplainer(t, mock)
	doc := NewTextDocument("go", "x := 1")

	_, err := e.ExplainAt(context.Background(), doc, Position{Line: 0})
	if err == nil {
		t.Fatal("ExplainAt() error = nil, want failure after retries")
	}
	if mock.calls != maxRetries {
		t.Errorf("LLM calls = %d, want %d retries for a 503", mock.calls, maxRetries)
	}
}

func TestExplainAtCancelledContext(t *testing.T) {
	mock := &mockLLMClient{response: "unused"}
	e := newTestExplainer(t, mock)
	doc := NewTextDocument("go", "x := 1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.ExplainAt(ctx, doc, Position{Line: 0})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ExplainAt(cancelled ctx) error = %v, want context.Canceled", err)
	}
}

func TestBlockRangeAt(t *testing.T) {
	mock := &mockLLMClient{response: "unused"}
	e := newTestExplainer(t, mock)
	doc := NewTextDocument("go", "func run() {\n\twork()\n}")

	class, rng, err := e.BlockRangeAt(doc, Position{Line: 1, Character: 1})
	if err != nil {
		t.Fatalf("BlockRangeAt() error = %v", err)
	}
	if class != ClassStructural {
		t.Errorf("Classification = %v, want ClassStructural", class)
	}
	if rng.Start.Line != 0 || rng.End.Line != 1 {
		t.Errorf("Range = lines %d-%d, want 0-1", rng.Start.Line, rng.End.Line)
	}
	if mock.calls != 0 {
		t.Errorf("LLM calls = %d, want 0 for a range-only request", mock.calls)
	}

	if _, _, err := e.BlockRangeAt(doc, Position{Line: 40}); !errors.Is(err, ErrNoCode) {
		t.Errorf("BlockRangeAt(out of range) error = %v, want ErrNoCode", err)
	}
}

func TestSurroundingContext(t *testing.T) {
	doc := NewTextDocument("go", "l0\nl1\nl2\nl3\nl4\nl5\nl6")
	rng := Range{Start: Position{Line: 2}, End: Position{Line: 3}}

	got := surroundingContext(doc, rng, 2)
	if want := "l0\nl1\nl4\nl5"; got != want {
		t.Errorf("surroundingContext() = %q, want %q", got, want)
	}
}

// =============================================================================
// Classification Fixtures (txtar)
// =============================================================================

// TestClassifyFixtures runs the classification snippets under testdata. Each
// archive file is named <lang>/<case> and starts with a directive line of the
// form "query=N want=<class>"; the snippet follows on the next line.
func TestClassifyFixtures(t *testing.T) {
	ar, err := txtar.ParseFile(filepath.Join("testdata", "classify.txtar"))
	if err != nil {
		t.Fatalf("Parsing fixture archive: %v", err)
	}
	detector := NewStructureDetector(discardLogger())

	for _, f := range ar.Files {
		f := f
		t.Run(f.Name, func(t *testing.T) {
			lang, _, ok := strings.Cut(f.Name, "/")
			if !ok {
				t.Fatalf("Fixture name %q is not <lang>/<case>", f.Name)
			}
			content := string(f.Data)
			directive, snippet, ok := strings.Cut(content, "\n")
			if !ok {
				t.Fatalf("Fixture %q has no snippet after the directive line", f.Name)
			}

			var queryLine int
			var want string
			for _, field := range strings.Fields(directive) {
				if v, found := strings.CutPrefix(field, "query="); found {
					queryLine, err = strconv.Atoi(v)
					if err != nil {
						t.Fatalf("Bad query directive %q: %v", field, err)
					}
				}
				if v, found := strings.CutPrefix(field, "want="); found {
					want = v
				}
			}
			if want == "" {
				t.Fatalf("Fixture %q has no want= directive", f.Name)
			}

			doc := NewTextDocument(lang, snippet)
			got := detector.Classify(doc, Position{Line: queryLine})
			if got.String() != want {
				t.Errorf("Classify(%s line %d) = %s, want %s", f.Name, queryLine, got, want)
			}
		})
	}
}

// =============================================================================
// UTF-16 Conversion Tests
// =============================================================================

func TestUtf16OffsetToBytes(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		offset  int
		want    int
		wantErr error
	}{
		{"ASCII start", "hello", 0, 0, nil},
		{"ASCII middle", "hello", 3, 3, nil},
		{"ASCII end", "hello", 5, 5, nil},
		{"Negative offset", "hello", -1, 0, ErrInvalidPositionInput},
		{"Beyond line end", "hi", 5, 2, ErrPositionOutOfRange},
		{"Two-byte rune", "héllo", 2, 3, nil},
		{"Three-byte runes", "日本語", 2, 6, nil},
		{"Surrogate pair counts two units", "a😀b", 3, 5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Utf16OffsetToBytes([]byte(tt.line), tt.offset)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Utf16OffsetToBytes() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Utf16OffsetToBytes() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Utf16OffsetToBytes(%q, %d) = %d, want %d", tt.line, tt.offset, got, tt.want)
			}
		})
	}
}

func TestBytesToUtf16Offset(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		offset int
		want   int
	}{
		{"ASCII", "hello", 3, 3},
		{"Negative clamps to zero", "hello", -2, 0},
		{"Beyond end clamps to line width", "hi", 99, 2},
		{"Two-byte rune", "héllo", 3, 2},
		{"Surrogate pair", "a😀b", 5, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BytesToUtf16Offset([]byte(tt.line), tt.offset); got != tt.want {
				t.Errorf("BytesToUtf16Offset(%q, %d) = %d, want %d", tt.line, tt.offset, got, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
