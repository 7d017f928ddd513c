// deepexplain.go
// Package deepexplain provides core logic for explaining code on hover using
// local LLMs. Classification, block extent, and extracted text always come
// from a single detector pass so the highlight and the explanation agree.
package deepexplain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdslog "log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Core type definitions are in deepexplain_types.go.
// Exported error variables are in deepexplain_errors.go.

// =============================================================================
// Interfaces for Components
// =============================================================================

// LLMClient defines the interface for interacting with the language model backend.
type LLMClient interface {
	// GenerateStream sends a prompt to the LLM and returns a stream of generated text.
	GenerateStream(ctx context.Context, prompt string, config Config, logger *stdslog.Logger) (io.ReadCloser, error)
	// CheckAvailability checks if the LLM backend is reachable.
	CheckAvailability(ctx context.Context, config Config, logger *stdslog.Logger) error
}

// =============================================================================
// Configuration Loading
// =============================================================================

// LoadConfig loads configuration from standard locations, merges with defaults,
// validates, and attempts to write a default config if needed.
func LoadConfig(logger *stdslog.Logger) (Config, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	cfg := getDefaultConfig()
	var loadedFromFile bool
	var loadErrors []error
	var configParseError error

	primaryPath, secondaryPath, pathErr := GetConfigPaths(logger)
	if pathErr != nil {
		loadErrors = append(loadErrors, pathErr)
		logger.Warn("Could not determine config paths, using defaults", "error", pathErr)
	}

	if primaryPath != "" {
		logger.Debug("Attempting to load config", "path", primaryPath)
		loaded, loadErr := LoadAndMergeConfig(primaryPath, &cfg, logger)
		if loadErr != nil {
			if strings.Contains(loadErr.Error(), "parsing config file JSON") {
				configParseError = loadErr
			}
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", primaryPath, loadErr))
			logger.Warn("Failed to load or merge config", "path", primaryPath, "error", loadErr)
		} else if loaded {
			loadedFromFile = true
			logger.Info("Loaded config", "path", primaryPath)
		}
	}

	primaryNotFoundOrFailed := !loadedFromFile || configParseError != nil
	if primaryNotFoundOrFailed && secondaryPath != "" && secondaryPath != primaryPath {
		logger.Debug("Attempting to load config from secondary path", "path", secondaryPath)
		loaded, loadErr := LoadAndMergeConfig(secondaryPath, &cfg, logger)
		if loadErr != nil {
			if configParseError == nil && strings.Contains(loadErr.Error(), "parsing config file JSON") {
				configParseError = loadErr
			}
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", secondaryPath, loadErr))
			logger.Warn("Failed to load or merge config", "path", secondaryPath, "error", loadErr)
		} else if loaded && !loadedFromFile {
			loadedFromFile = true
			logger.Info("Loaded config", "path", secondaryPath)
		}
	}

	loadSucceeded := loadedFromFile && configParseError == nil
	if !loadSucceeded {
		writePath := primaryPath
		if writePath == "" {
			writePath = secondaryPath
		}

		if writePath != "" {
			if configParseError != nil {
				logger.Warn("Existing config file failed to parse. Attempting to write default.", "path", writePath, "error", configParseError)
			} else {
				logger.Info("No valid config file found. Attempting to write default.", "path", writePath)
			}
			if err := WriteDefaultConfig(writePath, getDefaultConfig(), logger); err != nil {
				logger.Warn("Failed to write default config", "path", writePath, "error", err)
				loadErrors = append(loadErrors, fmt.Errorf("writing default config failed: %w", err))
			}
		} else {
			logger.Warn("Cannot determine path to write default config.")
			loadErrors = append(loadErrors, errors.New("cannot determine default config path"))
		}
		cfg = getDefaultConfig()
		logger.Info("Using default configuration values.")
	}

	finalCfg := cfg
	if err := finalCfg.Validate(logger); err != nil {
		logger.Error("Final configuration is invalid, falling back to pure defaults.", "error", err)
		loadErrors = append(loadErrors, fmt.Errorf("post-load config validation failed: %w", err))
		pureDefault := getDefaultConfig()
		if valErr := pureDefault.Validate(logger); valErr != nil {
			logger.Error("FATAL: Default config definition is invalid", "error", valErr)
			return pureDefault, fmt.Errorf("default config definition is invalid: %w", valErr)
		}
		finalCfg = pureDefault
	}

	if len(loadErrors) > 0 {
		return finalCfg, fmt.Errorf("%w: %w", ErrConfig, errors.Join(loadErrors...))
	}
	return finalCfg, nil
}

// =============================================================================
// Default LLM Client
// =============================================================================

// httpOllamaClient implements the LLMClient interface using HTTP requests to an Ollama server.
type httpOllamaClient struct {
	httpClient *http.Client
}

// newHttpOllamaClient creates a new Ollama client with reasonable timeouts.
func newHttpOllamaClient() *httpOllamaClient {
	return &httpOllamaClient{
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				MaxIdleConns:          10,
				IdleConnTimeout:       30 * time.Second,
				ResponseHeaderTimeout: 20 * time.Second,
			},
		},
	}
}

// CheckAvailability sends a simple request to the Ollama base URL to check reachability.
func (c *httpOllamaClient) CheckAvailability(ctx context.Context, config Config, logger *stdslog.Logger) error {
	if logger == nil {
		logger = stdslog.Default()
	}
	checkLogger := logger.With("operation", "CheckAvailability", "url", config.OllamaURL)
	checkLogger.Debug("Checking Ollama availability")

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second) // Short timeout for check
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, config.OllamaURL, nil)
	if err != nil {
		checkLogger.Error("Failed to create availability check request", "error", err)
		return fmt.Errorf("%w: failed to create check request: %w", ErrOllamaUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			checkLogger.Error("Timeout checking Ollama availability", "error", err)
		} else {
			checkLogger.Error("Failed to connect to Ollama for availability check", "error", err)
		}
		return fmt.Errorf("%w: availability check failed: %w", ErrOllamaUnavailable, err)
	}
	defer resp.Body.Close()

	checkLogger.Debug("Ollama availability check successful", "status", resp.StatusCode)
	return nil
}

// GenerateStream sends a request to Ollama's /api/generate endpoint and returns the streaming response body.
func (c *httpOllamaClient) GenerateStream(ctx context.Context, prompt string, config Config, logger *stdslog.Logger) (io.ReadCloser, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	opLogger := logger.With("operation", "GenerateStream", "model", config.Model)

	base := strings.TrimSuffix(config.OllamaURL, "/")
	endpointURL := base + "/api/generate"
	u, err := url.Parse(endpointURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing Ollama URL '%s': %w", endpointURL, err)
	}

	payload := map[string]interface{}{
		"model":  config.Model,
		"prompt": prompt,
		"stream": true,
		"options": map[string]interface{}{
			"temperature": config.Temperature,
			"num_ctx":     4096,
			"top_p":       0.9,
			"num_predict": config.MaxTokens,
		},
	}
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error marshaling JSON payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewBuffer(jsonPayload))
	if err != nil {
		return nil, fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	opLogger.Debug("Sending generate request to Ollama", "url", endpointURL)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			opLogger.Warn("Ollama generate request context cancelled", "url", endpointURL)
			return nil, context.Canceled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			opLogger.Error("Ollama generate request context deadline exceeded", "url", endpointURL, "timeout", c.httpClient.Timeout)
			return nil, fmt.Errorf("%w: context deadline exceeded: %w", ErrOllamaUnavailable, context.DeadlineExceeded)
		}

		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				opLogger.Error("Network timeout during Ollama generate request", "host", u.Host, "error", netErr)
				return nil, fmt.Errorf("%w: network timeout: %w", ErrOllamaUnavailable, netErr)
			}
			if opErr, ok := netErr.(*net.OpError); ok && opErr.Op == "dial" {
				opLogger.Error("Connection refused or network error during Ollama generate request", "host", u.Host, "error", opErr)
				return nil, fmt.Errorf("%w: connection failed: %w", ErrOllamaUnavailable, opErr)
			}
		}

		opLogger.Error("HTTP request to Ollama generate failed", "url", endpointURL, "error", err)
		return nil, fmt.Errorf("%w: http request failed: %w", ErrOllamaUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, readErr := io.ReadAll(resp.Body)
		bodyString := "(failed to read error response body)"
		if readErr == nil {
			bodyString = string(bodyBytes)
			var ollamaErrResp struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(bodyBytes, &ollamaErrResp) == nil && ollamaErrResp.Error != "" {
				bodyString = ollamaErrResp.Error
			}
		}
		apiErr := &OllamaError{Message: fmt.Sprintf("Ollama API request failed: %s", bodyString), Status: resp.StatusCode}
		opLogger.Error("Ollama API returned non-OK status", "status", resp.Status, "response_body", bodyString)
		return nil, fmt.Errorf("%w: %w", ErrOllamaUnavailable, apiErr)
	}

	return resp.Body, nil
}

// =============================================================================
// Explainer Service
// =============================================================================

// Explainer is the top-level service: it classifies the hovered position,
// resolves the block extent, and produces (or recalls) an explanation.
type Explainer struct {
	client    LLMClient
	detector  *StructureDetector
	extractor *ContextExtractor
	cache     *ExplanationCache
	config    Config
	configMu  sync.RWMutex // Protects concurrent access to config.
	logger    *stdslog.Logger
}

// NewExplainer creates a new Explainer service instance using the standard
// config loading flow. A returned ErrConfig is non-fatal: the service is
// usable with the defaults that were applied.
func NewExplainer(logger *stdslog.Logger) (*Explainer, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	serviceLogger := logger.With("service", "Explainer")

	cfg, configErr := LoadConfig(serviceLogger)
	if configErr != nil && !errors.Is(configErr, ErrConfig) {
		serviceLogger.Error("Fatal error during initial config load", "error", configErr)
		return nil, configErr
	}
	if err := cfg.Validate(serviceLogger); err != nil {
		serviceLogger.Error("Initial configuration is invalid after loading/defaults", "error", err)
		if errors.Is(err, ErrInvalidConfig) {
			return nil, fmt.Errorf("initial config validation failed: %w", err)
		}
		serviceLogger.Warn("Initial config validation reported issues", "error", err)
	}

	detector := NewStructureDetector(serviceLogger)
	e := &Explainer{
		client:    newHttpOllamaClient(),
		detector:  detector,
		extractor: NewContextExtractor(detector, serviceLogger),
		cache:     NewExplanationCache(serviceLogger, cfg),
		config:    cfg,
		logger:    serviceLogger,
	}

	if configErr != nil && errors.Is(configErr, ErrConfig) {
		return e, configErr
	}
	return e, nil
}

// NewExplainerWithConfig creates a new Explainer service with a specific config.
func NewExplainerWithConfig(config Config, logger *stdslog.Logger) (*Explainer, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	serviceLogger := logger.With("service", "Explainer")

	if config.PromptTemplate == "" {
		config.PromptTemplate = explainPromptTemplate
	}
	if err := config.Validate(serviceLogger); err != nil {
		return nil, fmt.Errorf("provided config validation failed: %w", err)
	}

	detector := NewStructureDetector(serviceLogger)
	return &Explainer{
		client:    newHttpOllamaClient(),
		detector:  detector,
		extractor: NewContextExtractor(detector, serviceLogger),
		cache:     NewExplanationCache(serviceLogger, config),
		config:    config,
		logger:    serviceLogger,
	}, nil
}

// Close cleans up resources used by the Explainer.
func (e *Explainer) Close() error {
	e.logger.Info("Closing Explainer service")
	if e.cache != nil {
		return e.cache.Close()
	}
	return nil
}

// UpdateConfig atomically updates the explainer's configuration.
func (e *Explainer) UpdateConfig(newConfig Config) error {
	if newConfig.PromptTemplate == "" {
		newConfig.PromptTemplate = explainPromptTemplate
	}
	if err := newConfig.Validate(e.logger); err != nil {
		e.logger.Error("Invalid configuration provided for update", "error", err)
		return fmt.Errorf("invalid configuration update: %w", err)
	}

	e.configMu.Lock()
	e.config = newConfig
	e.configMu.Unlock()

	if e.cache != nil {
		e.cache.UpdateConfig(newConfig)
	}

	e.logger.Info("Explainer configuration updated",
		stdslog.Group("new_config",
			stdslog.String("ollama_url", newConfig.OllamaURL),
			stdslog.String("model", newConfig.Model),
			stdslog.Int("max_tokens", newConfig.MaxTokens),
			stdslog.Float64("temperature", newConfig.Temperature),
			stdslog.String("log_level", newConfig.LogLevel),
			stdslog.Int("context_lines", newConfig.ContextLines),
			stdslog.Int("memory_cache_ttl_seconds", newConfig.MemoryCacheTTLSeconds),
			stdslog.Int("disk_cache_ttl_seconds", newConfig.DiskCacheTTLSeconds),
		),
	)
	return nil
}

// GetCurrentConfig returns a thread-safe copy of the current configuration.
func (e *Explainer) GetCurrentConfig() Config {
	e.configMu.RLock()
	defer e.configMu.RUnlock()
	return e.config
}

// Client returns the LLMClient instance.
func (e *Explainer) Client() LLMClient {
	return e.client
}

// Detector returns the structure detector instance.
func (e *Explainer) Detector() *StructureDetector {
	return e.detector
}

// Extractor returns the context extractor instance.
func (e *Explainer) Extractor() *ContextExtractor {
	return e.extractor
}

// CacheMetricsSource exposes the explanation cache for metrics publication.
func (e *Explainer) CacheMetricsSource() *ExplanationCache {
	return e.cache
}

// resolveUnit classifies the position and derives the block extent and text
// from that single classification. Comment positions and blanks outside any
// block yield ErrNoCode.
func (e *Explainer) resolveUnit(doc Document, pos Position, logger *stdslog.Logger) (Classification, Range, string, error) {
	if doc == nil || doc.LineCount() == 0 || pos.Line < 0 || pos.Line >= doc.LineCount() {
		return ClassUnknown, Range{}, "", fmt.Errorf("%w: position outside document", ErrNoCode)
	}
	if e.detector.IsComment(doc, pos) {
		logger.Debug("Position is inside a comment, nothing to explain.")
		return ClassUnknown, Range{}, "", fmt.Errorf("%w: position is inside a comment", ErrNoCode)
	}

	class := e.detector.Classify(doc, pos)
	if isBlank(doc.LineText(pos.Line)) {
		if !e.detector.IsEmptyLineInBlock(doc, pos.Line) {
			return ClassUnknown, Range{}, "", fmt.Errorf("%w: blank line outside any block", ErrNoCode)
		}
		// A blank inside a block explains the enclosing block.
		class = ClassStructural
	}

	rng := e.extractor.BlockRange(doc, pos, class)
	code := e.extractor.ExtractBlock(doc, pos, class)
	if strings.TrimSpace(code) == "" {
		return ClassUnknown, Range{}, "", fmt.Errorf("%w: extracted block is empty", ErrNoCode)
	}
	return class, rng, code, nil
}

// BlockRangeAt returns the classification and block extent for a position
// without generating an explanation. Used by clients that only need the
// highlight range.
func (e *Explainer) BlockRangeAt(doc Document, pos Position) (Classification, Range, error) {
	opLogger := e.logger.With("operation", "BlockRangeAt", "line", pos.Line, "char", pos.Character)
	class, rng, _, err := e.resolveUnit(doc, pos, opLogger)
	if err != nil {
		return ClassUnknown, Range{}, err
	}
	return class, rng, nil
}

// ExplainAt explains the code unit at the given position. The explanation is
// served from the cache when the same code was explained before with the same
// model; otherwise the LLM is queried with retries.
func (e *Explainer) ExplainAt(ctx context.Context, doc Document, pos Position) (*Explanation, error) {
	opLogger := e.logger.With("operation", "ExplainAt", "language", doc.LanguageID(), "line", pos.Line, "char", pos.Character)
	currentConfig := e.GetCurrentConfig()

	class, rng, code, err := e.resolveUnit(doc, pos, opLogger)
	if err != nil {
		return nil, err
	}
	opLogger.Debug("Resolved code unit.", "class", class.String(), "start_line", rng.Start.Line, "end_line", rng.End.Line)

	surrounding := surroundingContext(doc, rng, currentConfig.ContextLines)

	if cached, found := e.cache.Get(doc.LanguageID(), currentConfig.Model, code); found {
		opLogger.Info("Explanation served from cache.")
		cached.FromCache = true
		// The extent is position-dependent; always report the current one.
		cached.Range = rng
		cached.Classification = class
		cached.Code = code
		cached.Context = surrounding
		return &cached, nil
	}

	prompt := fmt.Sprintf(currentConfig.PromptTemplate, doc.LanguageID(), surrounding, doc.LanguageID(), code)
	opLogger.Debug("Generated explanation prompt", "length", len(prompt))

	var buffer bytes.Buffer
	apiCallFunc := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		apiCtx, cancelApi := context.WithTimeout(ctx, 60*time.Second)
		defer cancelApi()

		opLogger.Debug("Calling Ollama GenerateStream for explanation")
		reader, apiErr := e.client.GenerateStream(apiCtx, prompt, currentConfig, opLogger)
		if apiErr != nil {
			return apiErr
		}
		defer reader.Close()

		buffer.Reset()
		if streamErr := streamResponse(apiCtx, reader, &buffer, opLogger); streamErr != nil {
			return fmt.Errorf("streaming explanation failed: %w", streamErr)
		}
		return nil
	}

	if err := retry(ctx, apiCallFunc, maxRetries, retryDelay, opLogger); err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if errors.Is(err, ErrOllamaUnavailable) {
			opLogger.Error("Ollama unavailable for explanation after retries", "error", err)
			return nil, err
		}
		if errors.Is(err, ErrStreamProcessing) {
			opLogger.Error("Stream processing error for explanation after retries", "error", err)
			return nil, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			opLogger.Warn("Explanation context cancelled or timed out after retries", "error", err)
			return nil, err
		}
		opLogger.Error("Failed to get explanation after retries", "error", err)
		return nil, fmt.Errorf("failed to get explanation after %d retries: %w", maxRetries, err)
	}

	expl := Explanation{
		Code:           code,
		Context:        surrounding,
		LanguageID:     doc.LanguageID(),
		Classification: class,
		Range:          rng,
		Text:           strings.TrimSpace(buffer.String()),
	}
	e.cache.Set(doc.LanguageID(), currentConfig.Model, code, expl)
	opLogger.Info("Explanation generated.", "length", len(expl.Text))
	return &expl, nil
}

// surroundingContext collects up to contextLines lines on each side of the
// block, excluding the block itself.
func surroundingContext(doc Document, rng Range, contextLines int) string {
	if contextLines <= 0 {
		contextLines = defaultContextLines
	}
	var parts []string
	for i := rng.Start.Line - contextLines; i < rng.Start.Line; i++ {
		if i >= 0 {
			parts = append(parts, doc.LineText(i))
		}
	}
	for i := rng.End.Line + 1; i <= rng.End.Line+contextLines && i < doc.LineCount(); i++ {
		parts = append(parts, doc.LineText(i))
	}
	return strings.Join(parts, "\n")
}
