// deepexplain/lsp_handlers_workspace.go
// Contains LSP method handlers related to workspace events (e.g., configuration changes).
package deepexplain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Workspace Method Handlers
// ============================================================================

// handleDidChangeConfiguration handles configuration changes from the client.
// It attempts to parse the relevant section of the settings and updates the server's configuration.
func (s *Server) handleDidChangeConfiguration(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeConfigurationParams, logger *slog.Logger) (any, error) {
	logger.Info("Handling workspace/didChangeConfiguration")

	// Mirror the expected nested structure from the client.
	var changedSettings struct {
		DeepExplain FileConfig `json:"deepexplain"`
	}

	if err := json.Unmarshal(params.Settings, &changedSettings); err != nil {
		logger.Error("Failed to unmarshal workspace/didChangeConfiguration settings", "error", err, "raw_settings", string(params.Settings))
		// Some clients send the settings flatly without nesting.
		var directFileCfg FileConfig
		if directErr := json.Unmarshal(params.Settings, &directFileCfg); directErr == nil {
			logger.Info("Successfully unmarshalled settings directly into FileConfig (no 'deepexplain' nesting)")
			changedSettings.DeepExplain = directFileCfg
		} else {
			logger.Error("Also failed to unmarshal settings directly into FileConfig", "direct_error", directErr)
			return nil, nil
		}
	}

	// Get current config as a base for merging
	newConfig := s.explainer.GetCurrentConfig()
	fileCfg := changedSettings.DeepExplain
	mergedFields := 0

	// Merge fields only if they were present in the received settings (non-nil pointers in FileConfig)
	if fileCfg.OllamaURL != nil {
		newConfig.OllamaURL = *fileCfg.OllamaURL
		mergedFields++
	}
	if fileCfg.Model != nil {
		newConfig.Model = *fileCfg.Model
		mergedFields++
	}
	if fileCfg.MaxTokens != nil {
		newConfig.MaxTokens = *fileCfg.MaxTokens
		mergedFields++
	}
	if fileCfg.Temperature != nil {
		newConfig.Temperature = *fileCfg.Temperature
		mergedFields++
	}
	if fileCfg.LogLevel != nil {
		newConfig.LogLevel = *fileCfg.LogLevel
		mergedFields++
		logger.Info("Log level configuration change received", "new_level_setting", newConfig.LogLevel)
	}
	if fileCfg.ContextLines != nil {
		newConfig.ContextLines = *fileCfg.ContextLines
		mergedFields++
	}
	if fileCfg.MemoryCacheTTLSeconds != nil {
		newConfig.MemoryCacheTTLSeconds = *fileCfg.MemoryCacheTTLSeconds
		mergedFields++
	}
	if fileCfg.DiskCacheTTLSeconds != nil {
		newConfig.DiskCacheTTLSeconds = *fileCfg.DiskCacheTTLSeconds
		mergedFields++
	}

	if mergedFields > 0 {
		logger.Info("Applying configuration changes from client", "fields_merged", mergedFields)
		// UpdateConfig performs validation internally and updates the explainer's config
		if err := s.explainer.UpdateConfig(newConfig); err != nil {
			logger.Error("Failed to apply updated configuration", "error", err)
			s.sendShowMessage(MessageTypeError, fmt.Sprintf("Failed to apply configuration update: %v", err))
		} else {
			// Update the server's local copy after successful update in explainer
			s.config = s.explainer.GetCurrentConfig()
			logger.Info("Server configuration updated successfully via workspace/didChangeConfiguration")

			newLevel, parseErr := ParseLogLevel(s.config.LogLevel)
			if parseErr == nil {
				logger.Info("Attempting to update server logger level (implementation specific)", "new_level", newLevel)
			} else {
				logger.Warn("Cannot update logger level due to parse error", "level_string", s.config.LogLevel, "error", parseErr)
			}
		}
	} else {
		logger.Debug("No relevant configuration changes found in workspace/didChangeConfiguration notification")
	}

	// Notifications don't have responses
	return nil, nil
}
