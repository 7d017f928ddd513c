// deepexplain/lsp_handlers_textdocument.go
// Contains LSP method handlers for text document synchronization and hover.
package deepexplain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// Text Document Sync Handlers
// ============================================================================

// handleDidOpen stores the opened document in the server's file map.
func (s *Server) handleDidOpen(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidOpenTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	languageID := params.TextDocument.LanguageID
	logger.Info("Handling textDocument/didOpen", "uri", uri, "version", version, "language", languageID, "size", len(params.TextDocument.Text))

	doc := NewTextDocument(languageID, params.TextDocument.Text)

	s.filesMu.Lock()
	s.files[uri] = &OpenFile{
		URI:      uri,
		Document: doc,
		Version:  version,
	}
	s.filesMu.Unlock()
	return nil, nil
}

// handleDidChange replaces the stored document content (full sync only).
func (s *Server) handleDidChange(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	if len(params.ContentChanges) == 0 {
		logger.Warn("Received didChange notification with no content changes", "uri", uri, "version", version)
		return nil, nil
	}
	// For Full sync, the last change contains the full document content
	newText := params.ContentChanges[len(params.ContentChanges)-1].Text
	logger.Info("Handling textDocument/didChange", "uri", uri, "new_version", version, "new_size", len(newText))

	s.filesMu.Lock()
	currentFile, exists := s.files[uri]
	// Update only if the new version is higher than the stored version
	if !exists || version > currentFile.Version {
		languageID := ""
		if exists {
			languageID = currentFile.Document.LanguageID()
		}
		s.files[uri] = &OpenFile{
			URI:      uri,
			Document: NewTextDocument(languageID, newText),
			Version:  version,
		}
		logger.Debug("Updated file cache", "uri", uri, "version", version)
	} else {
		logger.Warn("Ignoring out-of-order didChange notification", "uri", uri, "received_version", version, "current_version", currentFile.Version)
	}
	s.filesMu.Unlock()
	return nil, nil
}

// handleDidClose drops the document from the server's file map.
func (s *Server) handleDidClose(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidCloseTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	logger.Info("Handling textDocument/didClose", "uri", uri)

	s.filesMu.Lock()
	delete(s.files, uri)
	s.filesMu.Unlock()
	return nil, nil
}

// ============================================================================
// Hover Handler
// ============================================================================

// handleHover explains the code unit under the cursor and returns it as hover
// content, with the range of the explained block for editor highlighting.
func (s *Server) handleHover(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params HoverParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	lspPos := params.Position
	hoverLogger := logger.With("uri", uri, "lsp_line", lspPos.Line, "lsp_char", lspPos.Character)
	hoverLogger.Info("Handling textDocument/hover")

	file, ok := s.getOpenFile(uri)
	if !ok {
		hoverLogger.Warn("Hover request for unknown file")
		return nil, fmt.Errorf("document not open: %s", uri)
	}

	pos, posErr := lspPositionToDocPosition(file.Document, lspPos, hoverLogger)
	if posErr != nil {
		hoverLogger.Debug("Could not convert hover position", "error", posErr)
		return nil, nil // Return nil result
	}
	hoverLogger = hoverLogger.With("line", pos.Line, "char", pos.Character)

	explainCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	expl, explainErr := s.explainer.ExplainAt(explainCtx, file.Document, pos)
	if explainErr != nil {
		if errors.Is(explainErr, ErrNoCode) {
			hoverLogger.Debug("Nothing explainable at hover position", "reason", explainErr)
			return nil, nil
		}
		if errors.Is(explainErr, context.DeadlineExceeded) {
			hoverLogger.Warn("Hover explanation timed out")
			return nil, nil
		}
		if errors.Is(explainErr, context.Canceled) {
			hoverLogger.Info("Hover request cancelled")
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Hover request cancelled"}
		}
		if errors.Is(explainErr, ErrOllamaUnavailable) {
			hoverLogger.Error("Ollama unavailable for hover", "error", explainErr)
			s.sendShowMessage(MessageTypeError, fmt.Sprintf("Explanation backend error: %v", explainErr))
			return nil, nil
		}
		hoverLogger.Error("Failed to generate explanation for hover", "error", explainErr)
		return nil, nil
	}

	// Determine markup kind
	markupKind := MarkupKindPlainText
	if s.clientCaps.TextDocument != nil && s.clientCaps.TextDocument.Hover != nil {
		for _, kind := range s.clientCaps.TextDocument.Hover.ContentFormat {
			if kind == MarkupKindMarkdown {
				markupKind = MarkupKindMarkdown
				break
			}
		}
	}

	hoverContent := formatExplanationForHover(expl, markupKind)
	lspRange := docRangeToLSPRange(file.Document, expl.Range)

	hoverLogger.Info("Hover explanation generated", "class", expl.Classification.String(), "from_cache", expl.FromCache, "markup", markupKind)
	return HoverResult{
		Contents: MarkupContent{Kind: markupKind, Value: hoverContent},
		Range:    &lspRange,
	}, nil
}

// formatExplanationForHover renders an explanation as hover content. Markdown
// clients get the explained code in a fenced block above the explanation.
func formatExplanationForHover(expl *Explanation, kind MarkupKind) string {
	if kind != MarkupKindMarkdown {
		return expl.Text
	}
	var sb strings.Builder
	sb.WriteString("```")
	sb.WriteString(expl.LanguageID)
	sb.WriteString("\n")
	sb.WriteString(expl.Code)
	sb.WriteString("\n```\n\n---\n\n")
	sb.WriteString(expl.Text)
	if expl.FromCache {
		sb.WriteString("\n\n*(cached)*")
	}
	return sb.String()
}
