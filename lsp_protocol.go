// deepexplain/lsp_protocol.go
// Defines the LSP protocol structures the server speaks, plus position
// conversion helpers between internal byte positions and LSP UTF-16 positions.
package deepexplain

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ============================================================================
// Basic LSP Structures
// ============================================================================

// DocumentURI represents the URI for a text document.
type DocumentURI string

// LSPPosition represents a 0-based line/character offset (LSP standard, UTF-16).
type LSPPosition struct {
	Line      uint32 `json:"line"`      // 0-based
	Character uint32 `json:"character"` // 0-based, UTF-16 offset
}

// LSPRange represents a range in a text document (LSP standard).
type LSPRange struct {
	Start LSPPosition `json:"start"`
	End   LSPPosition `json:"end"`
}

// TextDocumentIdentifier identifies a specific text document.
type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

// TextDocumentItem represents a text document passed from client to server.
type TextDocumentItem struct {
	URI        DocumentURI `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int         `json:"version"` // Must be non-negative
	Text       string      `json:"text"`
}

// VersionedTextDocumentIdentifier identifies a specific version of a document.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int `json:"version"` // Must be non-negative
}

// ============================================================================
// Lifecycle Structures
// ============================================================================

// InitializeParams parameters for the initialize request.
type InitializeParams struct {
	ProcessID             int                `json:"processId,omitempty"`
	RootURI               DocumentURI        `json:"rootUri,omitempty"`
	ClientInfo            *ClientInfo        `json:"clientInfo,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions json.RawMessage    `json:"initializationOptions,omitempty"`
}

// ClientInfo information about the client editor.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// ClientCapabilities capabilities provided by the client.
type ClientCapabilities struct {
	Workspace    *WorkspaceClientCapabilities    `json:"workspace,omitempty"`
	TextDocument *TextDocumentClientCapabilities `json:"textDocument,omitempty"`
}

// WorkspaceClientCapabilities workspace-specific client capabilities.
type WorkspaceClientCapabilities struct {
	Configuration bool `json:"configuration,omitempty"`
}

// TextDocumentClientCapabilities text document specific client capabilities.
type TextDocumentClientCapabilities struct {
	Hover *HoverClientCapabilities `json:"hover,omitempty"`
}

// HoverClientCapabilities capabilities specific to hover requests.
type HoverClientCapabilities struct {
	ContentFormat []MarkupKind `json:"contentFormat,omitempty"` // e.g., ["markdown", "plaintext"]
}

// InitializeResult result of the initialize request.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerCapabilities capabilities provided by the server.
type ServerCapabilities struct {
	TextDocumentSync *TextDocumentSyncOptions `json:"textDocumentSync,omitempty"`
	HoverProvider    bool                     `json:"hoverProvider,omitempty"`
}

// TextDocumentSyncOptions defines how text document changes are synced.
type TextDocumentSyncOptions struct {
	OpenClose bool                 `json:"openClose,omitempty"`
	Change    TextDocumentSyncKind `json:"change,omitempty"` // Specifies how changes are synced (1=Full)
}

// TextDocumentSyncKind defines the sync kind (None, Full, Incremental).
type TextDocumentSyncKind int

const (
	TextDocumentSyncKindNone TextDocumentSyncKind = 0
	TextDocumentSyncKindFull TextDocumentSyncKind = 1 // We only support Full sync
)

// ServerInfo information about the server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ============================================================================
// Notification Structures
// ============================================================================

// DidOpenTextDocumentParams parameters for textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidCloseTextDocumentParams parameters for textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// DidChangeTextDocumentParams parameters for textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"` // Array, but we only handle the last one for Full sync
}

// TextDocumentContentChangeEvent describes a change to a text document (Full sync).
type TextDocumentContentChangeEvent struct {
	Text string `json:"text"` // The new full content of the document
}

// DidChangeConfigurationParams parameters for workspace/didChangeConfiguration.
type DidChangeConfigurationParams struct {
	Settings json.RawMessage `json:"settings"`
}

// CancelParams parameters for $/cancelRequest.
type CancelParams struct {
	ID any `json:"id"` // ID of the request to cancel (number or string)
}

// ============================================================================
// Hover Structures
// ============================================================================

// HoverParams parameters for textDocument/hover.
type HoverParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     LSPPosition            `json:"position"` // LSP Position (UTF-16)
}

// HoverResult result for textDocument/hover. The range covers the full code
// unit that was explained, so the editor can highlight what the text refers to.
type HoverResult struct {
	Contents MarkupContent `json:"contents"`
	Range    *LSPRange     `json:"range,omitempty"`
}

// MarkupContent represents structured content for hover/documentation.
type MarkupContent struct {
	Kind  MarkupKind `json:"kind"` // e.g., "markdown" or "plaintext"
	Value string     `json:"value"`
}

// MarkupKind defines the kind of markup content.
type MarkupKind string

const (
	MarkupKindPlainText MarkupKind = "plaintext"
	MarkupKindMarkdown  MarkupKind = "markdown"
)

// MessageType identifies the severity of a window/showMessage notification.
type MessageType int

const (
	MessageTypeError   MessageType = 1
	MessageTypeWarning MessageType = 2
	MessageTypeInfo    MessageType = 3
	MessageTypeLog     MessageType = 4
)

type ShowMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// ============================================================================
// JSON-RPC Structures
// ============================================================================

// JSON-RPC Standard Error Codes
const (
	JsonRpcParseError           int = -32700
	JsonRpcInvalidRequest       int = -32600
	JsonRpcMethodNotFound       int = -32601
	JsonRpcInvalidParams        int = -32602
	JsonRpcInternalError        int = -32603
	JsonRpcRequestCancelled     int = -32800
	JsonRpcServerNotInitialized int = -32002
	JsonRpcServerBusy           int = -32000
	JsonRpcRequestFailed        int = -32803
)

// ============================================================================
// Position Conversion Helpers
// ============================================================================

// lspPositionToDocPosition converts a 0-based LSP UTF-16 position to an
// internal byte position within the document. The character offset is clamped
// to the line end when out of range.
func lspPositionToDocPosition(doc *TextDocument, lspPos LSPPosition, logger *slog.Logger) (Position, error) {
	if doc == nil {
		return Position{}, fmt.Errorf("%w: document is nil", ErrPositionConversion)
	}
	if logger == nil {
		logger = slog.Default()
	}
	line := int(lspPos.Line)
	if line < 0 || line >= doc.LineCount() {
		return Position{}, fmt.Errorf("%w: LSP line %d not in document (%d lines)", ErrPositionOutOfRange, line, doc.LineCount())
	}
	lineBytes := []byte(doc.LineText(line))
	byteChar, convErr := Utf16OffsetToBytes(lineBytes, int(lspPos.Character))
	if convErr != nil {
		if errors.Is(convErr, ErrPositionOutOfRange) {
			logger.Warn("UTF16 offset out of range, clamping to line end", "line", line, "char", lspPos.Character, "error", convErr)
			byteChar = len(lineBytes)
		} else {
			return Position{}, fmt.Errorf("failed converting UTF16 to byte offset on line %d: %w", line, convErr)
		}
	}
	return Position{Line: line, Character: byteChar}, nil
}

// docRangeToLSPRange converts an internal byte range to an LSP UTF-16 range.
func docRangeToLSPRange(doc Document, rng Range) LSPRange {
	startBytes := []byte(doc.LineText(rng.Start.Line))
	endBytes := []byte(doc.LineText(rng.End.Line))
	return LSPRange{
		Start: LSPPosition{
			Line:      uint32(rng.Start.Line),
			Character: uint32(BytesToUtf16Offset(startBytes, rng.Start.Character)),
		},
		End: LSPPosition{
			Line:      uint32(rng.End.Line),
			Character: uint32(BytesToUtf16Offset(endBytes, rng.End.Character)),
		},
	}
}
