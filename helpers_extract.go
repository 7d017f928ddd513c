// deepexplain/helpers_extract.go
// Implements block-extent and context extraction. Range and text are always
// derived from the same classification and the same line selection so the
// editor highlight and the explained code never disagree.
package deepexplain

import (
	stdslog "log/slog"
	"strings"
)

// ============================================================================
// Context Extractor
// ============================================================================

// ContextExtractor derives the code unit and its surrounding context for a
// document position, using the classifications produced by a StructureDetector.
type ContextExtractor struct {
	detector *StructureDetector
	logger   *stdslog.Logger
}

// NewContextExtractor creates an extractor bound to the given detector.
func NewContextExtractor(detector *StructureDetector, logger *stdslog.Logger) *ContextExtractor {
	if logger == nil {
		logger = stdslog.Default()
	}
	return &ContextExtractor{
		detector: detector,
		logger:   logger.With("component", "ContextExtractor"),
	}
}

// Extract returns the trimmed query line as the code to explain plus up to
// lineRange lines of surrounding context on each side. The query line itself
// is excluded from the context. lineRange <= 0 falls back to the default.
func (e *ContextExtractor) Extract(doc Document, pos Position, lineRange int) (code, context string) {
	if doc == nil || doc.LineCount() == 0 || pos.Line < 0 || pos.Line >= doc.LineCount() {
		return "", ""
	}
	if lineRange <= 0 {
		lineRange = defaultContextLines
	}
	code = strings.TrimSpace(doc.LineText(pos.Line))

	start := pos.Line - lineRange
	if start < 0 {
		start = 0
	}
	end := pos.Line + lineRange
	if end > doc.LineCount()-1 {
		end = doc.LineCount() - 1
	}
	parts := make([]string, 0, end-start)
	for i := start; i <= end; i++ {
		if i == pos.Line {
			continue
		}
		parts = append(parts, doc.LineText(i))
	}
	return code, strings.Join(parts, "\n")
}

// BlockRange returns the block extent for the position under the given
// classification, widened to full line width: character 0 on the start line
// through the end of the end line. An empty document yields a zero-length
// range at the origin.
func (e *ContextExtractor) BlockRange(doc Document, pos Position, class Classification) Range {
	lr, ok := e.blockLineRange(doc, pos, class)
	if !ok {
		return Range{}
	}
	return Range{
		Start: Position{Line: lr.StartLine, Character: 0},
		End:   Position{Line: lr.EndLine, Character: len(doc.LineText(lr.EndLine))},
	}
}

// ExtractBlock returns the raw text of exactly the lines BlockRange selects,
// joined with newlines.
func (e *ContextExtractor) ExtractBlock(doc Document, pos Position, class Classification) string {
	lr, ok := e.blockLineRange(doc, pos, class)
	if !ok {
		return ""
	}
	lines := make([]string, 0, lr.EndLine-lr.StartLine+1)
	for i := lr.StartLine; i <= lr.EndLine; i++ {
		lines = append(lines, doc.LineText(i))
	}
	return strings.Join(lines, "\n")
}

// ============================================================================
// Block Extent Resolution
// ============================================================================

// blockLineRange computes the inclusive line extent of the code unit at pos.
// It is the single source of truth shared by BlockRange and ExtractBlock.
func (e *ContextExtractor) blockLineRange(doc Document, pos Position, class Classification) (BlockLineRange, bool) {
	if doc == nil || doc.LineCount() == 0 {
		return BlockLineRange{}, false
	}
	line := pos.Line
	if line < 0 {
		line = 0
	}
	if line >= doc.LineCount() {
		line = doc.LineCount() - 1
	}

	switch class {
	case ClassSimple:
		return BlockLineRange{StartLine: line, EndLine: line}, true
	case ClassStructural:
		return e.structuralRange(doc, line), true
	default:
		return legacyIndentRange(doc, line), true
	}
}

// structuralRange finds the full extent of the structural block containing
// the line. The block header is the nearest line at or above the query whose
// indentation does not exceed the query's effective indentation and which
// matches a structural pattern; the body is every deeper-indented line below
// the header, with interior blanks included and trailing blanks trimmed.
func (e *ContextExtractor) structuralRange(doc Document, line int) BlockLineRange {
	effectiveIndent := effectiveIndentAt(doc, line)
	patterns := e.detector.LanguagePatternsFor(doc.LanguageID())

	blockStart := -1
	for i := line; i >= 0; i-- {
		text := doc.LineText(i)
		if isBlank(text) {
			continue
		}
		if leadingIndent(text) <= effectiveIndent && matchesAny(patterns.Structural, text) {
			blockStart = i
			break
		}
	}
	if blockStart < 0 {
		// No recognizable header above; fall back to pure indentation.
		e.logger.Debug("No structural header found above query, using indentation extent.", "line", line)
		return legacyIndentRange(doc, line)
	}

	startIndent := leadingIndent(doc.LineText(blockStart))
	end := blockStart
	for i := blockStart + 1; i < doc.LineCount(); i++ {
		text := doc.LineText(i)
		if isBlank(text) {
			continue
		}
		if leadingIndent(text) <= startIndent {
			break
		}
		end = i
	}
	if end < line {
		// The query sits below the header's body (e.g. a dedented closing
		// brace); keep the query line inside the reported extent.
		end = line
	}
	return BlockLineRange{StartLine: blockStart, EndLine: end}
}

// legacyIndentRange is the indentation-only extent used for unclassified
// lines: the block starts one past the nearest line above with strictly
// smaller indentation and extends downward while indentation stays at or
// above the query's. Blanks pass through; trailing blanks are trimmed.
func legacyIndentRange(doc Document, line int) BlockLineRange {
	queryIndent := effectiveIndentAt(doc, line)

	start := 0
	for i := line - 1; i >= 0; i-- {
		text := doc.LineText(i)
		if isBlank(text) {
			continue
		}
		if leadingIndent(text) < queryIndent {
			start = i + 1
			break
		}
	}

	end := line
	for i := line + 1; i < doc.LineCount(); i++ {
		text := doc.LineText(i)
		if isBlank(text) {
			continue
		}
		if leadingIndent(text) < queryIndent {
			break
		}
		end = i
	}
	return BlockLineRange{StartLine: start, EndLine: end}
}

// effectiveIndentAt returns the line's indentation, borrowing from the
// nearest non-blank neighbor (above preferred) when the line is blank.
func effectiveIndentAt(doc Document, line int) int {
	text := doc.LineText(line)
	if !isBlank(text) {
		return leadingIndent(text)
	}
	if above, ok := nearestNonBlank(doc, line-1, -1); ok {
		return leadingIndent(doc.LineText(above))
	}
	if below, ok := nearestNonBlank(doc, line+1, +1); ok {
		return leadingIndent(doc.LineText(below))
	}
	return 0
}
