// deepexplain/helpers_detect.go
// Implements the structure detector: line classification, comment detection,
// and blank-line block membership. All methods are read-only over the pattern
// registry and safe for concurrent use.
package deepexplain

import (
	stdslog "log/slog"
	"sort"
	"strings"
	"unicode"
)

// ============================================================================
// Structure Detector
// ============================================================================

// StructureDetector classifies document lines using the per-language pattern
// registry, with an indentation heuristic as the fallback strategy.
type StructureDetector struct {
	registry   map[string]*LanguagePatterns
	fallback   *LanguagePatterns
	strategies []classifierStrategy
	scanBound  int // max lines scanned upward for block-comment delimiters
	logger     *stdslog.Logger
}

// NewStructureDetector builds a detector with a freshly compiled registry.
func NewStructureDetector(logger *stdslog.Logger) *StructureDetector {
	if logger == nil {
		logger = stdslog.Default()
	}
	return &StructureDetector{
		registry: buildPatternRegistry(),
		fallback: genericPatterns(),
		strategies: []classifierStrategy{
			&patternStrategy{},
			&indentationStrategy{},
		},
		scanBound: commentScanBound,
		logger:    logger.With("component", "StructureDetector"),
	}
}

// LanguagePatternsFor returns the pattern set for a language id. Lookup is
// case-insensitive; unknown ids get the generic C-style fallback.
func (d *StructureDetector) LanguagePatternsFor(languageID string) *LanguagePatterns {
	if p, ok := d.registry[strings.ToLower(languageID)]; ok {
		return p
	}
	return d.fallback
}

// Classify determines what kind of code unit the line at pos belongs to.
// Strategies run in order; the first conclusive answer wins. Blank and
// out-of-range lines are always ClassUnknown.
func (d *StructureDetector) Classify(doc Document, pos Position) Classification {
	if doc == nil || doc.LineCount() == 0 || pos.Line < 0 || pos.Line >= doc.LineCount() {
		return ClassUnknown
	}
	if isBlank(doc.LineText(pos.Line)) {
		return ClassUnknown
	}
	for _, s := range d.strategies {
		if class, ok := s.classify(d, doc, pos); ok {
			d.logger.Debug("Line classified.", "line", pos.Line, "strategy", s.name(), "class", class.String())
			return class
		}
	}
	return ClassUnknown
}

// ============================================================================
// Classifier Strategies
// ============================================================================

// classifierStrategy is one ordered attempt at classifying a line. It reports
// ok=false when it has no opinion and the next strategy should run.
type classifierStrategy interface {
	name() string
	classify(d *StructureDetector, doc Document, pos Position) (Classification, bool)
}

// patternStrategy matches the line against the language's regex lists.
// Structural patterns are tried first so that a line matching both lists
// (e.g. an arrow-function initializer that also looks like a declaration)
// resolves to ClassStructural.
type patternStrategy struct{}

func (*patternStrategy) name() string { return "pattern" }

func (*patternStrategy) classify(d *StructureDetector, doc Document, pos Position) (Classification, bool) {
	patterns := d.LanguagePatternsFor(doc.LanguageID())
	line := doc.LineText(pos.Line)
	if matchesAny(patterns.Structural, line) {
		return ClassStructural, true
	}
	if matchesAny(patterns.Simple, line) {
		return ClassSimple, true
	}
	return ClassUnknown, false
}

// indentationStrategy handles lines no pattern recognized: a line indented
// deeper than the nearest non-blank line above it sits inside that line's
// block, so it is structural by position even though its own text is opaque.
type indentationStrategy struct{}

func (*indentationStrategy) name() string { return "indentation" }

func (*indentationStrategy) classify(d *StructureDetector, doc Document, pos Position) (Classification, bool) {
	above, ok := nearestNonBlank(doc, pos.Line-1, -1)
	if !ok {
		return ClassUnknown, false
	}
	if leadingIndent(doc.LineText(pos.Line)) > leadingIndent(doc.LineText(above)) {
		return ClassStructural, true
	}
	return ClassUnknown, false
}

// ============================================================================
// Comment Detection
// ============================================================================

// commentEvent is one block-comment delimiter occurrence, keyed by absolute
// byte offset. Opens carry +1, closes -1. Close events sit at the end offset
// of their delimiter so the delimiter's own characters count as inside.
type commentEvent struct {
	offset int
	delta  int
}

// IsComment reports whether the position sits inside a comment. Single-line
// markers claim every column at or after the marker; block comments are
// resolved by replaying delimiter events from a bounded upward scan. Content
// that opened more than scanBound lines above the query is not detected.
func (d *StructureDetector) IsComment(doc Document, pos Position) bool {
	if doc == nil || doc.LineCount() == 0 || pos.Line < 0 || pos.Line >= doc.LineCount() {
		return false
	}
	patterns := d.LanguagePatternsFor(doc.LanguageID())
	line := doc.LineText(pos.Line)

	if cp := patterns.Comments.Line; cp != nil {
		if loc := cp.FindStringIndex(line); loc != nil && pos.Character >= loc[0] {
			return true
		}
	}
	if patterns.Comments.BlockStart == nil {
		return false
	}

	startLine := pos.Line - d.scanBound
	if startLine < 0 {
		startLine = 0
	}
	events := collectCommentEvents(doc, patterns.Comments, startLine, pos.Line)
	queryOffset := doc.OffsetAt(pos)

	// Replay in offset order; ties resolve closes before opens so adjacent
	// "*/ /*" pairs at the same boundary never overlap.
	sort.Slice(events, func(i, j int) bool {
		if events[i].offset != events[j].offset {
			return events[i].offset < events[j].offset
		}
		return events[i].delta < events[j].delta
	})
	count := 0
	for _, ev := range events {
		if ev.offset > queryOffset {
			break
		}
		count += ev.delta
		if count < 0 {
			// A close without a matching open inside the scan window; the
			// opening delimiter is above the bound, so treat it as balanced.
			count = 0
		}
	}
	return count > 0
}

// collectCommentEvents gathers delimiter events over lines [from, to].
// For symmetric delimiters occurrence parity decides the role: odd
// occurrences open, even occurrences close. Doc-start delimiters that match
// at the same index as a block-start (e.g. "/**" vs "/*") are counted once.
func collectCommentEvents(doc Document, cp CommentPatterns, from, to int) []commentEvent {
	var events []commentEvent
	symmetricOpen := false
	for i := from; i <= to; i++ {
		line := doc.LineText(i)
		base := doc.OffsetAt(Position{Line: i, Character: 0})

		if cp.Symmetric {
			for _, m := range cp.BlockStart.FindAllStringIndex(line, -1) {
				if symmetricOpen {
					events = append(events, commentEvent{offset: base + m[1], delta: -1})
				} else {
					events = append(events, commentEvent{offset: base + m[0], delta: +1})
				}
				symmetricOpen = !symmetricOpen
			}
			continue
		}

		opens := make(map[int]bool)
		for _, m := range cp.BlockStart.FindAllStringIndex(line, -1) {
			opens[m[0]] = true
		}
		if cp.DocStart != nil {
			for _, m := range cp.DocStart.FindAllStringIndex(line, -1) {
				opens[m[0]] = true
			}
		}
		for idx := range opens {
			events = append(events, commentEvent{offset: base + idx, delta: +1})
		}

		closes := make(map[int]bool)
		if cp.BlockEnd != nil {
			for _, m := range cp.BlockEnd.FindAllStringIndex(line, -1) {
				closes[m[1]] = true
			}
		}
		if cp.DocEnd != nil {
			for _, m := range cp.DocEnd.FindAllStringIndex(line, -1) {
				closes[m[1]] = true
			}
		}
		for idx := range closes {
			events = append(events, commentEvent{offset: base + idx, delta: -1})
		}
	}
	return events
}

// ============================================================================
// Blank Lines Inside Blocks
// ============================================================================

// IsEmptyLineInBlock reports whether a blank line sits inside a code block,
// judged by its nearest non-blank neighbors. Non-blank and out-of-range lines
// are never "empty in block", nor are blanks at the very top or bottom of the
// document.
func (d *StructureDetector) IsEmptyLineInBlock(doc Document, line int) bool {
	if doc == nil || line < 0 || line >= doc.LineCount() {
		return false
	}
	if !isBlank(doc.LineText(line)) {
		return false
	}
	above, okAbove := nearestNonBlank(doc, line-1, -1)
	below, okBelow := nearestNonBlank(doc, line+1, +1)
	if !okAbove || !okBelow {
		return false
	}
	if leadingIndent(doc.LineText(above)) > 0 || leadingIndent(doc.LineText(below)) > 0 {
		return true
	}
	// Zero-indent brace blocks: a blank between an opening brace line and its
	// closing brace still belongs to the block.
	aboveText := strings.TrimRight(doc.LineText(above), " \t")
	belowText := strings.TrimSpace(doc.LineText(below))
	if strings.HasSuffix(aboveText, "{") {
		switch belowText {
		case "}", "};", "},":
			return true
		}
	}
	return false
}

// ============================================================================
// Line Helpers
// ============================================================================

// nearestNonBlank walks from start in the given direction (+1 or -1) and
// returns the first non-blank line index.
func nearestNonBlank(doc Document, start, step int) (int, bool) {
	for i := start; i >= 0 && i < doc.LineCount(); i += step {
		if !isBlank(doc.LineText(i)) {
			return i, true
		}
	}
	return 0, false
}

// leadingIndent counts leading whitespace runes; tabs and spaces each count
// as one.
func leadingIndent(line string) int {
	n := 0
	for _, r := range line {
		if !unicode.IsSpace(r) {
			break
		}
		n++
	}
	return n
}

func isBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}
