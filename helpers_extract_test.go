// deepexplain/helpers_extract_test.go
package deepexplain

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

func newTestExtractor(t *testing.T) *ContextExtractor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewContextExtractor(NewStructureDetector(logger), logger)
}

const goTwoFuncs = `package main

func add(a, b int) int {
	sum := a + b

	return sum
}

func sub(a, b int) int { return a - b }
`

// TestBlockRangeSimple tests that simple statements highlight as one line.
func TestBlockRangeSimple(t *testing.T) {
	e := newTestExtractor(t)
	doc := NewTextDocument("go", "x := compute(a, b)")

	rng := e.BlockRange(doc, Position{Line: 0, Character: 3}, ClassSimple)
	want := Range{Start: Position{Line: 0, Character: 0}, End: Position{Line: 0, Character: 18}}
	if rng != want {
		t.Errorf("BlockRange() = %+v, want %+v", rng, want)
	}
	if got := e.ExtractBlock(doc, Position{Line: 0}, ClassSimple); got != "x := compute(a, b)" {
		t.Errorf("ExtractBlock() = %q, want the full line", got)
	}
}

// TestBlockRangeStructural tests full-block extents for structural queries.
func TestBlockRangeStructural(t *testing.T) {
	e := newTestExtractor(t)
	doc := NewTextDocument("go", goTwoFuncs)

	tests := []struct {
		name      string
		line      int
		wantStart int
		wantEnd   int
	}{
		{"Query on the header", 2, 2, 5},
		{"Query inside the body", 3, 2, 5},
		{"Query on interior blank", 4, 2, 5},
		{"Query on last body line", 5, 2, 5},
		{"Query on dedented closing brace", 6, 2, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := e.BlockRange(doc, Position{Line: tt.line}, ClassStructural)
			if rng.Start.Line != tt.wantStart || rng.End.Line != tt.wantEnd {
				t.Errorf("BlockRange(line=%d) = lines %d-%d, want %d-%d",
					tt.line, rng.Start.Line, rng.End.Line, tt.wantStart, tt.wantEnd)
			}
			if rng.Start.Character != 0 {
				t.Errorf("BlockRange start character = %d, want 0", rng.Start.Character)
			}
			if want := len(doc.LineText(rng.End.Line)); rng.End.Character != want {
				t.Errorf("BlockRange end character = %d, want line width %d", rng.End.Character, want)
			}
		})
	}
}

// TestBlockRangeSiblingsNotMerged tests that a block extent never swallows the
// next sibling at the same indentation.
func TestBlockRangeSiblingsNotMerged(t *testing.T) {
	e := newTestExtractor(t)
	doc := NewTextDocument("go", goTwoFuncs)

	rng := e.BlockRange(doc, Position{Line: 3}, ClassStructural)
	if rng.End.Line >= 8 {
		t.Errorf("Block extent %d-%d reaches into the sibling function at line 8", rng.Start.Line, rng.End.Line)
	}
}

// TestExtractBlockMatchesRange tests that ExtractBlock returns exactly the
// lines BlockRange selects, from one shared resolution.
func TestExtractBlockMatchesRange(t *testing.T) {
	e := newTestExtractor(t)
	doc := NewTextDocument("go", goTwoFuncs)
	pos := Position{Line: 3}

	rng := e.BlockRange(doc, pos, ClassStructural)
	block := e.ExtractBlock(doc, pos, ClassStructural)

	gotLines := strings.Split(block, "\n")
	wantCount := rng.End.Line - rng.Start.Line + 1
	if len(gotLines) != wantCount {
		t.Fatalf("ExtractBlock() has %d lines, range spans %d", len(gotLines), wantCount)
	}
	for i, got := range gotLines {
		if want := doc.LineText(rng.Start.Line + i); got != want {
			t.Errorf("Block line %d = %q, want %q", i, got, want)
		}
	}
	if !strings.Contains(block, "sum := a + b") || !strings.Contains(block, "return sum") {
		t.Errorf("ExtractBlock() missing body lines: %q", block)
	}
}

// TestBlockRangeLegacyIndent tests the indentation-only extent used for
// unclassified lines.
func TestBlockRangeLegacyIndent(t *testing.T) {
	e := newTestExtractor(t)
	content := `def f():
    a = 1
    helper(a)
    b = 2
print("x")
`
	doc := NewTextDocument("python", content)

	rng := e.BlockRange(doc, Position{Line: 2}, ClassUnknown)
	if rng.Start.Line != 1 || rng.End.Line != 3 {
		t.Errorf("Legacy extent = lines %d-%d, want 1-3", rng.Start.Line, rng.End.Line)
	}

	// A top-level query extends only across its own indentation run.
	rng = e.BlockRange(doc, Position{Line: 4}, ClassUnknown)
	if rng.Start.Line != 0 || rng.End.Line != 4 {
		// Everything above has indentation >= 0, so the start stays at 0.
		t.Errorf("Legacy extent = lines %d-%d, want 0-4", rng.Start.Line, rng.End.Line)
	}
}

// TestBlockRangeStructuralFallback tests the fallback to the indentation
// extent when no structural header exists above the query.
func TestBlockRangeStructuralFallback(t *testing.T) {
	e := newTestExtractor(t)
	doc := NewTextDocument("go", "plaincall()")

	rng := e.BlockRange(doc, Position{Line: 0}, ClassStructural)
	if rng.Start.Line != 0 || rng.End.Line != 0 {
		t.Errorf("Fallback extent = lines %d-%d, want 0-0", rng.Start.Line, rng.End.Line)
	}
}

// TestBlockRangeEdgeCases tests empty documents and out-of-range positions.
func TestBlockRangeEdgeCases(t *testing.T) {
	e := newTestExtractor(t)

	t.Run("empty document", func(t *testing.T) {
		doc := NewTextDocument("go", "")
		if rng := e.BlockRange(doc, Position{Line: 0}, ClassSimple); rng != (Range{}) {
			t.Errorf("BlockRange(empty doc) = %+v, want zero range", rng)
		}
		if block := e.ExtractBlock(doc, Position{Line: 0}, ClassSimple); block != "" {
			t.Errorf("ExtractBlock(empty doc) = %q, want empty", block)
		}
	})

	t.Run("line clamped into document", func(t *testing.T) {
		doc := NewTextDocument("go", "a := 1\nb := 2")
		rng := e.BlockRange(doc, Position{Line: 99}, ClassSimple)
		if rng.Start.Line != 1 || rng.End.Line != 1 {
			t.Errorf("BlockRange(line=99) = lines %d-%d, want clamped to 1-1", rng.Start.Line, rng.End.Line)
		}
		rng = e.BlockRange(doc, Position{Line: -3}, ClassSimple)
		if rng.Start.Line != 0 || rng.End.Line != 0 {
			t.Errorf("BlockRange(line=-3) = lines %d-%d, want clamped to 0-0", rng.Start.Line, rng.End.Line)
		}
	})
}

// TestExtract tests single-line code plus surrounding context extraction.
func TestExtract(t *testing.T) {
	e := newTestExtractor(t)
	doc := NewTextDocument("go", "l0\nl1\nl2\n\tl3\nl4\nl5\nl6")

	code, context := e.Extract(doc, Position{Line: 3}, 2)
	if code != "l3" {
		t.Errorf("Extract() code = %q, want trimmed query line \"l3\"", code)
	}
	if want := "l1\nl2\nl4\nl5"; context != want {
		t.Errorf("Extract() context = %q, want %q", context, want)
	}

	// Near the top of the document the window is truncated, not padded.
	_, context = e.Extract(doc, Position{Line: 0}, 2)
	if want := "l1\nl2"; context != want {
		t.Errorf("Extract() context at top = %q, want %q", context, want)
	}

	// Out-of-range positions yield nothing.
	code, context = e.Extract(doc, Position{Line: 42}, 2)
	if code != "" || context != "" {
		t.Errorf("Extract(out of range) = (%q, %q), want empty", code, context)
	}
}
