// deepexplain/helpers_detect_test.go
package deepexplain

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

func newTestDetector(t *testing.T) *StructureDetector {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStructureDetector(logger)
}

// TestLanguagePatternsFor tests registry lookup, case handling, and fallback.
func TestLanguagePatternsFor(t *testing.T) {
	d := newTestDetector(t)

	if d.LanguagePatternsFor("go") == nil {
		t.Fatal("LanguagePatternsFor(go) returned nil")
	}
	if d.LanguagePatternsFor("Go") != d.LanguagePatternsFor("go") {
		t.Errorf("Lookup is not case-insensitive: 'Go' and 'go' resolved differently")
	}
	if d.LanguagePatternsFor("typescript") != d.LanguagePatternsFor("javascript") {
		t.Errorf("typescript and javascript should share one pattern set")
	}
	if d.LanguagePatternsFor("brainfuck") != d.fallback {
		t.Errorf("Unknown language id did not resolve to the generic fallback")
	}
	if d.LanguagePatternsFor("") != d.fallback {
		t.Errorf("Empty language id did not resolve to the generic fallback")
	}
}

// TestClassify tests line classification across languages and strategies.
func TestClassify(t *testing.T) {
	d := newTestDetector(t)

	tests := []struct {
		name    string
		lang    string
		content string
		line    int
		want    Classification
	}{
		{"Go func header", "go", "func add(a, b int) int {\n\treturn a + b\n}", 0, ClassStructural},
		{"Go short variable declaration", "go", "x := compute()", 0, ClassSimple},
		{"Go body line via indentation", "go", "func main() {\n\tdoWork()\n}", 1, ClassStructural},
		{"Go var declaration", "go", "var retries int", 0, ClassSimple},
		{"Go type struct", "go", "type point struct {\n\tx int\n}", 0, ClassStructural},
		{"Blank line", "go", "a := 1\n\nb := 2", 1, ClassUnknown},
		{"Line before document start", "go", "x := 1", -1, ClassUnknown},
		{"Line past document end", "go", "x := 1", 5, ClassUnknown},
		{"TS arrow fn beats const simple", "typescript", "const f = (x) => x * 2;", 0, ClassStructural},
		{"TS plain const", "typescript", "const limit = 10;", 0, ClassSimple},
		{"TS class declaration", "typescript", "export class Widget {\n}", 0, ClassStructural},
		{"TS object initializer", "javascript", "const opts = {\n  depth: 2,\n};", 0, ClassStructural},
		{"Python def", "python", "def handler(request):\n    pass", 0, ClassStructural},
		{"Python return", "python", "def f():\n    return 1", 1, ClassSimple},
		{"Python call body via indentation", "python", "def f():\n    log.info(x)", 1, ClassStructural},
		{"Python decorator", "python", "@app.route('/x')\ndef h():\n    pass", 0, ClassStructural},
		{"Rust fn", "rust", "pub async fn fetch() {\n}", 0, ClassStructural},
		{"Rust let binding", "rust", "let mut count = 0;", 0, ClassSimple},
		{"Java method", "java", "class A {\n    public void render(Graphics g) {\n    }\n}", 1, ClassStructural},
		{"Ruby block do", "ruby", "items.each do |item|\n  puts item\nend", 0, ClassStructural},
		{"PHP variable assignment", "php", "$total = 0;", 0, ClassSimple},
		{"Generic fallback val", "kotlin", "val name = \"x\"", 0, ClassSimple},
		{"Generic fallback brace opener", "kotlin", "fun main() {\n}", 0, ClassStructural},
		{"Opaque first line", "plaintext", "just some prose here", 0, ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := NewTextDocument(tt.lang, tt.content)
			got := d.Classify(doc, Position{Line: tt.line})
			if got != tt.want {
				t.Errorf("Classify() = %v, want %v (line %d: %q)", got, tt.want, tt.line, doc.LineText(tt.line))
			}
		})
	}
}

func TestClassifyNilDocument(t *testing.T) {
	d := newTestDetector(t)
	if got := d.Classify(nil, Position{}); got != ClassUnknown {
		t.Errorf("Classify(nil) = %v, want ClassUnknown", got)
	}
	if got := d.Classify(NewTextDocument("go", ""), Position{}); got != ClassUnknown {
		t.Errorf("Classify(empty doc) = %v, want ClassUnknown", got)
	}
}

// TestIsCommentLineMarker tests the column semantics of single-line markers:
// every column at or after the marker counts as inside the comment.
func TestIsCommentLineMarker(t *testing.T) {
	d := newTestDetector(t)
	doc := NewTextDocument("go", "x := 1 // trailing")
	// The marker starts at byte 7.
	tests := []struct {
		name string
		char int
		want bool
	}{
		{"Before marker", 0, false},
		{"Just before marker", 6, false},
		{"At marker start", 7, true},
		{"Inside comment text", 12, true},
		{"End of line", 17, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.IsComment(doc, Position{Line: 0, Character: tt.char})
			if got != tt.want {
				t.Errorf("IsComment(char=%d) = %v, want %v", tt.char, got, tt.want)
			}
		})
	}
}

// TestIsCommentBlock tests block comment detection via the delimiter replay.
func TestIsCommentBlock(t *testing.T) {
	d := newTestDetector(t)

	t.Run("multi-line block", func(t *testing.T) {
		doc := NewTextDocument("go", "a := 1\n/*\ninside\n*/\nb := 2")
		if d.IsComment(doc, Position{Line: 0, Character: 0}) {
			t.Error("line before the comment reported as comment")
		}
		if !d.IsComment(doc, Position{Line: 2, Character: 3}) {
			t.Error("line inside the block comment not detected")
		}
		if d.IsComment(doc, Position{Line: 4, Character: 0}) {
			t.Error("line after the closing delimiter reported as comment")
		}
	})

	t.Run("inline comment closed on same line", func(t *testing.T) {
		doc := NewTextDocument("go", "x := 1 /* note */ + 2")
		if !d.IsComment(doc, Position{Line: 0, Character: 10}) {
			t.Error("position inside the inline comment not detected")
		}
		if d.IsComment(doc, Position{Line: 0, Character: 18}) {
			t.Error("position after the closing delimiter reported as comment")
		}
	})

	t.Run("python symmetric triple quote", func(t *testing.T) {
		doc := NewTextDocument("python", "x = 1\n\"\"\"\ndoc text\n\"\"\"\ny = 2")
		if !d.IsComment(doc, Position{Line: 2, Character: 2}) {
			t.Error("line inside triple-quoted block not detected")
		}
		if d.IsComment(doc, Position{Line: 4, Character: 0}) {
			t.Error("line after closing triple quote reported as comment")
		}
	})

	t.Run("doc comment delimiter counted once", func(t *testing.T) {
		// "/**" matches both the block-start and doc-start patterns at the same
		// index; the open must not be double counted or the close cannot balance.
		doc := NewTextDocument("java", "/**\n * Doc.\n */\nint x = 1;")
		if !d.IsComment(doc, Position{Line: 1, Character: 1}) {
			t.Error("line inside doc comment not detected")
		}
		if d.IsComment(doc, Position{Line: 3, Character: 0}) {
			t.Error("line after doc comment reported as comment")
		}
	})

	t.Run("stray close does not poison later lines", func(t *testing.T) {
		doc := NewTextDocument("go", "*/\nx := 1")
		if d.IsComment(doc, Position{Line: 1, Character: 0}) {
			t.Error("line after an unmatched close reported as comment")
		}
	})

	t.Run("open beyond the scan bound is not seen", func(t *testing.T) {
		var sb strings.Builder
		sb.WriteString("/*\n")
		for i := 0; i < 150; i++ {
			sb.WriteString("filler line\n")
		}
		sb.WriteString("*/\n")
		doc := NewTextDocument("go", sb.String())
		// Line 120 is inside the comment, but the opener sits more than
		// commentScanBound lines above the query.
		if d.IsComment(doc, Position{Line: 120, Character: 0}) {
			t.Error("comment detected despite opener beyond the scan bound")
		}
		// A query close to the opener still sees it.
		if !d.IsComment(doc, Position{Line: 50, Character: 0}) {
			t.Error("comment not detected within the scan bound")
		}
	})
}

// TestIsEmptyLineInBlock tests blank-line block membership.
func TestIsEmptyLineInBlock(t *testing.T) {
	d := newTestDetector(t)

	tests := []struct {
		name    string
		lang    string
		content string
		line    int
		want    bool
	}{
		{"Blank between indented lines", "python", "def f():\n    a = 1\n\n    b = 2", 2, true},
		{"Blank with only one indented neighbor", "python", "    a = 1\n\nb = 2", 1, true},
		{"Blank between top-level statements", "python", "a = 1\n\nb = 2", 1, false},
		{"Blank at top of file", "go", "\nx := 1", 0, false},
		{"Blank at bottom of file", "go", "x := 1\n", 1, false},
		{"Non-blank line", "go", "x := 1", 0, false},
		{"Out of range", "go", "x := 1", 9, false},
		{"Zero-indent brace block", "c", "int main() {\n\n}", 1, true},
		{"Zero-indent brace block with comma close", "javascript", "const o = {\n\n},", 1, true},
		{"Zero-indent without brace context", "c", "int a;\n\nint b;", 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := NewTextDocument(tt.lang, tt.content)
			got := d.IsEmptyLineInBlock(doc, tt.line)
			if got != tt.want {
				t.Errorf("IsEmptyLineInBlock(line=%d) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func TestLeadingIndent(t *testing.T) {
	tests := []struct {
		line string
		want int
	}{
		{"", 0},
		{"x", 0},
		{"  x", 2},
		{"\tx", 1},
		{"\t  x", 3},
		{"   ", 3},
	}
	for _, tt := range tests {
		if got := leadingIndent(tt.line); got != tt.want {
			t.Errorf("leadingIndent(%q) = %d, want %d", tt.line, got, tt.want)
		}
	}
}
