// deepexplain/helpers_patterns.go
// Contains the per-language pattern registry used by the structure detector.
// All regexps are compiled once when the registry is built; lookups only read.
package deepexplain

import "regexp"

// ============================================================================
// Pattern Types
// ============================================================================

// CommentPatterns describes how a language marks comments.
type CommentPatterns struct {
	Line       *regexp.Regexp // single-line marker (`//`, `#`, ...); nil if unsupported
	BlockStart *regexp.Regexp // multi-line start delimiter; nil if unsupported
	BlockEnd   *regexp.Regexp // multi-line end delimiter; nil when Symmetric
	DocStart   *regexp.Regexp // doc-comment start (`/**`), when distinguishable
	DocEnd     *regexp.Regexp // doc-comment end, when distinguishable
	Symmetric  bool           // delimiter both opens and closes (Python triple-quote)
}

// LanguagePatterns is the immutable pattern set for one language id.
// Structural patterns are always tested before Simple ones: a line matching
// both resolves to ClassStructural.
type LanguagePatterns struct {
	Comments   CommentPatterns
	Structural []*regexp.Regexp // control flow, declarations, complex initializers
	Simple     []*regexp.Regexp // variable declaration, return, import/export
}

// ============================================================================
// Registry Construction
// ============================================================================

func mustAll(exprs ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		res[i] = regexp.MustCompile(e)
	}
	return res
}

func cStyleComments() CommentPatterns {
	return CommentPatterns{
		Line:       regexp.MustCompile(`//`),
		BlockStart: regexp.MustCompile(`/\*`),
		BlockEnd:   regexp.MustCompile(`\*/`),
		DocStart:   regexp.MustCompile(`/\*\*`),
		DocEnd:     regexp.MustCompile(`\*/`),
	}
}

// ecmaPatterns covers javascript/typescript and their react variants. The
// arrow-function initializer is structural so that `const f = () => {...}`
// highlights as a block even though it also matches the `const` simple pattern.
func ecmaPatterns() *LanguagePatterns {
	return &LanguagePatterns{
		Comments: cStyleComments(),
		Structural: mustAll(
			`^\s*(if|else|for|while|switch|do|try|catch|finally)\b`,
			`^\s*(export\s+)?(default\s+)?(async\s+)?function\b`,
			`^\s*(export\s+)?(default\s+)?(abstract\s+)?class\b`,
			`^\s*(export\s+)?(interface|enum|namespace)\b`,
			`^\s*(export\s+)?(const|let|var)\s+[\w$]+[^=]*=\s*(async\s+)?(\([^)]*\)|[\w$]+)\s*(:[^=>]+)?=>`,
			`^\s*(public|private|protected|static|readonly|get|set|async)\s+[\w$]+\s*\(`,
			`^\s*[\w$]+\s*\([^)]*\)\s*\{\s*$`,
			`=\s*[{[]\s*$`,
		),
		Simple: mustAll(
			`^\s*(export\s+)?(const|let|var)\s+`,
			`^\s*return\b`,
			`^\s*(import|export)\b`,
		),
	}
}

func pythonPatterns() *LanguagePatterns {
	return &LanguagePatterns{
		Comments: CommentPatterns{
			Line:       regexp.MustCompile(`#`),
			BlockStart: regexp.MustCompile(`"""|'''`),
			Symmetric:  true,
		},
		Structural: mustAll(
			`^\s*(async\s+)?(def|class)\b`,
			`^\s*(if|elif|else|for|while|try|except|finally|with|match|case)\b`,
			`^\s*@\w+`,
		),
		Simple: mustAll(
			`^\s*[\w.]+(\s*,\s*[\w.]+)*\s*(:[^=]+)?=[^=]`,
			`^\s*return\b`,
			`^\s*(import|from)\b`,
		),
	}
}

func goPatterns() *LanguagePatterns {
	return &LanguagePatterns{
		Comments: CommentPatterns{
			Line:       regexp.MustCompile(`//`),
			BlockStart: regexp.MustCompile(`/\*`),
			BlockEnd:   regexp.MustCompile(`\*/`),
		},
		Structural: mustAll(
			`^\s*(func|if|else|for|switch|select|defer|go)\b`,
			`^\s*type\s+\w+\s+(struct|interface)\b`,
			`=\s*func\b`,
			`=\s*[\w.\[\]]*\{\s*$`,
		),
		Simple: mustAll(
			`^\s*(var|const)\b`,
			`^\s*[\w.,\s]+:=`,
			`^\s*return\b`,
			`^\s*import\b`,
		),
	}
}

func javaLikePatterns() *LanguagePatterns {
	return &LanguagePatterns{
		Comments: cStyleComments(),
		Structural: mustAll(
			`^\s*(if|else|for|while|switch|do|try|catch|finally|synchronized)\b`,
			`^\s*(public|private|protected|internal|static|final|abstract|sealed|partial|\s)*\s*(class|interface|enum|record|struct)\b`,
			`^\s*(public|private|protected|internal|static|final|abstract|override|virtual|async|\s)*[\w<>\[\],.\s]+\s+\w+\s*\([^;]*\)\s*\{?\s*$`,
			`^\s*@\w+`,
			`=\s*[{[]\s*$`,
		),
		Simple: mustAll(
			`^\s*(final\s+)?[\w<>\[\],.]+\s+\w+\s*(=[^=]|;)`,
			`^\s*return\b`,
			`^\s*(import|using|package)\b`,
		),
	}
}

func cFamilyPatterns() *LanguagePatterns {
	return &LanguagePatterns{
		Comments: cStyleComments(),
		Structural: mustAll(
			`^\s*(if|else|for|while|switch|do)\b`,
			`^\s*(typedef\s+)?(struct|union|enum|class|namespace|template)\b`,
			`^[\w\s\*<>:~&]+\([^;]*\)\s*(const\s*)?\{?\s*$`,
			`=\s*[{[]\s*$`,
		),
		Simple: mustAll(
			`^\s*(static\s+|const\s+)*[\w\*]+[\s\*]+\w+\s*(=[^=]|;|\[)`,
			`^\s*return\b`,
			`^\s*#\s*(include|define)\b`,
		),
	}
}

func rustPatterns() *LanguagePatterns {
	return &LanguagePatterns{
		Comments: CommentPatterns{
			Line:       regexp.MustCompile(`//`),
			BlockStart: regexp.MustCompile(`/\*`),
			BlockEnd:   regexp.MustCompile(`\*/`),
		},
		Structural: mustAll(
			`^\s*(pub\s+)?(async\s+)?(unsafe\s+)?fn\b`,
			`^\s*(pub\s+)?(struct|enum|trait|impl|mod)\b`,
			`^\s*(if|else|for|while|loop|match)\b`,
			`=\s*[{[|]\s*$`,
		),
		Simple: mustAll(
			`^\s*(let|const|static)\b`,
			`^\s*return\b`,
			`^\s*(use|extern)\b`,
		),
	}
}

func rubyPatterns() *LanguagePatterns {
	return &LanguagePatterns{
		Comments: CommentPatterns{
			Line:       regexp.MustCompile(`#`),
			BlockStart: regexp.MustCompile(`^=begin\b`),
			BlockEnd:   regexp.MustCompile(`^=end\b`),
		},
		Structural: mustAll(
			`^\s*(def|class|module)\b`,
			`^\s*(if|elsif|else|unless|while|until|for|begin|rescue|ensure|case|when)\b`,
			`\bdo\s*(\|[^|]*\|)?\s*$`,
		),
		Simple: mustAll(
			`^\s*[\w@$.]+(\s*,\s*[\w@$.]+)*\s*=[^=~]`,
			`^\s*return\b`,
			`^\s*(require|require_relative|load|include|extend)\b`,
		),
	}
}

func phpPatterns() *LanguagePatterns {
	return &LanguagePatterns{
		Comments: CommentPatterns{
			Line:       regexp.MustCompile(`//|#`),
			BlockStart: regexp.MustCompile(`/\*`),
			BlockEnd:   regexp.MustCompile(`\*/`),
			DocStart:   regexp.MustCompile(`/\*\*`),
			DocEnd:     regexp.MustCompile(`\*/`),
		},
		Structural: mustAll(
			`^\s*(public|private|protected|static|abstract|final|\s)*function\b`,
			`^\s*(abstract\s+|final\s+)?(class|interface|trait|enum)\b`,
			`^\s*(if|else|elseif|for|foreach|while|switch|try|catch|finally|match)\b`,
			`=\s*[{[]\s*$`,
		),
		Simple: mustAll(
			`^\s*\$\w+\s*=[^=]`,
			`^\s*return\b`,
			`^\s*(use|require|require_once|include|include_once|namespace)\b`,
		),
	}
}

// genericPatterns is the fallback set for any language id without dedicated
// support: C-style comments plus broad function/brace heuristics.
func genericPatterns() *LanguagePatterns {
	return &LanguagePatterns{
		Comments: CommentPatterns{
			Line:       regexp.MustCompile(`//`),
			BlockStart: regexp.MustCompile(`/\*`),
			BlockEnd:   regexp.MustCompile(`\*/`),
		},
		Structural: mustAll(
			`^\s*(if|else|elif|for|while|switch|do|try|catch|finally)\b`,
			`^\s*(function|func|fn|def|class|interface|struct|enum|module)\b`,
			`[{([]\s*$`,
		),
		Simple: mustAll(
			`^\s*(var|let|const|val)\b`,
			`^\s*return\b`,
			`^\s*(import|export|use|include|require|from)\b`,
		),
	}
}

// buildPatternRegistry constructs the full language-id to pattern-set map.
// Called once per detector; the result is read-only afterwards and safe to
// share across any number of concurrent queries.
func buildPatternRegistry() map[string]*LanguagePatterns {
	ecma := ecmaPatterns()
	javaLike := javaLikePatterns()
	cFamily := cFamilyPatterns()
	return map[string]*LanguagePatterns{
		"javascript":      ecma,
		"javascriptreact": ecma,
		"typescript":      ecma,
		"typescriptreact": ecma,
		"python":          pythonPatterns(),
		"go":              goPatterns(),
		"java":            javaLike,
		"csharp":          javaLike,
		"c":               cFamily,
		"cpp":             cFamily,
		"rust":            rustPatterns(),
		"ruby":            rubyPatterns(),
		"php":             phpPatterns(),
	}
}

func matchesAny(patterns []*regexp.Regexp, line string) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}
