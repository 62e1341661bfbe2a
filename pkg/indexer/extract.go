package indexer

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Languages with extraction support
const (
	LangGo         = "go"
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
)

var extToLanguage = map[string]string{
	".go":  LangGo,
	".py":  LangPython,
	".js":  LangJavaScript,
	".jsx": LangJavaScript,
	".mjs": LangJavaScript,
	".ts":  LangTypeScript,
	".tsx": LangTypeScript,
}

// DetectLanguage maps a file path to a supported language
func DetectLanguage(filePath string) (string, bool) {
	lang, ok := extToLanguage[strings.ToLower(filepath.Ext(filePath))]
	return lang, ok
}

// Definition types
const (
	DefFunction = "function"
	DefMethod   = "method"
	DefClass    = "class"
	DefType     = "type"
)

// Definition is one extracted code definition
type Definition struct {
	Type      string
	Name      string
	Signature string
	LineStart int
	LineEnd   int
}

// defPattern pairs an extraction regexp with the definition type it yields.
// The name is always capture group 1.
type defPattern struct {
	re      *regexp.Regexp
	defType string
}

var languagePatterns = map[string][]defPattern{
	LangGo: {
		{regexp.MustCompile(`^func\s+\([^)]+\)\s+([A-Za-z_]\w*)\s*\(`), DefMethod},
		{regexp.MustCompile(`^func\s+([A-Za-z_]\w*)\s*\(`), DefFunction},
		{regexp.MustCompile(`^type\s+([A-Za-z_]\w*)\s+(?:struct|interface)\b`), DefType},
	},
	LangPython: {
		{regexp.MustCompile(`^class\s+([A-Za-z_]\w*)`), DefClass},
		{regexp.MustCompile(`^def\s+([A-Za-z_]\w*)\s*\(`), DefFunction},
		{regexp.MustCompile(`^\s+def\s+([A-Za-z_]\w*)\s*\(`), DefMethod},
	},
	LangJavaScript: jsPatterns,
	LangTypeScript: jsPatterns,
}

var jsPatterns = []defPattern{
	{regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?class\s+([A-Za-z_$][\w$]*)`), DefClass},
	{regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)`), DefFunction},
	{regexp.MustCompile(`^(?:export\s+)?const\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s*)?\(`), DefFunction},
	{regexp.MustCompile(`^(?:export\s+)?interface\s+([A-Za-z_$][\w$]*)`), DefType},
}

// ExtractDefinitions finds definitions in a block of lines. startLine is the
// 1-based line number of lines[0] in the source file, so chunked files keep
// real line numbers. A definition's end is the line before the next
// definition, or the end of the block.
func ExtractDefinitions(language string, lines []string, startLine int) []Definition {
	patterns, ok := languagePatterns[language]
	if !ok {
		return nil
	}

	var defs []Definition
	for i, line := range lines {
		for _, p := range patterns {
			m := p.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			defs = append(defs, Definition{
				Type:      p.defType,
				Name:      m[1],
				Signature: strings.TrimSpace(line),
				LineStart: startLine + i,
			})
			break
		}
	}
	for i := range defs {
		if i+1 < len(defs) {
			defs[i].LineEnd = defs[i+1].LineStart - 1
		} else {
			defs[i].LineEnd = startLine + len(lines) - 1
		}
	}
	return defs
}

// Chunk is one line-bounded slice of a file
type Chunk struct {
	StartLine int // 1-based
	Lines     []string
}

// ChunkLines splits content on line boundaries into chunks of at most
// maxLines lines
func ChunkLines(content string, maxLines int) []Chunk {
	if maxLines <= 0 {
		maxLines = 500
	}
	lines := strings.Split(content, "\n")
	var chunks []Chunk
	for start := 0; start < len(lines); start += maxLines {
		end := start + maxLines
		if end > len(lines) {
			end = len(lines)
		}
		chunks = append(chunks, Chunk{StartLine: start + 1, Lines: lines[start:end]})
	}
	return chunks
}
