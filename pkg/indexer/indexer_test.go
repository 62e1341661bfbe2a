package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/pkg/database"
)

func TestRulesetDefaults(t *testing.T) {
	rs := LoadRuleset(t.TempDir())

	assert.True(t, rs.Ignored(".git", true))
	assert.True(t, rs.Ignored("node_modules", true))
	assert.True(t, rs.Ignored("app.min.js", false))
	assert.False(t, rs.Ignored("main.go", false))
	assert.False(t, rs.Ignored("pkg/server", true))
}

func TestRulesetIgnoreFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"),
		[]byte("# build output\nout/\n*.tmp\n/secret.txt\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".specmemignore"),
		[]byte("fixtures/\n"), 0o644))

	rs := LoadRuleset(root)
	assert.True(t, rs.Ignored("out", true))
	assert.True(t, rs.Ignored("notes.tmp", false))
	assert.True(t, rs.Ignored("secret.txt", false))
	assert.True(t, rs.Ignored("fixtures", true))
	assert.False(t, rs.Ignored("deep/secret.txt", false), "anchored rule only hits the root")
	assert.False(t, rs.Ignored("main.go", false))
}

func TestDetectLanguage(t *testing.T) {
	cases := map[string]string{
		"main.go":       LangGo,
		"lib/util.py":   LangPython,
		"web/app.js":    LangJavaScript,
		"web/App.tsx":   LangTypeScript,
		"Component.JSX": LangJavaScript,
	}
	for path, want := range cases {
		got, ok := DetectLanguage(path)
		require.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}
	_, ok := DetectLanguage("README.md")
	assert.False(t, ok)
	_, ok = DetectLanguage("binary.exe")
	assert.False(t, ok)
}

func TestExtractDefinitionsGo(t *testing.T) {
	lines := []string{
		"package server",
		"",
		"type Handler struct {",
		"}",
		"",
		"func NewHandler(cfg Config) *Handler {",
		"}",
		"",
		"func (h *Handler) Serve(ctx context.Context) error {",
		"}",
	}
	defs := ExtractDefinitions(LangGo, lines, 1)
	require.Len(t, defs, 3)

	assert.Equal(t, DefType, defs[0].Type)
	assert.Equal(t, "Handler", defs[0].Name)
	assert.Equal(t, 3, defs[0].LineStart)
	assert.Equal(t, 5, defs[0].LineEnd)

	assert.Equal(t, DefFunction, defs[1].Type)
	assert.Equal(t, "NewHandler", defs[1].Name)

	assert.Equal(t, DefMethod, defs[2].Type)
	assert.Equal(t, "Serve", defs[2].Name)
	assert.Equal(t, 9, defs[2].LineStart)
	assert.Equal(t, 10, defs[2].LineEnd)
}

func TestExtractDefinitionsPython(t *testing.T) {
	lines := []string{
		"class Cache:",
		"    def get(self, key):",
		"        pass",
		"",
		"def main():",
		"    pass",
	}
	defs := ExtractDefinitions(LangPython, lines, 1)
	require.Len(t, defs, 3)
	assert.Equal(t, DefClass, defs[0].Type)
	assert.Equal(t, "Cache", defs[0].Name)
	assert.Equal(t, DefMethod, defs[1].Type)
	assert.Equal(t, "get", defs[1].Name)
	assert.Equal(t, DefFunction, defs[2].Type)
	assert.Equal(t, "main", defs[2].Name)
}

func TestExtractDefinitionsTypeScript(t *testing.T) {
	lines := []string{
		"export interface Props {",
		"}",
		"export class Widget {",
		"}",
		"export const render = (props: Props) => {",
		"}",
		"async function load() {",
		"}",
	}
	defs := ExtractDefinitions(LangTypeScript, lines, 1)
	require.Len(t, defs, 4)
	assert.Equal(t, "Props", defs[0].Name)
	assert.Equal(t, DefType, defs[0].Type)
	assert.Equal(t, "Widget", defs[1].Name)
	assert.Equal(t, DefClass, defs[1].Type)
	assert.Equal(t, "render", defs[2].Name)
	assert.Equal(t, "load", defs[3].Name)
}

func TestChunkLines(t *testing.T) {
	content := "a\nb\nc\nd\ne"
	chunks := ChunkLines(content, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, []string{"a", "b"}, chunks[0].Lines)
	assert.Equal(t, 3, chunks[1].StartLine)
	assert.Equal(t, 5, chunks[2].StartLine)
	assert.Equal(t, []string{"e"}, chunks[2].Lines)
}

type stubEmbedder struct{ vec []float32 }

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) { return s.vec, nil }
func (s *stubEmbedder) BatchEmbed(_ context.Context, texts []string) ([][]float32, []error, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, make([]error, len(texts)), nil
}
func (s *stubEmbedder) Dimension() int { return len(s.vec) }

func fileHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func setupIndexer(t *testing.T) (*Indexer, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := database.NewDatabaseWithDB(sqlx.NewDb(mockDB, "sqlmock"), "specmem_proj", nil)
	return NewIndexer(db, &stubEmbedder{vec: []float32{0.1, 0.2}}, "/srv/proj", Config{}, nil, nil), mock
}

func TestScanIndexesChangedFile(t *testing.T) {
	ix, mock := setupIndexer(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"),
		[]byte("package main\n\nfunc main() {\n}\n"), 0o644))
	// Ignored directory is never visited
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "x", "index.js"),
		[]byte("function hidden() {}\n"), 0o644))

	mock.ExpectQuery("SELECT content_hash FROM specmem_proj\\.indexed_files").
		WillReturnRows(sqlmock.NewRows([]string{"content_hash"}))
	mock.ExpectExec("INSERT INTO specmem_proj\\.code_definitions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO specmem_proj\\.indexed_files").
		WillReturnResult(sqlmock.NewResult(0, 1))

	report, err := ix.Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesSeen)
	assert.Equal(t, 1, report.FilesIndexed)
	assert.Equal(t, 1, report.Definitions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanSkipsUnchangedFile(t *testing.T) {
	ix, mock := setupIndexer(t)
	root := t.TempDir()
	content := []byte("package main\n\nfunc main() {\n}\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), content, 0o644))

	// Stored hash matches the file: nothing else happens
	hash := fileHash(content)
	mock.ExpectQuery("SELECT content_hash FROM specmem_proj\\.indexed_files").
		WillReturnRows(sqlmock.NewRows([]string{"content_hash"}).AddRow(hash))

	report, err := ix.Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesUnchanged)
	assert.Zero(t, report.FilesIndexed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
