package restoration

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/pkg/database"
	"github.com/specmem/specmem/pkg/memory"
	"github.com/specmem/specmem/pkg/project"
)

const testProject = "/srv/proj"

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return s.vec, s.err
}

func (s *stubEmbedder) BatchEmbed(_ context.Context, texts []string) ([][]float32, []error, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, make([]error, len(texts)), s.err
}

func (s *stubEmbedder) Dimension() int { return len(s.vec) }

func setupParser(t *testing.T) (*Parser, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := database.NewDatabaseWithDB(sqlx.NewDb(mockDB, "sqlmock"), "specmem_proj", nil)
	store := memory.NewStore(db, testProject, 0, nil, nil)
	proj, err := project.New(testProject)
	require.NoError(t, err)

	p := NewParser(db, store, &stubEmbedder{vec: []float32{0.1, 0.2}}, proj, Config{ChunkDelay: time.Millisecond}, nil, nil)
	p.pathExists = func(string) bool { return false }
	return p, mock
}

var selectCols = []string{
	"id", "content", "memory_type", "importance", "tags", "metadata",
	"project_path", "created_at", "updated_at", "access_count",
	"last_accessed_at", "expires_at", "related_memories", "consolidated_from",
	"embedding_text",
}

func summaryRow(id, content, metadata string) *sqlmock.Rows {
	now := time.Now().Add(-time.Hour)
	return sqlmock.NewRows(selectCols).AddRow(
		id, content, "episodic", "medium", "{}", metadata,
		testProject, now, now, 0, nil, nil, "{}", "{}", nil)
}

func TestRunExpandsSummaryIntoTurns(t *testing.T) {
	p, mock := setupParser(t)

	summary := "This session is being continued from a previous conversation.\n" +
		"User: how does auth work?\n"
	mock.ExpectQuery("SELECT id, content, memory_type").
		WillReturnRows(summaryRow("src-1", summary, "{}"))

	// One turn: insert + fetch
	mock.ExpectQuery("INSERT INTO specmem_proj\\.memories").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("turn-1"))
	mock.ExpectQuery("SELECT id, content, memory_type").
		WillReturnRows(summaryRow("turn-1", "[USER] how does auth work?", "{}"))
	// Source marked processed
	mock.ExpectExec("UPDATE specmem_proj\\.memories\\s+SET tags = array_append").
		WillReturnResult(sqlmock.NewResult(0, 1))

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Detected)
	assert.Equal(t, 1, report.Turns)
	assert.Equal(t, 1, report.Inserted)
	assert.Zero(t, report.Duplicates)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSkipsForeignProjectSummary(t *testing.T) {
	p, mock := setupParser(t)

	summary := "This session is being continued from a previous conversation.\n" +
		"User: something from another repo\n"
	mock.ExpectQuery("SELECT id, content, memory_type").
		WillReturnRows(summaryRow("src-2", summary, `{"projectPath":"/somewhere/else"}`))

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestForeignSummaryLeftUnmarked(t *testing.T) {
	// A skipped summary must not be tagged processed: it still belongs to its
	// own project's engine. No statement at all should reach the database.
	p, mock := setupParser(t)

	src := &memory.Memory{
		ID:        "src-9",
		Content:   "This session is being continued from a previous conversation.\nUser: hi\n",
		Metadata:  memory.Metadata{"projectPath": "/somewhere/else"},
		CreatedAt: time.Now(),
	}
	report := &Report{}
	require.NoError(t, p.processSummary(context.Background(), src, report))
	assert.Equal(t, 1, report.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunCountsNotExtractable(t *testing.T) {
	p, mock := setupParser(t)

	summary := "This session is being continued from a previous conversation. Nothing else."
	mock.ExpectQuery("SELECT id, content, memory_type").
		WillReturnRows(summaryRow("src-3", summary, "{}"))
	mock.ExpectExec("UPDATE specmem_proj\\.memories\\s+SET tags = array_append").
		WillReturnResult(sqlmock.NewResult(0, 1))

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Detected)
	assert.Equal(t, 1, report.NotExtractable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveProjectPath(t *testing.T) {
	p, _ := setupParser(t)

	meta := &memory.Memory{Metadata: memory.Metadata{"projectPath": "/srv/proj/sub"}}
	assert.Equal(t, "/srv/proj/sub", p.resolveProjectPath(meta))

	// Text candidates only count when they exist on disk
	text := &memory.Memory{Content: "Primary working directory: /srv/ghost", Metadata: memory.Metadata{}}
	assert.Equal(t, PathUnknown, p.resolveProjectPath(text))

	p.pathExists = func(path string) bool { return path == "/srv/ghost" }
	assert.Equal(t, "/srv/ghost", p.resolveProjectPath(text))
}

func TestContainsIsolation(t *testing.T) {
	proj, err := project.New(testProject)
	require.NoError(t, err)

	assert.True(t, proj.Contains("/srv/proj"))
	assert.True(t, proj.Contains("/srv/proj/internal"))
	assert.True(t, proj.Contains("/srv"))
	assert.False(t, proj.Contains("/srv/other"))
}
