package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/pkg/database"
	"github.com/specmem/specmem/pkg/errors"
)

const testProject = "/srv/proj"

func setupStore(t *testing.T, dimension int) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := database.NewDatabaseWithDB(sqlx.NewDb(mockDB, "sqlmock"), "specmem_proj", nil)
	return NewStore(db, testProject, dimension, nil, nil), mock
}

var selectCols = []string{
	"id", "content", "memory_type", "importance", "tags", "metadata",
	"project_path", "created_at", "updated_at", "access_count",
	"last_accessed_at", "expires_at", "related_memories", "consolidated_from",
	"embedding_text",
}

func memoryRowFixture(id, content string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(selectCols).AddRow(
		id, content, "semantic", "medium", "{api,notes}",
		`{"contentHash":"abcdef0123456789","role":"user"}`,
		testProject, now, now, 0, nil, nil, "{}", "{}", "[0.1,0.2,0.3]")
}

func TestInsertNewMemory(t *testing.T) {
	s, mock := setupStore(t, 3)

	mock.ExpectQuery("INSERT INTO specmem_proj\\.memories").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("mem-1"))
	mock.ExpectQuery("SELECT id, content, memory_type").
		WillReturnRows(memoryRowFixture("mem-1", "hello"))

	mem, inserted, err := s.Insert(context.Background(), Input{
		Role:      "user",
		Content:   "hello",
		Embedding: []float32{0.1, 0.2, 0.3},
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "mem-1", mem.ID)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, mem.Embedding)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTagsRole(t *testing.T) {
	s, mock := setupStore(t, 0)

	// role:<role> joins the caller's tags, deduped and sorted
	mock.ExpectQuery("INSERT INTO specmem_proj\\.memories").
		WithArgs(sqlmock.AnyArg(), "hello", sqlmock.AnyArg(), sqlmock.AnyArg(),
			pq.Array([]string{"role:user", "todo"}), sqlmock.AnyArg(), nil,
			testProject, nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("mem-1"))
	mock.ExpectQuery("SELECT id, content, memory_type").
		WillReturnRows(memoryRowFixture("mem-1", "hello"))

	_, inserted, err := s.Insert(context.Background(), Input{
		Role:    "user",
		Content: "hello",
		Tags:    []string{"todo", "role:user"},
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDuplicateReturnsExisting(t *testing.T) {
	s, mock := setupStore(t, 0)

	// ON CONFLICT DO NOTHING: RETURNING yields no row
	mock.ExpectQuery("INSERT INTO specmem_proj\\.memories").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM specmem_proj\\.memories").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("mem-existing"))
	mock.ExpectQuery("SELECT id, content, memory_type").
		WillReturnRows(memoryRowFixture("mem-existing", "hello"))

	mem, inserted, err := s.Insert(context.Background(), Input{Role: "user", Content: "hello"})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "mem-existing", mem.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRejectsWrongDimension(t *testing.T) {
	s, _ := setupStore(t, 768)

	_, _, err := s.Insert(context.Background(), Input{
		Content:   "hello",
		Embedding: []float32{0.1, 0.2},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ClassSchemaMismatch))
}

func TestInsertValidation(t *testing.T) {
	s, _ := setupStore(t, 0)
	ctx := context.Background()

	_, _, err := s.Insert(ctx, Input{Content: "   "})
	assert.True(t, errors.Is(err, errors.ClassInvalidRequest), "blank content")

	_, _, err = s.Insert(ctx, Input{Content: "x", MemoryType: "imaginary"})
	assert.True(t, errors.Is(err, errors.ClassInvalidRequest), "bad type")

	_, _, err = s.Insert(ctx, Input{Content: "x", Importance: "vital"})
	assert.True(t, errors.Is(err, errors.ClassInvalidRequest), "bad importance")

	tags := make([]string, MaxTags+1)
	for i := range tags {
		tags[i] = fmt.Sprintf("tag-%d", i)
	}
	_, _, err = s.Insert(ctx, Input{Content: "x", Tags: tags})
	assert.True(t, errors.Is(err, errors.ClassInvalidRequest), "too many tags")
}

type recordingObserver struct{ ids []string }

func (r *recordingObserver) ObserveAccess(_ context.Context, id string) { r.ids = append(r.ids, id) }

func TestGetBumpsAccessAndNotifies(t *testing.T) {
	s, mock := setupStore(t, 0)
	obs := &recordingObserver{}
	s.SetAccessObserver(obs)

	mock.ExpectQuery("UPDATE specmem_proj\\.memories\\s+SET access_count = access_count \\+ 1").
		WithArgs("mem-1", testProject).
		WillReturnRows(memoryRowFixture("mem-1", "hello"))

	mem, err := s.Get(context.Background(), "mem-1")
	require.NoError(t, err)
	assert.Equal(t, "mem-1", mem.ID)
	assert.Equal(t, []string{"mem-1"}, obs.ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	s, mock := setupStore(t, 0)

	mock.ExpectQuery("UPDATE specmem_proj\\.memories").
		WillReturnRows(sqlmock.NewRows(selectCols))

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ClassNotFound))
}

func TestDeleteCascades(t *testing.T) {
	s, mock := setupStore(t, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM specmem_proj\\.memories").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("mem-1").AddRow("mem-2"))
	mock.ExpectExec("DELETE FROM specmem_proj\\.access_transitions").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM specmem_proj\\.hot_paths").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM specmem_proj\\.memories").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := s.DeleteByIDs(context.Background(), []string{"mem-1", "mem-2"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteNoMatchesSkipsCascade(t *testing.T) {
	s, mock := setupStore(t, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM specmem_proj\\.memories").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	n, err := s.DeleteExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteByTagsRequiresTags(t *testing.T) {
	s, _ := setupStore(t, 0)
	_, err := s.DeleteByTags(context.Background(), nil, false)
	assert.True(t, errors.Is(err, errors.ClassInvalidRequest))
}

func TestLinkRejectsSelf(t *testing.T) {
	s, _ := setupStore(t, 0)
	err := s.Link(context.Background(), "mem-1", "mem-1")
	assert.True(t, errors.Is(err, errors.ClassInvalidRequest))
}

func TestUpdateContentClearsEmbedding(t *testing.T) {
	s, mock := setupStore(t, 0)

	mock.ExpectQuery("SELECT id, content, memory_type").
		WillReturnRows(memoryRowFixture("mem-1", "old content"))
	mock.ExpectExec("UPDATE specmem_proj\\.memories SET updated_at = now\\(\\), content = \\$1, embedding = NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, content, memory_type").
		WillReturnRows(memoryRowFixture("mem-1", "new content"))

	content := "new content"
	mem, err := s.Update(context.Background(), "mem-1", UpdatePatch{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, "new content", mem.Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateNotFound(t *testing.T) {
	s, mock := setupStore(t, 0)

	mock.ExpectQuery("SELECT id, content, memory_type").
		WillReturnRows(sqlmock.NewRows(selectCols))

	imp := ImportanceHigh
	_, err := s.Update(context.Background(), "missing", UpdatePatch{Importance: &imp})
	assert.True(t, errors.Is(err, errors.ClassNotFound))
}

func TestDedupeTags(t *testing.T) {
	got := dedupeTags([]string{"b", "a", " b ", "", "a"})
	assert.Equal(t, []string{"a", "b"}, got)
}
