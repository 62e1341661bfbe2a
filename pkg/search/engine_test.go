package search

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/pkg/database"
	"github.com/specmem/specmem/pkg/errors"
	"github.com/specmem/specmem/pkg/memory"
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
	errs := make([]error, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, errs, s.err
}

func (s *stubEmbedder) Dimension() int { return len(s.vec) }

func setupEngine(t *testing.T, emb *stubEmbedder) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := database.NewDatabaseWithDB(sqlx.NewDb(mockDB, "sqlmock"), "specmem_proj", nil)
	store := memory.NewStore(db, testProject, 0, nil, nil)
	registry := NewRegistry(0, 0)
	return NewEngine(db, store, emb, registry, EngineConfig{}, nil, nil), mock
}

var scoredCols = []string{
	"id", "content", "memory_type", "importance", "tags", "metadata",
	"project_path", "created_at", "updated_at", "access_count",
	"last_accessed_at", "expires_at", "related_memories", "consolidated_from",
	"embedding_text", "similarity",
}

func scoredRowValues(id, content string, createdAt time.Time, similarity float64) []driverValue {
	return []driverValue{
		id, content, "semantic", "medium", "{}", "{}",
		testProject, createdAt, createdAt, 0, nil, nil, "{}", "{}",
		"[0.1,0.2]", similarity,
	}
}

type driverValue = driver.Value

func expectCorpusCount(mock sqlmock.Sqlmock, n int) {
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM specmem_proj\\.memories").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(n))
}

func TestBandFor(t *testing.T) {
	cases := []struct {
		corpus    int
		band      string
		threshold float64
	}{
		{0, BandSparse, 0.10},
		{9, BandSparse, 0.10},
		{10, BandLow, 0.20},
		{99, BandLow, 0.20},
		{100, BandNormal, 0.30},
		{999, BandNormal, 0.30},
		{1000, BandDense, 0.40},
		{50000, BandDense, 0.40},
	}
	for _, tc := range cases {
		band, threshold := bandFor(tc.corpus)
		assert.Equal(t, tc.band, band, "corpus %d", tc.corpus)
		assert.InDelta(t, tc.threshold, threshold, 1e-9, "corpus %d", tc.corpus)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	e, _ := setupEngine(t, &stubEmbedder{vec: []float32{0.1, 0.2}})
	_, err := e.Search(context.Background(), "   ", Options{})
	assert.True(t, errors.Is(err, errors.ClassInvalidRequest))
}

func TestSearchPropagatesEmbedderFailure(t *testing.T) {
	embErr := errors.New(errors.ClassEmbeddingUnavailable, "socket is gone")
	e, mock := setupEngine(t, &stubEmbedder{err: embErr})
	expectCorpusCount(mock, 50)

	_, err := e.Search(context.Background(), "auth flow", Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ClassEmbeddingUnavailable))
}

func TestSearchRecencyBoostReordersResults(t *testing.T) {
	e, mock := setupEngine(t, &stubEmbedder{vec: []float32{0.1, 0.2}})
	expectCorpusCount(mock, 500)

	now := time.Now()
	rows := sqlmock.NewRows(scoredCols).
		AddRow(scoredRowValues("mem-old", "stale but similar", now.Add(-48*time.Hour), 0.50)...).
		AddRow(scoredRowValues("mem-fresh", "fresh", now.Add(-30*time.Minute), 0.45)...)
	mock.ExpectQuery("SELECT id, content, memory_type").WillReturnRows(rows)

	resp, err := e.Search(context.Background(), "auth flow", Options{RecencyBoost: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	// 0.45 * 1.20 = 0.54 beats unboosted 0.50
	assert.Equal(t, "mem-fresh", resp.Results[0].Memory.ID)
	assert.InDelta(t, 0.54, resp.Results[0].Similarity, 1e-9)
	assert.Equal(t, BandNormal, resp.Diagnostics.Band)
	assert.InDelta(t, 0.30, resp.Diagnostics.Threshold, 1e-9)
}

func TestSearchFiltersBelowThreshold(t *testing.T) {
	e, mock := setupEngine(t, &stubEmbedder{vec: []float32{0.1, 0.2}})
	expectCorpusCount(mock, 2000) // dense: threshold 0.40

	now := time.Now()
	rows := sqlmock.NewRows(scoredCols).
		AddRow(scoredRowValues("mem-hit", "good", now.Add(-3*24*time.Hour), 0.62)...).
		AddRow(scoredRowValues("mem-miss", "weak", now.Add(-3*24*time.Hour), 0.31)...)
	mock.ExpectQuery("SELECT id, content, memory_type").WillReturnRows(rows)

	resp, err := e.Search(context.Background(), "auth", Options{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "mem-hit", resp.Results[0].Memory.ID)
}

func TestSearchKeywordFallback(t *testing.T) {
	e, mock := setupEngine(t, &stubEmbedder{vec: []float32{0.1, 0.2}})
	expectCorpusCount(mock, 50)

	mock.ExpectQuery("SELECT id, content, memory_type").
		WillReturnRows(sqlmock.NewRows(scoredCols)) // vector search: nothing
	fallbackRows := sqlmock.NewRows(scoredCols[:15]).
		AddRow(scoredRowValues("mem-kw", "mentions auth in passing", time.Now(), 0)[:15]...)
	mock.ExpectQuery("content ILIKE").WillReturnRows(fallbackRows)

	resp, err := e.Search(context.Background(), "auth", Options{KeywordFallback: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Results[0].IsFallback)
	assert.True(t, resp.Diagnostics.UsedFallback)
	assert.Zero(t, resp.Results[0].Similarity)
}

func TestKeywordFallbackEscapesWildcards(t *testing.T) {
	// %, _ and \ in the query must match literally, not as LIKE patterns
	e, mock := setupEngine(t, &stubEmbedder{vec: []float32{0.1, 0.2}})
	expectCorpusCount(mock, 50)

	mock.ExpectQuery("SELECT id, content, memory_type").
		WillReturnRows(sqlmock.NewRows(scoredCols))
	mock.ExpectQuery("content ILIKE").
		WithArgs(testProject, `100\% done\\retry\_flag`, 10).
		WillReturnRows(sqlmock.NewRows(scoredCols[:15]))

	_, err := e.Search(context.Background(), `100% done\retry_flag`, Options{KeywordFallback: true})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchCameraRollIssuesDistinctIDs(t *testing.T) {
	e, mock := setupEngine(t, &stubEmbedder{vec: []float32{0.1, 0.2}})
	expectCorpusCount(mock, 50)

	now := time.Now()
	rows := sqlmock.NewRows(scoredCols).
		AddRow(scoredRowValues("mem-1", "one", now.Add(-2*24*time.Hour), 0.9)...).
		AddRow(scoredRowValues("mem-2", "two", now.Add(-2*24*time.Hour), 0.8)...)
	mock.ExpectQuery("SELECT id, content, memory_type").WillReturnRows(rows)

	resp, err := e.Search(context.Background(), "auth", Options{CameraRoll: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Positive(t, resp.Results[0].DrilldownID)
	assert.Positive(t, resp.Results[1].DrilldownID)
	assert.NotEqual(t, resp.Results[0].DrilldownID, resp.Results[1].DrilldownID)

	entry, ok := e.Registry().Resolve(resp.Results[0].DrilldownID)
	require.True(t, ok)
	assert.Equal(t, "mem-1", entry.MemoryID)
}

func TestSearchThresholdCached(t *testing.T) {
	e, mock := setupEngine(t, &stubEmbedder{vec: []float32{0.1, 0.2}})
	expectCorpusCount(mock, 50)
	mock.ExpectQuery("SELECT id, content, memory_type").
		WillReturnRows(sqlmock.NewRows(scoredCols))
	// Second search: no COUNT expected, cache is warm
	mock.ExpectQuery("SELECT id, content, memory_type").
		WillReturnRows(sqlmock.NewRows(scoredCols))

	_, err := e.Search(context.Background(), "first", Options{})
	require.NoError(t, err)
	_, err = e.Search(context.Background(), "second", Options{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecencyFactor(t *testing.T) {
	now := time.Now()
	fresh := &memory.Memory{CreatedAt: now.Add(-10 * time.Minute)}
	assert.InDelta(t, 1.20, recencyFactor(fresh, now), 1e-9)

	today := &memory.Memory{CreatedAt: now.Add(-5 * time.Hour)}
	assert.InDelta(t, 1.10, recencyFactor(today, now), 1e-9)

	old := &memory.Memory{CreatedAt: now.Add(-72 * time.Hour)}
	assert.InDelta(t, 1.0, recencyFactor(old, now), 1e-9)

	// Last access wins over creation time
	access := now.Add(-20 * time.Minute)
	revisited := &memory.Memory{CreatedAt: now.Add(-72 * time.Hour), LastAccessedAt: &access}
	assert.InDelta(t, 1.20, recencyFactor(revisited, now), 1e-9)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "short", Summarize("short", 100))

	long := ""
	for i := 0; i < 30; i++ {
		long += "0123456789"
	}
	got := Summarize(long, 90)
	assert.Less(t, len([]rune(got)), len([]rune(long)))
	assert.Contains(t, got, "…")
	// Head and tail survive
	assert.Equal(t, "01234", got[:5])
	assert.Equal(t, "56789", got[len(got)-5:])
}
