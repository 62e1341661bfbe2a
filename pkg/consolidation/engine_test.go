package consolidation

import (
	"context"
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

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, cosine([]float32{1, 0}, []float32{1, 0, 0}), "dimension mismatch")
	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 0}), "zero vector")
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, jaccard([]string{"a", "b"}, []string{"b", "a"}), 1e-9)
	assert.InDelta(t, 1.0/3.0, jaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-9)
	assert.Zero(t, jaccard([]string{"a"}, []string{"b"}))
	assert.Zero(t, jaccard(nil, nil))
}

func TestClusterBySimilaritySingleLink(t *testing.T) {
	// a~b and b~c but not a~c: single-link joins all three
	cands := []candidate{
		{ID: "a", Embedding: []float32{1, 0}},
		{ID: "b", Embedding: []float32{0.95, 0.31}},
		{ID: "c", Embedding: []float32{0.81, 0.59}},
		{ID: "far", Embedding: []float32{0, 1}},
		{ID: "novec"},
	}
	groups := clusterBySimilarity(cands, 0.95, 2)
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, groups[0])
}

func TestClusterByTemporal(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cands := []candidate{
		{ID: "a", CreatedAt: base},
		{ID: "b", CreatedAt: base.Add(10 * time.Minute)},
		{ID: "c", CreatedAt: base.Add(50 * time.Minute)},
		{ID: "lone", CreatedAt: base.Add(5 * time.Hour)},
	}
	groups := clusterByTemporal(cands, time.Hour, 2)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a", "b", "c"}, groups[0])
}

func TestClusterByTags(t *testing.T) {
	cands := []candidate{
		{ID: "a", Tags: []string{"auth", "api"}},
		{ID: "b", Tags: []string{"auth", "api", "jwt"}},
		{ID: "c", Tags: []string{"frontend"}},
	}
	groups := clusterByTags(cands, 0.5, 2)
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, groups[0])
}

func TestClusterByImportanceSeedsOnly(t *testing.T) {
	cands := []candidate{
		{ID: "seed", Importance: memory.ImportanceCritical, Embedding: []float32{1, 0}},
		{ID: "near", Importance: memory.ImportanceLow, Embedding: []float32{0.99, 0.14}},
		{ID: "lowpair1", Importance: memory.ImportanceLow, Embedding: []float32{0, 1}},
		{ID: "lowpair2", Importance: memory.ImportanceLow, Embedding: []float32{0.01, 1}},
	}
	// lowpair1/lowpair2 are near each other but neither is a seed
	groups := clusterByImportance(cands, 0.9, 2)
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []string{"seed", "near"}, groups[0])
}

func TestBuildMerged(t *testing.T) {
	now := time.Now()
	members := []*memory.Memory{
		{ID: "a", Content: "fact one", Importance: memory.ImportanceLow,
			Tags: []string{"x"}, Embedding: []float32{1, 0}, CreatedAt: now},
		{ID: "b", Content: "fact two", Importance: memory.ImportanceCritical,
			Tags: []string{"y", "x"}, Embedding: []float32{0, 1}, CreatedAt: now},
		{ID: "c", Content: "fact one", Importance: memory.ImportanceMedium,
			Tags: nil, CreatedAt: now},
	}

	merged := buildMerged(members, "/srv/proj")
	assert.Equal(t, "fact one\n---\nfact two", merged.Content, "dedup then delimiter-join")
	assert.Equal(t, memory.TypeConsolidated, merged.MemoryType)
	assert.Equal(t, memory.ImportanceCritical, merged.Importance)
	assert.Equal(t, []string{"x", "y"}, []string(merged.Tags))
	// Mean of (1,0) and (0,1) renormalized
	require.Len(t, merged.Embedding, 2)
	assert.InDelta(t, 0.7071, merged.Embedding[0], 1e-3)
	assert.InDelta(t, 0.7071, merged.Embedding[1], 1e-3)
	assert.NotEmpty(t, merged.Metadata[memory.MetadataKeyContentHash])
}

func setupEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := database.NewDatabaseWithDB(sqlx.NewDb(mockDB, "sqlmock"), "specmem_proj", nil)
	return NewEngine(db, "/srv/proj", Config{}, nil, nil), mock
}

func candidateRows() *sqlmock.Rows {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{"id", "created_at", "tags", "importance", "embedding_text"}).
		AddRow("a", base, "{}", "medium", "[1,0]").
		AddRow("b", base.Add(time.Minute), "{}", "medium", "[0.99,0.14]").
		AddRow("c", base.Add(5*time.Hour), "{}", "medium", "[0,1]")
}

func TestConsolidateDryRun(t *testing.T) {
	e, mock := setupEngine(t)

	mock.ExpectQuery("SELECT id, created_at, tags, importance").
		WillReturnRows(candidateRows())

	report, err := e.Consolidate(context.Background(), StrategySimilarity, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	require.Len(t, report.Clusters, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, report.Clusters[0].MemberIDs)
	assert.Zero(t, report.Merged)
	assert.NoError(t, mock.ExpectationsWereMet(), "dry run must not mutate")
}

func TestConsolidateRejectsUnknownStrategy(t *testing.T) {
	e, _ := setupEngine(t)
	_, err := e.Consolidate(context.Background(), "psychic", true)
	assert.True(t, errors.Is(err, errors.ClassInvalidRequest))
}
