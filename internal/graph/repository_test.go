package graph

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMigrations(t *testing.T) {
	migrations := Migrations()
	require.Len(t, migrations, 3)

	assert.Contains(t, migrations[0].Query, "REQUIRE f.path IS UNIQUE")
	for _, m := range migrations {
		assert.Contains(t, m.Query, "IF NOT EXISTS", m.Name)
	}
}

func TestParams(t *testing.T) {
	assert.Nil(t, timeParam(nil))
	assert.Nil(t, int64Param(nil))

	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "2024-03-01T11:30:00Z", timeParam(&ts))

	size := int64(42)
	assert.Equal(t, int64(42), int64Param(&size))
}

func TestFileParams(t *testing.T) {
	size := int64(0)
	params := fileParams(FileNode{Path: "/data/a.mp4", Size: &size, EventType: "created"})

	assert.Equal(t, "/data/a.mp4", params["path"])
	assert.Equal(t, "", params["sha256"])
	assert.Equal(t, "", params["xxh128"])
	assert.Equal(t, int64(0), params["size"])
	assert.Equal(t, "created", params["event_type"])
	assert.Nil(t, params["modified_time"])
	assert.Nil(t, params["discovered_at"])
	assert.Contains(t, params, "accessed_time")
}

func TestRecordGetters(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	record := &neo4j.Record{
		Keys:   []string{"path", "size", "when", "neighbors", "missing"},
		Values: []any{"/a", int64(7), ts, []any{"/b", 3, "/c"}, nil},
	}

	assert.Equal(t, "/a", getStringFromRecord(record, "path"))
	assert.Equal(t, "", getStringFromRecord(record, "missing"))
	assert.Equal(t, int64(7), *getInt64PtrFromRecord(record, "size"))
	assert.Nil(t, getInt64PtrFromRecord(record, "missing"))
	assert.Equal(t, ts, *getTimePtrFromRecord(record, "when"))
	assert.Nil(t, getTimePtrFromRecord(record, "missing"))
	assert.Equal(t, []string{"/b", "/c"}, getStringSliceFromRecord(record, "neighbors"))
	assert.Equal(t, []string{}, getStringSliceFromRecord(record, "nope"))
}

// The tests below need a running Neo4j instance. Set NEO4J_URI,
// NEO4J_USER and NEO4J_PASSWORD to point at it.

func TestRepository_UpsertFileOverwrites(t *testing.T) {
	repo, ctx := integrationRepository(t)
	path := testPath(t, "movie.mp4")

	size := int64(1024)
	modified := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, repo.UpsertFile(ctx, FileNode{
		Path:         path,
		SHA256:       strings.Repeat("a", 64),
		XXH128:       strings.Repeat("b", 32),
		Size:         &size,
		ModifiedTime: &modified,
		EventType:    "created",
	}))

	stored, err := repo.FetchFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 64), stored.SHA256)
	assert.Equal(t, int64(1024), *stored.Size)
	assert.True(t, modified.Equal(*stored.ModifiedTime))
	assert.NotNil(t, stored.UpdatedAt)

	// Second write with fewer attributes clears the rest
	require.NoError(t, repo.UpsertFile(ctx, FileNode{Path: path, EventType: "modified"}))

	stored, err = repo.FetchFile(ctx, path)
	require.NoError(t, err)
	assert.Empty(t, stored.SHA256)
	assert.Nil(t, stored.Size)
	assert.Nil(t, stored.ModifiedTime)
	assert.Equal(t, "modified", stored.EventType)
}

func TestRepository_UpsertNeighborIsIdempotent(t *testing.T) {
	repo, ctx := integrationRepository(t)
	target := testPath(t, "a.mp4")
	sub := testPath(t, "a.srt")

	require.NoError(t, repo.UpsertFile(ctx, FileNode{Path: target, EventType: "created"}))
	for i := 0; i < 2; i++ {
		require.NoError(t, repo.UpsertNeighbor(ctx, target, sub))
	}

	stored, err := repo.FetchFile(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, []string{sub}, stored.Neighbors)

	neighbor, err := repo.FetchFile(ctx, sub)
	require.NoError(t, err)
	assert.Empty(t, neighbor.SHA256)
	assert.Empty(t, neighbor.Neighbors)
}

func TestRepository_FetchFileNotFound(t *testing.T) {
	repo, ctx := integrationRepository(t)

	_, err := repo.FetchFile(ctx, testPath(t, "absent"))
	assert.ErrorAs(t, err, &ErrFileNotFound{})
}

func TestRepository_EnsureSchemaTwice(t *testing.T) {
	repo, ctx := integrationRepository(t)

	require.NoError(t, repo.EnsureSchema(ctx))
	require.NoError(t, repo.EnsureSchema(ctx))
}

func integrationRepository(t *testing.T) (*Repository, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	repo, err := Connect(ctx,
		envOr("NEO4J_URI", "bolt://localhost:7687"),
		envOr("NEO4J_USER", "neo4j"),
		envOr("NEO4J_PASSWORD", "password"),
		os.Getenv("NEO4J_DATABASE"),
		zap.NewNop(),
	)
	if err != nil {
		t.Skipf("Neo4j not reachable: %v", err)
	}

	prefix := "/apollonia-test/" + strings.ReplaceAll(t.Name(), "/", "_")
	t.Cleanup(func() {
		session := repo.session(context.Background(), neo4j.AccessModeWrite)
		defer session.Close(context.Background())
		_, _ = session.Run(context.Background(),
			"MATCH (f:File) WHERE f.path STARTS WITH $prefix DETACH DELETE f",
			map[string]any{"prefix": prefix})
		repo.Close(context.Background())
	})
	return repo, ctx
}

func testPath(t *testing.T, name string) string {
	return "/apollonia-test/" + strings.ReplaceAll(t.Name(), "/", "_") + "/" + name
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
