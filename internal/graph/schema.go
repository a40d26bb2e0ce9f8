package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"apollonia/internal/constants"
	apperrors "apollonia/pkg/errors"
)

// SchemaVersion marks the applied schema on a (:Migration) node
const SchemaVersion = "file_graph_v1"

// Migrations returns the schema statements in the order they are applied.
// Every statement is idempotent.
func Migrations() []Migration {
	return []Migration{
		{
			Name:        "File path uniqueness",
			Description: "One node per path; concurrent MERGE from competing consumers relies on it",
			Query:       "CREATE CONSTRAINT file_path_unique IF NOT EXISTS FOR (f:" + constants.FileLabel + ") REQUIRE f.path IS UNIQUE",
		},
		{
			Name:        "SHA-256 index",
			Description: "Lookup by content hash",
			Query:       "CREATE INDEX file_sha256 IF NOT EXISTS FOR (f:" + constants.FileLabel + ") ON (f.sha256)",
		},
		{
			Name:        "XXH128 index",
			Description: "Lookup by fast content hash",
			Query:       "CREATE INDEX file_xxh128 IF NOT EXISTS FOR (f:" + constants.FileLabel + ") ON (f.xxh128)",
		},
	}
}

// EnsureSchema applies every migration and records the schema version.
// Schema statements cannot share a transaction with data writes, so each
// runs as its own auto-commit query.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	session := r.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	for _, m := range Migrations() {
		result, err := session.Run(ctx, m.Query, nil)
		if err == nil {
			_, err = result.Consume(ctx)
		}
		if err != nil {
			return apperrors.NewGraphQueryFailed("schema: "+m.Name, "", err)
		}
		r.logger.Debug("Schema statement applied", zap.String("migration", m.Name))
	}

	mark := `
		MERGE (m:Migration {version: $version})
		ON CREATE SET m.applied_at = datetime()
		SET m.checked_at = datetime()
	`
	if err := r.write(ctx, mark, map[string]any{"version": SchemaVersion}); err != nil {
		return apperrors.NewGraphQueryFailed("schema: mark version", "", err)
	}

	r.logger.Info("Graph schema ensured", zap.String("version", SchemaVersion))
	return nil
}
