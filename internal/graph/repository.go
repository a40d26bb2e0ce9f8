// Package graph persists File nodes and their NEIGHBOR relationships in
// Neo4j.
package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	apperrors "apollonia/pkg/errors"
	"apollonia/pkg/logger"
)

// Repository handles all Neo4j operations for the file graph
type Repository struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

// NewRepository wraps an existing driver. An empty database selects the
// server default.
func NewRepository(driver neo4j.DriverWithContext, database string, log *zap.Logger) *Repository {
	return &Repository{
		driver:   driver,
		database: database,
		logger:   logger.OrDefault(log),
	}
}

// Connect creates a driver and verifies the server answers
func Connect(ctx context.Context, uri, user, password, database string, log *zap.Logger) (*Repository, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, apperrors.NewGraphConnectionFailed(uri, err)
	}

	repo := NewRepository(driver, database, log)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, apperrors.NewGraphConnectionFailed(uri, err)
	}
	return repo, nil
}

// VerifyConnectivity checks that the server is reachable
func (r *Repository) VerifyConnectivity(ctx context.Context) error {
	if err := r.driver.VerifyConnectivity(ctx); err != nil {
		target := r.driver.Target()
		return apperrors.NewGraphConnectionFailed(target.Redacted(), err)
	}
	return nil
}

// Close closes the Neo4j driver connection
func (r *Repository) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

func (r *Repository) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: r.database,
	})
}

// write runs query in a managed transaction so transient failures are
// retried by the driver.
func (r *Repository) write(ctx context.Context, query string, params map[string]any) error {
	session := r.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	return err
}

// UpsertFile creates or fully overwrites the node keyed by f.Path
func (r *Repository) UpsertFile(ctx context.Context, f FileNode) error {
	query := `
		MERGE (f:File {path: $path})
		SET f.sha256 = $sha256,
		    f.xxh128 = $xxh128,
		    f.size = $size,
		    f.modified_time = datetime($modified_time),
		    f.accessed_time = datetime($accessed_time),
		    f.changed_time = datetime($changed_time),
		    f.discovered_at = datetime($discovered_at),
		    f.event_type = $event_type,
		    f.updated_at = datetime()
	`

	err := r.write(ctx, query, fileParams(f))
	if err != nil {
		return apperrors.NewGraphQueryFailed("upsert file", f.Path, err)
	}

	r.logger.Debug("File node upserted", zap.String("path", f.Path))
	return nil
}

// fileParams maps f onto the upsert parameters. Strings are stored as
// given, including empty hashes; absent sizes and times clear the property.
func fileParams(f FileNode) map[string]any {
	return map[string]any{
		"path":          f.Path,
		"sha256":        f.SHA256,
		"xxh128":        f.XXH128,
		"size":          int64Param(f.Size),
		"modified_time": timeParam(f.ModifiedTime),
		"accessed_time": timeParam(f.AccessedTime),
		"changed_time":  timeParam(f.ChangedTime),
		"discovered_at": timeParam(f.DiscoveredAt),
		"event_type":    f.EventType,
	}
}

// UpsertNeighbor ensures a node exists for neighbor and links from to it.
// An existing neighbor node keeps its attributes.
func (r *Repository) UpsertNeighbor(ctx context.Context, from, neighbor string) error {
	query := `
		MERGE (n:File {path: $neighbor})
		WITH n
		MATCH (m:File {path: $from})
		MERGE (m)-[:NEIGHBOR]->(n)
	`

	err := r.write(ctx, query, map[string]any{
		"from":     from,
		"neighbor": neighbor,
	})
	if err != nil {
		return apperrors.NewGraphQueryFailed("upsert neighbor", from, err)
	}
	return nil
}

// FetchFile reads a node and the paths it has NEIGHBOR edges to
func (r *Repository) FetchFile(ctx context.Context, path string) (*StoredFile, error) {
	session := r.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	query := `
		MATCH (f:File {path: $path})
		OPTIONAL MATCH (f)-[:NEIGHBOR]->(n:File)
		RETURN
			f.path AS path,
			f.sha256 AS sha256,
			f.xxh128 AS xxh128,
			f.size AS size,
			f.modified_time AS modified_time,
			f.accessed_time AS accessed_time,
			f.changed_time AS changed_time,
			f.discovered_at AS discovered_at,
			f.event_type AS event_type,
			f.updated_at AS updated_at,
			collect(n.path) AS neighbors
	`

	records, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]*neo4j.Record, error) {
		result, err := tx.Run(ctx, query, map[string]any{"path": path})
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, apperrors.NewGraphQueryFailed("fetch file", path, err)
	}
	if len(records) == 0 {
		return nil, ErrFileNotFound{Path: path}
	}
	record := records[0]

	return &StoredFile{
		FileNode: FileNode{
			Path:         getStringFromRecord(record, "path"),
			SHA256:       getStringFromRecord(record, "sha256"),
			XXH128:       getStringFromRecord(record, "xxh128"),
			Size:         getInt64PtrFromRecord(record, "size"),
			ModifiedTime: getTimePtrFromRecord(record, "modified_time"),
			AccessedTime: getTimePtrFromRecord(record, "accessed_time"),
			ChangedTime:  getTimePtrFromRecord(record, "changed_time"),
			DiscoveredAt: getTimePtrFromRecord(record, "discovered_at"),
			EventType:    getStringFromRecord(record, "event_type"),
		},
		UpdatedAt: getTimePtrFromRecord(record, "updated_at"),
		Neighbors: getStringSliceFromRecord(record, "neighbors"),
	}, nil
}

// CountFiles returns the number of File nodes
func (r *Repository) CountFiles(ctx context.Context) (int64, error) {
	session := r.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	count, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) (int64, error) {
		result, err := tx.Run(ctx, `MATCH (f:File) RETURN count(f) AS count`, nil)
		if err != nil {
			return 0, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return 0, err
		}
		if n := getInt64PtrFromRecord(record, "count"); n != nil {
			return *n, nil
		}
		return 0, nil
	})
	if err != nil {
		return 0, apperrors.NewGraphQueryFailed("count files", "", err)
	}
	return count, nil
}
