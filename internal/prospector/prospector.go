// Package prospector derives a canonical metadata snapshot for a single file:
// content hashes, filesystem stats and likely companion files.
package prospector

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"apollonia/internal/constants"
	"apollonia/pkg/logger"
)

// FileRecord is the snapshot produced for one file at one point in time
type FileRecord struct {
	Path         string
	SHA256       string // 64 hex chars, empty when the file could not be read
	XXH128       string // 32 hex chars, empty when the file could not be read
	Size         *int64
	ModifiedTime *time.Time
	AccessedTime *time.Time
	ChangedTime  *time.Time
	DiscoveredAt time.Time
	EventType    string
	Neighbors    []string
}

// HashPrefix returns a short form of the SHA-256 for log lines
func (r *FileRecord) HashPrefix() string {
	if len(r.SHA256) < 12 {
		return r.SHA256
	}
	return r.SHA256[:12]
}

// Prospector inspects files. It keeps no state between calls.
type Prospector struct {
	chunkSize     int
	neighborLimit int
	logger        *zap.Logger
}

// New creates a prospector with the default chunk size and neighbor limit
func New(log *zap.Logger) *Prospector {
	return &Prospector{
		chunkSize:     constants.HashChunkSize,
		neighborLimit: constants.MaxNeighbors,
		logger:        logger.OrDefault(log),
	}
}

// Prospect builds a FileRecord for path. It never fails: stat, read and
// listing errors leave the affected fields empty.
func (p *Prospector) Prospect(ctx context.Context, path string) *FileRecord {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}

	rec := &FileRecord{
		Path:         abs,
		DiscoveredAt: time.Now().UTC(),
	}

	if info, err := os.Stat(abs); err != nil {
		p.logger.Debug("Stat failed, omitting size and timestamps",
			zap.String("path", abs),
			zap.Error(err),
		)
	} else {
		size := info.Size()
		modified := info.ModTime().UTC()
		rec.Size = &size
		rec.ModifiedTime = &modified
		rec.AccessedTime, rec.ChangedTime = statTimes(info)
	}

	if sum, err := hashFile(ctx, abs, p.chunkSize); err != nil {
		p.logger.Debug("Hashing failed, leaving hashes empty",
			zap.String("path", abs),
			zap.Error(err),
		)
	} else {
		rec.SHA256 = sum.SHA256
		rec.XXH128 = sum.XXH128
	}

	rec.Neighbors = findNeighbors(abs, p.neighborLimit)

	return rec
}

var defaultProspector = New(nil)

// Prospect uses a shared default Prospector
func Prospect(ctx context.Context, path string) *FileRecord {
	return defaultProspector.Prospect(ctx, path)
}
