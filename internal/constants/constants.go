package constants

// Application constants
const (
	// AppName is used for consumer tags and logger names
	AppName = "apollonia"
)

// Prospecting constants
const (
	// HashChunkSize is the read size for the single hashing pass
	HashChunkSize = 64 * 1024

	// MaxNeighbors caps the companion files reported for one file
	MaxNeighbors = 10

	// NeighborPrefixLength is the shared-prefix length used by the
	// neighbor heuristic; it only applies to stems longer than this
	NeighborPrefixLength = 3
)

// Event type tags carried on the wire
const (
	EventCreated  = "created"
	EventModified = "modified"
)

// Routing key roots
const (
	// RoutingPrefixMedia prefixes keys for classified media, e.g. media.video.created
	RoutingPrefixMedia = "media"
	// RoutingPrefixFile prefixes keys for unclassified files, e.g. file.created
	RoutingPrefixFile = "file"
)

// FileLabel is the graph node label for files
const FileLabel = "File"
