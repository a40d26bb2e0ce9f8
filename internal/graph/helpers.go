package graph

import (
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func getStringFromRecord(record *neo4j.Record, key string) string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

func getInt64PtrFromRecord(record *neo4j.Record, key string) *int64 {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return nil
	}
	switch i := val.(type) {
	case int64:
		return &i
	case int:
		n := int64(i)
		return &n
	}
	return nil
}

// Neo4j datetime values come back as time.Time
func getTimePtrFromRecord(record *neo4j.Record, key string) *time.Time {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return nil
	}
	if t, ok := val.(time.Time); ok {
		utc := t.UTC()
		return &utc
	}
	return nil
}

func getStringSliceFromRecord(record *neo4j.Record, key string) []string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return []string{}
	}
	if slice, ok := val.([]any); ok {
		result := make([]string, 0, len(slice))
		for _, v := range slice {
			if str, ok := v.(string); ok {
				result = append(result, str)
			}
		}
		return result
	}
	return []string{}
}

// timeParam renders an optional timestamp for datetime(); nil passes
// through so the property is cleared.
func timeParam(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func int64Param(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}
