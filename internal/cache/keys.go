package cache

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// PolygonKey is the key of a single encoded polygon document.
func PolygonKey(id int64, crs string) string {
	return fmt.Sprintf("polygon:%d:%s", id, crs)
}

// ListKey is the key of the encoded collection for crs.
func ListKey(crs string) string {
	return fmt.Sprintf("polygons:%016x", xxhash.Sum64String(crs))
}

// InvalidationKeys returns every key a write to polygon id can stale,
// across all crss.
func InvalidationKeys(id int64, crss []string) []string {
	keys := make([]string, 0, 2*len(crss))
	for _, c := range crss {
		keys = append(keys, PolygonKey(id, c), ListKey(c))
	}
	return keys
}

// GenerationKey holds a marker that changes on every write to polygon id.
func GenerationKey(id int64) string {
	return fmt.Sprintf("polygon:%d:gen", id)
}

// ListGenerationKey holds a marker that changes on every write to any polygon.
const ListGenerationKey = "polygons:gen"
