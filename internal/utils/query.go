package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseQueryList handles both repeated and comma-separated query params.
// Example:
//
//	?id=1,2     → ["1","2"]
//	?id=1&id=2  → ["1","2"]
func ParseQueryList(q map[string][]string, key string) []string {
	var out []string
	for _, v := range q[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ParseIDList is ParseQueryList for positive integer ids. A nil set means
// the parameter was absent.
func ParseIDList(q map[string][]string, key string) (map[int64]struct{}, error) {
	values := ParseQueryList(q, key)
	if len(values) == 0 {
		return nil, nil
	}
	ids := make(map[int64]struct{}, len(values))
	for _, v := range values {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid %s %q", key, v)
		}
		ids[id] = struct{}{}
	}
	return ids, nil
}
