package projection

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidProjection is returned for any projection parameter that is
// malformed or not on the allow-list.
var ErrInvalidProjection = errors.New("incorrect projection")

// DefaultCRS is the storage CRS. Geometry is always persisted in it.
var DefaultCRS = CRS{Authority: "epsg", Code: "4326"}

// CRS is a resolved coordinate reference system identifier.
type CRS struct {
	Authority string
	Code      string
}

// String returns the canonical lower-cased "authority:code" form.
func (c CRS) String() string {
	return strings.ToLower(c.Authority) + ":" + strings.ToLower(c.Code)
}

// EPSG returns the numeric EPSG code when the authority is EPSG.
func (c CRS) EPSG() (int, bool) {
	if !strings.EqualFold(c.Authority, "epsg") {
		return 0, false
	}
	code, err := strconv.Atoi(c.Code)
	if err != nil {
		return 0, false
	}
	return code, true
}

// IsDefault reports whether c is nil or the storage CRS. No transform is
// needed for the default CRS.
func (c *CRS) IsDefault() bool {
	return c == nil || c.String() == DefaultCRS.String()
}

// Key returns the cache/label form of c, using the storage CRS for nil.
func (c *CRS) Key() string {
	if c == nil {
		return DefaultCRS.String()
	}
	return c.String()
}

// AllowList maps an upper-case authority to its permitted codes.
type AllowList map[string]map[string]struct{}

// DefaultAllowList returns {"EPSG": {"4326", "32644"}}.
func DefaultAllowList() AllowList {
	return AllowList{
		"EPSG": {"4326": {}, "32644": {}},
	}
}

// ParseAllowList parses a comma-separated list of "AUTHORITY:code" entries.
func ParseAllowList(s string) (AllowList, error) {
	out := AllowList{}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid projection entry %q", entry)
		}
		auth := strings.ToUpper(strings.TrimSpace(parts[0]))
		code := strings.ToLower(strings.TrimSpace(parts[1]))
		if out[auth] == nil {
			out[auth] = map[string]struct{}{}
		}
		out[auth][code] = struct{}{}
	}
	if len(out) == 0 {
		return nil, errors.New("projection allow-list is empty")
	}
	return out, nil
}

// Allows reports whether authority:code is permitted. Authority is matched
// case-insensitively.
func (a AllowList) Allows(authority, code string) bool {
	codes, ok := a[strings.ToUpper(authority)]
	if !ok {
		return false
	}
	_, ok = codes[code]
	return ok
}

// CRSs returns every allowed CRS in a stable order.
func (a AllowList) CRSs() []CRS {
	var out []CRS
	for auth, codes := range a {
		for code := range codes {
			out = append(out, CRS{Authority: strings.ToLower(auth), Code: code})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Resolver validates projection request parameters against an allow-list.
// It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	allow AllowList
}

func NewResolver(allow AllowList) *Resolver {
	if allow == nil {
		allow = DefaultAllowList()
	}
	return &Resolver{allow: allow}
}

// AllowList returns the resolver's allow-list.
func (r *Resolver) AllowList() AllowList { return r.allow }

// Resolve turns a request parameter such as "EPSG:32644" into a CRS.
// An empty parameter means no CRS was requested and yields nil, nil.
func (r *Resolver) Resolve(param string) (*CRS, error) {
	if param == "" {
		return nil, nil
	}

	parts := strings.Split(strings.ToLower(param), ":")
	if len(parts) != 2 {
		return nil, ErrInvalidProjection
	}
	if !r.allow.Allows(parts[0], parts[1]) {
		return nil, ErrInvalidProjection
	}
	return &CRS{Authority: parts[0], Code: parts[1]}, nil
}
