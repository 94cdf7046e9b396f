package connect

import (
	"slices"
	"strings"
	"time"
)

// FilterKey names a criterion a query can be narrowed by.
type FilterKey string

const (
	FilterType          FilterKey = "type"
	FilterStatus        FilterKey = "status"
	FilterSource        FilterKey = "source"
	FilterDestination   FilterKey = "destination"
	FilterCreatedAfter  FilterKey = "created_after"
	FilterCreatedBefore FilterKey = "created_before"

	// FilterParamPrefix prefixes keys matching a single entry of
	// Connection.Params, e.g. "param.weight".
	FilterParamPrefix = "param."
)

// FilterKeys lists every key the schema validator understands.
var FilterKeys = []FilterKey{
	FilterType,
	FilterStatus,
	FilterSource,
	FilterDestination,
	FilterCreatedAfter,
	FilterCreatedBefore,
}

// ParamFilter returns the filter key matching Params[name].
func ParamFilter(name string) FilterKey {
	return FilterKey(FilterParamPrefix + name)
}

// Filters narrows connection queries. Values are normalized in place by a
// FilterValidator before they reach a repository:
//
//	type                           []string, any of
//	status                         Status
//	source, destination            NodeID
//	created_after, created_before  time.Time, exclusive
//	param.<name>                   string, equal to Params[name]
type Filters map[FilterKey]any

// Types returns the normalized type criterion, if any.
func (f Filters) Types() []string {
	types, _ := f[FilterType].([]string)
	return types
}

// Status returns the normalized status criterion, if any.
func (f Filters) Status() (Status, bool) {
	status, ok := f[FilterStatus].(Status)
	return status, ok
}

func (f Filters) node(key FilterKey) (NodeID, bool) {
	node, ok := f[key].(NodeID)
	return node, ok
}

// Source returns the normalized source criterion, if any.
func (f Filters) Source() (NodeID, bool) { return f.node(FilterSource) }

// Destination returns the normalized destination criterion, if any.
func (f Filters) Destination() (NodeID, bool) { return f.node(FilterDestination) }

func (f Filters) time(key FilterKey) (time.Time, bool) {
	t, ok := f[key].(time.Time)
	return t, ok
}

// CreatedAfter returns the normalized lower creation bound, if any.
func (f Filters) CreatedAfter() (time.Time, bool) { return f.time(FilterCreatedAfter) }

// CreatedBefore returns the normalized upper creation bound, if any.
func (f Filters) CreatedBefore() (time.Time, bool) { return f.time(FilterCreatedBefore) }

// Params returns the normalized param criteria keyed by param name.
func (f Filters) Params() map[string]string {
	var params map[string]string
	for key, value := range f {
		name, ok := strings.CutPrefix(string(key), FilterParamPrefix)
		if !ok {
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[name] = s
	}
	return params
}

// Matches reports whether conn satisfies every normalized criterion.
// Values of unexpected shape are ignored.
func (f Filters) Matches(conn *Connection) bool {
	if types := f.Types(); len(types) > 0 && !slices.Contains(types, conn.Type) {
		return false
	}
	if status, ok := f.Status(); ok && conn.Status != status {
		return false
	}
	if source, ok := f.Source(); ok && conn.Source != source {
		return false
	}
	if destination, ok := f.Destination(); ok && conn.Destination != destination {
		return false
	}
	if after, ok := f.CreatedAfter(); ok && !conn.CreatedAt.After(after) {
		return false
	}
	if before, ok := f.CreatedBefore(); ok && !conn.CreatedAt.Before(before) {
		return false
	}
	for name, value := range f.Params() {
		if conn.Params[name] != value {
			return false
		}
	}
	return true
}

// With returns a shallow copy of the filters with one extra criterion.
func (f Filters) With(key FilterKey, value any) Filters {
	clone := make(Filters, len(f)+1)
	for k, v := range f {
		clone[k] = v
	}
	clone[key] = value
	return clone
}

// FilterValidator validates and normalizes filters before a query runs.
type FilterValidator interface {
	ValidateFilters(filters Filters) error
}

// NopFilterValidator accepts every filter unchanged.
type NopFilterValidator struct{}

func (NopFilterValidator) ValidateFilters(Filters) error { return nil }

// SchemaValidator accepts a configured set of filter keys and normalizes
// their values to the shapes documented on Filters.
type SchemaValidator struct {
	allowed     map[FilterKey]bool
	allowParams bool
}

// NewFilterValidator returns a validator accepting the given keys. Pass
// FilterParamPrefix as a key to accept every param.<name> key. With no keys,
// every recognized key is accepted.
func NewFilterValidator(keys ...FilterKey) *SchemaValidator {
	v := &SchemaValidator{allowed: make(map[FilterKey]bool)}
	if len(keys) == 0 {
		keys = append(slices.Clone(FilterKeys), FilterParamPrefix)
	}
	for _, key := range keys {
		if key == FilterParamPrefix {
			v.allowParams = true
			continue
		}
		v.allowed[key] = true
	}
	return v
}

// ValidateFilters implements FilterValidator.
func (v *SchemaValidator) ValidateFilters(filters Filters) error {
	for key, value := range filters {
		normalized, err := v.normalize(key, value)
		if err != nil {
			return err
		}
		filters[key] = normalized
	}
	return nil
}

func (v *SchemaValidator) normalize(key FilterKey, value any) (any, error) {
	if strings.HasPrefix(string(key), FilterParamPrefix) {
		if !v.allowParams || len(key) == len(FilterParamPrefix) {
			return nil, invalidFilter(key, "unknown key")
		}
		s, ok := value.(string)
		if !ok {
			return nil, invalidFilter(key, "expected string, got %T", value)
		}
		return s, nil
	}
	if !v.allowed[key] {
		return nil, invalidFilter(key, "unknown key")
	}

	switch key {
	case FilterType:
		switch t := value.(type) {
		case string:
			return []string{t}, nil
		case []string:
			if len(t) == 0 {
				return nil, invalidFilter(key, "empty type list")
			}
			return t, nil
		}
	case FilterStatus:
		switch s := value.(type) {
		case Status:
			if s != Connected && s != Disconnected {
				return nil, invalidFilter(key, "unknown status %d", int(s))
			}
			return s, nil
		case string:
			status, err := ParseStatus(s)
			if err != nil {
				return nil, invalidFilter(key, "%v", err)
			}
			return status, nil
		}
	case FilterSource, FilterDestination:
		switch n := value.(type) {
		case NodeID:
			return n, nil
		case string:
			return NodeID(n), nil
		}
	case FilterCreatedAfter, FilterCreatedBefore:
		switch t := value.(type) {
		case time.Time:
			return t, nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return nil, invalidFilter(key, "%v", err)
			}
			return parsed, nil
		}
	}
	return nil, invalidFilter(key, "unexpected value of type %T", value)
}
