package connect_test

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fgrzl/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidator(t *testing.T) {
	validator := connect.NewFilterValidator()

	t.Run("should normalize raw values", func(t *testing.T) {
		after := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
		filters := connect.Filters{
			"type":          "follow",
			"status":        "connected",
			"source":        "A",
			"destination":   connect.NodeID("B"),
			"created_after": after.Format(time.RFC3339Nano),
			"param.weight":  "10",
		}

		require.NoError(t, validator.ValidateFilters(filters))

		assert.Equal(t, []string{"follow"}, filters.Types())
		status, ok := filters.Status()
		assert.True(t, ok)
		assert.Equal(t, connect.Connected, status)
		source, ok := filters.Source()
		assert.True(t, ok)
		assert.Equal(t, connect.NodeID("A"), source)
		destination, ok := filters.Destination()
		assert.True(t, ok)
		assert.Equal(t, connect.NodeID("B"), destination)
		createdAfter, ok := filters.CreatedAfter()
		assert.True(t, ok)
		assert.True(t, after.Equal(createdAfter))
		assert.Equal(t, map[string]string{"weight": "10"}, filters.Params())
	})

	t.Run("should accept nil filters", func(t *testing.T) {
		assert.NoError(t, validator.ValidateFilters(nil))
	})

	t.Run("should reject bad filters", func(t *testing.T) {
		for name, filters := range map[string]connect.Filters{
			"unknown key":         {"color": "red"},
			"empty param name":    {"param.": "x"},
			"non-string param":    {"param.weight": 10},
			"empty type list":     {"type": []string{}},
			"unknown status":      {"status": "pending"},
			"status out of range": {"status": connect.Status(9)},
			"numeric source":      {"source": 1},
			"bad time":            {"created_before": "yesterday"},
		} {
			t.Run(name, func(t *testing.T) {
				err := validator.ValidateFilters(filters)
				assert.ErrorIs(t, err, connect.ErrInvalidFilter)
			})
		}
	})

	t.Run("should only accept configured keys", func(t *testing.T) {
		restricted := connect.NewFilterValidator(connect.FilterType)

		assert.NoError(t, restricted.ValidateFilters(connect.Filters{"type": "follow"}))
		assert.ErrorIs(t, restricted.ValidateFilters(connect.Filters{"status": "connected"}), connect.ErrInvalidFilter)
		assert.ErrorIs(t, restricted.ValidateFilters(connect.Filters{"param.weight": "1"}), connect.ErrInvalidFilter)

		withParams := connect.NewFilterValidator(connect.FilterParamPrefix)
		assert.NoError(t, withParams.ValidateFilters(connect.Filters{"param.weight": "1"}))
	})

	t.Run("should name the offending key", func(t *testing.T) {
		err := validator.ValidateFilters(connect.Filters{"color": "red"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "color")
		assert.False(t, errors.Is(err, connect.ErrStorage))
	})

	t.Run("nop validator should accept anything", func(t *testing.T) {
		filters := connect.Filters{"color": "red"}
		assert.NoError(t, connect.NopFilterValidator{}.ValidateFilters(filters))
		assert.Equal(t, "red", filters["color"])
	})
}

func TestFiltersMatches(t *testing.T) {
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	conn := &connect.Connection{
		ID:          "c1",
		Source:      "A",
		Destination: "B",
		Type:        "follow",
		Status:      connect.Connected,
		Params:      map[string]string{"weight": "10"},
		CreatedAt:   created,
	}

	cases := []struct {
		name    string
		filters connect.Filters
		want    bool
	}{
		{"nil", nil, true},
		{"type", connect.Filters{connect.FilterType: []string{"block", "follow"}}, true},
		{"other type", connect.Filters{connect.FilterType: []string{"block"}}, false},
		{"status", connect.Filters{connect.FilterStatus: connect.Connected}, true},
		{"other status", connect.Filters{connect.FilterStatus: connect.Disconnected}, false},
		{"source", connect.Filters{connect.FilterSource: connect.NodeID("A")}, true},
		{"other destination", connect.Filters{connect.FilterDestination: connect.NodeID("C")}, false},
		{"after", connect.Filters{connect.FilterCreatedAfter: created.Add(-time.Second)}, true},
		{"after is exclusive", connect.Filters{connect.FilterCreatedAfter: created}, false},
		{"before is exclusive", connect.Filters{connect.FilterCreatedBefore: created}, false},
		{"before", connect.Filters{connect.FilterCreatedBefore: created.Add(time.Second)}, true},
		{"param", connect.Filters{connect.ParamFilter("weight"): "10"}, true},
		{"other param", connect.Filters{connect.ParamFilter("weight"): "11"}, false},
		{"missing param", connect.Filters{connect.ParamFilter("color"): "red"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filters.Matches(conn))
		})
	}
}

func TestFiltersWith(t *testing.T) {
	t.Run("should leave the receiver untouched", func(t *testing.T) {
		filters := connect.Filters{connect.FilterType: []string{"follow"}}

		extended := filters.With(connect.FilterDestination, connect.NodeID("B"))

		assert.Len(t, filters, 1)
		assert.Len(t, extended, 2)
		destination, ok := extended.Destination()
		assert.True(t, ok)
		assert.Equal(t, connect.NodeID("B"), destination)
	})

	t.Run("should work on nil filters", func(t *testing.T) {
		var filters connect.Filters
		extended := filters.With(connect.FilterStatus, connect.Connected)
		assert.Len(t, extended, 1)
	})
}

func TestStorageError(t *testing.T) {
	t.Run("should pass nil through", func(t *testing.T) {
		assert.NoError(t, connect.StorageError(nil, "ignored"))
	})

	t.Run("should mark the error and keep its cause", func(t *testing.T) {
		cause := errors.New("disk full")
		err := connect.StorageError(cause, "write %s", "c1")

		assert.ErrorIs(t, err, connect.ErrStorage)
		assert.ErrorIs(t, err, cause)
		assert.NotErrorIs(t, err, connect.ErrAlreadyConnected)
		assert.Contains(t, err.Error(), "write c1")
		assert.Contains(t, err.Error(), "disk full")
	})
}
