package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		page    int
		perPage int
		offset  int
	}{
		{"defaults", "", 1, 20, 0},
		{"explicit", "?page=3&per_page=50", 3, 50, 100},
		{"page zero falls back", "?page=0", 1, 20, 0},
		{"negative page falls back", "?page=-4", 1, 20, 0},
		{"junk page falls back", "?page=banana", 1, 20, 0},
		{"per_page zero falls back", "?per_page=0", 1, 20, 0},
		{"per_page over cap is clamped", "?per_page=10000", 1, 100, 0},
		{"per_page at cap", "?per_page=100", 1, 100, 0},
		{"offset follows page", "?page=5&per_page=10", 5, 10, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/workflows"+tt.query, nil)
			p := FromRequest(r)
			assert.Equal(t, tt.page, p.Page)
			assert.Equal(t, tt.perPage, p.PerPage)
			assert.Equal(t, tt.offset, p.Offset)
		})
	}
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, Params{Page: 1, PerPage: 20}, p)
}

func TestNewResult_PageArithmetic(t *testing.T) {
	tests := []struct {
		name       string
		total      int
		page       int
		perPage    int
		totalPages int
		hasNext    bool
		hasPrev    bool
	}{
		{"single page", 3, 1, 10, 1, false, false},
		{"middle page", 10, 2, 2, 5, true, true},
		{"ragged last page", 11, 3, 5, 3, false, true},
		{"first of many", 20, 1, 5, 4, true, false},
		{"empty collection", 0, 1, 20, 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewResult([]int{1}, tt.total, Params{Page: tt.page, PerPage: tt.perPage})
			assert.Equal(t, tt.total, res.TotalCount)
			assert.Equal(t, tt.totalPages, res.TotalPages)
			assert.Equal(t, tt.hasNext, res.HasNext)
			assert.Equal(t, tt.hasPrev, res.HasPrev)
		})
	}
}

func TestNewResult_KeepsData(t *testing.T) {
	data := []string{"wf-1", "wf-2"}
	res := NewResult(data, 2, DefaultParams())
	assert.Equal(t, data, res.Data)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, 20, res.PerPage)
}

func TestNewResult_GuardsZeroPerPage(t *testing.T) {
	res := NewResult([]string{}, 50, Params{Page: 1})
	assert.Equal(t, 20, res.PerPage, "zero per-page must not divide by zero")
	assert.Equal(t, 3, res.TotalPages)
}
