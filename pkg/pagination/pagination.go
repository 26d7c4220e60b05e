// Package pagination is the shared page/per_page convention for every list
// endpoint on the platform: workflow listings, saga status queries and the
// gateway admin API all speak the same query parameters and envelope.
package pagination

import (
	"net/http"
	"strconv"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// Params is a one-based page request. Offset is derived, ready to feed a
// SQL OFFSET clause.
type Params struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Offset  int `json:"-"`
}

// DefaultParams is the first page at the default size.
func DefaultParams() Params {
	return Params{Page: 1, PerPage: defaultPerPage}
}

// FromRequest reads ?page= and ?per_page= from r. Absent, junk or
// out-of-range values silently fall back to the defaults; a client asking
// for per_page=10000 gets the cap, not an error.
func FromRequest(r *http.Request) Params {
	q := r.URL.Query()
	p := Params{
		Page:    positiveInt(q.Get("page"), 1),
		PerPage: positiveInt(q.Get("per_page"), defaultPerPage),
	}
	if p.PerPage > maxPerPage {
		p.PerPage = maxPerPage
	}
	p.Offset = (p.Page - 1) * p.PerPage
	return p
}

func positiveInt(raw string, fallback int) int {
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// Result is the list envelope: one page of items plus enough bookkeeping
// for a client to walk the collection.
type Result[T any] struct {
	Data       []T  `json:"data"`
	TotalCount int  `json:"total_count"`
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewResult assembles the envelope for one page. totalCount is the size of
// the whole collection, not of data.
func NewResult[T any](data []T, totalCount int, params Params) Result[T] {
	perPage := params.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	totalPages := (totalCount + perPage - 1) / perPage

	return Result[T]{
		Data:       data,
		TotalCount: totalCount,
		Page:       params.Page,
		PerPage:    perPage,
		TotalPages: totalPages,
		HasNext:    params.Page < totalPages,
		HasPrev:    params.Page > 1,
	}
}
