// Package pagination reads paging parameters from a query string and applies
// them to in-memory listings.
package pagination

import (
	"net/url"
	"strconv"
)

// Params represents pagination parameters extracted from a request.
type Params struct {
	Page   int    // Current page number (1-based)
	Limit  int    // Number of items per page
	Offset int    // Index of the first item on the page
	Sort   string // "asc" or "desc"
}

const (
	MaxLimit     = 100
	DefaultPage  = 1
	DefaultLimit = 20
	DefaultSort  = SortAsc

	SortAsc  = "asc"
	SortDesc = "desc"
)

func calculateOffset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

func isValidSort(sort string) bool {
	return sort == SortAsc || sort == SortDesc
}

// Option configures the defaults applied before the query is read.
type Option func(*Params)

// WithDefaultLimit sets the default limit. Non-positive values are ignored.
func WithDefaultLimit(limit int) Option {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

func WithDefaultSort(sort string) Option {
	if !isValidSort(sort) {
		return func(p *Params) {}
	}
	return func(p *Params) {
		p.Sort = sort
	}
}

// FromQuery extracts page, limit and sort from q. Invalid values fall back
// to the defaults and limit is capped at MaxLimit.
func FromQuery(q url.Values, opts ...Option) Params {
	params := Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
		Sort:  DefaultSort,
	}

	for _, opt := range opts {
		opt(&params)
	}

	if pageStr := q.Get("page"); pageStr != "" {
		if val, err := strconv.Atoi(pageStr); err == nil && val > 0 {
			params.Page = val
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		if val, err := strconv.Atoi(limitStr); err == nil && val > 0 {
			params.Limit = val
		}
	}

	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}

	params.Offset = calculateOffset(params.Page, params.Limit)

	if sortStr := q.Get("sort"); isValidSort(sortStr) {
		params.Sort = sortStr
	}

	return params
}

// Window returns the page of items described by p. items must already be in
// ascending order; descending order is served by reading it backwards.
func Window[T any](items []T, p Params) []T {
	total := len(items)
	if p.Offset >= total {
		return []T{}
	}
	end := min(p.Offset+p.Limit, total)
	page := make([]T, 0, end-p.Offset)
	for i := p.Offset; i < end; i++ {
		if p.Sort == SortDesc {
			page = append(page, items[total-1-i])
		} else {
			page = append(page, items[i])
		}
	}
	return page
}

// HasNext reports whether items remain after the page described by p.
func HasNext(p Params, total int) bool {
	return p.Offset+p.Limit < total
}
