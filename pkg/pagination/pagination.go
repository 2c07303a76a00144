package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts limit and offset query parameters, clamping the limit
// to [1, MaxLimit].
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	return Params{Limit: limit, Offset: offset}.Normalize()
}

// Normalize applies the default and maximum limit and drops negative offsets.
func (p Params) Normalize() Params {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// FetchLimit is the row count to request so that one extra row reveals
// whether another page exists.
func (p Params) FetchLimit() int {
	return p.Limit + 1
}

// Trim drops the look-ahead row fetched with FetchLimit and reports whether
// it was present.
func Trim[T any](rows []T, p Params) ([]T, bool) {
	if len(rows) > p.Limit {
		return rows[:p.Limit], true
	}
	return rows, false
}

// Response wraps a paginated API response. NextOffset is set only when
// another page exists.
type Response struct {
	Data        interface{} `json:"data"`
	Limit       int         `json:"limit"`
	Offset      int         `json:"offset"`
	HasMore     bool        `json:"has_more"`
	HasPrevious bool        `json:"has_previous"`
	NextOffset  *int        `json:"next_offset,omitempty"`
}

func NewResponse(data interface{}, p Params, hasMore bool) *Response {
	r := &Response{
		Data:        data,
		Limit:       p.Limit,
		Offset:      p.Offset,
		HasMore:     hasMore,
		HasPrevious: p.HasPrevious(),
	}
	if hasMore {
		next := p.NextOffset()
		r.NextOffset = &next
	}
	return r
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}
