package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100

	// Audit trail queries page larger.
	AuditDefaultLimit = 100
	AuditMaxLimit     = 1000
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts pagination parameters from the echo context using the
// default bounds.
func FromContext(c echo.Context) Params {
	return FromContextBounded(c, DefaultLimit, MaxLimit)
}

// FromContextBounded reads limit and offset, substituting def for a missing
// or non-positive limit and clamping to max.
func FromContextBounded(c echo.Context, def, max int) Params {
	return Normalize(atoi(c.QueryParam("limit")), atoi(c.QueryParam("offset")), def, max)
}

// Normalize applies the default and ceiling to raw limit/offset values.
func Normalize(limit, offset, def, max int) Params {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Page returns the [start, end) bounds of the page within total items.
func (p Params) Page(total int) (int, int) {
	start := p.Offset
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}
	return start, end
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}
