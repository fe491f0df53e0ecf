// Package pagination reads limit/offset query parameters and shapes paged
// list responses.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Missing or invalid values fall back
// to the defaults and limit is clamped to MaxLimit.
func FromContext(c echo.Context) Params {
	p := Params{Limit: DefaultLimit}
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 {
		p.Limit = min(v, MaxLimit)
	}
	if v, err := strconv.Atoi(c.QueryParam("offset")); err == nil && v > 0 {
		p.Offset = v
	}
	return p
}

// Response is the envelope of every list endpoint.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Links   []Link      `json:"links,omitempty"`
}

type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
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

// WithLinks adds self, next and previous links built from the request URL.
// Filters such as status or lat/lng are kept; only limit and offset change.
func (r *Response) WithLinks(u *url.URL) *Response {
	r.Links = []Link{{Rel: "self", Href: r.href(u, r.Offset)}}
	if r.HasMore {
		r.Links = append(r.Links, Link{Rel: "next", Href: r.href(u, r.Offset+r.Limit)})
	}
	if r.Offset > 0 {
		r.Links = append(r.Links, Link{Rel: "previous", Href: r.href(u, max(r.Offset-r.Limit, 0))})
	}
	return r
}

func (r *Response) href(u *url.URL, offset int) string {
	q := u.Query()
	q.Set("limit", strconv.Itoa(r.Limit))
	q.Set("offset", strconv.Itoa(offset))
	return u.Path + "?" + q.Encode()
}
