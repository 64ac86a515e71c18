package cache

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func reqWith(method string, hdrs map[string]string) *Request {
	h := NewHeaderMap()
	for k, v := range hdrs {
		h.Set(k, v)
	}
	return &Request{Method: method, Headers: h}
}

func respWith(hdrs map[string]string) *Response {
	h := NewHeaderMap()
	for k, v := range hdrs {
		h.Set(k, v)
	}
	return &Response{Headers: h}
}

func TestRequestAcceptsCache(t *testing.T) {
	cases := []struct {
		name string
		req  *Request
		want bool
	}{
		{"plain GET", reqWith(http.MethodGet, nil), true},
		{"POST rejected", reqWith(http.MethodPost, nil), false},
		{"cache-control no-cache", reqWith(http.MethodGet, map[string]string{"Cache-Control": "no-cache"}), false},
		{"pragma no-cache", reqWith(http.MethodGet, map[string]string{"Pragma": "no-cache"}), false},
		{"max-age survives", reqWith(http.MethodGet, map[string]string{"Cache-Control": "max-age=600"}), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, RequestAcceptsCache(c.req))
		})
	}
}

func TestResponseIsCacheable(t *testing.T) {
	cases := []struct {
		name string
		res  *Response
		want bool
	}{
		{"no directives", respWith(nil), true},
		{"max-age=600 is cacheable", respWith(map[string]string{"Cache-Control": "max-age=600"}), true},
		{"exact no-cache blocks", respWith(map[string]string{"Cache-Control": "no-cache"}), false},
		{"exact must-revalidate blocks", respWith(map[string]string{"Cache-Control": "must-revalidate"}), false},
		{"exact no-store blocks", respWith(map[string]string{"Cache-Control": "no-store"}), false},
		{"exact private blocks", respWith(map[string]string{"Cache-Control": "private"}), false},
		{"pragma no-cache blocks", respWith(map[string]string{"Pragma": "no-cache"}), false},
		{"private with another directive is not literal-matched", respWith(map[string]string{"Cache-Control": "private, max-age=60"}), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, ResponseIsCacheable(c.res))
		})
	}
}

func TestStandardMethod(t *testing.T) {
	cases := []struct {
		method string
		want   bool
	}{
		{http.MethodGet, true},
		{http.MethodPost, true},
		{http.MethodDelete, true},
		{"PURGE", false},
		{"", false},
	}
	for _, c := range cases {
		t.Run(c.method, func(t *testing.T) {
			assert.Equal(t, c.want, StandardMethod(c.method))
		})
	}
}
