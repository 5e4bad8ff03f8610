package core

import (
	"net/http"
	"net/url"
)

// FallbackKey is the well-known key of the designated fallback entry
// within a generation.
const FallbackKey = "fallback"

// Keyer derives cache keys from requests.
//
// The key deliberately contains no request headers: preloaded and
// directly-fetched variants of the same resource arrive with divergent
// Vary-sensitive headers despite being the same content, and an
// exact-header match makes stored entries invisible to lookup.
// The URL fragment never participates in the key, and the query string
// is dropped when IgnoreQuery is set (route preloading case).
type Keyer struct {
	IgnoreQuery bool
}

func (k Keyer) Key(r *http.Request) string {
	return k.KeyForURL(r.Method, r.URL)
}

func (k Keyer) KeyForURL(method string, u *url.URL) string {
	uri := u.EscapedPath()
	if uri == "" {
		uri = "/"
	}
	if !k.IgnoreQuery && u.RawQuery != "" {
		uri = uri + "?" + u.RawQuery
	}
	return method + ":" + uri
}

// MarkerKey is the key of the persisted "preloaded" flag for a resource.
func MarkerKey(resource string) string {
	return "preloaded:" + resource
}
