package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

var (
	ErrRelativeURL = errors.New("cachekey: request URL is not absolute")
	ErrMalformed   = errors.New("cachekey: malformed key")
)

const methodSeparator = ":"

// CacheKeyer derives the normalized request identity used as a cache key:
// method + absolute URL. The fragment is never part of the key.
type CacheKeyer struct {
	// Drop the whole query string from the key.
	IgnoreQuery bool
	// Drop query parameters whose name matches any of these expressions,
	// e.g. ^utm_ for tracking parameters.
	IgnoreParams []*regexp.Regexp
}

// NewCacheKeyer compiles the given parameter patterns.
func NewCacheKeyer(ignoreQuery bool, ignoreParams ...string) (CacheKeyer, error) {
	c := CacheKeyer{IgnoreQuery: ignoreQuery}
	for _, expr := range ignoreParams {
		re, err := regexp.Compile(expr)
		if err != nil {
			return c, fmt.Errorf("ignore param %q: %w", expr, err)
		}
		c.IgnoreParams = append(c.IgnoreParams, re)
	}
	return c, nil
}

// GetKey returns the cache key for a request.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	return c.KeyFor(r.Method, r.URL)
}

// KeyFor returns the cache key for a method and absolute URL.
func (c CacheKeyer) KeyFor(method string, u *url.URL) (string, error) {
	if u == nil || !u.IsAbs() || u.Host == "" {
		return "", ErrRelativeURL
	}
	n := *u
	n.Fragment = ""
	n.RawFragment = ""
	n.Host = strings.ToLower(n.Host)
	switch {
	case c.IgnoreQuery:
		n.RawQuery = ""
		n.ForceQuery = false
	case len(c.IgnoreParams) > 0 && n.RawQuery != "":
		n.RawQuery = c.stripParams(n.RawQuery)
	}
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + methodSeparator + n.String(), nil
}

func (c CacheKeyer) stripParams(rawQuery string) string {
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	removed := false
	for name := range q {
		for _, re := range c.IgnoreParams {
			if re.MatchString(name) {
				q.Del(name)
				removed = true
				break
			}
		}
	}
	if !removed {
		return rawQuery
	}
	return q.Encode()
}

// GetRequestFromKey creates a request equal (caching-wise) to the request that
// resulted in the provided key.
func GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || uri == "" {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, key)
	}
	return http.NewRequest(method, uri, nil)
}
