package cachekey

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestFromKey(t *testing.T) {
	keygen := CacheKeyer{}
	r, _ := http.NewRequest("GET", "http://dev.localhost/page?a=1", nil)
	key, err := keygen.GetKey(r)
	require.NoError(t, err)
	require.Equal(t, "GET:http://dev.localhost/page?a=1", key)

	req, err := GetRequestFromKey(key)
	require.NoError(t, err)
	require.Equal(t, "http://dev.localhost/page?a=1", req.URL.String())
	require.Equal(t, http.MethodGet, req.Method)
}

func TestKeyIgnoresFragmentAndHostCase(t *testing.T) {
	keygen := CacheKeyer{}
	a, _ := http.NewRequest("GET", "https://Example.COM/a#top", nil)
	b, _ := http.NewRequest("GET", "https://example.com/a", nil)
	ka, err := keygen.GetKey(a)
	require.NoError(t, err)
	kb, err := keygen.GetKey(b)
	require.NoError(t, err)
	require.Equal(t, kb, ka)
}

func TestIgnoreQuery(t *testing.T) {
	keygen := CacheKeyer{IgnoreQuery: true}
	r, _ := http.NewRequest("GET", "https://example.com/img.png?w=100", nil)
	key, err := keygen.GetKey(r)
	require.NoError(t, err)
	require.Equal(t, "GET:https://example.com/img.png", key)
}

func TestIgnoreParams(t *testing.T) {
	keygen, err := NewCacheKeyer(false, "^utm_", "^fbclid$")
	require.NoError(t, err)
	r, _ := http.NewRequest("GET", "https://example.com/?utm_source=x&id=7&fbclid=abc", nil)
	key, err := keygen.GetKey(r)
	require.NoError(t, err)
	require.Equal(t, "GET:https://example.com/?id=7", key)

	// untouched queries keep their original encoding
	r, _ = http.NewRequest("GET", "https://example.com/?b=2&a=1", nil)
	key, err = keygen.GetKey(r)
	require.NoError(t, err)
	require.Equal(t, "GET:https://example.com/?b=2&a=1", key)
}

func TestRelativeURLIsRejected(t *testing.T) {
	r, _ := http.NewRequest("GET", "/page", nil)
	_, err := CacheKeyer{}.GetKey(r)
	require.ErrorIs(t, err, ErrRelativeURL)
}

func TestMalformedKey(t *testing.T) {
	_, err := GetRequestFromKey("no-separator")
	require.ErrorIs(t, err, ErrMalformed)
}
