package admission

import (
	"context"
	"net/http"
	"testing"

	"github.com/always-cache/fetchcache/cache"

	"github.com/stretchr/testify/require"
)

func candidate(status int, body string) *cache.Entry {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Set-Cookie", "session=1")
	return &cache.Entry{Key: "GET:https://api.test/v1/x", Status: status, Header: h, Body: []byte(body)}
}

func req() *http.Request {
	r, _ := http.NewRequest(http.MethodGet, "https://api.test/v1/x", nil)
	return r
}

func TestDefaultChain(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		status int
		admit  bool
	}{
		{0, true},
		{200, true},
		{204, false},
		{404, false},
		{500, false},
	} {
		e, reason := Chain(nil).Admit(ctx, req(), candidate(tc.status, "{}"))
		if tc.admit {
			require.NotNil(t, e, "status %d", tc.status)
			require.Empty(t, reason)
		} else {
			require.Nil(t, e, "status %d", tc.status)
			require.Equal(t, ReasonStatus, reason)
		}
	}
}

func TestRequireJSONField(t *testing.T) {
	ctx := context.Background()
	chain := Chain{StatusAllowList(200), RequireJSONField("data")}
	for _, tc := range []struct {
		name  string
		body  string
		admit bool
	}{
		{"present", `{"data": {"id": 1}}`, true},
		{"empty object value", `{"data": {}}`, true},
		{"missing", `{"error": "nope"}`, false},
		{"null", `{"data": null}`, false},
		{"not json", `<html></html>`, false},
		{"array body", `[{"data": 1}]`, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e, reason := chain.Admit(ctx, req(), candidate(200, tc.body))
			if tc.admit {
				require.NotNil(t, e)
				return
			}
			require.Nil(t, e)
			require.Equal(t, ReasonBody, reason)
		})
	}
}

func TestRequireJSONKind(t *testing.T) {
	ctx := context.Background()
	v := Chain{RequireJSONKind("items", KindArray)}
	e, _ := v.Admit(ctx, req(), candidate(200, `{"items": [1, 2]}`))
	require.NotNil(t, e)
	e, reason := v.Admit(ctx, req(), candidate(200, `{"items": "1,2"}`))
	require.Nil(t, e)
	require.Equal(t, ReasonBody, reason)
}

func TestChainShortCircuits(t *testing.T) {
	ctx := context.Background()
	called := false
	chain := Chain{
		StatusAllowList(200),
		func(_ context.Context, _ *http.Request, e *cache.Entry) (*cache.Entry, error) {
			called = true
			return e, nil
		},
	}
	e, reason := chain.Admit(ctx, req(), candidate(500, "{}"))
	require.Nil(t, e)
	require.Equal(t, ReasonStatus, reason)
	require.False(t, called)
}

func TestChainRecoversPanics(t *testing.T) {
	chain := Chain{func(context.Context, *http.Request, *cache.Entry) (*cache.Entry, error) {
		panic("boom")
	}}
	e, reason := chain.Admit(context.Background(), req(), candidate(200, "{}"))
	require.Nil(t, e)
	require.Equal(t, ReasonPanic, reason)
}

func TestNilEntryIsRejection(t *testing.T) {
	chain := Chain{func(context.Context, *http.Request, *cache.Entry) (*cache.Entry, error) {
		return nil, nil
	}}
	e, reason := chain.Admit(context.Background(), req(), candidate(200, "{}"))
	require.Nil(t, e)
	require.Equal(t, ReasonRejected, reason)
}

func TestFuncAndSize(t *testing.T) {
	ctx := context.Background()
	chain := Chain{
		MaxBodySize(4),
		Func(func(r *http.Request, _ *cache.Entry) bool { return r.URL.Host == "api.test" }),
	}
	e, _ := chain.Admit(ctx, req(), candidate(200, "{}"))
	require.NotNil(t, e)
	e, reason := chain.Admit(ctx, req(), candidate(200, `{"a":1}`))
	require.Nil(t, e)
	require.Equal(t, ReasonTooLarge, reason)
}

func TestHeaderTransformsDoNotTouchOriginal(t *testing.T) {
	ctx := context.Background()
	orig := candidate(200, "{}")
	chain := Chain{
		StripHeaders("Set-Cookie"),
		SetHeaders(map[string]string{"Cache-Control": "max-age=60"}),
	}
	e, reason := chain.Admit(ctx, req(), orig)
	require.Empty(t, reason)
	require.Empty(t, e.Header.Get("Set-Cookie"))
	require.Equal(t, "max-age=60", e.Header.Get("Cache-Control"))
	require.Equal(t, "session=1", orig.Header.Get("Set-Cookie"))
	require.Empty(t, orig.Header.Get("Cache-Control"))
}
