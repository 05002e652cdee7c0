package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

type named string

func (n named) Handle(context.Context, *http.Request) (*http.Response, error) { return nil, nil }
func (n named) Name() string                                                  { return string(n) }

func get(t *testing.T, rawURL string, header map[string]string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, rawURL, nil)
	for k, v := range header {
		r.Header.Set(k, v)
	}
	return r
}

func TestFirstMatchWins(t *testing.T) {
	rt := New()
	require.NoError(t, rt.Register(Route{Name: "api", Match: PathPrefix("/v1/"), Handler: named("api")}))
	require.NoError(t, rt.Register(Route{Name: "json", Match: Extension("json"), Handler: named("json")}))
	require.NoError(t, rt.Register(Route{Name: "all", Match: All(), Handler: named("all")}))
	rt.Seal()

	route, ok := rt.Match(get(t, "https://a.test/v1/items.json", nil))
	require.True(t, ok)
	require.Equal(t, "api", route.Name)

	route, ok = rt.Match(get(t, "https://a.test/data/items.json", nil))
	require.True(t, ok)
	require.Equal(t, "json", route.Name)

	route, ok = rt.Match(get(t, "https://a.test/", nil))
	require.True(t, ok)
	require.Equal(t, "all", route.Name)
}

func TestNoMatch(t *testing.T) {
	rt := New()
	require.NoError(t, rt.Register(Route{Name: "pages", Match: Navigation(), Handler: named("pages")}))
	_, ok := rt.Match(get(t, "https://a.test/app.js", nil))
	require.False(t, ok)
}

func TestSealedRouterRejectsRoutes(t *testing.T) {
	rt := New()
	rt.Seal()
	require.ErrorIs(t, rt.Register(Route{Name: "x", Match: All(), Handler: named("x")}), ErrSealed)
	require.ErrorIs(t, New().Register(Route{Name: "x"}), ErrInvalidRoute)
}

func TestRequestMode(t *testing.T) {
	req := NewRequest(get(t, "https://a.test/about", map[string]string{"Sec-Fetch-Mode": "navigate"}))
	require.Equal(t, ModeNavigate, req.Mode)
	require.Equal(t, DestDocument, req.Destination)

	req = NewRequest(get(t, "https://a.test/about", map[string]string{"Accept": "text/html,application/xhtml+xml;q=0.9"}))
	require.Equal(t, ModeNavigate, req.Mode)

	req = NewRequest(get(t, "https://a.test/api", map[string]string{"Accept": "application/json", "Sec-Fetch-Mode": "cors"}))
	require.Equal(t, ModeCORS, req.Mode)
	require.Empty(t, req.Destination)
}

func TestRequestDestination(t *testing.T) {
	for path, dest := range map[string]string{
		"/img/logo.PNG":      DestImage,
		"/static/app.css":    DestStyle,
		"/static/app.mjs":    DestScript,
		"/fonts/inter.woff2": DestFont,
		"/data.json":         "",
	} {
		req := NewRequest(get(t, "https://a.test"+path, nil))
		require.Equal(t, dest, req.Destination, path)
	}
	req := NewRequest(get(t, "https://cdn.test/blob", map[string]string{"Sec-Fetch-Dest": "image"}))
	require.Equal(t, DestImage, req.Destination)
}

func TestPredicates(t *testing.T) {
	origin, _ := url.Parse("https://a.test")
	r := NewRequest(get(t, "https://a.test/v1/users?id=1", nil))
	other := NewRequest(get(t, "https://api.other.test:8443/v1/users", nil))

	require.True(t, SameOrigin(origin)(r))
	require.False(t, SameOrigin(origin)(other))
	require.True(t, Origin("api.other.test")(other))
	require.True(t, Origin("api.other.test:8443")(other))
	require.True(t, Method("get", "HEAD")(r))
	require.False(t, Method(http.MethodPost)(r))
	require.True(t, Any(Navigation(), PathPrefix("/v1"))(r))
	require.True(t, Not(Navigation())(r))

	cors := NewRequest(get(t, "https://a.test/v1/users", map[string]string{"Sec-Fetch-Mode": "cors"}))
	require.True(t, Mode(ModeCORS, ModeNoCORS)(cors))
	require.False(t, Mode(ModeNavigate)(cors))

	re, err := Regexp(`^https://a\.test/v1/users\?id=\d+$`)
	require.NoError(t, err)
	require.True(t, re(r))
	_, err = Regexp("(")
	require.Error(t, err)
}

func TestRelativeRequestURL(t *testing.T) {
	r, err := http.NewRequest(http.MethodGet, "/v1/x", nil)
	require.NoError(t, err)
	r.Host = "proxy.test"
	req := NewRequest(r)
	require.Equal(t, "http://proxy.test/v1/x", req.URL.String())
}
