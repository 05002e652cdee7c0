package router

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Predicate decides if a route handles a request. Predicates must be pure.
type Predicate func(r Request) bool

// Navigation matches top-level page navigations.
func Navigation() Predicate {
	return func(r Request) bool { return r.Mode == ModeNavigate }
}

// Mode matches any of the given request modes.
func Mode(modes ...string) Predicate {
	return func(r Request) bool {
		for _, m := range modes {
			if m == r.Mode {
				return true
			}
		}
		return false
	}
}

// Method matches any of the given methods.
func Method(methods ...string) Predicate {
	return func(r Request) bool {
		for _, m := range methods {
			if strings.EqualFold(m, r.Method) {
				return true
			}
		}
		return false
	}
}

// PathPrefix matches URL paths starting with prefix.
func PathPrefix(prefix string) Predicate {
	return func(r Request) bool { return strings.HasPrefix(r.URL.Path, prefix) }
}

// Regexp matches the full absolute URL against expr.
func Regexp(expr string) (Predicate, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	return func(r Request) bool { return re.MatchString(r.URL.String()) }, nil
}

// Origin matches requests to any of the given hosts (host or host:port).
func Origin(hosts ...string) Predicate {
	return func(r Request) bool {
		for _, h := range hosts {
			if strings.EqualFold(h, r.URL.Host) || strings.EqualFold(h, r.URL.Hostname()) {
				return true
			}
		}
		return false
	}
}

// SameOrigin matches requests to the scheme and host of origin.
func SameOrigin(origin *url.URL) Predicate {
	return func(r Request) bool {
		return strings.EqualFold(r.URL.Scheme, origin.Scheme) && strings.EqualFold(r.URL.Host, origin.Host)
	}
}

// Destination matches any of the given request destinations.
func Destination(dests ...string) Predicate {
	return func(r Request) bool {
		for _, d := range dests {
			if d == r.Destination {
				return true
			}
		}
		return false
	}
}

// Extension matches URL paths ending in one of the extensions (with or
// without the leading dot).
func Extension(exts ...string) Predicate {
	want := make(map[string]bool, len(exts))
	for _, e := range exts {
		want["."+strings.TrimPrefix(strings.ToLower(e), ".")] = true
	}
	return func(r Request) bool { return want[strings.ToLower(path.Ext(r.URL.Path))] }
}

// All matches if every predicate does. All() matches everything.
func All(ps ...Predicate) Predicate {
	return func(r Request) bool {
		for _, p := range ps {
			if !p(r) {
				return false
			}
		}
		return true
	}
}

// Any matches if at least one predicate does.
func Any(ps ...Predicate) Predicate {
	return func(r Request) bool {
		for _, p := range ps {
			if p(r) {
				return true
			}
		}
		return false
	}
}

func Not(p Predicate) Predicate {
	return func(r Request) bool { return !p(r) }
}
