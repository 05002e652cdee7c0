package router

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Request modes, as sent in Sec-Fetch-Mode.
const (
	ModeNavigate   = "navigate"
	ModeCORS       = "cors"
	ModeNoCORS     = "no-cors"
	ModeSameOrigin = "same-origin"
)

// Request destinations, as sent in Sec-Fetch-Dest.
const (
	DestDocument = "document"
	DestImage    = "image"
	DestStyle    = "style"
	DestScript   = "script"
	DestFont     = "font"
)

var destByExt = map[string]string{
	".png":   DestImage,
	".jpg":   DestImage,
	".jpeg":  DestImage,
	".gif":   DestImage,
	".webp":  DestImage,
	".avif":  DestImage,
	".svg":   DestImage,
	".ico":   DestImage,
	".css":   DestStyle,
	".js":    DestScript,
	".mjs":   DestScript,
	".woff":  DestFont,
	".woff2": DestFont,
	".ttf":   DestFont,
	".otf":   DestFont,
	".eot":   DestFont,
}

// Request is the read-only view of an intercepted request that predicates
// work on.
type Request struct {
	Method string
	// URL is absolute.
	URL *url.URL
	// Mode distinguishes top-level navigations from subresource fetches.
	Mode string
	// Destination is the kind of resource requested, if known.
	Destination string
	Header      http.Header
}

// NewRequest builds the matcher view of r. Relative request URLs are
// resolved against the Host header.
func NewRequest(r *http.Request) Request {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req := Request{
		Method: method,
		URL:    &u,
		Mode:   r.Header.Get("Sec-Fetch-Mode"),
		Header: r.Header,
	}
	if req.Mode == "" && method == http.MethodGet && acceptsHTML(r.Header) {
		req.Mode = ModeNavigate
	}
	req.Destination = r.Header.Get("Sec-Fetch-Dest")
	if req.Destination == "" || req.Destination == "empty" {
		req.Destination = guessDestination(req)
	}
	return req
}

func acceptsHTML(h http.Header) bool {
	for _, part := range strings.Split(h.Get("Accept"), ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(mt, "text/html") {
			return true
		}
	}
	return false
}

func guessDestination(r Request) string {
	if r.Mode == ModeNavigate {
		return DestDocument
	}
	return destByExt[strings.ToLower(path.Ext(r.URL.Path))]
}
