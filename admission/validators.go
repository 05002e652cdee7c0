package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/always-cache/fetchcache/cache"
)

// StatusAllowList admits responses whose status is one of codes.
// Status 0 stands for an opaque response.
func StatusAllowList(codes ...int) Validator {
	allowed := make(map[int]bool, len(codes))
	for _, c := range codes {
		allowed[c] = true
	}
	return func(_ context.Context, _ *http.Request, e *cache.Entry) (*cache.Entry, error) {
		if !allowed[e.Status] {
			return nil, fmt.Errorf("%w: %d", ErrStatus, e.Status)
		}
		return e, nil
	}
}

// JSON value kinds for RequireJSONKind.
const (
	KindObject = "object"
	KindArray  = "array"
	KindString = "string"
	KindNumber = "number"
	KindBool   = "bool"
)

// RequireJSONField admits responses whose body is a JSON object with the
// top-level field present and not null. Bodies that are not JSON are rejected.
func RequireJSONField(field string) Validator {
	return RequireJSONKind(field, "")
}

// RequireJSONKind is RequireJSONField that also checks the kind of the value.
// An empty kind accepts any non-null value.
func RequireJSONKind(field, kind string) Validator {
	return func(_ context.Context, _ *http.Request, e *cache.Entry) (*cache.Entry, error) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(e.Body, &obj); err != nil {
			return nil, fmt.Errorf("%w: not a JSON object: %v", ErrBody, err)
		}
		raw, ok := obj[field]
		if !ok {
			return nil, fmt.Errorf("%w: field %q missing", ErrBody, field)
		}
		got := jsonKind(raw)
		if got == "null" {
			return nil, fmt.Errorf("%w: field %q is null", ErrBody, field)
		}
		if kind != "" && got != kind {
			return nil, fmt.Errorf("%w: field %q is %s, want %s", ErrBody, field, got, kind)
		}
		return e, nil
	}
}

func jsonKind(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "null"
	}
	switch raw[0] {
	case '{':
		return KindObject
	case '[':
		return KindArray
	case '"':
		return KindString
	case 't', 'f':
		return KindBool
	case 'n':
		return "null"
	default:
		return KindNumber
	}
}

// MaxBodySize rejects bodies larger than n bytes.
func MaxBodySize(n int64) Validator {
	return func(_ context.Context, _ *http.Request, e *cache.Entry) (*cache.Entry, error) {
		if int64(len(e.Body)) > n {
			return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(e.Body), n)
		}
		return e, nil
	}
}

// StripHeaders removes headers from the stored copy, e.g. Set-Cookie.
func StripHeaders(names ...string) Validator {
	return func(_ context.Context, _ *http.Request, e *cache.Entry) (*cache.Entry, error) {
		out := e.Clone()
		for _, name := range names {
			out.Header.Del(name)
		}
		return out, nil
	}
}

// SetHeaders overrides headers on the stored copy.
func SetHeaders(headers map[string]string) Validator {
	return func(_ context.Context, _ *http.Request, e *cache.Entry) (*cache.Entry, error) {
		out := e.Clone()
		if out.Header == nil {
			out.Header = make(http.Header)
		}
		for name, value := range headers {
			out.Header.Set(name, value)
		}
		return out, nil
	}
}
