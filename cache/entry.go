package cache

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Entry is one stored response.
// Entries are never mutated in storage; a Put for the same key replaces them.
type Entry struct {
	// Key is the normalized request identity (method + absolute URL).
	Key       string
	Partition string
	Status    int
	Header    http.Header
	Body      []byte
	StoredAt  time.Time
	// Revision is set for precached entries only.
	Revision string
}

// ReadEntry consumes and closes the response body and returns an entry
// holding a copy of the response.
func ReadEntry(res *http.Response) (*Entry, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	header := res.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &Entry{
		Status: res.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

// Response builds a new response for the entry with its own body reader.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        statusLine(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Header = e.Header.Clone()
	c.Body = append([]byte(nil), e.Body...)
	return &c
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

func statusLine(code int) string {
	if text := http.StatusText(code); text != "" {
		return strconv.Itoa(code) + " " + text
	}
	return strconv.Itoa(code)
}
