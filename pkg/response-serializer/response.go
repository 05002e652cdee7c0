package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// StoredResponse is the part of a response that survives a trip through storage.
type StoredResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the response.
func StoredResponseToBytes(sr StoredResponse) ([]byte, error) {
	header := sr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	res := &http.Response{
		StatusCode:    sr.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(sr.Body)),
	}
	if len(sr.Body) > 0 {
		res.Body = io.NopCloser(bytes.NewReader(sr.Body))
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToStoredResponse parses bytes written by StoredResponseToBytes.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	res, err := bytesToResponse(b)
	if err != nil {
		return StoredResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return StoredResponse{}, err
	}
	return StoredResponse{
		Status: res.StatusCode,
		Header: res.Header,
		Body:   body,
	}, nil
}

// bytesToResponse converts a byte slice to a http.Response.
func bytesToResponse(b []byte) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
}
