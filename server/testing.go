/*
	This file contains functions useful for testing the HTTP API in other packages.
	They cannot live in a _test.go file since those are unavailable to tests of
	external packages, so they are exported and contain the "Test" keyword.
*/

package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestHTTPResponse returns a response from a test run of the service.
// Use TestHTTP if you just want the response body bytes.
func TestHTTPResponse(t *testing.T, s *Service, method, urlStr string, payload io.Reader) *httptest.ResponseRecorder {
	req, err := http.NewRequest(method, urlStr, payload)
	if err != nil {
		t.Fatalf("Unsuccessful %s on %q: %v\n", method, urlStr, err)
	}
	resp := httptest.NewRecorder()
	s.ServeHTTP(resp, req)
	return resp
}

// TestHTTP returns the response body bytes for a test request, making sure any response has
// status OK.
func TestHTTP(t *testing.T, s *Service, method, urlStr string, payload io.Reader) []byte {
	resp := TestHTTPResponse(t, s, method, urlStr, payload)
	if resp.Code != http.StatusOK {
		t.Fatalf("Bad server response (%d) to %s on %q: %s\n", resp.Code, method, urlStr, resp.Body.String())
	}
	return resp.Body.Bytes()
}

// TestBadHTTP expects a HTTP response with the given error status code.
func TestBadHTTP(t *testing.T, s *Service, method, urlStr string, payload io.Reader, status int) {
	resp := TestHTTPResponse(t, s, method, urlStr, payload)
	if resp.Code != status {
		t.Fatalf("Expected status %d for %s on %q, got %d instead: %s\n", status, method, urlStr, resp.Code, resp.Body.String())
	}
}
