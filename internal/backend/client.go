// Package backend holds the HTTP clients for the editing backend: the
// web API that authenticates project joins, and the document updater that
// owns document state and the edit-operation queue.
//
// Both speak JSON over HTTP. Failures are mapped onto a small set of
// sentinel errors (ErrForbidden, ErrNotFound, ErrRateLimited) that the
// session controller translates into its client-facing taxonomy.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for backend request outcomes.
var (
	// ErrForbidden: the backend rejected the request outright.
	ErrForbidden = errors.New("backend: forbidden")
	// ErrNotFound: the project or document does not exist.
	ErrNotFound = errors.New("backend: not found")
	// ErrRateLimited: the backend asked us to back off.
	ErrRateLimited = errors.New("backend: rate limited")
	// ErrUpdateTooLarge: a queued update exceeds the size bound. Checked
	// locally before the request goes out.
	ErrUpdateTooLarge = errors.New("backend: update is too large")
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// postJSON sends a JSON body and decodes a JSON response into out (out
// may be nil). Non-2xx statuses map to the sentinel errors.
func postJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(req, out)
}

// getJSON fetches a URL and decodes the JSON response into out.
func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return doJSON(req, out)
}

// del issues a DELETE and discards the body.
func del(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	return doJSON(req, nil)
}

func doJSON(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusError(req.URL.String(), resp.StatusCode); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError maps an HTTP status onto the sentinel errors.
func statusError(url string, status int) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return fmt.Errorf("http %s: %d", url, status)
	}
}
