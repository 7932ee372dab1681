package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// apiClient talks to the ForwardLedger HTTP API.
type apiClient struct {
	base    string
	account string
	http    *http.Client
}

func newAPIClient(base, account string, timeout time.Duration) *apiClient {
	return &apiClient{
		base:    strings.TrimRight(base, "/"),
		account: account,
		http:    &http.Client{Timeout: timeout},
	}
}

// apiError mirrors the server's error body.
type apiError struct {
	Status    int    `json:"-"`
	Codespace string `json:"codespace"`
	Code      uint32 `json:"code"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d %s/%d): %s", e.Kind, e.Status, e.Codespace, e.Code, e.Message)
}

// do sends one request and decodes the JSON response into out. Mutating
// requests carry a fresh idempotency key unless one is given.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}, idemKey string) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.account != "" {
		req.Header.Set("X-Account-Id", c.account)
	}
	if method != http.MethodGet {
		if idemKey == "" {
			idemKey = uuid.NewString()
		}
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if jerr := json.Unmarshal(raw, apiErr); jerr != nil || apiErr.Kind == "" {
			return errors.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decode response")
}

// printJSON writes v indented to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
