package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// GetJSON fetches url and decodes a 2xx body into out.
func (g *Gateway) GetJSON(ctx context.Context, url string, out any) error {
	return g.SendJSON(ctx, http.MethodGet, url, nil, out)
}

// SendJSON sends in (when not nil) as JSON and decodes a 2xx response
// into out (when not nil). Other non-2xx statuses come back as *HTTPError.
func (g *Gateway) SendJSON(ctx context.Context, method, url string, in, out any) error {
	opts := Options{Method: method}
	if in != nil {
		body, err := JSONBody(in)
		if err != nil {
			return err
		}
		opts.Body = body
	}

	resp, err := g.SecureFetch(ctx, url, opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: respBytes}
	}

	if out == nil || len(respBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBytes, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
