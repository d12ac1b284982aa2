// Package query is a client of the remote data query service. Parameters
// are sent as a form encoded POST whose values are JSON documents.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

var ErrQuery = errors.New("query failed")

type Client struct {
	requestURL *url.URL
	client     *http.Client
}

func NewClient(serverURL string) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.New("please define the query url with a scheme and a host, e.g. `https://query.openkim.org/api`")
	}

	return &Client{
		requestURL: parsedURL,
		client:     &http.Client{},
	}, nil
}

// WithHTTPClient replaces the underlying http client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// Query posts params and returns the decoded JSON answer. An answer of the
// form {"error": ...} is reported as ErrQuery.
func (c *Client) Query(ctx context.Context, params map[string]any) (any, error) {
	form := url.Values{}
	for k, v := range params {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding query parameter %s: %w", k, err)
		}
		form.Set(k, string(b))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	res, err := c.decodeResponse(resp)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "query finished", "url", c.requestURL.String())
	return res, nil
}

func (c *Client) decodeResponse(resp *http.Response) (any, error) {
	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: status: %d, body: %s", ErrQuery, resp.StatusCode, string(body))
	}

	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse response content type header: %w", err)
	}
	if contentType != "application/json" {
		return nil, fmt.Errorf("expected `application/json` content type, got: %s", contentType)
	}

	var res any
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding json response failed: %w", err)
	}
	if m, ok := res.(map[string]any); ok {
		if e, ok := m["error"]; ok {
			return nil, fmt.Errorf("%w: %v", ErrQuery, e)
		}
	}
	return res, nil
}
