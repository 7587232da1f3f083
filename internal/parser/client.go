package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
)

// Client consumes the parser sidecar over HTTP: it POSTs raw log bytes
// and receives the structured game trees back.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient creates a parser client. The request timeout is generous;
// large logs take a while to parse.
func NewClient(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// Parse implements Parser.
func (c *Client) Parse(ctx context.Context, log io.Reader, matchStart time.Time) (*Result, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, fmt.Errorf("invalid parser URL: %w", err)
	}
	u.Path = "/v1/parse"
	q := u.Query()
	q.Set("match_start", matchStart.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	body, err := io.ReadAll(log)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var result Result
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decode parse result: %w", err)
		}
		return &result, nil
	case http.StatusUnprocessableEntity:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("parser rejected log: %s", detail)
	default:
		return nil, fmt.Errorf("parse request failed: %s", resp.Status)
	}
}
