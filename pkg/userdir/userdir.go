// Package userdir queries the external user directory used by the pickers
// and the display-name fallback.
package userdir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"portalchat/pkg/logger"
	"portalchat/pkg/models"
)

// Options configure a directory client. BaseURL is the full search
// endpoint; the query is sent as QueryParam (default "q").
type Options struct {
	BaseURL    string
	QueryParam string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *fasthttp.Client
}

type Client struct {
	opts Options
	http *fasthttp.Client
}

func New(opts Options) *Client {
	if opts.QueryParam == "" {
		opts.QueryParam = "q"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &fasthttp.Client{Name: "portalchat-userdir"}
	}
	return &Client{opts: opts, http: opts.HTTPClient}
}

// Search returns the users matching query. An empty query returns the
// directory's default page. Failures are logged and returned so callers
// can fall back to an empty list.
func (c *Client) Search(ctx context.Context, query string) ([]models.UserSummary, error) {
	users, err := c.search(ctx, query)
	if err != nil {
		logger.Warn("user_search_failed", "query", query, "error", err)
		return nil, err
	}
	return users, nil
}

// Lookup finds one user by id through a search on the id.
func (c *Client) Lookup(ctx context.Context, userID string) (models.UserSummary, bool, error) {
	users, err := c.Search(ctx, userID)
	if err != nil {
		return models.UserSummary{}, false, err
	}
	for _, u := range users {
		if u.ID == userID {
			return u, true, nil
		}
	}
	return models.UserSummary{}, false, nil
}

func (c *Client) search(ctx context.Context, query string) ([]models.UserSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid directory url: %w", err)
	}
	q := u.Query()
	q.Set(c.opts.QueryParam, strings.TrimSpace(query))
	u.RawQuery = q.Encode()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(u.String())
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	deadline := time.Now().Add(c.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode())
	}

	var raw []struct {
		ID    any    `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(resp.Body()))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	users := make([]models.UserSummary, 0, len(raw))
	for _, r := range raw {
		id := idString(r.ID)
		if id == "" {
			continue
		}
		users = append(users, models.UserSummary{ID: id, Name: r.Name, Email: r.Email})
	}
	return users, nil
}

// ids arrive as numbers from some directories and strings from others
func idString(v any) string {
	switch t := v.(type) {
	case json.Number:
		return t.String()
	case string:
		return strings.TrimSpace(t)
	}
	return ""
}
