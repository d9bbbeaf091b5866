// Package atproto is a minimal XRPC client for the PDS endpoints the
// indexer reads: server description, repository listing and record listing.
package atproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blackmichael/bbs/internal/domain"
)

// Client calls XRPC query endpoints on a PDS.
type Client struct {
	pds        string
	httpClient *http.Client
}

// NewClient creates a client for the PDS at pds. timeout bounds every
// request; zero means 30 seconds.
func NewClient(pds string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		pds: strings.TrimRight(pds, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// XRPCError is a non-2xx response from the PDS.
type XRPCError struct {
	Status  int    `json:"-"`
	Name    string `json:"error"`
	Message string `json:"message"`
}

func (e *XRPCError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("xrpc error (status %d): %s: %s", e.Status, e.Name, e.Message)
	}
	return fmt.Sprintf("xrpc error (status %d)", e.Status)
}

// Temporary reports whether the request may succeed when retried.
func (e *XRPCError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// ServerDescription is the response of com.atproto.server.describeServer.
type ServerDescription struct {
	DID                  string   `json:"did"`
	AvailableUserDomains []string `json:"availableUserDomains"`
	InviteCodeRequired   bool     `json:"inviteCodeRequired"`
}

// DescribeServer fetches the PDS description. It doubles as a reachability
// check at startup.
func (c *Client) DescribeServer(ctx context.Context) (ServerDescription, error) {
	var resp ServerDescription
	if err := c.get(ctx, "com.atproto.server.describeServer", nil, &resp); err != nil {
		return resp, fmt.Errorf("describe server: %w", err)
	}
	return resp, nil
}

// Repo is one entry of com.atproto.sync.listRepos.
type Repo struct {
	DID    string `json:"did"`
	Head   string `json:"head"`
	Rev    string `json:"rev"`
	Active *bool  `json:"active,omitempty"`
	Status string `json:"status,omitempty"`
}

// IsActive treats a missing active flag as active, as older PDS versions
// omit it.
func (r Repo) IsActive() bool {
	return r.Active == nil || *r.Active
}

// ListReposResponse is one page of hosted repositories.
type ListReposResponse struct {
	Cursor string `json:"cursor,omitempty"`
	Repos  []Repo `json:"repos"`
}

// ListRepos lists the repositories hosted on the PDS.
func (c *Client) ListRepos(ctx context.Context, cursor string, limit int) (ListReposResponse, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp ListReposResponse
	if err := c.get(ctx, "com.atproto.sync.listRepos", q, &resp); err != nil {
		return resp, fmt.Errorf("list repos: %w", err)
	}
	return resp, nil
}

// Record is one entry of com.atproto.repo.listRecords.
type Record struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// RKey returns the record key, the last segment of the AT-URI.
func (r Record) RKey() string {
	return r.URI[strings.LastIndexByte(r.URI, '/')+1:]
}

// ListRecordsResponse is one page of a collection's records.
type ListRecordsResponse struct {
	Cursor  string   `json:"cursor,omitempty"`
	Records []Record `json:"records"`
}

// ListRecords lists records of one collection in a repository, oldest
// first.
func (c *Client) ListRecords(ctx context.Context, repo, collection, cursor string, limit int) (ListRecordsResponse, error) {
	q := url.Values{}
	q.Set("repo", repo)
	q.Set("collection", collection)
	q.Set("reverse", "true")
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp ListRecordsResponse
	if err := c.get(ctx, "com.atproto.repo.listRecords", q, &resp); err != nil {
		return resp, fmt.Errorf("list records %s %s: %w", repo, collection, err)
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, method string, query url.Values, result any) error {
	u := c.pds + "/xrpc/" + method
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send request: %w", domain.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrTransientNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		xerr := &XRPCError{Status: resp.StatusCode}
		_ = json.Unmarshal(respBody, xerr)
		if xerr.Temporary() {
			return fmt.Errorf("%w: %w", domain.ErrTransientNetwork, xerr)
		}
		return xerr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// IsTemporary reports whether err from this package may succeed on retry.
func IsTemporary(err error) bool {
	return errors.Is(err, domain.ErrTransientNetwork)
}
