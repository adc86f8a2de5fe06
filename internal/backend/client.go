//
// Backend data access — a small PostgREST-style client for the managed
// chat backend (REST CRUD over tables, websocket change feed, blob storage).
// Stores in internal/store build their table-specific queries on top of this.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tincan-im/tincan/internal/util"
)

// Client talks to one backend project. Safe for concurrent use.
type Client struct {
	baseURL string
	anonKey string
	token   string
	http    *http.Client
}

func NewClient(baseURL, anonKey, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		token:   token,
		http:    &http.Client{Timeout: util.DefaultFetchTimeout * 2},
	}
}

// BaseURL returns the project base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// AnonKey returns the public API key (the realtime feed needs it in its URL).
func (c *Client) AnonKey() string { return c.anonKey }

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: http %d: %s", e.Status, e.Body)
}

// From starts a query against a table.
func (c *Client) From(table string) *Query {
	return &Query{c: c, table: table, params: url.Values{}}
}

// Query builds one REST request. Finish with Do (or DoInto for results).
type Query struct {
	c      *Client
	table  string
	params url.Values

	method string
	body   any
	single bool
	prefer []string
}

// Select requests the given columns (PostgREST "select=" projection,
// including embedded resources like "*,profiles(*)").
func (q *Query) Select(columns string) *Query {
	q.method = http.MethodGet
	q.params.Set("select", columns)
	return q
}

// Insert posts one row or a slice of rows, returning the representation.
func (q *Query) Insert(v any) *Query {
	q.method = http.MethodPost
	q.body = v
	q.prefer = append(q.prefer, "return=representation")
	return q
}

// Upsert is Insert with duplicate-key merge semantics.
func (q *Query) Upsert(v any) *Query {
	q.Insert(v)
	q.prefer = append(q.prefer, "resolution=merge-duplicates")
	return q
}

// Update patches rows matching the filters added afterwards.
func (q *Query) Update(v any) *Query {
	q.method = http.MethodPatch
	q.body = v
	q.prefer = append(q.prefer, "return=representation")
	return q
}

// Delete removes rows matching the filters added afterwards.
func (q *Query) Delete() *Query {
	q.method = http.MethodDelete
	return q
}

func (q *Query) Eq(column, value string) *Query {
	q.params.Add(column, "eq."+value)
	return q
}

func (q *Query) Neq(column, value string) *Query {
	q.params.Add(column, "neq."+value)
	return q
}

func (q *Query) In(column string, values []string) *Query {
	q.params.Add(column, "in.("+strings.Join(values, ",")+")")
	return q
}

// Ilike adds a case-insensitive pattern filter ("%" wildcards).
func (q *Query) Ilike(column, pattern string) *Query {
	q.params.Add(column, "ilike."+pattern)
	return q
}

func (q *Query) Is(column, value string) *Query {
	q.params.Add(column, "is."+value)
	return q
}

// Or adds a PostgREST or-filter, e.g. "user_id.eq.X,friend_id.eq.X".
func (q *Query) Or(expr string) *Query {
	q.params.Add("or", "("+expr+")")
	return q
}

func (q *Query) Gt(column, value string) *Query {
	q.params.Add(column, "gt."+value)
	return q
}

func (q *Query) Lt(column, value string) *Query {
	q.params.Add(column, "lt."+value)
	return q
}

// Order sorts by a column. desc=false means ascending.
func (q *Query) Order(column string, desc bool) *Query {
	dir := "asc"
	if desc {
		dir = "desc"
	}
	q.params.Add("order", column+"."+dir)
	return q
}

func (q *Query) Limit(n int) *Query {
	q.params.Set("limit", strconv.Itoa(n))
	return q
}

// Single asks for exactly one object instead of an array. The request
// fails when zero or more than one row matches.
func (q *Query) Single() *Query {
	q.single = true
	return q
}

// Do executes the query and discards the response body.
func (q *Query) Do(ctx context.Context) error {
	return q.DoInto(ctx, nil)
}

// DoInto executes the query and unmarshals the response into out
// (pass nil to ignore the body).
func (q *Query) DoInto(ctx context.Context, out any) error {
	if q.method == "" {
		q.method = http.MethodGet
	}

	u := q.c.baseURL + "/rest/v1/" + q.table
	if enc := q.params.Encode(); enc != "" {
		u += "?" + enc
	}

	var body io.Reader
	if q.body != nil {
		b, err := json.Marshal(q.body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, q.method, u, body)
	if err != nil {
		return err
	}
	q.c.setAuth(req)
	if q.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.single {
		req.Header.Set("Accept", "application/vnd.pgrst.object+json")
	}
	if len(q.prefer) > 0 {
		req.Header.Set("Prefer", strings.Join(q.prefer, ","))
	}

	resp, err := q.c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", q.method, q.table, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", q.table, err)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.anonKey != "" {
		req.Header.Set("apikey", c.anonKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.anonKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.anonKey)
	}
}
