// Package ehrbase is a thin client for the openEHR REST API exposed by EHRbase.
// It issues exactly one HTTP request per call and never retries.
package ehrbase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the composition serialization.
type Format string

const (
	FormatFlat       Format = "FLAT"
	FormatStructured Format = "STRUCTURED"
)

// ParseFormat accepts FLAT or STRUCTURED in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(s) {
	case "", string(FormatFlat):
		return FormatFlat, nil
	case string(FormatStructured):
		return FormatStructured, nil
	}
	return "", fmt.Errorf("unsupported composition format %q", s)
}

// UpstreamError is returned for every failed call: non-2xx responses carry the
// status and body verbatim, transport failures carry Err.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ehrbase %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ehrbase %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Unavailable reports whether the repository could not be reached or did not
// answer in time, as opposed to answering with an error status.
func (e *UpstreamError) Unavailable() bool {
	if e.Err == nil {
		return e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusGatewayTimeout
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(e.Err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(e.Err, &ue)
}

// HTTPStatus is the status an API handler answers with: 503 when the
// repository is unavailable, 502 otherwise.
func (e *UpstreamError) HTTPStatus() int {
	if e.Unavailable() {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// IsStatus reports whether err is an UpstreamError with the given status.
func IsStatus(err error, status int) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.StatusCode == status
}

// Client talks to one EHRbase instance.
type Client struct {
	baseURL    string
	username   string
	password   string
	timeout    time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBasicAuth sets the credentials sent with every request.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithTimeout bounds each call. Zero disables the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for baseURL (for example http://localhost:8080/ehrbase/rest).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    10 * time.Second,
		httpClient: &http.Client{},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreatedComposition is the result of CreateComposition.
type CreatedComposition struct {
	UID    string
	Values map[string]any
}

// CreateEHR allocates a new EHR and returns its id.
func (c *Client) CreateEHR(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, "create ehr", http.MethodPost, "/openehr/v1/ehr", nil, nil, map[string]string{
		"Prefer": "return=representation",
	})
	if err != nil {
		return "", err
	}

	var body struct {
		EHRID struct {
			Value string `json:"value"`
		} `json:"ehr_id"`
	}
	if len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, &body); err != nil {
			return "", &UpstreamError{Op: "create ehr", StatusCode: resp.status, Body: string(resp.body), Err: err}
		}
	}
	id := body.EHRID.Value
	if id == "" {
		id = idFromHeaders(resp.header)
	}
	if id == "" {
		return "", &UpstreamError{Op: "create ehr", StatusCode: resp.status, Body: string(resp.body), Err: errors.New("response carries no ehr id")}
	}
	return id, nil
}

// CreateComposition stores a FLAT composition and returns its version uid and
// the representation the repository persisted.
func (c *Client) CreateComposition(ctx context.Context, ehrID, templateID string, values map[string]any) (*CreatedComposition, error) {
	const op = "create composition"
	payload, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("marshal composition: %w", err)
	}
	q := url.Values{"templateId": {templateID}, "format": {string(FormatFlat)}}
	resp, err := c.do(ctx, op, http.MethodPost, "/openehr/v1/ehr/"+url.PathEscape(ehrID)+"/composition", q, payload, map[string]string{
		"Prefer":       "return=representation",
		"Content-Type": "application/json",
	})
	if err != nil {
		return nil, err
	}

	out := &CreatedComposition{UID: idFromHeaders(resp.header)}
	if len(bytes.TrimSpace(resp.body)) > 0 {
		obj, err := decodeObject(op, resp)
		if err != nil {
			return nil, err
		}
		out.Values = obj
	}
	if out.UID == "" {
		out.UID = uidFromValues(out.Values)
	}
	if out.UID == "" {
		return nil, &UpstreamError{Op: op, StatusCode: resp.status, Body: string(resp.body), Err: errors.New("response carries no composition uid")}
	}
	return out, nil
}

// GetComposition fetches one composition in the given format.
func (c *Client) GetComposition(ctx context.Context, ehrID, uid string, format Format) (map[string]any, error) {
	q := url.Values{"format": {string(format)}}
	resp, err := c.do(ctx, "get composition", http.MethodGet, "/openehr/v1/ehr/"+url.PathEscape(ehrID)+"/composition/"+url.PathEscape(uid), q, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeObject("get composition", resp)
}

// DeleteComposition deletes the composition version identified by uid.
func (c *Client) DeleteComposition(ctx context.Context, ehrID, uid string) error {
	_, err := c.do(ctx, "delete composition", http.MethodDelete, "/openehr/v1/ehr/"+url.PathEscape(ehrID)+"/composition/"+url.PathEscape(uid), nil, nil, nil)
	return err
}

// Column describes one AQL result column.
type Column struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// QueryResult is the tabular AQL response.
type QueryResult struct {
	Query   string   `json:"q"`
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Query runs an AQL statement with named parameters.
func (c *Client) Query(ctx context.Context, aql string, params map[string]any) (*QueryResult, error) {
	body := map[string]any{"q": aql}
	if len(params) > 0 {
		body["query_parameters"] = params
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	resp, err := c.do(ctx, "query", http.MethodPost, "/openehr/v1/query/aql", nil, payload, map[string]string{
		"Content-Type": "application/json",
	})
	if err != nil {
		return nil, err
	}
	var result QueryResult
	dec := json.NewDecoder(bytes.NewReader(resp.body))
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return nil, &UpstreamError{Op: "query", StatusCode: resp.status, Body: string(resp.body), Err: err}
	}
	return &result, nil
}

// Template is one entry of the template listing.
type Template struct {
	TemplateID       string `json:"template_id"`
	Concept          string `json:"concept"`
	ArchetypeID      string `json:"archetype_id"`
	CreatedTimestamp string `json:"created_timestamp,omitempty"`
}

// ListTemplates returns the operational templates known to the repository.
func (c *Client) ListTemplates(ctx context.Context) ([]Template, error) {
	resp, err := c.do(ctx, "list templates", http.MethodGet, "/openehr/v1/definition/template/adl1.4", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	var out []Template
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, &UpstreamError{Op: "list templates", StatusCode: resp.status, Body: string(resp.body), Err: err}
	}
	return out, nil
}

// UploadTemplate registers an operational template. It reports false without
// error when the repository already has it.
func (c *Client) UploadTemplate(ctx context.Context, opt []byte) (bool, error) {
	_, err := c.do(ctx, "upload template", http.MethodPost, "/openehr/v1/definition/template/adl1.4", nil, opt, map[string]string{
		"Content-Type": "application/xml",
		"Accept":       "application/json, application/xml",
	})
	if IsStatus(err, http.StatusConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TemplateExample returns a generated example composition for templateID.
func (c *Client) TemplateExample(ctx context.Context, templateID string, format Format) (map[string]any, error) {
	q := url.Values{"format": {string(format)}}
	resp, err := c.do(ctx, "template example", http.MethodGet, "/openehr/v1/definition/template/adl1.4/"+url.PathEscape(templateID)+"/example", q, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeObject("template example", resp)
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body []byte, headers map[string]string) (*response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, &UpstreamError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("op", op).Str("url", u).Dur("latency", time.Since(start)).Msg("ehrbase request failed")
		return nil, &UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	c.logger.Debug().Str("op", op).Str("method", method).Str("url", u).
		Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("ehrbase request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func decodeObject(op string, resp *response) (map[string]any, error) {
	out := make(map[string]any)
	dec := json.NewDecoder(bytes.NewReader(resp.body))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, &UpstreamError{Op: op, StatusCode: resp.status, Body: string(resp.body), Err: err}
	}
	return out, nil
}

// idFromHeaders extracts a resource id from ETag ("uid") or the last Location segment.
func idFromHeaders(h http.Header) string {
	if etag := strings.Trim(strings.TrimPrefix(h.Get("ETag"), "W/"), `"`); etag != "" {
		return etag
	}
	if loc := h.Get("Location"); loc != "" {
		loc = strings.TrimRight(loc, "/")
		if i := strings.LastIndex(loc, "/"); i >= 0 {
			return loc[i+1:]
		}
	}
	return ""
}

// uidFromValues finds "<root>/_uid" in a FLAT body.
func uidFromValues(values map[string]any) string {
	for k, v := range values {
		if strings.HasSuffix(k, "/_uid") {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
