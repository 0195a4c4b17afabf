package joatusdk

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
	"time"
)

// Client is a minimal Joatu HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set. Servers only
	// honor it with the legacy header enabled.
	ActorID    string
	Locale     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Ref struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Record is an offer or a request.
type Record struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	CreatorID   string   `json:"creator_id"`
	Status      string   `json:"status"`
	TargetType  string   `json:"target_type,omitempty"`
	TargetID    string   `json:"target_id,omitempty"`
	Urgency     string   `json:"urgency,omitempty"`
	Locale      string   `json:"locale"`
	CategoryIDs []string `json:"category_ids"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// RecordInput is the body for creating a record or responding with one.
type RecordInput struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Locale      string   `json:"locale,omitempty"`
	CreatorName string   `json:"creator_name,omitempty"`
	TargetType  string   `json:"target_type,omitempty"`
	TargetID    string   `json:"target_id,omitempty"`
	Urgency     string   `json:"urgency,omitempty"`
	CategoryIDs []string `json:"category_ids,omitempty"`
}

type Category struct {
	ID         string            `json:"id"`
	Identifier string            `json:"identifier"`
	Name       string            `json:"name"`
	Names      map[string]string `json:"names,omitempty"`
}

type ResponseLink struct {
	ID        string `json:"id"`
	Source    Ref    `json:"source"`
	Response  Ref    `json:"response"`
	CreatorID string `json:"creator_id"`
	CreatedAt string `json:"created_at"`
}

type Agreement struct {
	ID        string `json:"id"`
	OfferID   string `json:"offer_id"`
	RequestID string `json:"request_id"`
	Terms     string `json:"terms,omitempty"`
	Value     string `json:"value,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Decision explains whether the respond action is available.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Rule    string   `json:"rule,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps event listings with a polling cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// SearchParams mirror the list query parameters. Zero values are omitted.
type SearchParams struct {
	Query       string
	CategoryIDs []string
	Status      string
	OrderBy     string
	PerPage     int
	Page        int
}

type RecordPage struct {
	Items   []Record `json:"items"`
	Total   int      `json:"total"`
	Page    int      `json:"page"`
	PerPage int      `json:"per_page"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) CreateCategory(ctx context.Context, identifier string, names map[string]string) (Category, error) {
	body := map[string]any{"identifier": identifier, "names": names}
	var resp Category
	err := c.do(ctx, http.MethodPost, "categories", body, &resp)
	return resp, err
}

// CreateOffer creates an offer owned by the authenticated person.
func (c *Client) CreateOffer(ctx context.Context, in RecordInput) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPost, "offers", in, &resp)
	return resp, err
}

// CreateRequest creates a request owned by the authenticated person.
func (c *Client) CreateRequest(ctx context.Context, in RecordInput) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPost, "requests", in, &resp)
	return resp, err
}

// Search lists offers or requests (kind "offer" or "request") visible to the caller.
func (c *Client) Search(ctx context.Context, kind string, p SearchParams) (RecordPage, error) {
	q := url.Values{}
	if p.Query != "" {
		q.Set("q", p.Query)
	}
	for _, id := range p.CategoryIDs {
		q.Add("types_filter[]", id)
	}
	if p.Status != "" {
		q.Set("status", p.Status)
	}
	if p.OrderBy != "" {
		q.Set("order_by", p.OrderBy)
	}
	if p.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(p.PerPage))
	}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	endpoint := plural(kind)
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp RecordPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetRecord(ctx context.Context, kind, id string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodGet, recordPath(kind, id, ""), nil, &resp)
	return resp, err
}

// Match returns counterpart records sharing a category with the record.
func (c *Client) Match(ctx context.Context, kind, id string) ([]Record, error) {
	var resp []Record
	err := c.do(ctx, http.MethodGet, recordPath(kind, id, "matches"), nil, &resp)
	return resp, err
}

func (c *Client) CanRespond(ctx context.Context, kind, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodGet, recordPath(kind, id, "can-respond"), nil, &resp)
	return resp, err
}

// Respond creates a counterpart record in response to kind/id and links it.
func (c *Client) Respond(ctx context.Context, kind, id string, in RecordInput) (Record, ResponseLink, error) {
	var resp struct {
		Record Record       `json:"record"`
		Link   ResponseLink `json:"link"`
	}
	err := c.do(ctx, http.MethodPost, recordPath(kind, id, "respond"), in, &resp)
	return resp.Record, resp.Link, err
}

// LinkResponse records an existing record as a response to source.
func (c *Client) LinkResponse(ctx context.Context, source, response Ref) (ResponseLink, error) {
	body := map[string]any{"source": source, "response": response}
	var resp ResponseLink
	err := c.do(ctx, http.MethodPost, "response-links", body, &resp)
	return resp, err
}

func (c *Client) CloseRecord(ctx context.Context, kind, id string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPost, recordPath(kind, id, "close"), nil, &resp)
	return resp, err
}

// CreateAgreement proposes an agreement between an offer and a request.
func (c *Client) CreateAgreement(ctx context.Context, offerID, requestID, terms, value string) (Agreement, error) {
	body := map[string]any{
		"offer_id":   offerID,
		"request_id": requestID,
		"terms":      terms,
		"value":      value,
	}
	var resp Agreement
	err := c.do(ctx, http.MethodPost, "agreements", body, &resp)
	return resp, err
}

func (c *Client) GetAgreement(ctx context.Context, id string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodGet, "agreements/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AcceptAgreement accepts a pending agreement, closing both records.
func (c *Client) AcceptAgreement(ctx context.Context, id string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, "agreements/"+url.PathEscape(id)+"/accept", nil, &resp)
	return resp, err
}

func (c *Client) RejectAgreement(ctx context.Context, id string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, "agreements/"+url.PathEscape(id)+"/reject", nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsAfter(ctx, 0, limit)
	return page.Items, err
}

// EventsAfter polls events following the cursor in log order. A zero cursor
// returns the newest events instead.
func (c *Client) EventsAfter(ctx context.Context, after int64, limit int) (PaginatedEvents, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "events"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	if c.Locale != "" {
		req.Header.Set("Accept-Language", c.Locale)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func plural(kind string) string {
	if strings.HasSuffix(kind, "s") {
		return kind
	}
	return kind + "s"
}

func recordPath(kind, id, action string) string {
	p := plural(kind) + "/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
