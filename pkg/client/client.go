package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the service reports a missing build or revision.
	ErrNotFound = errors.New("resource not found")
	// ErrBusy is returned when the requester already has a build running.
	ErrBusy = errors.New("requester busy")
)

// APIError is a non-success response from the build service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("build service returned %d", e.Status)
	}
	return fmt.Sprintf("build service returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrBusy:
		return e.Status == http.StatusConflict
	}
	return false
}

// Client talks to the build service over HTTP.
type Client struct {
	baseURL      string
	apiKey       string
	requester    string
	httpClient   *http.Client
	// streamClient has no timeout; used for calls that last as long as a
	// checkout or a build.
	streamClient *http.Client
}

type Option func(*Client)

// WithAPIKey sends key in the Authorization header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithRequester identifies the caller for per-requester admission.
func WithRequester(id string) Option {
	return func(c *Client) { c.requester = id }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
			c.streamClient = hc
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Author mirrors the author attached to a build.
type Author struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	AvatarURL     string `json:"avatar_url"`
	Discriminator string `json:"discriminator"`
}

// CreateBuildRequest starts a build. Builtin builds name Env, custom builds
// carry Snippet.
type CreateBuildRequest struct {
	Kind     string  `json:"kind"`
	Env      string  `json:"env,omitempty"`
	Snippet  string  `json:"snippet,omitempty"`
	Revision string  `json:"revision,omitempty"`
	Author   *Author `json:"author,omitempty"`
}

// Build is the service's view of one build.
type Build struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	State        string    `json:"state"`
	Env          string    `json:"env"`
	Version      string    `json:"version"`
	SHA1         string    `json:"sha1"`
	Snippet      string    `json:"snippet,omitempty"`
	Author       *Author   `json:"author,omitempty"`
	Duration     *float64  `json:"duration,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	DownloadName string    `json:"download_name"`
	LogURL       string    `json:"log_url"`
	FirmwareURL  string    `json:"firmware_url,omitempty"`
}

// Finished reports whether the build reached success or failed.
func (b Build) Finished() bool {
	return b.State == "success" || b.State == "failed"
}

// BuildPage is one page of the build listing.
type BuildPage struct {
	Builds   []Build `json:"builds"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
	Total    int     `json:"total"`
}

type buildEnvelope struct {
	Build Build `json:"build"`
}

// CreateBuild submits a build. The service answers once the revision is
// checked out, which can take minutes, so only ctx bounds the call.
func (c *Client) CreateBuild(ctx context.Context, req CreateBuildRequest) (Build, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Build{}, fmt.Errorf("marshal build request: %w", err)
	}
	var out buildEnvelope
	if err := c.doJSON(ctx, c.streamClient, http.MethodPost, "/api/builds", bytes.NewReader(body), http.StatusAccepted, &out); err != nil {
		return Build{}, err
	}
	return out.Build, nil
}

func (c *Client) GetBuild(ctx context.Context, id string) (Build, error) {
	var out buildEnvelope
	if err := c.doJSON(ctx, c.httpClient, http.MethodGet, "/api/builds/"+url.PathEscape(id), nil, http.StatusOK, &out); err != nil {
		return Build{}, err
	}
	return out.Build, nil
}

func (c *Client) ListBuilds(ctx context.Context, page, pageSize int) (BuildPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	var out BuildPage
	if err := c.doJSON(ctx, c.httpClient, http.MethodGet, "/api/builds?"+q.Encode(), nil, http.StatusOK, &out); err != nil {
		return BuildPage{}, err
	}
	return out, nil
}

// StreamLog copies the build log to w as the service streams it and returns
// the final state announced by the end event.
func (c *Client) StreamLog(ctx context.Context, id string, w io.Writer) (string, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/api/builds/"+url.PathEscape(id)+"/log/stream", nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("stream log: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}

	var state string
	err = ReadEvents(resp.Body, func(ev Event) error {
		if ev.Name == "end" {
			state = ev.Data
			return nil
		}
		_, err := io.WriteString(w, ev.Data+"\n")
		return err
	})
	if err != nil {
		return "", err
	}
	if state == "" {
		return "", errors.New("log stream closed before the build finished")
	}
	return state, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Key "+c.apiKey)
	}
	if c.requester != "" {
		httpReq.Header.Set("X-Requester-Id", c.requester)
	}
	return httpReq, nil
}

func (c *Client) doJSON(ctx context.Context, hc *http.Client, method, path string, body io.Reader, want int, out any) error {
	httpReq, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(payload))
	if json.Unmarshal(payload, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

// Event is one server-sent event. Multiple data lines are joined with "\n".
type Event struct {
	Name string
	Data string
}

// ReadEvents reads server-sent events from body, invoking eventFn for each
// completed event.
func ReadEvents(body io.Reader, eventFn func(Event) error) error {
	reader := bufio.NewReader(body)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line != "" {
					lines = append(lines, strings.TrimRight(line, "\r\n"))
				}
				return dispatchEvent(lines, eventFn)
			}
			return err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err := dispatchEvent(lines, eventFn); err != nil {
				return err
			}
			lines = lines[:0]
			continue
		}
		lines = append(lines, trimmed)
	}
}

// ParseEvent assembles an event from its field lines. Comment lines and
// unknown fields are ignored; ok is false when no data line was present.
func ParseEvent(lines []string) (Event, bool) {
	var (
		ev   Event
		data []string
		seen bool
	)
	for _, line := range lines {
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
			seen = true
		}
	}
	ev.Data = strings.Join(data, "\n")
	return ev, seen
}

func dispatchEvent(lines []string, eventFn func(Event) error) error {
	if len(lines) == 0 {
		return nil
	}
	ev, ok := ParseEvent(lines)
	if !ok {
		return nil
	}
	return eventFn(ev)
}
