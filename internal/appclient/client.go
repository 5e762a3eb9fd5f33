// Package appclient is the typed HTTP-over-unix-socket client for the
// daemon's control API.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/g960059/midiroute/internal/api"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

// RequestError carries the API error code alongside the HTTP status.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return code
	case message != "":
		return message
	default:
		return fmt.Sprintf("http %d", e.StatusCode)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.unaryTimeout)
	defer cancel()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		reqErr := &RequestError{StatusCode: resp.StatusCode}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil {
			reqErr.Code = apiErr.Error.Code
			reqErr.Message = apiErr.Error.Message
		}
		return reqErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, &out)
	return out, err
}

func (c *Client) Endpoints(ctx context.Context) (api.EndpointsEnvelope, error) {
	var out api.EndpointsEnvelope
	err := c.do(ctx, http.MethodGet, "/v1/endpoints", nil, &out)
	return out, err
}

func (c *Client) CreateLoopback(ctx context.Context, name string) (api.EndpointResponse, error) {
	var out api.EndpointResponse
	err := c.do(ctx, http.MethodPost, "/v1/endpoints/loopback", api.CreateLoopbackRequest{Name: name}, &out)
	return out, err
}

func (c *Client) RenameLoopback(ctx context.Context, id, name string) error {
	return c.do(ctx, http.MethodPatch, "/v1/endpoints/loopback/"+url.PathEscape(id), api.RenameLoopbackRequest{Name: name}, nil)
}

func (c *Client) DeleteLoopback(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/endpoints/loopback/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Routes(ctx context.Context) (api.RoutesEnvelope, error) {
	var out api.RoutesEnvelope
	err := c.do(ctx, http.MethodGet, "/v1/routes", nil, &out)
	return out, err
}

func (c *Client) UpsertRoute(ctx context.Context, req api.RouteRequest) (api.RouteResponse, error) {
	var out api.RouteResponse
	err := c.do(ctx, http.MethodPost, "/v1/routes", req, &out)
	return out, err
}

func (c *Client) ReplaceRoutes(ctx context.Context, req api.ReplaceRoutesRequest) error {
	return c.do(ctx, http.MethodPut, "/v1/routes", req, nil)
}

func (c *Client) DeleteRoute(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/routes/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Traffic(ctx context.Context, endpointID string, peek bool) (api.TrafficResponse, error) {
	path := "/v1/traffic/" + url.PathEscape(endpointID)
	if peek {
		path += "?peek=1"
	}
	var out api.TrafficResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Log(ctx context.Context, limit int) (api.LogEnvelope, error) {
	path := "/v1/log"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var out api.LogEnvelope
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) ClearLog(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/log", nil, nil)
}

func (c *Client) Send(ctx context.Context, endpointID string, data []byte) error {
	return c.do(ctx, http.MethodPost, "/v1/send", api.SendRequest{EndpointID: endpointID, Data: data}, nil)
}

func (c *Client) Profiles(ctx context.Context) (api.ProfilesEnvelope, error) {
	var out api.ProfilesEnvelope
	err := c.do(ctx, http.MethodGet, "/v1/profiles", nil, &out)
	return out, err
}

func (c *Client) UseProfile(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/v1/profiles/use", api.UseProfileRequest{Name: name}, nil)
}
