// Package client talks to a depot server over HTTP.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/nicolagi/depot/depot"
)

// ErrUnexpectedStatus is wrapped by errors for responses the client does not
// know how to interpret, including server-side storage failures.
var ErrUnexpectedStatus = errors.New("unexpected status")

type Option func(*options)

type options struct {
	address    string
	httpClient *http.Client
}

// WithAddress sets the server address, as host:port or as a base URL.
func WithAddress(value string) Option {
	return func(o *options) {
		o.address = value
	}
}

func WithHTTPClient(value *http.Client) Option {
	return func(o *options) {
		o.httpClient = value
	}
}

type Client struct {
	opts    options
	baseURL string
}

func New(opts ...Option) *Client {
	c := &Client{}
	c.opts.address = "localhost:8080"
	c.opts.httpClient = http.DefaultClient
	for _, o := range opts {
		o(&c.opts)
	}
	c.baseURL = strings.TrimRight(c.opts.address, "/")
	if !strings.Contains(c.baseURL, "://") {
		c.baseURL = "http://" + c.baseURL
	}
	return c
}

// Store uploads all of r as a new blob and returns its identifier. The body is
// streamed; it is not buffered in memory.
func (c *Client) Store(ctx context.Context, r io.Reader) (uuid.UUID, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", r)
	if err != nil {
		return uuid.Nil, err
	}
	request.Header.Set("Content-Type", "application/octet-stream")
	response, err := c.opts.httpClient.Do(request)
	if err != nil {
		return uuid.Nil, err
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode != http.StatusOK {
		return uuid.Nil, statusError(response)
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		return uuid.Nil, fmt.Errorf("could not decode response: %w", err)
	}
	return depot.ParseID(body.ID)
}

// Retrieve opens the blob named by id. The caller must close the returned
// stream. Errors match depot.ErrInvalidIdentifier and depot.ErrNotFound where
// the server reports those conditions.
func (c *Client) Retrieve(ctx context.Context, id string) (io.ReadCloser, string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, "", err
	}
	response, err := c.opts.httpClient.Do(request)
	if err != nil {
		return nil, "", err
	}
	switch response.StatusCode {
	case http.StatusOK:
		return response.Body, response.Header.Get("Content-Type"), nil
	case http.StatusBadRequest:
		_ = response.Body.Close()
		return nil, "", fmt.Errorf("%.40q: %w", id, depot.ErrInvalidIdentifier)
	case http.StatusNotFound:
		_ = response.Body.Close()
		return nil, "", fmt.Errorf("%.40q: %w", id, depot.ErrNotFound)
	default:
		defer func() {
			_ = response.Body.Close()
		}()
		return nil, "", statusError(response)
	}
}

func statusError(response *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
	return fmt.Errorf("%s: %s: %w", response.Status, strings.TrimSpace(string(body)), ErrUnexpectedStatus)
}
