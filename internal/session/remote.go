package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultHTTPTimeout = 10 * time.Second

var errMissingBaseURL = errors.New("session: base url is required")

// HTTPClient talks to the document REST API. It implements both
// ContentSource for hydration and RemoteDeleter for deletion reconciliation.
type HTTPClient struct {
	baseURL *url.URL
	token   string
	client  *http.Client
}

// NewHTTPClient constructs a client for the given API base, for example
// http://localhost:8081. The token, when set, is sent as a bearer credential.
func NewHTTPClient(baseURL string, token string) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		baseURL: parsed,
		token:   token,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
	}, nil
}

type documentResponse struct {
	Content string `json:"content"`
	Title   string `json:"title"`
}

// FetchDocument retrieves the persisted content and title of a document.
func (c *HTTPClient) FetchDocument(ctx context.Context, documentID string) (Content, error) {
	request, err := c.newRequest(ctx, http.MethodGet, documentID)
	if err != nil {
		return Content{}, err
	}

	response, err := c.client.Do(request)
	if err != nil {
		return Content{}, err
	}
	defer response.Body.Close()

	if err := c.checkStatus(response); err != nil {
		return Content{}, err
	}

	var payload documentResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return Content{}, fmt.Errorf("session: decoding document response: %w", err)
	}
	return Content{Content: payload.Content, Title: payload.Title}, nil
}

// DeleteDocument removes the persisted document.
func (c *HTTPClient) DeleteDocument(ctx context.Context, documentID string) error {
	request, err := c.newRequest(ctx, http.MethodDelete, documentID)
	if err != nil {
		return err
	}

	response, err := c.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	return c.checkStatus(response)
}

func (c *HTTPClient) newRequest(ctx context.Context, method string, documentID string) (*http.Request, error) {
	endpoint := c.baseURL.JoinPath("api", "documents", documentID)
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	return request, nil
}

func (c *HTTPClient) checkStatus(response *http.Response) error {
	switch {
	case response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices:
		return nil
	case response.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	default:
		return fmt.Errorf("session: unexpected status %d", response.StatusCode)
	}
}
