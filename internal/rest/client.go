package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Nirovitsky/baltek-business-chat/internal/types"
)

// TokenSource supplies the bearer token attached to authenticated calls.
// A false return means no usable token is available and the request goes
// out unauthenticated.
type TokenSource interface {
	Token() (string, bool)
}

// Client consumes the dashboard REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
	creds      TokenSource
}

// NewClient creates an API client for baseURL. httpClient may be nil, in
// which case http.DefaultClient is used.
func NewClient(baseURL string, httpClient *http.Client, logger *log.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// SetTokenSource wires the credential provider. Called after construction
// because the auth manager itself needs the client for token endpoints.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.creds = ts
}

func (c *Client) doRequest(ctx context.Context, method, path string, requestBody any, query url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req, method, path)
}

// doRequestRaw performs a request with a caller-built body, used for
// multipart uploads.
func (c *Client) doRequestRaw(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	return c.send(req, method, path)
}

func (c *Client) send(req *http.Request, method, path string) ([]byte, error) {
	if c.creds != nil {
		if token, ok := c.creds.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return responseBody, nil
	}

	detail := struct {
		Detail string `json:"detail"`
	}{}
	if err := json.Unmarshal(responseBody, &detail); err != nil || detail.Detail == "" {
		detail.Detail = strings.TrimSpace(string(responseBody))
	}
	c.logger.Printf("api request %s %s failed with status %d", method, path, resp.StatusCode)

	return nil, &RequestError{StatusCode: resp.StatusCode, Detail: detail.Detail}
}

// ObtainToken exchanges credentials for an access/refresh token pair.
func (c *Client) ObtainToken(ctx context.Context, email, password string) (types.TokenPair, error) {
	body := map[string]string{"email": email, "password": password}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/token/", body, nil)
	if err != nil {
		return types.TokenPair{}, fmt.Errorf("obtain token: %w", err)
	}

	var pair types.TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return types.TokenPair{}, fmt.Errorf("parse token response: %w", err)
	}
	return pair, nil
}

// RefreshToken exchanges a refresh token for a new access token.
func (c *Client) RefreshToken(ctx context.Context, refresh string) (string, error) {
	body := map[string]string{"refresh": refresh}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/token/refresh/", body, nil)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}

	var resp struct {
		Access string `json:"access"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("parse refresh response: %w", err)
	}
	return resp.Access, nil
}

// ListRooms returns one page of the user's chat rooms.
func (c *Client) ListRooms(ctx context.Context, page int) (types.RoomPage, error) {
	query := url.Values{}
	if page > 1 {
		query.Set("page", strconv.Itoa(page))
	}

	data, err := c.doRequest(ctx, http.MethodGet, "/api/rooms/", nil, query)
	if err != nil {
		return types.RoomPage{}, fmt.Errorf("list rooms: %w", err)
	}

	var result types.RoomPage
	if err := json.Unmarshal(data, &result); err != nil {
		return types.RoomPage{}, fmt.Errorf("parse rooms response: %w", err)
	}
	return result, nil
}

// RoomHistory returns one page of a room's message history, newest first
// as served by the API.
func (c *Client) RoomHistory(ctx context.Context, roomID, page int) (types.MessagePage, error) {
	query := url.Values{}
	if page > 1 {
		query.Set("page", strconv.Itoa(page))
	}

	path := fmt.Sprintf("/api/rooms/%d/messages/", roomID)
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return types.MessagePage{}, fmt.Errorf("room %d history: %w", roomID, err)
	}

	var result types.MessagePage
	if err := json.Unmarshal(data, &result); err != nil {
		return types.MessagePage{}, fmt.Errorf("parse history response: %w", err)
	}
	return result, nil
}

// Organizations returns the organizations available to the current user.
func (c *Client) Organizations(ctx context.Context) ([]types.Organization, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/organizations/", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}

	var result types.OrganizationPage
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parse organizations response: %w", err)
	}
	return result.Results, nil
}

// Upload sends a file as multipart form data and returns the stored
// attachment. The attachment id is what send_message frames reference.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (types.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return types.Attachment{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return types.Attachment{}, fmt.Errorf("copy file contents: %w", err)
	}
	if err := mw.Close(); err != nil {
		return types.Attachment{}, fmt.Errorf("finalize form: %w", err)
	}

	data, err := c.doRequestRaw(ctx, http.MethodPost, "/api/upload/", mw.FormDataContentType(), &buf)
	if err != nil {
		return types.Attachment{}, fmt.Errorf("upload %s: %w", filename, err)
	}

	var att types.Attachment
	if err := json.Unmarshal(data, &att); err != nil {
		return types.Attachment{}, fmt.Errorf("parse upload response: %w", err)
	}
	return att, nil
}
