package glance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultRequestTimeout = 60 * time.Second

	patchContentType = "application/openstack-images-v2.1-json-patch"
)

// ClientOptions configures a Client for one named store endpoint.
type ClientOptions struct {
	Name     string // store name from configuration
	URL      string // glance endpoint, e.g. http://glance.example:9292
	AuthURL  string // keystone endpoint, e.g. http://keystone.example:5000
	Username string
	Password string
	Tenant   string
	// RequestTimeout bounds metadata calls (list/get/create/rename/delete).
	// Download and upload streams are bounded only by context cancellation.
	// Zero means the default of 60s.
	RequestTimeout time.Duration
}

// Client talks to one glance v2 endpoint, acquiring and caching a keystone
// token on first use. It implements Store.
type Client struct {
	name       string
	endpoint   string
	authURL    string
	username   string
	password   string
	tenant     string
	reqTimeout time.Duration

	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	token string
}

// NewClient creates a client for one store. No network calls happen until
// the first operation.
func NewClient(opts ClientOptions, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		name:       opts.Name,
		endpoint:   strings.TrimRight(opts.URL, "/"),
		authURL:    strings.TrimRight(opts.AuthURL, "/"),
		username:   opts.Username,
		password:   opts.Password,
		tenant:     opts.Tenant,
		reqTimeout: timeout,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
			},
			// No overall Timeout: image streams can take as long as needed.
			// Context cancellation still works.
		},
		logger: logger,
	}
}

// Name returns the configured store name.
func (c *Client) Name() string {
	return c.name
}

// authRequest is the keystone v3 password-method token request body.
type authRequest struct {
	Auth struct {
		Identity struct {
			Methods  []string `json:"methods"`
			Password struct {
				User struct {
					Name   string `json:"name"`
					Domain struct {
						ID string `json:"id"`
					} `json:"domain"`
					Password string `json:"password"`
				} `json:"user"`
			} `json:"password"`
		} `json:"identity"`
		Scope struct {
			Project struct {
				Name   string `json:"name"`
				Domain struct {
					ID string `json:"id"`
				} `json:"domain"`
			} `json:"project"`
		} `json:"scope"`
	} `json:"auth"`
}

// getToken returns the cached token, acquiring one from keystone on first
// use. The token lives for the lifetime of the client.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	var reqBody authRequest
	reqBody.Auth.Identity.Methods = []string{"password"}
	reqBody.Auth.Identity.Password.User.Name = c.username
	reqBody.Auth.Identity.Password.User.Domain.ID = "default"
	reqBody.Auth.Identity.Password.User.Password = c.password
	reqBody.Auth.Scope.Project.Name = c.tenant
	reqBody.Auth.Scope.Project.Domain.ID = "default"

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", &StoreError{Store: c.name, Op: "auth", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+"/v3/auth/tokens", bytes.NewReader(body))
	if err != nil {
		return "", &StoreError{Store: c.name, Op: "auth", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &StoreError{Store: c.name, Op: "auth", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", &StoreError{
			Store: c.name, Op: "auth", StatusCode: resp.StatusCode,
			Err: fmt.Errorf("token request rejected"),
		}
	}

	token := resp.Header.Get("X-Subject-Token")
	if token == "" {
		return "", &StoreError{Store: c.name, Op: "auth", Err: fmt.Errorf("no token in keystone response")}
	}

	c.logger.Debug("acquired auth token", "store", c.name)
	c.token = token
	return token, nil
}

// do issues an authenticated request against the glance endpoint. The path
// must start with "/". Callers own the response body.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth-Token", token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

// opError attributes a transport-level failure to a store operation. Errors
// that already carry store context, such as auth failures, pass through.
func opError(store, op string, err error) error {
	var serr *StoreError
	if errors.As(err, &serr) {
		return err
	}
	return &StoreError{Store: store, Op: op, Err: err}
}

// errorFromResponse drains up to a small amount of the error body for the
// wrapped message and closes it.
func errorFromResponse(store, op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		detail = resp.Status
	}
	return &StoreError{Store: store, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", detail)}
}

// ListImages pages through GET /v2/images until the store stops returning
// a next link.
func (c *Client) ListImages(ctx context.Context) ([]Image, error) {
	var images []Image
	path := "/v2/images"

	for path != "" {
		reqCtx, cancel := context.WithTimeout(ctx, c.reqTimeout)
		resp, err := c.do(reqCtx, http.MethodGet, path, nil, "")
		if err != nil {
			cancel()
			return nil, opError(c.name, "list", err)
		}
		if resp.StatusCode != http.StatusOK {
			cancel()
			return nil, errorFromResponse(c.name, "list", resp)
		}

		var page struct {
			Images []Image `json:"images"`
			Next   string  `json:"next"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		cancel()
		if err != nil {
			return nil, &StoreError{Store: c.name, Op: "list", Err: err}
		}

		images = append(images, page.Images...)

		// The next link comes back absolute-path form; keep only the
		// path+query so it composes with our endpoint.
		path = page.Next
		if path != "" {
			if u, err := url.Parse(path); err == nil {
				path = u.Path
				if u.RawQuery != "" {
					path += "?" + u.RawQuery
				}
			}
		}
	}

	return images, nil
}

// GetImage fetches one image's metadata.
func (c *Client) GetImage(ctx context.Context, id string) (*Image, error) {
	ctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/v2/images/"+id, nil, "")
	if err != nil {
		return nil, opError(c.name, "get", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(c.name, "get", resp)
	}
	defer resp.Body.Close()

	var img Image
	if err := json.NewDecoder(resp.Body).Decode(&img); err != nil {
		return nil, &StoreError{Store: c.name, Op: "get", Err: err}
	}
	return &img, nil
}

// DownloadImage opens the image content stream. The stream is finite and
// not restartable; the caller must drain or close it. No request timeout is
// applied; large images legitimately take a long time.
func (c *Client) DownloadImage(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v2/images/"+id+"/file", nil, "")
	if err != nil {
		return nil, opError(c.name, "download", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return nil, errorFromResponse(c.name, "download", resp)
	}
	return resp.Body, nil
}

// CreateImage registers a new image; the store assigns the ID and leaves
// the image queued until content is uploaded.
func (c *Client) CreateImage(ctx context.Context, req CreateImageRequest) (*Image, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &StoreError{Store: c.name, Op: "create", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, "/v2/images", bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, opError(c.name, "create", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, errorFromResponse(c.name, "create", resp)
	}
	defer resp.Body.Close()

	var img Image
	if err := json.NewDecoder(resp.Body).Decode(&img); err != nil {
		return nil, &StoreError{Store: c.name, Op: "create", Err: err}
	}
	return &img, nil
}

// UploadImage streams content into a previously created image.
func (c *Client) UploadImage(ctx context.Context, id string, r io.Reader) error {
	resp, err := c.do(ctx, http.MethodPut, "/v2/images/"+id+"/file", r, "application/octet-stream")
	if err != nil {
		return opError(c.name, "upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return errorFromResponse(c.name, "upload", resp)
	}
	return nil
}

// RenameImage updates the name via a glance JSON-patch.
func (c *Client) RenameImage(ctx context.Context, id, newName string) error {
	patch := []map[string]string{
		{"op": "replace", "path": "/name", "value": newName},
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return &StoreError{Store: c.name, Op: "rename", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPatch, "/v2/images/"+id, bytes.NewReader(body), patchContentType)
	if err != nil {
		return opError(c.name, "rename", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(c.name, "rename", resp)
	}
	return nil
}

// DeleteImage removes an image from the store.
func (c *Client) DeleteImage(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodDelete, "/v2/images/"+id, nil, "")
	if err != nil {
		return opError(c.name, "delete", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return errorFromResponse(c.name, "delete", resp)
	}
	return nil
}
