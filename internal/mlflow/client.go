package mlflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
)

// DefaultPageSize is the max_results sent with each search page.
const DefaultPageSize = 1000

// Client talks to the MLflow model registry REST API.
type Client struct {
	client   *opensearchapi.Client
	pageSize int
}

// Option configures a Client.
type Option func(*Client)

// WithPageSize sets max_results for search pages. Zero leaves it to the server.
func WithPageSize(n int) Option {
	return func(c *Client) {
		c.pageSize = n
	}
}

// NewClient returns a client which sends every request through the
// transport described by config.
func NewClient(config opensearchapi.Config, opts ...Option) (*Client, error) {
	client, err := opensearchapi.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("could not create http client: %w", err)
	}

	c := &Client{
		client:   client,
		pageSize: DefaultPageSize,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.pageSize < 0 {
		return nil, fmt.Errorf("page size must not be negative, got %d", c.pageSize)
	}

	return c, nil
}

// CreateRegisteredModel creates a registered model with the given tags.
func (c *Client) CreateRegisteredModel(ctx context.Context, name string, tags map[string]string) (*RegisteredModel, error) {
	var resp RegisteredModelCreateResponse

	err := c.do(ctx, http.MethodPost, PathRegisteredModelCreate, nil, RegisteredModelCreateRequest{
		Name: name,
		Tags: toTags(tags),
	}, &resp)
	if err != nil {
		return nil, err
	}

	tflog.Trace(ctx, "created registered model", map[string]any{
		"name": resp.RegisteredModel.Name,
	})

	return &resp.RegisteredModel, nil
}

// DeleteRegisteredModel deletes a registered model and all of its versions.
func (c *Client) DeleteRegisteredModel(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, PathRegisteredModelDelete, nil, RegisteredModelDeleteRequest{
		Name: name,
	}, nil)
	if err != nil {
		return err
	}

	tflog.Trace(ctx, "deleted registered model", map[string]any{
		"name": name,
	})

	return nil
}

// CreateModelVersion creates a new version under the registered model.
func (c *Client) CreateModelVersion(ctx context.Context, name, source string, tags map[string]string) (*ModelVersion, error) {
	var resp ModelVersionResponse

	err := c.do(ctx, http.MethodPost, PathModelVersionCreate, nil, ModelVersionCreateRequest{
		Name:   name,
		Source: source,
		Tags:   toTags(tags),
	}, &resp)
	if err != nil {
		return nil, err
	}

	tflog.Trace(ctx, "created model version", map[string]any{
		"name":    resp.ModelVersion.Name,
		"version": resp.ModelVersion.Version,
	})

	return &resp.ModelVersion, nil
}

// GetModelVersion fetches a single version by model name and version identifier.
func (c *Client) GetModelVersion(ctx context.Context, name, version string) (*ModelVersion, error) {
	var resp ModelVersionResponse

	query := url.Values{
		"name":    []string{name},
		"version": []string{version},
	}

	if err := c.do(ctx, http.MethodGet, PathModelVersionGet, query, nil, &resp); err != nil {
		return nil, err
	}

	return &resp.ModelVersion, nil
}

// SearchModelVersions returns every version matching filter, following
// next_page_token until the server stops returning one. A token seen
// before is an error rather than an endless loop.
func (c *Client) SearchModelVersions(ctx context.Context, filter string) ([]ModelVersion, error) {
	var (
		versions []ModelVersion
		token    string
		pages    int
	)

	seen := map[string]struct{}{}

	for {
		query := url.Values{}
		if filter != "" {
			query.Set("filter", filter)
		}
		if c.pageSize > 0 {
			query.Set("max_results", strconv.Itoa(c.pageSize))
		}
		if token != "" {
			query.Set("page_token", token)
		}

		var page ModelVersionSearchResponse

		if err := c.do(ctx, http.MethodGet, PathModelVersionSearch, query, nil, &page); err != nil {
			return nil, err
		}

		pages++
		versions = append(versions, page.ModelVersions...)

		if page.NextPageToken == "" {
			break
		}

		if _, ok := seen[page.NextPageToken]; ok {
			return nil, fmt.Errorf("search returned the same page token twice: %q", page.NextPageToken)
		}
		seen[page.NextPageToken] = struct{}{}

		token = page.NextPageToken
	}

	tflog.Debug(ctx, "searched model versions", map[string]any{
		"filter": filter,
		"pages":  pages,
		"count":  len(versions),
	})

	return versions, nil
}

// Ping checks the server health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, PathHealth, nil)
	if err != nil {
		return err
	}

	body, status, err := c.perform(ctx, req)
	if err != nil {
		return err
	}

	if status != http.StatusOK {
		return newAPIError(status, body)
	}

	return nil
}

// do sends a JSON request and decodes a 2xx response into result.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, result any) error {
	var body io.Reader

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("could not encode %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	target := path
	if len(query) > 0 {
		target = path + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("could not create %s request: %w", path, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	respBody, status, err := c.perform(ctx, req)
	if err != nil {
		return err
	}

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return newAPIError(status, respBody)
	}

	if result == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("could not parse %s response: %w", path, err)
	}

	return nil
}

// perform executes req and returns the fully read body and status code.
func (c *Client) perform(ctx context.Context, req *http.Request) ([]byte, int, error) {
	start := time.Now()

	resp, err := c.client.Client.Perform(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}

	// Read then close explicitly so the connection can be reused.
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("could not read %s response: %w", req.URL.Path, err)
	}

	tflog.Debug(ctx, "mlflow request", map[string]any{
		"method":      req.Method,
		"path":        req.URL.Path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return body, resp.StatusCode, nil
}

// toTags converts a tag map to MLflow's key/value list, ordered by key.
func toTags(tags map[string]string) []Tag {
	if len(tags) == 0 {
		return nil
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]Tag, 0, len(keys))
	for _, k := range keys {
		list = append(list, Tag{Key: k, Value: tags[k]})
	}

	return list
}

// FilterByName builds a search filter matching a single model name.
func FilterByName(name string) string {
	return fmt.Sprintf("name='%s'", strings.ReplaceAll(name, "'", "\\'"))
}
