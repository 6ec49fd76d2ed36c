package v3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/willibrandon/nugettrust/auth"
	nthttp "github.com/willibrandon/nugettrust/http"
)

// ErrResourceNotFound is returned when the service index lacks a resource.
var ErrResourceNotFound = errors.New("resource not found in service index")

// ServiceIndexClient provides access to NuGet v3 service index.
type ServiceIndexClient struct {
	httpClient *nthttp.Client
	auth       auth.Authenticator

	mu    sync.RWMutex
	cache map[string]*cachedServiceIndex
}

type cachedServiceIndex struct {
	index     *ServiceIndex
	expiresAt time.Time
}

// ClientOption configures a ServiceIndexClient.
type ClientOption func(*ServiceIndexClient)

// WithAuthenticator authenticates every request to the feed.
func WithAuthenticator(a auth.Authenticator) ClientOption {
	return func(c *ServiceIndexClient) { c.auth = a }
}

// NewServiceIndexClient creates a new service index client.
func NewServiceIndexClient(httpClient *nthttp.Client, opts ...ClientOption) *ServiceIndexClient {
	if httpClient == nil {
		httpClient = nthttp.NewClient(nil)
	}
	c := &ServiceIndexClient{
		httpClient: httpClient,
		cache:      make(map[string]*cachedServiceIndex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetServiceIndex retrieves the service index at indexURL.
// Caches the result for ServiceIndexCacheTTL.
func (c *ServiceIndexClient) GetServiceIndex(ctx context.Context, indexURL string) (*ServiceIndex, error) {
	c.mu.RLock()
	cached, ok := c.cache[indexURL]
	c.mu.RUnlock()

	if ok && time.Now().Before(cached.expiresAt) {
		return cached.index, nil
	}

	var index ServiceIndex
	if err := c.getJSON(ctx, indexURL, &index); err != nil {
		return nil, fmt.Errorf("fetch service index: %w", err)
	}

	c.mu.Lock()
	c.cache[indexURL] = &cachedServiceIndex{
		index:     &index,
		expiresAt: time.Now().Add(ServiceIndexCacheTTL),
	}
	c.mu.Unlock()

	return &index, nil
}

// GetResourceURL finds the first resource of the given type.
// Matches resource types with or without version suffixes (e.g., "RepositorySignatures" matches "RepositorySignatures/5.0.0").
func (c *ServiceIndexClient) GetResourceURL(ctx context.Context, indexURL, resourceType string) (string, error) {
	index, err := c.GetServiceIndex(ctx, indexURL)
	if err != nil {
		return "", err
	}

	for _, resource := range index.Resources {
		if matchesResourceType(resource.Type, resourceType) {
			return resource.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrResourceNotFound, resourceType)
}

// matchesResourceType returns true if the resource type matches, ignoring version suffixes.
func matchesResourceType(actual, requested string) bool {
	if actual == requested {
		return true
	}
	version, ok := strings.CutPrefix(actual, requested+"/")
	return ok && version != ""
}

// ClearCache removes all cached service indexes.
func (c *ServiceIndexClient) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*cachedServiceIndex)
	c.mu.Unlock()
}

func (c *ServiceIndexClient) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		if err := c.auth.Authenticate(req); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.DoWithRetry(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
