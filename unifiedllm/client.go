package unifiedllm

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// CompleteFunc performs one model call.
type CompleteFunc func(ctx context.Context, req Request) (*Response, error)

// Middleware wraps a model call. The first middleware given to NewClient is
// the outermost.
type Middleware func(ctx context.Context, req Request, next CompleteFunc) (*Response, error)

// Client routes requests to provider adapters by name. The adapter set is
// fixed at construction, so a Client is safe for concurrent use.
type Client struct {
	adapters        map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers adapter under name.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.adapters[name] = adapter }
}

// WithDefaultProvider names the adapter used when neither the request nor
// the model catalog selects one.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = name }
}

// WithMiddleware appends middleware around Complete.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

// NewClient builds a Client. With a single adapter and no explicit default,
// that adapter is the default.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{adapters: map[string]ProviderAdapter{}}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.adapters) == 1 {
		for name := range c.adapters {
			c.defaultProvider = name
		}
	}
	return c
}

// adapterFor picks the adapter by the request's provider, then the
// default, then the provider the catalog lists for the model.
func (c *Client) adapterFor(req Request) (ProviderAdapter, error) {
	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError{Message: "no provider for model " + req.Model}}
	}
	adapter, ok := c.adapters[name]
	if !ok {
		return nil, &ConfigurationError{SDKError{Message: fmt.Sprintf("provider %q is not registered", name)}}
	}
	if req.ToolChoice != nil {
		if tc, ok := adapter.(ToolChoiceSupporter); ok && !tc.SupportsToolChoice(req.ToolChoice.Mode) {
			return nil, &ConfigurationError{SDKError{Message: fmt.Sprintf("provider %q does not support tool choice %q", name, req.ToolChoice.Mode)}}
		}
	}
	return adapter, nil
}

// Complete sends req through the middleware to its adapter.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.adapterFor(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	call := CompleteFunc(adapter.Complete)
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw, next := c.middleware[i], call
		call = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, next)
		}
	}
	return call(ctx, req)
}

// Stream opens a stream on req's adapter. Middleware does not apply;
// callers retry a stream by reopening it.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.adapterFor(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	return adapter.Stream(ctx, req)
}

// Close closes every adapter that holds resources.
func (c *Client) Close() error {
	var result *multierror.Error
	for _, name := range c.Providers() {
		if closer, ok := c.adapters[name].(Closer); ok {
			if err := closer.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return result.ErrorOrNil()
}

// Providers returns the registered provider names, sorted.
func (c *Client) Providers() []string {
	names := make([]string, 0, len(c.adapters))
	for name := range c.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
