package unifiedllm

import "context"

// ProviderAdapter speaks one provider's API. Complete returns only fully
// assembled responses. A Stream channel ends with a StreamFinish or
// StreamError event and is then closed.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by adapters holding connections or processes.
type Closer interface {
	Close() error
}

// ToolChoiceSupporter is implemented by adapters that cannot honor every
// tool choice mode. Client rejects unsupported modes before sending.
type ToolChoiceSupporter interface {
	SupportsToolChoice(mode string) bool
}
