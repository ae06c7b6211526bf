// Package unifiedllm is the model client used by the agent loop. It presents
// a provider-agnostic request/response model over two backends: a direct
// Anthropic Messages API adapter with SSE streaming, and an adapter over the
// gollm library (github.com/teilomillet/gollm) for other providers.
//
// # Architecture
//
//   - ProviderAdapter: the backend contract (Complete, Stream)
//   - StreamAccumulator: assembles stream events into complete responses
//   - Retry and RetryMiddleware: exponential backoff over transient failures
//   - Client: provider routing and middleware
//
// # Usage
//
//	adapter, _ := unifiedllm.NewAnthropicAdapter(os.Getenv("ANTHROPIC_API_KEY"))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("anthropic", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy())),
//	)
//
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Model:    "claude-opus-4-6",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//
// Complete never returns partial output. Transient failures that outlive the
// retry policy surface as *ProviderUnavailableError, tool-call arguments that
// cannot be parsed as *MalformedResponseError, and cancellation as
// *AbortError.
//
// # Model Catalog
//
// The catalog embedded from models.yaml supplies context windows, output
// limits and pricing:
//
//	info := unifiedllm.GetModelInfo("opus")
//	cost := unifiedllm.CostFor(info.ID, resp.Usage)
package unifiedllm
