// Package agentloop drives an autonomous coding agent: it pairs a model
// reached through unifiedllm with file and command tools that run inside a
// sandbox, and iterates until the model declares the goal done or a budget
// runs out.
//
// A Session owns the conversation. Each Step builds a token-bounded window
// from the ContextManager, makes one model call, and executes the requested
// tool calls through the Dispatcher. Read-only calls in a batch run
// concurrently; mutating calls run one at a time in emission order. Every
// call is answered by exactly one ToolResult before the next model call.
//
// # Usage
//
//	adapter, err := unifiedllm.NewAnthropicAdapter(key)
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("anthropic", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy())),
//	)
//	s, err := agentloop.Start("make the tests pass", "/path/to/project",
//	    agentloop.Limits{MaxTurns: 50},
//	    agentloop.WithModelClient(client))
//	if err != nil {
//	    return err
//	}
//	status, err := s.Run(ctx)
//
// Events streams progress for display; it is closed when the session ends.
// Turns can be persisted with WithTranscript and resumed with WithHistory.
package agentloop
