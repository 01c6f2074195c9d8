// Package coderunner defines the port between the execution gateway and
// whatever drives generated code in-process. The driver is handed an
// Invoker; every tool call the code makes goes through it, which is where
// the gateway's mediation pipeline intercepts.
package coderunner

import "context"

// Invoker is the tool-call interception surface exposed to running code.
type Invoker interface {
	// Call performs one mediated tool call. Denied calls return an error
	// satisfying domain.IsDenied, so code can catch or propagate it.
	Call(ctx context.Context, path string, input map[string]any) (any, error)
}

// Driver executes generated code, routing its tool calls through the
// invoker. The returned value is the code's own result; err is non-nil
// only when the code itself failed to complete.
type Driver interface {
	Exec(ctx context.Context, code string, tools Invoker) (any, error)
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context, code string, tools Invoker) (any, error)

// Exec calls f.
func (f DriverFunc) Exec(ctx context.Context, code string, tools Invoker) (any, error) {
	return f(ctx, code, tools)
}
