package runner

import (
	"context"
	"time"
)

// Request describes a unit of work handed to a worker.
type Request struct {
	WorkerID        string
	Role            string
	Capabilities    []string
	Instructions    string
	TaskDescription string
	// Context is a snapshot of the team's shared context at dispatch time.
	Context map[string]interface{}
}

// Result is what a worker produced for a request.
type Result struct {
	Output    string
	SelfScore float64
	Duration  time.Duration
}

// Runner executes work on behalf of a worker.
type Runner interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}
