package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/ensemble/internal/provider"
)

// LLMRunner executes work by prompting the provider bound to the worker.
type LLMRunner struct {
	router *provider.Router
	logger *zap.Logger
}

// NewLLMRunner creates a runner backed by the provider router.
func NewLLMRunner(router *provider.Router, logger *zap.Logger) *LLMRunner {
	return &LLMRunner{router: router, logger: logger}
}

type workerReply struct {
	Output    string  `json:"output"`
	SelfScore float64 `json:"self_score"`
}

// Execute prompts the worker's provider with its role instructions, the task
// and the shared context snapshot, and parses the structured reply. If the
// reply is not valid JSON the raw text is kept and the self score defaults
// to a neutral value.
func (r *LLMRunner) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	var ctxParts []string
	for k, v := range req.Context {
		ctxParts = append(ctxParts, fmt.Sprintf("%s: %v", k, v))
	}

	prompt := fmt.Sprintf(`Task: %s

Shared context:
%s

Complete the task using your capabilities (%s).

Reply in JSON:
{"output":"...","self_score":0.0}

self_score is your honest assessment of the result quality between 0 and 1.`,
		req.TaskDescription,
		strings.Join(ctxParts, "\n"),
		strings.Join(req.Capabilities, ", "))

	chatReq := &provider.ChatRequest{
		Model: "default",
		Messages: []provider.Message{
			{Role: "system", Content: req.Instructions},
			{Role: "user", Content: prompt},
		},
		MaxTokens: 4096,
	}

	resp, err := r.router.Route(ctx, req.WorkerID, chatReq)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", req.WorkerID, err)
	}

	var reply workerReply
	if uerr := json.Unmarshal([]byte(extractJSON(resp.Content)), &reply); uerr != nil || reply.Output == "" {
		// Fallback: keep the raw text, score unknown
		reply.Output = resp.Content
		reply.SelfScore = 0.5
	}
	if reply.SelfScore < 0 {
		reply.SelfScore = 0
	}
	if reply.SelfScore > 1 {
		reply.SelfScore = 1
	}

	r.logger.Debug("worker finished",
		zap.String("worker", req.WorkerID),
		zap.Float64("self_score", reply.SelfScore),
		zap.Duration("duration", time.Since(start)))

	return &Result{
		Output:    reply.Output,
		SelfScore: reply.SelfScore,
		Duration:  time.Since(start),
	}, nil
}

// extractJSON strips markdown fences and surrounding prose from a model reply.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			s = s[i : j+1]
		}
	}
	return strings.TrimSpace(s)
}
