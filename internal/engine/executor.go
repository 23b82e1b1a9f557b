package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/haasonsaas/ensemble/internal/tools"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// DefaultToolParallelism bounds concurrent tool invocations per batch.
const DefaultToolParallelism = 4

// toolCall is one completed tool request from the model, in stream arrival
// order.
type toolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// runToolBatch executes a batch of tool calls concurrently, bounded by the
// engine's semaphore, and returns one result message per call in the batch's
// original (ToolCallEnd arrival) order regardless of completion order.
func (e *Engine) runToolBatch(ctx context.Context, agentName string, calls []toolCall) []models.Message {
	results := make([]*tools.Result, len(calls))

	sem := make(chan struct{}, e.parallelism)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			e.emitter.emit(Event{Kind: KindNotice, Agent: agentName,
				Notice: "running tool " + call.Name})
			res := e.registry.Invoke(ctx, call.Name, call.Args)
			results[i] = res

			outcome := "ok"
			if res.IsError {
				outcome = "error"
			}
			if e.metrics != nil {
				e.metrics.ToolInvocations.WithLabelValues(call.Name, outcome).Inc()
			}
			e.emitter.emit(Event{Kind: KindToolResult, Agent: agentName,
				Tool: call.Name, Result: res.Content})
		}()
	}
	wg.Wait()

	out := make([]models.Message, len(calls))
	for i, call := range calls {
		res := results[i]
		msg := models.NewToolResultMessage(call.ID, res.Content, res.IsError)
		// Some providers address results by function name rather than id.
		for p := range msg.Parts {
			msg.Parts[p].Name = call.Name
		}
		out[i] = msg
	}
	return out
}
