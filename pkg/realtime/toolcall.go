package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"
)

// toolCall is a completed function_call item from response.output_item.done.
type toolCall struct {
	CallID    string
	Name      string
	Arguments string
}

// handleOutputItem starts a tool call when a function_call item completes.
// The call runs on its own goroutine so the reader keeps delivering events.
func (c *Client) handleOutputItem(data []byte) {
	item := gjson.GetBytes(data, "item")
	if item.Get("type").String() != "function_call" {
		return
	}
	call := toolCall{
		CallID:    item.Get("call_id").String(),
		Name:      item.Get("name").String(),
		Arguments: item.Get("arguments").String(),
	}
	go c.runTool(call)
}

// runTool executes the handler and reports the output back to the model,
// then asks for a new response.
func (c *Client) runTool(call toolCall) {
	logger := c.logger.With("tool", call.Name, "call_id", call.CallID)
	start := time.Now()

	output := c.invokeTool(call)
	encoded, err := json.Marshal(output)
	if err != nil {
		encoded, _ = json.Marshal(map[string]string{"error": fmt.Sprintf("encoding result: %v", err)})
	}

	if c.ctx.Err() != nil {
		logger.Debug("tool finished after disconnect, dropping output")
		return
	}

	item, _ := json.Marshal(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": call.CallID,
			"output":  string(encoded),
		},
	})
	if err := c.Send("conversation.item.create", item); err != nil {
		logger.Warn("sending tool output", "error", err)
		return
	}
	if err := c.Send("response.create", []byte(`{"type":"response.create"}`)); err != nil {
		logger.Warn("requesting response after tool output", "error", err)
		return
	}

	logger.Info("tool call completed", "duration_ms", time.Since(start).Milliseconds())
}

// invokeTool returns the value to encode as the function_call_output.
// Failures become {"error": "..."} so the model always gets an answer.
func (c *Client) invokeTool(call toolCall) any {
	c.mu.Lock()
	t, ok := c.tools[call.Name]
	c.mu.Unlock()
	if !ok {
		return map[string]string{"error": fmt.Sprintf("tool %q has not been added", call.Name)}
	}

	args, err := parseArguments(call.Arguments)
	if err != nil {
		return map[string]string{"error": err.Error()}
	}

	result, err := t.handler(c.ctx, args)
	if err != nil {
		c.logger.Warn("tool handler failed", "tool", call.Name, "error", err)
		return map[string]string{"error": err.Error()}
	}
	return result
}

// parseArguments turns the model's argument string into a JSON object,
// repairing it when it is not quite valid JSON.
func parseArguments(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage("{}"), nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s), nil
	}
	fixed, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return nil, fmt.Errorf("parsing tool arguments: %w", err)
	}
	return json.RawMessage(fixed), nil
}
