package node

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/joai-gw/internal/events"
	"github.com/mattjoyce/joai-gw/internal/joai"
	"github.com/mattjoyce/joai-gw/internal/log"
)

// Send operations.
const (
	OpSendMessageAsUser  = "sendMessageAsUser"
	OpSendMessageAsAgent = "sendMessageAsAgent"
)

// MessageClient is the outbound half of the JoAi API. *joai.Client
// satisfies it.
type MessageClient interface {
	Execute(ctx context.Context, agentID string, msg joai.MessageRequest) (map[string]any, error)
	ExecuteAsAgent(ctx context.Context, agentID string, msg joai.MessageRequest) (map[string]any, error)
}

// SendMessageNode sends one message per input item.
type SendMessageNode struct {
	client    MessageClient
	publisher events.Publisher
	logger    *slog.Logger
}

func NewSendMessageNode(client MessageClient, pub events.Publisher, logger *slog.Logger) *SendMessageNode {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = log.WithComponent("send-message")
	}
	return &SendMessageNode{client: client, publisher: pub, logger: logger}
}

// Execute runs every item through the operation it names. With
// continueOnFail a failed item yields {"error": ...} and the batch goes on;
// without it the first failure aborts the batch.
func (n *SendMessageNode) Execute(ctx context.Context, params ParameterSource, count int, continueOnFail bool) ([]map[string]any, error) {
	out := make([]map[string]any, 0, count)
	for i := 0; i < count; i++ {
		result, err := n.executeItem(ctx, params, i)
		if err != nil {
			n.logger.Warn("send message failed", "item", i, "error", err)
			n.publisher.Publish(events.MessageFailed, map[string]any{"item": i, "error": err.Error()})
			if continueOnFail {
				out = append(out, map[string]any{"error": err.Error()})
				continue
			}
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, result)
	}
	return out, nil
}

// ExecuteItems is Execute with parameters read from the items themselves.
func (n *SendMessageNode) ExecuteItems(ctx context.Context, items []map[string]any, defaults map[string]any, continueOnFail bool) ([]map[string]any, error) {
	return n.Execute(ctx, ItemParams{Items: items, Defaults: defaults}, len(items), continueOnFail)
}

func (n *SendMessageNode) executeItem(ctx context.Context, params ParameterSource, i int) (map[string]any, error) {
	op := paramString(params, ParamOperation, i)
	if op == "" {
		op = OpSendMessageAsUser
	}
	agentID := paramString(params, ParamAgentID, i)
	if agentID == "" {
		return nil, ErrAgentIDRequired
	}
	msg := joai.MessageRequest{
		Message: paramString(params, ParamMessage, i),
		Room:    paramString(params, ParamRoom, i),
	}
	if msg.Message == "" {
		return nil, fmt.Errorf("message is required")
	}

	var (
		result map[string]any
		err    error
	)
	switch op {
	case OpSendMessageAsUser:
		result, err = n.client.Execute(ctx, agentID, msg)
	case OpSendMessageAsAgent:
		result, err = n.client.ExecuteAsAgent(ctx, agentID, msg)
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	if err != nil {
		return nil, err
	}

	n.publisher.Publish(events.MessageSent, map[string]any{
		"item":      i,
		"operation": op,
		"agent_id":  agentID,
		"room":      msg.Room,
	})
	return result, nil
}
