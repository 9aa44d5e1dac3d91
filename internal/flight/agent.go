package flight

import (
	"context"
	"fmt"

	"github.com/voyantlabs/concourse/internal/agent"
	"github.com/voyantlabs/concourse/internal/protocol"
	"github.com/voyantlabs/concourse/internal/tools"
	"github.com/voyantlabs/concourse/internal/transport"
	"gorm.io/gorm"
)

// DefaultAgentID is the queue identity used when none is configured.
const DefaultAgentID = "flight_agent"

// AgentOpts configures a flight agent.
type AgentOpts struct {
	ID                  string
	Transport           transport.Transport
	DB                  *gorm.DB
	UnknownActionPolicy string
	// Seed makes offer generation deterministic when non-zero.
	Seed int64
}

// NewAgent builds a flight agent runtime with the flight-data tools mounted
// as request actions.
func NewAgent(opts AgentOpts) (*agent.Runtime, error) {
	if opts.ID == "" {
		opts.ID = DefaultAgentID
	}
	provider, err := NewProvider(ProviderOpts{DB: opts.DB, Seed: opts.Seed})
	if err != nil {
		return nil, err
	}
	rt, err := agent.NewRuntime(agent.Options{
		ID:                  opts.ID,
		Type:                "flight",
		Transport:           opts.Transport,
		DB:                  opts.DB,
		UnknownActionPolicy: opts.UnknownActionPolicy,
	})
	if err != nil {
		return nil, err
	}

	handlers := map[string]agent.HandlerFunc{
		"search_flights":     searchHandler(provider),
		"get_flight_details": passthroughHandler(provider, "get_flight_details"),
		"book_flight":        passthroughHandler(provider, "book_flight"),
		"cancel_booking":     passthroughHandler(provider, "cancel_booking"),
	}
	for action, h := range handlers {
		if err := rt.Register(action, h); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// searchHandler wraps the offer list in a {flights, count} result.
func searchHandler(p *tools.Provider) agent.HandlerFunc {
	return func(ctx context.Context, params map[string]any, msgCtx map[string]any) (map[string]any, error) {
		res := p.Invoke(ctx, protocol.ToolCall{
			ToolName:  "search_flights",
			Arguments: params,
			Context:   msgCtx,
		})
		if !res.Success {
			return nil, agent.Failf("%s", res.Error)
		}
		flights, ok := res.Result.([]map[string]any)
		if !ok {
			return nil, fmt.Errorf("flight: unexpected search result %T", res.Result)
		}
		return map[string]any{
			"flights": flights,
			"count":   len(flights),
		}, nil
	}
}

// passthroughHandler exposes a tool's own result map as the response result.
func passthroughHandler(p *tools.Provider, toolName string) agent.HandlerFunc {
	return func(ctx context.Context, params map[string]any, msgCtx map[string]any) (map[string]any, error) {
		res := p.Invoke(ctx, protocol.ToolCall{
			ToolName:  toolName,
			Arguments: params,
			Context:   msgCtx,
		})
		if !res.Success {
			return nil, agent.Failf("%s", res.Error)
		}
		result, ok := res.Result.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("flight: unexpected %s result %T", toolName, res.Result)
		}
		return result, nil
	}
}
