// Package agent implements the per-agent runtime: a handler registry, an
// idle/busy/error status machine, and a consume loop bound to the agent's
// own queue. All status mutation happens on the loop goroutine.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/voyantlabs/concourse/internal/models"
	"github.com/voyantlabs/concourse/internal/protocol"
	"github.com/voyantlabs/concourse/internal/transport"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Status values for an agent runtime.
const (
	StatusIdle  = "idle"
	StatusBusy  = "busy"
	StatusError = "error"
)

// Unknown-action policies.
const (
	PolicyDrop       = "drop"
	PolicyDeadletter = "deadletter"
)

// HandlerFunc processes one action invocation. The returned map becomes the
// response result. A returned *Failure is reported to the requester as a
// response with success=false; any other error (or a panic) abandons the
// exchange: no response is sent and the agent enters the error state.
type HandlerFunc func(ctx context.Context, params map[string]any, msgCtx map[string]any) (map[string]any, error)

// Task describes what a busy agent is working on.
type Task struct {
	Action    string `json:"action"`
	MessageID string `json:"message_id"`
}

// Snapshot is a point-in-time view of an agent for status queries.
type Snapshot struct {
	AgentID      string   `json:"agent_id"`
	AgentType    string   `json:"agent_type"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
	CurrentTask  *Task    `json:"current_task,omitempty"`
}

// Deadletterer is implemented by transports that can reject envelopes to the
// deadletter queue.
type Deadletterer interface {
	Deadletter(ctx context.Context, env *protocol.Envelope, reason string) error
}

// Options configures a Runtime.
type Options struct {
	ID        string
	Type      string
	Transport transport.Transport
	// DB, when set, persists an AgentState row with periodic heartbeats.
	DB *gorm.DB
	// UnknownActionPolicy is "drop" (default) or "deadletter".
	UnknownActionPolicy string
	// HeartbeatInterval defaults to 10s.
	HeartbeatInterval time.Duration
	// ResponseHook receives response envelopes addressed to this agent
	// (used by the orchestrator's correlator). Optional.
	ResponseHook func(resp *protocol.Response)
}

// Runtime is one agent instance bound to its own inbound queue.
type Runtime struct {
	id        string
	agentType string
	tp        transport.Transport
	db        *gorm.DB
	policy    string
	heartbeat time.Duration
	respHook  func(*protocol.Response)

	mu       sync.RWMutex
	status   string
	task     *Task
	handlers map[string]HandlerFunc
}

// NewRuntime creates an idle runtime. Handlers are registered before Start.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("agent: id is required")
	}
	if opts.Type == "" {
		return nil, fmt.Errorf("agent: type is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("agent: transport is required")
	}
	policy := opts.UnknownActionPolicy
	if policy == "" {
		policy = PolicyDrop
	}
	if policy != PolicyDrop && policy != PolicyDeadletter {
		return nil, fmt.Errorf("agent: unknown-action policy %q is not supported", policy)
	}
	hb := opts.HeartbeatInterval
	if hb <= 0 {
		hb = 10 * time.Second
	}
	return &Runtime{
		id:        opts.ID,
		agentType: opts.Type,
		tp:        opts.Transport,
		db:        opts.DB,
		policy:    policy,
		heartbeat: hb,
		respHook:  opts.ResponseHook,
		status:    StatusIdle,
		handlers:  make(map[string]HandlerFunc),
	}, nil
}

// ID returns the agent's identifier.
func (r *Runtime) ID() string { return r.id }

// Register binds an action name to a handler. Registered action names are
// the agent's capabilities.
func (r *Runtime) Register(action string, h HandlerFunc) error {
	if action == "" {
		return fmt.Errorf("agent: action is required")
	}
	if h == nil {
		return fmt.Errorf("agent: handler is required for %q", action)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
	return nil
}

// Capabilities returns the registered action names, sorted.
func (r *Runtime) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Status returns a point-in-time snapshot of the agent.
func (r *Runtime) Status() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		AgentID:      r.id,
		AgentType:    r.agentType,
		Status:       r.status,
		Capabilities: make([]string, 0, len(r.handlers)),
	}
	for a := range r.handlers {
		snap.Capabilities = append(snap.Capabilities, a)
	}
	sort.Strings(snap.Capabilities)
	if r.task != nil {
		t := *r.task
		snap.CurrentTask = &t
	}
	return snap
}

// Send publishes a correlated request to another agent's queue and returns
// the request (whose conversation id correlates the eventual response).
func (r *Runtime) Send(ctx context.Context, toAgent, action string, params map[string]any, msgCtx map[string]any) (*protocol.Request, error) {
	req, err := protocol.NewRequest(r.id, toAgent, action, params, msgCtx)
	if err != nil {
		return nil, fmt.Errorf("agent: %s: send %s: %w", r.id, action, err)
	}
	queue := transport.QueueName(toAgent)
	if err := r.tp.Declare(ctx, queue); err != nil {
		return nil, fmt.Errorf("agent: %s: send %s: %w", r.id, action, err)
	}
	if err := r.tp.Publish(ctx, queue, &req.Envelope); err != nil {
		return nil, fmt.Errorf("agent: %s: send %s: %w", r.id, action, err)
	}
	return req, nil
}

// Start declares the agent's queue, registers its state row, launches the
// heartbeat, and runs the consume loop until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	queue := transport.QueueName(r.id)
	if err := r.tp.Declare(ctx, queue); err != nil {
		return fmt.Errorf("agent: %s: start: %w", r.id, err)
	}
	if err := r.registerState(); err != nil {
		return fmt.Errorf("agent: %s: start: %w", r.id, err)
	}
	if r.db != nil {
		go r.runHeartbeat(ctx)
	}
	return r.tp.Consume(ctx, queue, r.handleEnvelope)
}

// handleEnvelope dispatches one delivered envelope. It always returns nil
// for domain-level failures (unknown action, handler fault) so the delivery
// is acknowledged; only infrastructure errors leave the message for
// redelivery.
func (r *Runtime) handleEnvelope(ctx context.Context, env *protocol.Envelope) error {
	switch env.MessageType {
	case protocol.TypeRequest:
		return r.handleRequest(ctx, env)
	case protocol.TypeResponse, protocol.TypeError:
		if r.respHook != nil {
			resp, err := protocol.ResponseFromEnvelope(env)
			if err != nil {
				log.Printf("agent: %s: bad response envelope %s: %v", r.id, env.MessageID, err)
				return nil
			}
			r.respHook(resp)
		}
		return nil
	default:
		// Notifications have no bound behavior yet.
		return nil
	}
}

func (r *Runtime) handleRequest(ctx context.Context, env *protocol.Envelope) error {
	req, err := protocol.RequestFromEnvelope(env)
	if err != nil {
		log.Printf("agent: %s: bad request envelope %s: %v", r.id, env.MessageID, err)
		return nil
	}

	r.mu.RLock()
	handler, ok := r.handlers[req.Action]
	r.mu.RUnlock()
	if !ok {
		return r.rejectUnknown(ctx, req)
	}

	r.setBusy(req.Action, req.MessageID)

	result, herr := r.invoke(ctx, handler, req)

	var resp *protocol.Response
	if herr != nil {
		if f, ok := AsFailure(herr); ok {
			// Domain failure: reported to the requester as success=false.
			resp, err = protocol.NewResponse(req, r.id, false, nil, f.Reason)
		} else {
			// Unexpected fault. Deliberate contract: the exchange is
			// abandoned, no response is published. Callers must bound their
			// wait with a timeout.
			log.Printf("agent: %s: handler %s failed: %v", r.id, req.Action, herr)
			r.setError()
			return nil
		}
	} else {
		resp, err = protocol.NewResponse(req, r.id, true, result, "")
	}
	if err != nil {
		log.Printf("agent: %s: build response for %s: %v", r.id, req.Action, err)
		r.setError()
		return nil
	}
	replyQueue := transport.QueueName(req.FromAgent)
	if err := r.tp.Declare(ctx, replyQueue); err != nil {
		r.setIdle()
		return fmt.Errorf("agent: %s: reply declare: %w", r.id, err)
	}
	if err := r.tp.Publish(ctx, replyQueue, &resp.Envelope); err != nil {
		// Infrastructure failure: let the transport redeliver the request so
		// the (idempotent) handler can run again and the reply gets out. The
		// agent goes idle meanwhile; the task is no longer being worked.
		r.setIdle()
		return fmt.Errorf("agent: %s: reply publish: %w", r.id, err)
	}

	r.setIdle()
	return nil
}

// invoke runs the handler with panic containment.
func (r *Runtime) invoke(ctx context.Context, handler HandlerFunc, req *protocol.Request) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return handler(ctx, req.Parameters, req.Context)
}

// rejectUnknown applies the unknown-action policy: acknowledge and drop, or
// forward to the deadletter queue first. No response, no retry.
func (r *Runtime) rejectUnknown(ctx context.Context, req *protocol.Request) error {
	if r.policy == PolicyDeadletter {
		if dl, ok := r.tp.(Deadletterer); ok {
			if err := dl.Deadletter(ctx, &req.Envelope, fmt.Sprintf("no handler for action %q on agent %s", req.Action, r.id)); err != nil {
				return fmt.Errorf("agent: %s: deadletter: %w", r.id, err)
			}
			log.Printf("agent: %s: deadlettered unknown action %q from %s", r.id, req.Action, req.FromAgent)
			return nil
		}
	}
	log.Printf("agent: %s: no handler for action %q, dropping", r.id, req.Action)
	return nil
}

func (r *Runtime) setBusy(action, messageID string) {
	r.mu.Lock()
	r.status = StatusBusy
	r.task = &Task{Action: action, MessageID: messageID}
	r.mu.Unlock()
	r.persistState()
}

func (r *Runtime) setIdle() {
	r.mu.Lock()
	r.status = StatusIdle
	r.task = nil
	r.mu.Unlock()
	r.persistState()
}

func (r *Runtime) setError() {
	r.mu.Lock()
	r.status = StatusError
	r.task = nil
	r.mu.Unlock()
	r.persistState()
}

// registerState upserts the agent's AgentState row.
func (r *Runtime) registerState() error {
	if r.db == nil {
		return nil
	}
	caps, err := json.Marshal(r.Capabilities())
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	now := time.Now()
	state := models.AgentState{
		ID:           r.id,
		AgentType:    r.agentType,
		Status:       StatusIdle,
		Capabilities: string(caps),
		StartedAt:    now,
		LastActivity: now,
	}
	res := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"agent_type", "status", "capabilities", "started_at", "last_activity"}),
	}).Create(&state)
	if res.Error != nil {
		return fmt.Errorf("register state: %w", res.Error)
	}
	return nil
}

// persistState mirrors the in-memory status to the AgentState row.
// Best-effort: failures are logged, never returned.
func (r *Runtime) persistState() {
	if r.db == nil {
		return
	}
	r.mu.RLock()
	status := r.status
	task := r.task
	r.mu.RUnlock()

	taskJSON := ""
	if task != nil {
		if data, err := json.Marshal(task); err == nil {
			taskJSON = string(data)
		}
	}
	err := r.db.Model(&models.AgentState{}).Where("id = ?", r.id).
		Updates(map[string]interface{}{
			"status":        status,
			"current_task":  taskJSON,
			"last_activity": time.Now(),
		}).Error
	if err != nil {
		log.Printf("agent: %s: persist state: %v", r.id, err)
	}
}

// runHeartbeat periodically refreshes the agent's last_activity timestamp,
// mirroring the state row even while the loop is blocked polling.
func (r *Runtime) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.db.Model(&models.AgentState{}).Where("id = ?", r.id).
				Update("last_activity", time.Now()).Error
			if err != nil {
				log.Printf("agent: %s: heartbeat: %v", r.id, err)
			}
		}
	}
}
