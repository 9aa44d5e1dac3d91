package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/voyantlabs/concourse/internal/agent"
	"github.com/voyantlabs/concourse/internal/models"
	"github.com/voyantlabs/concourse/internal/notify"
	"github.com/voyantlabs/concourse/internal/protocol"
	"github.com/voyantlabs/concourse/internal/transport"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultAgentID is the orchestrator's queue identity when none is configured.
const DefaultAgentID = "orchestrator"

// Options configures an Engine.
type Options struct {
	ID        string
	Transport transport.Transport
	DB        *gorm.DB

	// FlightAgentID and PaymentAgentID name the step targets.
	FlightAgentID  string
	PaymentAgentID string

	// StepTimeout bounds the wait for each step's response. Defaults to 30s.
	StepTimeout time.Duration
	// Retention keeps finished workflows in the in-memory table for status
	// queries before Reap evicts them. Defaults to 15m.
	Retention time.Duration
	// MaxWorkflowAge fails executing workflows that exceed it. Defaults to 10m.
	MaxWorkflowAge time.Duration

	UnknownActionPolicy string
	Notifier            notify.Notifier
}

// Engine coordinates workflows. It runs its own agent runtime so workflow
// requests arrive over the same transport as everything else, and correlates
// step responses by conversation id. Step responses come back on a dedicated
// reply queue with its own consume loop: a workflow handler blocks the
// runtime's request loop while steps run, so replies routed through that same
// loop would never reach the correlator.
type Engine struct {
	rt          *agent.Runtime
	tp          transport.Transport
	db          *gorm.DB
	replyID     string
	targets     targets
	stepTimeout time.Duration
	retention   time.Duration
	maxAge      time.Duration
	notifier    notify.Notifier

	mu        sync.Mutex
	workflows map[string]*Workflow
	pending   map[string]chan *protocol.Response
}

// NewEngine builds the engine and its agent runtime.
func NewEngine(opts Options) (*Engine, error) {
	if opts.ID == "" {
		opts.ID = DefaultAgentID
	}
	if opts.FlightAgentID == "" {
		return nil, fmt.Errorf("orchestrator: flight agent id is required")
	}
	if opts.PaymentAgentID == "" {
		return nil, fmt.Errorf("orchestrator: payment agent id is required")
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 15 * time.Minute
	}
	if opts.MaxWorkflowAge <= 0 {
		opts.MaxWorkflowAge = 10 * time.Minute
	}

	e := &Engine{
		tp:          opts.Transport,
		db:          opts.DB,
		replyID:     opts.ID + "_replies",
		targets:     targets{flight: opts.FlightAgentID, payment: opts.PaymentAgentID},
		stepTimeout: opts.StepTimeout,
		retention:   opts.Retention,
		maxAge:      opts.MaxWorkflowAge,
		notifier:    opts.Notifier,
		workflows:   make(map[string]*Workflow),
		pending:     make(map[string]chan *protocol.Response),
	}

	rt, err := agent.NewRuntime(agent.Options{
		ID:                  opts.ID,
		Type:                "orchestrator",
		Transport:           opts.Transport,
		DB:                  opts.DB,
		UnknownActionPolicy: opts.UnknownActionPolicy,
		ResponseHook:        e.dispatchResponse,
	})
	if err != nil {
		return nil, err
	}
	handlers := map[string]agent.HandlerFunc{
		"book_complete_trip":  e.bookCompleteTrip,
		"book_flight_only":    e.bookFlightOnly,
		"get_workflow_status": e.workflowStatus,
	}
	for action, h := range handlers {
		if err := rt.Register(action, h); err != nil {
			return nil, err
		}
	}
	e.rt = rt
	return e, nil
}

// Runtime exposes the engine's agent runtime for status queries.
func (e *Engine) Runtime() *agent.Runtime { return e.rt }

// Start runs the orchestrator's consume loops until ctx is cancelled: the
// agent runtime for inbound requests, and the reply loop feeding the
// correlator.
func (e *Engine) Start(ctx context.Context) error {
	replyQueue := transport.QueueName(e.replyID)
	if err := e.tp.Declare(ctx, replyQueue); err != nil {
		return fmt.Errorf("orchestrator: start: %w", err)
	}
	go func() {
		if err := e.tp.Consume(ctx, replyQueue, e.handleReply); err != nil && ctx.Err() == nil {
			log.Printf("orchestrator: reply loop stopped: %v", err)
		}
	}()
	return e.rt.Start(ctx)
}

// handleReply feeds one step response to the correlator. Malformed envelopes
// are acknowledged and dropped.
func (e *Engine) handleReply(ctx context.Context, env *protocol.Envelope) error {
	switch env.MessageType {
	case protocol.TypeResponse, protocol.TypeError:
		resp, err := protocol.ResponseFromEnvelope(env)
		if err != nil {
			log.Printf("orchestrator: bad reply envelope %s: %v", env.MessageID, err)
			return nil
		}
		e.dispatchResponse(resp)
	default:
		log.Printf("orchestrator: unexpected %s message %s on reply queue", env.MessageType, env.MessageID)
	}
	return nil
}

// BookCompleteTrip plans and executes a complete-trip workflow in-process.
// The CLI entrypoint; queue-delivered requests take the handler path.
func (e *Engine) BookCompleteTrip(ctx context.Context, params map[string]any) (map[string]any, error) {
	w, err := buildCompleteTrip(e.targets, params)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: plan complete trip: %w", err)
	}
	return e.execute(ctx, w), nil
}

// BookFlightOnly plans and executes a flight-only workflow in-process.
func (e *Engine) BookFlightOnly(ctx context.Context, params map[string]any) (map[string]any, error) {
	w, err := buildFlightOnly(e.targets, params)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: plan flight search: %w", err)
	}
	return e.execute(ctx, w), nil
}

func (e *Engine) bookCompleteTrip(ctx context.Context, params map[string]any, _ map[string]any) (map[string]any, error) {
	w, err := buildCompleteTrip(e.targets, params)
	if err != nil {
		return nil, agent.Failf("%s", err)
	}
	return e.execute(ctx, w), nil
}

func (e *Engine) bookFlightOnly(ctx context.Context, params map[string]any, _ map[string]any) (map[string]any, error) {
	w, err := buildFlightOnly(e.targets, params)
	if err != nil {
		return nil, agent.Failf("%s", err)
	}
	return e.execute(ctx, w), nil
}

// workflowStatus reports one workflow, preferring the live table and falling
// back to the journaled run.
func (e *Engine) workflowStatus(ctx context.Context, params map[string]any, _ map[string]any) (map[string]any, error) {
	id, _ := params["workflow_id"].(string)
	if id == "" {
		return nil, agent.Failf("workflow_id is required")
	}
	if view, ok := e.Workflow(id); ok {
		return view.asMap(), nil
	}
	if e.db != nil {
		var run models.WorkflowRun
		err := e.db.Where("id = ?", id).First(&run).Error
		if err == nil {
			return map[string]any{
				"workflow_id":     run.ID,
				"type":            run.Type,
				"status":          run.Status,
				"steps_total":     run.StepsTotal,
				"steps_completed": run.StepsCompleted,
			}, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("orchestrator: load run %s: %w", id, err)
		}
	}
	return nil, agent.Failf("workflow %s not found", id)
}

// execute runs the workflow's steps in order. A step failure stops execution,
// compensates completed steps in reverse, and yields a failure aggregate.
// Workflow fields are shared with the status views and the reaper, so every
// mutation happens under e.mu.
func (e *Engine) execute(ctx context.Context, w *Workflow) map[string]any {
	e.mu.Lock()
	e.workflows[w.ID] = w
	err := w.transition(StatusExecuting)
	e.mu.Unlock()
	if err != nil {
		return failureAggregate(w, err.Error(), false, nil)
	}
	e.journal(w, false)
	log.Printf("orchestrator: executing workflow %s (%s), %d step(s)", w.ID, w.Type, len(w.Steps))

	for i, step := range w.Steps {
		if reason, gone := e.aborted(w); gone {
			return failureAggregate(w, reason, false, nil)
		}
		e.enrich(w, step)
		resp, err := e.roundTrip(ctx, step.AgentID, step.Action, step.Parameters,
			map[string]any{"workflow_id": w.ID})
		if err != nil {
			return e.fail(w, step, fmt.Sprintf("step %d (%s): %v", i+1, step.Action, err))
		}
		if !resp.Success {
			return e.fail(w, step, fmt.Sprintf("step %d (%s): %s", i+1, step.Action, resp.Error))
		}
		e.mu.Lock()
		step.Status = StepCompleted
		step.Result = resp.Result
		w.CompletedSteps = append(w.CompletedSteps, step)
		e.mu.Unlock()
		log.Printf("orchestrator: workflow %s: step %d/%d (%s) completed", w.ID, i+1, len(w.Steps), step.Action)
	}

	e.mu.Lock()
	err = w.transition(StatusCompleted)
	reason := w.Error
	e.mu.Unlock()
	if err != nil {
		// The reaper failed the workflow while the last step was in flight.
		log.Printf("orchestrator: %v", err)
		return failureAggregate(w, reason, false, nil)
	}
	e.journal(w, false)
	e.emit(w)

	results := make([]map[string]any, 0, len(w.CompletedSteps))
	for _, s := range w.CompletedSteps {
		results = append(results, s.Result)
	}
	return map[string]any{
		"success":         true,
		"workflow_id":     w.ID,
		"status":          w.Status,
		"steps_completed": len(w.CompletedSteps),
		"results":         results,
	}
}

// aborted reports whether another goroutine, in practice the reaper, moved
// the workflow out of the executing state while a step was in flight.
func (e *Engine) aborted(w *Workflow) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w.Status == StatusExecuting {
		return "", false
	}
	return w.Error, true
}

// fail marks the step and workflow failed, compensates, journals and notifies.
func (e *Engine) fail(w *Workflow, step *Step, reason string) map[string]any {
	e.mu.Lock()
	step.Status = StepFailed
	w.Error = reason
	if err := w.transition(StatusFailed); err != nil {
		log.Printf("orchestrator: %v", err)
	}
	completed := append([]*Step(nil), w.CompletedSteps...)
	e.mu.Unlock()
	log.Printf("orchestrator: workflow %s failed: %s", w.ID, reason)

	// Compensation runs on a fresh context: the step's context may already
	// be cancelled, and refunds must still go out.
	compErrs := e.compensate(context.Background(), w.ID, completed)

	e.journal(w, true)
	e.emit(w)
	return failureAggregate(w, reason, true, compErrs)
}

func failureAggregate(w *Workflow, reason string, rolledBack bool, compErrs []string) map[string]any {
	aggregate := map[string]any{
		"success":            false,
		"workflow_id":        w.ID,
		"error":              reason,
		"steps_completed":    len(w.CompletedSteps),
		"rollback_attempted": rolledBack,
	}
	if len(compErrs) > 0 {
		aggregate["compensation_errors"] = compErrs
	}
	return aggregate
}

// compensate undoes the given completed steps in reverse order, single pass.
// Failures are collected, never retried.
func (e *Engine) compensate(ctx context.Context, workflowID string, completed []*Step) []string {
	var errs []string
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		action, params := compensationFor(step)
		if action == "" {
			continue
		}
		log.Printf("orchestrator: workflow %s: compensating %s with %s", workflowID, step.Action, action)
		resp, err := e.roundTrip(ctx, step.AgentID, action, params,
			map[string]any{"workflow_id": workflowID, "rollback": true})
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", action, err))
			continue
		}
		if !resp.Success {
			errs = append(errs, fmt.Sprintf("%s: %s", action, resp.Error))
		}
	}
	for _, msg := range errs {
		log.Printf("orchestrator: workflow %s: compensation failed: %s", workflowID, msg)
	}
	return errs
}

// compensationFor maps a completed step to its undo action. Steps without an
// undo return an empty action.
func compensationFor(step *Step) (string, map[string]any) {
	switch step.Action {
	case "process_payment":
		paymentID, _ := step.Result["payment_id"].(string)
		return "refund_payment", map[string]any{"payment_id": paymentID}
	case "book_flight":
		reference, _ := step.Result["booking_reference"].(string)
		return "cancel_booking", map[string]any{"booking_reference": reference}
	default:
		return "", nil
	}
}

// enrich fills step parameters from earlier step results: a book_flight step
// with no flight id takes the cheapest offer from the search result.
func (e *Engine) enrich(w *Workflow, step *Step) {
	if step.Action != "book_flight" {
		return
	}
	if id, _ := step.Parameters["flight_id"].(string); id != "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, done := range w.CompletedSteps {
		if done.Action != "search_flights" {
			continue
		}
		if id := firstFlightID(done.Result); id != "" {
			step.Parameters["flight_id"] = id
			return
		}
	}
}

// firstFlightID digs the first offer's id out of a search result, tolerating
// both in-process and JSON-decoded shapes.
func firstFlightID(result map[string]any) string {
	switch flights := result["flights"].(type) {
	case []map[string]any:
		if len(flights) > 0 {
			id, _ := flights[0]["flight_id"].(string)
			return id
		}
	case []any:
		if len(flights) > 0 {
			if first, ok := flights[0].(map[string]any); ok {
				id, _ := first["flight_id"].(string)
				return id
			}
		}
	}
	return ""
}

// roundTrip sends a correlated request and waits for the matching response.
// The request names the reply queue as its sender, so the target agent's
// response lands on the reply loop rather than the request loop. The pending
// channel is registered before publishing so the response cannot slip past
// the correlator.
func (e *Engine) roundTrip(ctx context.Context, toAgent, action string, params map[string]any, msgCtx map[string]any) (*protocol.Response, error) {
	req, err := protocol.NewRequest(e.replyID, toAgent, action, params, msgCtx)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Response, 1)
	e.mu.Lock()
	e.pending[req.ConversationID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, req.ConversationID)
		e.mu.Unlock()
	}()

	queue := transport.QueueName(toAgent)
	if err := e.tp.Declare(ctx, queue); err != nil {
		return nil, err
	}
	if err := e.tp.Publish(ctx, queue, &req.Envelope); err != nil {
		return nil, err
	}

	timer := time.NewTimer(e.stepTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("no response from %s within %s", toAgent, e.stepTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatchResponse is the runtime's ResponseHook: it routes a response to the
// waiter registered under its conversation id.
func (e *Engine) dispatchResponse(resp *protocol.Response) {
	e.mu.Lock()
	ch, ok := e.pending[resp.ConversationID]
	if ok {
		delete(e.pending, resp.ConversationID)
	}
	e.mu.Unlock()
	if !ok {
		log.Printf("orchestrator: stray response %s (conversation %s) from %s",
			resp.MessageID, resp.ConversationID, resp.FromAgent)
		return
	}
	ch <- resp
}

// journal upserts the workflow's WorkflowRun row, snapshotting the fields
// under the table lock and writing outside it. Best-effort.
func (e *Engine) journal(w *Workflow, rolledBack bool) {
	if e.db == nil {
		return
	}
	e.mu.Lock()
	run := models.WorkflowRun{
		ID:                w.ID,
		Type:              w.Type,
		Status:            w.Status,
		StepsTotal:        len(w.Steps),
		StepsCompleted:    len(w.CompletedSteps),
		Error:             w.Error,
		RollbackAttempted: rolledBack,
		CreatedAt:         w.CreatedAt,
	}
	if !w.FinishedAt.IsZero() {
		t := w.FinishedAt
		run.FinishedAt = &t
	}
	e.mu.Unlock()
	res := e.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "steps_completed", "error", "rollback_attempted", "finished_at"}),
	}).Create(&run)
	if res.Error != nil {
		log.Printf("orchestrator: journal workflow %s: %v", w.ID, res.Error)
	}
}

// emit notifies the configured channels about a finished workflow. The event
// is built under the table lock; notifiers may block on the network.
func (e *Engine) emit(w *Workflow) {
	if e.notifier == nil {
		return
	}
	e.mu.Lock()
	kind := notify.KindWorkflowCompleted
	if w.Status == StatusFailed {
		kind = notify.KindWorkflowFailed
	}
	event := notify.Event{
		Kind:           kind,
		WorkflowID:     w.ID,
		WorkflowType:   w.Type,
		StepsCompleted: len(w.CompletedSteps),
		Error:          w.Error,
	}
	e.mu.Unlock()
	e.notifier.Notify(event)
}

// View is a read-only summary of a workflow for status surfaces.
type View struct {
	ID             string    `json:"workflow_id"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	StepsTotal     int       `json:"steps_total"`
	StepsCompleted int       `json:"steps_completed"`
	CreatedAt      time.Time `json:"created_at"`
}

func (v View) asMap() map[string]any {
	m := map[string]any{
		"workflow_id":     v.ID,
		"type":            v.Type,
		"status":          v.Status,
		"steps_total":     v.StepsTotal,
		"steps_completed": v.StepsCompleted,
	}
	if v.Error != "" {
		m["error"] = v.Error
	}
	return m
}

func viewOf(w *Workflow) View {
	return View{
		ID:             w.ID,
		Type:           w.Type,
		Status:         w.Status,
		Error:          w.Error,
		StepsTotal:     len(w.Steps),
		StepsCompleted: len(w.CompletedSteps),
		CreatedAt:      w.CreatedAt,
	}
}

// Workflow returns a view of one live workflow.
func (e *Engine) Workflow(id string) (View, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workflows[id]
	if !ok {
		return View{}, false
	}
	return viewOf(w), true
}

// Workflows returns views of all live workflows, newest first.
func (e *Engine) Workflows() []View {
	e.mu.Lock()
	defer e.mu.Unlock()
	views := make([]View, 0, len(e.workflows))
	for _, w := range e.workflows {
		views = append(views, viewOf(w))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.After(views[j].CreatedAt) })
	return views
}

// Reap evicts finished workflows past the retention window and fails
// executing workflows that exceeded the age limit. A workflow failed here is
// noticed by its driving goroutine at the next step boundary, which then
// returns the failure aggregate instead of completing. Returns how many
// entries were evicted. Intended to run on a schedule.
func (e *Engine) Reap(now time.Time) int {
	e.mu.Lock()
	var stale []*Workflow
	evicted := 0
	for id, w := range e.workflows {
		if w.finished() && !w.FinishedAt.IsZero() && now.Sub(w.FinishedAt) > e.retention {
			delete(e.workflows, id)
			evicted++
			continue
		}
		if w.Status == StatusExecuting && now.Sub(w.CreatedAt) > e.maxAge {
			w.Error = fmt.Sprintf("workflow exceeded max age %s", e.maxAge)
			if err := w.transition(StatusFailed); err == nil {
				stale = append(stale, w)
			}
		}
	}
	e.mu.Unlock()

	for _, w := range stale {
		log.Printf("orchestrator: workflow %s reaped: %s", w.ID, w.Error)
		e.journal(w, false)
		e.emit(w)
	}
	return evicted
}
