package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voyantlabs/concourse/internal/agent"
	"github.com/voyantlabs/concourse/internal/flight"
	"github.com/voyantlabs/concourse/internal/models"
	"github.com/voyantlabs/concourse/internal/payment"
	"github.com/voyantlabs/concourse/internal/protocol"
	"github.com/voyantlabs/concourse/internal/transport"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	// The consume loops run concurrently; a single connection keeps every
	// goroutine on the same in-memory database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.QueueMessage{},
		&models.Payment{},
		&models.Booking{},
		&models.AgentState{},
		&models.WorkflowRun{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// testSystem wires a transport, both worker agents, and an engine, and runs
// every consume loop until the test ends.
func testSystem(t *testing.T) (*Engine, *gorm.DB) {
	t.Helper()
	db := testDB(t)
	tp, err := transport.New(db, transport.Options{
		PollInterval: 5 * time.Millisecond,
		Lease:        time.Second,
		MaxAttempts:  3,
	})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}

	flightAgent, err := flight.NewAgent(flight.AgentOpts{Transport: tp, DB: db, Seed: 7})
	if err != nil {
		t.Fatalf("flight.NewAgent: %v", err)
	}
	paymentAgent, err := payment.NewAgent(payment.AgentOpts{Transport: tp, DB: db})
	if err != nil {
		t.Fatalf("payment.NewAgent: %v", err)
	}

	engine, err := NewEngine(Options{
		Transport:      tp,
		DB:             db,
		FlightAgentID:  flightAgent.ID(),
		PaymentAgentID: paymentAgent.ID(),
		StepTimeout:    3 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, rt := range []*agent.Runtime{flightAgent, paymentAgent} {
		rt := rt
		go func() {
			if err := rt.Start(ctx); err != nil && ctx.Err() == nil {
				t.Errorf("agent %s stopped: %v", rt.ID(), err)
			}
		}()
	}
	go func() {
		if err := engine.Start(ctx); err != nil && ctx.Err() == nil {
			t.Errorf("orchestrator stopped: %v", err)
		}
	}()
	return engine, db
}

func tripParams() map[string]any {
	return map[string]any{
		"origin":         "SFO",
		"destination":    "NRT",
		"departure_date": "2025-12-01",
		"passengers":     2,
		"total_amount":   2599.98,
		"payment_method": map[string]any{
			"type":      "card",
			"token":     "tok_visa_4242",
			"last_four": "4242",
		},
		"passenger_details": map[string]any{
			"name":  "Ada Lovelace",
			"email": "ada@example.com",
		},
	}
}

// --- end-to-end workflows ---

func TestBookFlightOnly_Completed(t *testing.T) {
	engine, _ := testSystem(t)

	result, err := engine.BookFlightOnly(context.Background(), map[string]any{
		"origin":      "SFO",
		"destination": "NRT",
		"date":        "2025-12-01",
		"passengers":  2,
	})
	if err != nil {
		t.Fatalf("BookFlightOnly: %v", err)
	}
	if result["success"] != true {
		t.Fatalf("result = %v", result)
	}
	if result["steps_completed"] != 1 {
		t.Errorf("steps_completed = %v", result["steps_completed"])
	}
	results, _ := result["results"].([]map[string]any)
	if len(results) != 1 {
		t.Fatalf("results = %v", results)
	}
	if results[0]["count"] != float64(5) {
		t.Errorf("search count = %v, want 5", results[0]["count"])
	}

	id, _ := result["workflow_id"].(string)
	view, ok := engine.Workflow(id)
	if !ok {
		t.Fatal("workflow missing from live table")
	}
	if view.Status != StatusCompleted {
		t.Errorf("status = %q", view.Status)
	}
}

func TestBookCompleteTrip_Completed(t *testing.T) {
	engine, db := testSystem(t)

	result, err := engine.BookCompleteTrip(context.Background(), tripParams())
	if err != nil {
		t.Fatalf("BookCompleteTrip: %v", err)
	}
	if result["success"] != true {
		t.Fatalf("result = %v", result)
	}
	if result["steps_completed"] != 3 {
		t.Fatalf("steps_completed = %v", result["steps_completed"])
	}
	results, _ := result["results"].([]map[string]any)
	reference, _ := results[2]["booking_reference"].(string)
	if !strings.HasPrefix(reference, "BOOK") {
		t.Errorf("booking_reference = %q", reference)
	}

	var bookings int64
	db.Model(&models.Booking{}).Where("status = ?", models.BookingConfirmed).Count(&bookings)
	if bookings != 1 {
		t.Errorf("confirmed bookings = %d, want 1", bookings)
	}

	var run models.WorkflowRun
	if err := db.Where("id = ?", result["workflow_id"]).First(&run).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if run.Status != StatusCompleted || run.StepsCompleted != 3 {
		t.Errorf("run = %+v", run)
	}
}

func TestBookCompleteTrip_PaymentFailureStopsWorkflow(t *testing.T) {
	engine, db := testSystem(t)

	params := tripParams()
	params["payment_method"] = map[string]any{"type": "card"} // no token

	result, err := engine.BookCompleteTrip(context.Background(), params)
	if err != nil {
		t.Fatalf("BookCompleteTrip: %v", err)
	}
	if result["success"] != false {
		t.Fatalf("result = %v", result)
	}
	if result["steps_completed"] != 1 {
		t.Errorf("steps_completed = %v, want 1", result["steps_completed"])
	}
	if result["rollback_attempted"] != true {
		t.Errorf("rollback_attempted = %v", result["rollback_attempted"])
	}
	errText, _ := result["error"].(string)
	if !strings.Contains(errText, "process_payment") {
		t.Errorf("error = %q", errText)
	}
	if _, present := result["compensation_errors"]; present {
		t.Errorf("unexpected compensation errors: %v", result["compensation_errors"])
	}

	// Only the search step ran; nothing to undo, nothing persisted.
	var bookings, payments int64
	db.Model(&models.Booking{}).Count(&bookings)
	db.Model(&models.Payment{}).Count(&payments)
	if bookings != 0 || payments != 0 {
		t.Errorf("bookings = %d, payments = %d, want 0, 0", bookings, payments)
	}

	id, _ := result["workflow_id"].(string)
	view, _ := engine.Workflow(id)
	if view.Status != StatusFailed {
		t.Errorf("status = %q", view.Status)
	}
}

func TestBookCompleteTrip_MissingParams(t *testing.T) {
	engine, _ := testSystem(t)
	_, err := engine.BookCompleteTrip(context.Background(), map[string]any{"origin": "SFO"})
	if err == nil {
		t.Fatal("expected error for missing params")
	}
}

// Workflow requests delivered over the queue must complete even though the
// handler occupies the orchestrator's request loop: step responses come back
// on the reply loop.
func TestBookCompleteTrip_DeliveredOverQueue(t *testing.T) {
	_, db := testSystem(t)

	tp, err := transport.New(db, transport.Options{PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	got := make(chan *protocol.Response, 1)
	client, err := agent.NewRuntime(agent.Options{
		ID:        "trip_client",
		Type:      "client",
		Transport: tp,
		ResponseHook: func(resp *protocol.Response) {
			got <- resp
		},
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Start(ctx)

	req, err := client.Send(ctx, DefaultAgentID, "book_complete_trip", tripParams(), nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case resp := <-got:
		if resp.ConversationID != req.ConversationID {
			t.Errorf("conversation id = %q, want %q", resp.ConversationID, req.ConversationID)
		}
		if !resp.Success {
			t.Fatalf("success = false: %s", resp.Error)
		}
		if resp.Result["success"] != true {
			t.Fatalf("aggregate = %v", resp.Result)
		}
		if resp.Result["steps_completed"] != float64(3) {
			t.Errorf("steps_completed = %v, want 3", resp.Result["steps_completed"])
		}
	case <-time.After(15 * time.Second):
		t.Fatal("no response to the queued workflow request")
	}
}

// --- compensation ---

// recorderAgent collects the undo actions it receives, in order.
type recorderAgent struct {
	mu      sync.Mutex
	actions []string
	params  []map[string]any
}

func (r *recorderAgent) record(action string) agent.HandlerFunc {
	return func(ctx context.Context, params, msgCtx map[string]any) (map[string]any, error) {
		r.mu.Lock()
		r.actions = append(r.actions, action)
		r.params = append(r.params, params)
		r.mu.Unlock()
		return map[string]any{"success": true}, nil
	}
}

func TestCompensate_ReverseOrderOverCompletedSteps(t *testing.T) {
	engine, db := testSystem(t)

	tp, err := transport.New(db, transport.Options{PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	rec := &recorderAgent{}
	undo, err := agent.NewRuntime(agent.Options{ID: "undo_agent", Type: "test", Transport: tp})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	for _, action := range []string{"refund_payment", "cancel_booking"} {
		if err := undo.Register(action, rec.record(action)); err != nil {
			t.Fatalf("register %s: %v", action, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go undo.Start(ctx)

	w := newWorkflow("test")
	w.CompletedSteps = []*Step{
		{AgentID: "undo_agent", Action: "search_flights", Result: map[string]any{"count": 5}, Status: StepCompleted},
		{AgentID: "undo_agent", Action: "process_payment", Result: map[string]any{"payment_id": "pay-1"}, Status: StepCompleted},
		{AgentID: "undo_agent", Action: "book_flight", Result: map[string]any{"booking_reference": "BOOK111111"}, Status: StepCompleted},
	}

	if errs := engine.compensate(context.Background(), w.ID, w.CompletedSteps); len(errs) != 0 {
		t.Fatalf("compensation errors: %v", errs)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []string{"cancel_booking", "refund_payment"}
	if len(rec.actions) != len(want) {
		t.Fatalf("actions = %v, want %v", rec.actions, want)
	}
	for i := range want {
		if rec.actions[i] != want[i] {
			t.Errorf("actions[%d] = %q, want %q", i, rec.actions[i], want[i])
		}
	}
	if rec.params[0]["booking_reference"] != "BOOK111111" {
		t.Errorf("cancel params = %v", rec.params[0])
	}
	if rec.params[1]["payment_id"] != "pay-1" {
		t.Errorf("refund params = %v", rec.params[1])
	}
}

func TestCompensationFor(t *testing.T) {
	action, params := compensationFor(&Step{
		Action: "process_payment",
		Result: map[string]any{"payment_id": "pay-9"},
	})
	if action != "refund_payment" || params["payment_id"] != "pay-9" {
		t.Errorf("got %q %v", action, params)
	}

	action, _ = compensationFor(&Step{Action: "search_flights"})
	if action != "" {
		t.Errorf("search compensation = %q, want none", action)
	}
}

// --- workflow state machine ---

func TestWorkflowTransitions(t *testing.T) {
	w := newWorkflow(TypeFlightOnly)
	if err := w.transition(StatusCompleted); err == nil {
		t.Error("pending -> completed allowed")
	}
	if err := w.transition(StatusExecuting); err != nil {
		t.Fatalf("pending -> executing: %v", err)
	}
	if err := w.transition(StatusCompleted); err != nil {
		t.Fatalf("executing -> completed: %v", err)
	}
	if w.FinishedAt.IsZero() {
		t.Error("FinishedAt not set on completion")
	}
	if err := w.transition(StatusFailed); err == nil {
		t.Error("completed -> failed allowed")
	}
}

func TestFirstFlightID(t *testing.T) {
	inProcess := map[string]any{"flights": []map[string]any{{"flight_id": "FL1"}}}
	if got := firstFlightID(inProcess); got != "FL1" {
		t.Errorf("in-process shape = %q", got)
	}
	decoded := map[string]any{"flights": []any{map[string]any{"flight_id": "FL2"}}}
	if got := firstFlightID(decoded); got != "FL2" {
		t.Errorf("decoded shape = %q", got)
	}
	if got := firstFlightID(map[string]any{}); got != "" {
		t.Errorf("empty result = %q", got)
	}
}

// Status views are served while the driving goroutine mutates the workflow;
// the race detector verifies both sides stay behind the table lock.
func TestWorkflowViewsDuringExecution(t *testing.T) {
	engine, _ := testSystem(t)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, v := range engine.Workflows() {
				_ = v.StepsCompleted
				_, _ = engine.Workflow(v.ID)
			}
		}
	}()

	result, err := engine.BookCompleteTrip(context.Background(), tripParams())
	close(done)
	wg.Wait()
	if err != nil {
		t.Fatalf("BookCompleteTrip: %v", err)
	}
	if result["success"] != true {
		t.Fatalf("result = %v", result)
	}
}

// --- status and reaping ---

func TestWorkflowStatusHandler(t *testing.T) {
	engine, _ := testSystem(t)

	result, err := engine.BookFlightOnly(context.Background(), map[string]any{
		"origin": "SFO", "destination": "NRT", "date": "2025-12-01", "passengers": 1,
	})
	if err != nil {
		t.Fatalf("BookFlightOnly: %v", err)
	}
	id, _ := result["workflow_id"].(string)

	status, err := engine.workflowStatus(context.Background(), map[string]any{"workflow_id": id}, nil)
	if err != nil {
		t.Fatalf("workflowStatus: %v", err)
	}
	if status["status"] != StatusCompleted {
		t.Errorf("status = %v", status["status"])
	}

	_, err = engine.workflowStatus(context.Background(), map[string]any{"workflow_id": "ghost"}, nil)
	if _, ok := agent.AsFailure(err); !ok {
		t.Errorf("unknown workflow error = %v, want Failure", err)
	}
}

func TestReap(t *testing.T) {
	engine, _ := testSystem(t)
	engine.retention = time.Minute
	engine.maxAge = time.Minute
	now := time.Now()

	finished := newWorkflow(TypeFlightOnly)
	finished.Status = StatusCompleted
	finished.FinishedAt = now.Add(-2 * time.Minute)

	fresh := newWorkflow(TypeFlightOnly)
	fresh.Status = StatusCompleted
	fresh.FinishedAt = now

	orphaned := newWorkflow(TypeCompleteTrip)
	orphaned.Status = StatusExecuting
	orphaned.CreatedAt = now.Add(-5 * time.Minute)

	engine.mu.Lock()
	for _, w := range []*Workflow{finished, fresh, orphaned} {
		engine.workflows[w.ID] = w
	}
	engine.mu.Unlock()

	if evicted := engine.Reap(now); evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if _, ok := engine.Workflow(finished.ID); ok {
		t.Error("expired workflow still present")
	}
	if _, ok := engine.Workflow(fresh.ID); !ok {
		t.Error("fresh workflow evicted")
	}
	view, ok := engine.Workflow(orphaned.ID)
	if !ok {
		t.Fatal("orphaned workflow evicted")
	}
	if view.Status != StatusFailed {
		t.Errorf("orphaned status = %q, want failed", view.Status)
	}
	if !strings.Contains(view.Error, fmt.Sprintf("max age %s", engine.maxAge)) {
		t.Errorf("orphaned error = %q", view.Error)
	}
}
