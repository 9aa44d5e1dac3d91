package agent

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/voyantlabs/concourse/internal/models"
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
	if err := db.AutoMigrate(&models.QueueMessage{}, &models.AgentState{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testRuntime(t *testing.T, db *gorm.DB, policy string) (*Runtime, *transport.GormTransport) {
	t.Helper()
	tp, err := transport.New(db, transport.Options{})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	rt, err := NewRuntime(Options{
		ID:                  "flight_agent",
		Type:                "flight",
		Transport:           tp,
		DB:                  db,
		UnknownActionPolicy: policy,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return rt, tp
}

// deliverRequest runs one request through the runtime's envelope handler and
// returns the response published to the requester's queue, if any.
func deliverRequest(t *testing.T, rt *Runtime, db *gorm.DB, action string, params map[string]any) (*protocol.Response, error) {
	t.Helper()
	req, err := protocol.NewRequest("orchestrator", rt.ID(), action, params, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := rt.handleEnvelope(context.Background(), &req.Envelope); err != nil {
		return nil, err
	}

	var row models.QueueMessage
	err = db.Where("queue = ?", transport.QueueName("orchestrator")).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		t.Fatalf("load reply: %v", err)
	}
	env, err := protocol.DecodeEnvelope([]byte(row.Envelope))
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	resp, err := protocol.ResponseFromEnvelope(env)
	if err != nil {
		t.Fatalf("reconstruct reply: %v", err)
	}
	return resp, nil
}

// --- Construction ---

func TestNewRuntime_Validation(t *testing.T) {
	db := testDB(t)
	tp, _ := transport.New(db, transport.Options{})

	if _, err := NewRuntime(Options{Type: "flight", Transport: tp}); err == nil {
		t.Error("expected error for missing id")
	}
	if _, err := NewRuntime(Options{ID: "a", Transport: tp}); err == nil {
		t.Error("expected error for missing type")
	}
	if _, err := NewRuntime(Options{ID: "a", Type: "b"}); err == nil {
		t.Error("expected error for missing transport")
	}
	if _, err := NewRuntime(Options{ID: "a", Type: "b", Transport: tp, UnknownActionPolicy: "retry"}); err == nil {
		t.Error("expected error for bad policy")
	}
}

func TestCapabilities_Sorted(t *testing.T) {
	rt, _ := testRuntime(t, testDB(t), "")
	for _, action := range []string{"search_flights", "book_flight", "cancel_booking"} {
		if err := rt.Register(action, func(ctx context.Context, p, c map[string]any) (map[string]any, error) {
			return nil, nil
		}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	want := []string{"book_flight", "cancel_booking", "search_flights"}
	if got := rt.Capabilities(); !reflect.DeepEqual(got, want) {
		t.Errorf("Capabilities = %v, want %v", got, want)
	}
}

// --- Request handling ---

func TestHandleRequest_SuccessResponse(t *testing.T) {
	db := testDB(t)
	rt, _ := testRuntime(t, db, "")
	rt.Register("search_flights", func(ctx context.Context, params, msgCtx map[string]any) (map[string]any, error) {
		return map[string]any{"count": float64(5)}, nil
	})

	resp, err := deliverRequest(t, rt, db, "search_flights", map[string]any{"origin": "SFO"})
	if err != nil {
		t.Fatalf("handleEnvelope: %v", err)
	}
	if resp == nil {
		t.Fatal("no response published")
	}
	if !resp.Success {
		t.Fatalf("success = false: %s", resp.Error)
	}
	if resp.Result["count"] != float64(5) {
		t.Errorf("result = %v", resp.Result)
	}
	if got := rt.Status(); got.Status != StatusIdle {
		t.Errorf("status = %q, want idle", got.Status)
	}
}

func TestHandleRequest_FailureBecomesFailedResponse(t *testing.T) {
	db := testDB(t)
	rt, _ := testRuntime(t, db, "")
	rt.Register("process_payment", func(ctx context.Context, params, msgCtx map[string]any) (map[string]any, error) {
		return nil, Failf("card declined")
	})

	resp, err := deliverRequest(t, rt, db, "process_payment", nil)
	if err != nil {
		t.Fatalf("handleEnvelope: %v", err)
	}
	if resp == nil {
		t.Fatal("no response published for domain failure")
	}
	if resp.Success {
		t.Fatal("success = true, want false")
	}
	if resp.Error != "card declined" {
		t.Errorf("error = %q", resp.Error)
	}
	if got := rt.Status(); got.Status != StatusIdle {
		t.Errorf("status = %q, want idle", got.Status)
	}
}

func TestHandleRequest_FaultAbandonsExchange(t *testing.T) {
	db := testDB(t)
	rt, _ := testRuntime(t, db, "")
	rt.Register("search_flights", func(ctx context.Context, params, msgCtx map[string]any) (map[string]any, error) {
		return nil, errors.New("database on fire")
	})

	resp, err := deliverRequest(t, rt, db, "search_flights", nil)
	if err != nil {
		t.Fatalf("handleEnvelope: %v", err)
	}
	if resp != nil {
		t.Fatalf("fault produced a response: %+v", resp)
	}
	if got := rt.Status(); got.Status != StatusError {
		t.Errorf("status = %q, want error", got.Status)
	}
}

// flakyTransport fails every publish to one queue.
type flakyTransport struct {
	transport.Transport
	failQueue string
}

func (f *flakyTransport) Publish(ctx context.Context, queue string, env *protocol.Envelope) error {
	if queue == f.failQueue {
		return errors.New("disk full")
	}
	return f.Transport.Publish(ctx, queue, env)
}

func TestHandleRequest_ReplyPublishFailureGoesIdle(t *testing.T) {
	db := testDB(t)
	tp, err := transport.New(db, transport.Options{})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	rt, err := NewRuntime(Options{
		ID:        "flight_agent",
		Type:      "flight",
		Transport: &flakyTransport{Transport: tp, failQueue: transport.QueueName("orchestrator")},
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	rt.Register("search_flights", func(ctx context.Context, params, msgCtx map[string]any) (map[string]any, error) {
		return map[string]any{"count": 5}, nil
	})

	req, err := protocol.NewRequest("orchestrator", rt.ID(), "search_flights", nil, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := rt.handleEnvelope(context.Background(), &req.Envelope); err == nil {
		t.Fatal("expected an error so the request is redelivered")
	}
	got := rt.Status()
	if got.Status != StatusIdle {
		t.Errorf("status = %q, want idle", got.Status)
	}
	if got.CurrentTask != nil {
		t.Errorf("current task = %+v, want none", got.CurrentTask)
	}
}

func TestHandleRequest_PanicAbandonsExchange(t *testing.T) {
	db := testDB(t)
	rt, _ := testRuntime(t, db, "")
	rt.Register("search_flights", func(ctx context.Context, params, msgCtx map[string]any) (map[string]any, error) {
		panic("nil map write")
	})

	resp, err := deliverRequest(t, rt, db, "search_flights", nil)
	if err != nil {
		t.Fatalf("handleEnvelope: %v", err)
	}
	if resp != nil {
		t.Fatal("panic produced a response")
	}
	if got := rt.Status(); got.Status != StatusError {
		t.Errorf("status = %q, want error", got.Status)
	}
}

// --- Unknown actions ---

func TestUnknownAction_DropPolicy(t *testing.T) {
	db := testDB(t)
	rt, tp := testRuntime(t, db, PolicyDrop)

	resp, err := deliverRequest(t, rt, db, "teleport", nil)
	if err != nil {
		t.Fatalf("handleEnvelope: %v", err)
	}
	if resp != nil {
		t.Fatal("dropped action produced a response")
	}
	n, err := tp.Depth(context.Background(), transport.DeadletterQueue)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if n != 0 {
		t.Errorf("deadletter depth = %d, want 0", n)
	}
}

func TestUnknownAction_DeadletterPolicy(t *testing.T) {
	db := testDB(t)
	rt, tp := testRuntime(t, db, PolicyDeadletter)

	resp, err := deliverRequest(t, rt, db, "teleport", nil)
	if err != nil {
		t.Fatalf("handleEnvelope: %v", err)
	}
	if resp != nil {
		t.Fatal("deadlettered action produced a response")
	}
	n, err := tp.Depth(context.Background(), transport.DeadletterQueue)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if n != 1 {
		t.Errorf("deadletter depth = %d, want 1", n)
	}
}

// --- Responses and sending ---

func TestHandleEnvelope_ResponseRoutedToHook(t *testing.T) {
	db := testDB(t)
	tp, _ := transport.New(db, transport.Options{})

	var hooked *protocol.Response
	rt, err := NewRuntime(Options{
		ID:        "orchestrator",
		Type:      "orchestrator",
		Transport: tp,
		ResponseHook: func(resp *protocol.Response) {
			hooked = resp
		},
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	req, _ := protocol.NewRequest("orchestrator", "flight_agent", "search_flights", nil, nil)
	resp, _ := protocol.NewResponse(req, "flight_agent", true, map[string]any{"count": 5}, "")
	if err := rt.handleEnvelope(context.Background(), &resp.Envelope); err != nil {
		t.Fatalf("handleEnvelope: %v", err)
	}
	if hooked == nil {
		t.Fatal("response hook not invoked")
	}
	if hooked.ConversationID != req.ConversationID {
		t.Errorf("conversation id = %q, want %q", hooked.ConversationID, req.ConversationID)
	}
}

func TestSend_PublishesToTargetQueue(t *testing.T) {
	db := testDB(t)
	rt, tp := testRuntime(t, db, "")

	req, err := rt.Send(context.Background(), "payment_agent", "process_payment",
		map[string]any{"amount": 100.0}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if req.ConversationID == "" {
		t.Error("request has no conversation id")
	}
	n, err := tp.Depth(context.Background(), transport.QueueName("payment_agent"))
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if n != 1 {
		t.Errorf("target queue depth = %d, want 1", n)
	}
}

// --- State persistence ---

func TestStart_RegistersAgentState(t *testing.T) {
	db := testDB(t)
	rt, _ := testRuntime(t, db, "")
	rt.Register("search_flights", func(ctx context.Context, p, c map[string]any) (map[string]any, error) {
		return nil, nil
	})

	if err := rt.registerState(); err != nil {
		t.Fatalf("registerState: %v", err)
	}
	var state models.AgentState
	if err := db.Where("id = ?", "flight_agent").First(&state).Error; err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.AgentType != "flight" || state.Status != StatusIdle {
		t.Errorf("state = %+v", state)
	}
	if state.Capabilities == "" {
		t.Error("capabilities not persisted")
	}
}

func TestFailure_ErrorsAs(t *testing.T) {
	err := Failf("insufficient funds: %d cents short", 250)
	f, ok := AsFailure(err)
	if !ok {
		t.Fatal("AsFailure = false")
	}
	if f.Reason != "insufficient funds: 250 cents short" {
		t.Errorf("reason = %q", f.Reason)
	}
	if _, ok := AsFailure(errors.New("plain")); ok {
		t.Error("plain error recognized as Failure")
	}
}
