// Package orchestrator implements the workflow engine: multi-step plans
// executed sequentially across agents, with reverse-order compensation of
// completed steps when a later step fails.
package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Workflow statuses.
const (
	StatusPending   = "pending"
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Step statuses.
const (
	StepPending   = "pending"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Workflow types.
const (
	TypeCompleteTrip = "complete_trip"
	TypeFlightOnly   = "flight_only"
)

// validTransitions defines the allowed workflow status transitions.
var validTransitions = map[string][]string{
	StatusPending:   {StatusExecuting},
	StatusExecuting: {StatusCompleted, StatusFailed},
	StatusCompleted: {},
	StatusFailed:    {},
}

// Step is one unit of work delegated to an agent.
type Step struct {
	AgentID    string
	Action     string
	Parameters map[string]any
	Result     map[string]any
	Status     string
}

// Workflow is an ordered multi-step plan. Completed steps are recorded
// separately so compensation walks exactly what ran.
type Workflow struct {
	ID             string
	Type           string
	Steps          []*Step
	Status         string
	Error          string
	CreatedAt      time.Time
	FinishedAt     time.Time
	CompletedSteps []*Step
}

func newWorkflow(workflowType string) *Workflow {
	return &Workflow{
		ID:        uuid.NewString(),
		Type:      workflowType,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// transition moves the workflow to a new status, enforcing monotonicity.
func (w *Workflow) transition(to string) error {
	for _, allowed := range validTransitions[w.Status] {
		if allowed == to {
			w.Status = to
			if to == StatusCompleted || to == StatusFailed {
				w.FinishedAt = time.Now().UTC()
			}
			return nil
		}
	}
	return fmt.Errorf("orchestrator: workflow %s: invalid transition %s -> %s", w.ID, w.Status, to)
}

func (w *Workflow) addStep(agentID, action string, parameters map[string]any) {
	w.Steps = append(w.Steps, &Step{
		AgentID:    agentID,
		Action:     action,
		Parameters: parameters,
		Status:     StepPending,
	})
}

// finished reports whether the workflow reached a terminal status.
func (w *Workflow) finished() bool {
	return w.Status == StatusCompleted || w.Status == StatusFailed
}

// targets names the agents workflow steps are delegated to.
type targets struct {
	flight  string
	payment string
}

// buildCompleteTrip plans search -> payment -> booking.
func buildCompleteTrip(t targets, params map[string]any) (*Workflow, error) {
	for _, key := range []string{"origin", "destination", "departure_date", "passengers", "total_amount", "payment_method", "passenger_details"} {
		if _, ok := params[key]; !ok {
			return nil, fmt.Errorf("%s is required", key)
		}
	}
	w := newWorkflow(TypeCompleteTrip)

	w.addStep(t.flight, "search_flights", map[string]any{
		"origin":      params["origin"],
		"destination": params["destination"],
		"date":        params["departure_date"],
		"passengers":  params["passengers"],
	})

	w.addStep(t.payment, "process_payment", map[string]any{
		"amount":         params["total_amount"],
		"currency":       "USD",
		"payment_method": params["payment_method"],
		"metadata": map[string]any{
			"workflow_id":  w.ID,
			"booking_type": TypeCompleteTrip,
		},
	})

	w.addStep(t.flight, "book_flight", map[string]any{
		"flight_id":         params["selected_flight_id"],
		"passenger_details": params["passenger_details"],
	})

	return w, nil
}

// buildFlightOnly plans a single search step.
func buildFlightOnly(t targets, params map[string]any) (*Workflow, error) {
	for _, key := range []string{"origin", "destination", "date", "passengers"} {
		if _, ok := params[key]; !ok {
			return nil, fmt.Errorf("%s is required", key)
		}
	}
	w := newWorkflow(TypeFlightOnly)
	w.addStep(t.flight, "search_flights", map[string]any{
		"origin":      params["origin"],
		"destination": params["destination"],
		"date":        params["date"],
		"passengers":  params["passengers"],
	})
	return w, nil
}
