// Package notify delivers workflow lifecycle notifications. Delivery is
// best-effort: failures are logged, never returned to the caller.
package notify

import (
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
)

// Event kinds.
const (
	KindWorkflowCompleted = "workflow_completed"
	KindWorkflowFailed    = "workflow_failed"
)

// Event describes a workflow outcome worth telling a human about.
type Event struct {
	Kind           string
	WorkflowID     string
	WorkflowType   string
	StepsCompleted int
	Error          string
}

// Summary renders a one-line human-readable description of the event.
func (e Event) Summary() string {
	switch e.Kind {
	case KindWorkflowFailed:
		return fmt.Sprintf("workflow %s (%s) failed after %d step(s): %s",
			e.WorkflowID, e.WorkflowType, e.StepsCompleted, e.Error)
	default:
		return fmt.Sprintf("workflow %s (%s) completed, %d step(s)",
			e.WorkflowID, e.WorkflowType, e.StepsCompleted)
	}
}

// Notifier delivers an event to one channel.
type Notifier interface {
	Notify(event Event)
}

// CommandNotifier runs a shell command template per event,
// e.g. "notify-send 'Concourse' '{{.Summary}}'".
type CommandNotifier struct {
	Command string
}

// Notify executes the command template.
func (c CommandNotifier) Notify(event Event) {
	if c.Command == "" {
		return
	}
	cmdStr := templateEvent(c.Command, event)
	cmd := exec.Command("sh", "-c", cmdStr)
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Printf("notify: command failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

// Notify delivers the event to every member.
func (m Multi) Notify(event Event) {
	for _, n := range m {
		n.Notify(event)
	}
}

// templateEvent replaces placeholders in the command template with event values.
func templateEvent(command string, event Event) string {
	r := strings.NewReplacer(
		"{{.Summary}}", event.Summary(),
		"{{.Kind}}", event.Kind,
		"{{.WorkflowID}}", event.WorkflowID,
		"{{.WorkflowType}}", event.WorkflowType,
		"{{.StepsCompleted}}", strconv.Itoa(event.StepsCompleted),
		"{{.Error}}", event.Error,
	)
	return r.Replace(command)
}
