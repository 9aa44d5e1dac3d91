package models

import "time"

// WorkflowRun journals one orchestrated workflow execution for the dashboard
// and CLI. The authoritative in-flight state lives in the orchestrator's
// in-memory table; rows here record outcomes.
type WorkflowRun struct {
	ID                string `gorm:"primaryKey;size:64"`
	Type              string `gorm:"size:32;index"`
	Status            string `gorm:"size:16;index"`
	StepsTotal        int
	StepsCompleted    int
	Error             string `gorm:"type:text"`
	RollbackAttempted bool   `gorm:"default:false"`
	CreatedAt         time.Time
	FinishedAt        *time.Time
}
