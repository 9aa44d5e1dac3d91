package models

import "time"

// AgentState mirrors a running agent's identity and status for observers.
// The owning runtime loop is the only writer.
type AgentState struct {
	ID           string `gorm:"primaryKey;size:64"`
	AgentType    string `gorm:"size:32;not null"`
	Status       string `gorm:"size:16;index"`
	CurrentTask  string `gorm:"type:text"`
	Capabilities string `gorm:"type:text"`
	StartedAt    time.Time
	LastActivity time.Time `gorm:"index"`
}
