package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/gaseous-project/hasheous-sub000/internal/capability"
)

type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusAssigned   TaskStatus = "assigned"
	StatusInProgress TaskStatus = "in_progress"
	StatusSubmitted  TaskStatus = "submitted"
	StatusFailed     TaskStatus = "failed"
	StatusTerminated TaskStatus = "terminated"
)

// Terminal reports whether the status admits no further worker transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusSubmitted || s == StatusFailed || s == StatusTerminated
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusAssigned, StatusInProgress, StatusSubmitted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

type TaskType string

const (
	TypeAITagging      TaskType = "ai_tagging"
	TypeArtworkFetch   TaskType = "artwork_fetch"
	TypeMetadataSearch TaskType = "metadata_search"
)

func (t TaskType) Valid() bool {
	switch t {
	case TypeAITagging, TypeArtworkFetch, TypeMetadataSearch:
		return true
	}
	return false
}

// Client is a registered worker process. The numeric ID is internal; workers
// only ever see the public ID and their secret key.
type Client struct {
	ID            int64          `json:"-"`
	PublicID      uuid.UUID      `json:"public_id"`
	SecretKey     string         `json:"-"`
	OwnerID       string         `json:"owner_id"`
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Capabilities  capability.Set `json:"capabilities"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Task is a unit of delegated enrichment work. Parameters are opaque to this
// service; only the enqueueing engine and the worker interpret them.
type Task struct {
	ID                   int64             `json:"id"`
	CreatedAt            time.Time         `json:"created_at"`
	DataObjectID         int64             `json:"data_object_id"`
	Type                 TaskType          `json:"type"`
	RequiredCapabilities capability.Set    `json:"required_capabilities"`
	Parameters           map[string]string `json:"parameters"`
	Status               TaskStatus        `json:"status"`
	ClientID             *int64            `json:"client_id,omitempty"`
	Result               string            `json:"result"`
	ErrorMessage         string            `json:"error_message"`
	StartedAt            *time.Time        `json:"started_at,omitempty"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`

	// Version is the optimistic-concurrency token; bumped on every write.
	Version int `json:"-"`
}
