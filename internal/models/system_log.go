package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SystemLog stores structured error logs for later querying.
type SystemLog struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" bson:"_id" json:"id"`
	Timestamp time.Time      `gorm:"not null;index" bson:"timestamp" json:"timestamp"`
	Level     string         `gorm:"size:10;not null;index" bson:"level" json:"level"`
	Message   string         `gorm:"type:text" bson:"message" json:"message"`
	Role      string         `gorm:"size:20;index" bson:"role,omitempty" json:"role"`
	TraceID   string         `gorm:"size:36;index" bson:"trace_id,omitempty" json:"trace_id"`
	AccountID *string        `gorm:"size:36" bson:"account_id,omitempty" json:"account_id"`
	Action    string         `gorm:"size:100" bson:"action,omitempty" json:"action"`
	Error     string         `gorm:"type:text" bson:"error,omitempty" json:"error"`
	LatencyMs int            `bson:"latency_ms,omitempty" json:"latency_ms"`
	Extra     datatypes.JSON `gorm:"type:jsonb;default:'{}'" bson:"extra,omitempty" json:"extra"`
	CreatedAt time.Time      `bson:"created_at" json:"created_at"`
}
