package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type credentialRecord struct {
	bun.BaseModel `bun:"table:triage_credentials,alias:tc"`

	ID                string    `bun:"id,pk"`
	UserID            string    `bun:"user_id,notnull"`
	Version           int       `bun:"version,notnull"`
	Payload           []byte    `bun:"payload,notnull"`
	Status            string    `bun:"status,notnull"`
	EncryptionKeyID   string    `bun:"encryption_key_id,notnull"`
	EncryptionVersion int       `bun:"encryption_version,notnull"`
	CreatedAt         time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type artifactRecord struct {
	bun.BaseModel `bun:"table:triage_artifacts,alias:ta"`

	ID             string    `bun:"id,pk"`
	RunID          string    `bun:"run_id,notnull"`
	UserID         string    `bun:"user_id,notnull"`
	Stage          string    `bun:"stage,notnull"`
	Version        int       `bun:"version,notnull"`
	Status         string    `bun:"status,notnull"`
	Payload        []byte    `bun:"payload"`
	Digest         string    `bun:"digest,notnull"`
	Degraded       bool      `bun:"degraded,notnull"`
	DegradedReason string    `bun:"degraded_reason,notnull"`
	Error          string    `bun:"error,notnull"`
	ProducedAt     time.Time `bun:"produced_at,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type processedMessageRecord struct {
	bun.BaseModel `bun:"table:triage_processed_messages,alias:tpm"`

	ID          string    `bun:"id,pk"`
	UserID      string    `bun:"user_id,notnull"`
	MessageID   string    `bun:"message_id,notnull"`
	Category    string    `bun:"category,notnull"`
	Action      string    `bun:"action,notnull"`
	ProcessedAt time.Time `bun:"processed_at,notnull"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type throttleStateRecord struct {
	bun.BaseModel `bun:"table:triage_throttle_states,alias:tts"`

	ID             string     `bun:"id,pk"`
	StateKey       string     `bun:"state_key,notnull"`
	QuotaLimit     int        `bun:"quota_limit,notnull"`
	Remaining      int        `bun:"remaining,notnull"`
	ResetAt        *time.Time `bun:"reset_at,nullzero"`
	RetryAfter     *int       `bun:"retry_after_seconds,nullzero"`
	ThrottledUntil *time.Time `bun:"throttled_until,nullzero"`
	LastStatus     int        `bun:"last_status,notnull"`
	Attempts       int        `bun:"attempts,notnull"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
