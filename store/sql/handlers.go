package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// keyedRecord is implemented by every triage table model. All of them use
// a text uuid primary key named id.
type keyedRecord interface {
	primaryKey() string
	setPrimaryKey(id string)
}

func (r *credentialRecord) primaryKey() string            { return r.ID }
func (r *credentialRecord) setPrimaryKey(id string)       { r.ID = id }
func (r *artifactRecord) primaryKey() string              { return r.ID }
func (r *artifactRecord) setPrimaryKey(id string)         { r.ID = id }
func (r *processedMessageRecord) primaryKey() string      { return r.ID }
func (r *processedMessageRecord) setPrimaryKey(id string) { r.ID = id }
func (r *throttleStateRecord) primaryKey() string         { return r.ID }
func (r *throttleStateRecord) setPrimaryKey(id string)    { r.ID = id }

// modelHandlers builds the go-repository-bun handlers for a record type
// whose pointer implements keyedRecord.
func modelHandlers[T any, P interface {
	*T
	keyedRecord
}]() repository.ModelHandlers[P] {
	return repository.ModelHandlers[P]{
		NewRecord: func() P { return P(new(T)) },
		GetID: func(record P) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.primaryKey())
		},
		SetID: func(record P, id uuid.UUID) {
			if record != nil {
				record.setPrimaryKey(id.String())
			}
		},
		GetIdentifier: func() string { return "id" },
		GetIdentifierValue: func(record P) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.primaryKey())
		},
	}
}

func credentialHandlers() repository.ModelHandlers[*credentialRecord] {
	return modelHandlers[credentialRecord]()
}

func artifactHandlers() repository.ModelHandlers[*artifactRecord] {
	return modelHandlers[artifactRecord]()
}

func processedMessageHandlers() repository.ModelHandlers[*processedMessageRecord] {
	return modelHandlers[processedMessageRecord]()
}

func throttleStateHandlers() repository.ModelHandlers[*throttleStateRecord] {
	return modelHandlers[throttleStateRecord]()
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
