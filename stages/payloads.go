package stages

import (
	"embed"
	"time"
)

const (
	StageFetch      = "fetch"
	StageCategorize = "categorize"
	StageOrganize   = "organize"
	StageRespond    = "respond"
	StageCleanup    = "cleanup"
	StageSummary    = "summary"
)

const (
	PriorityHigh   = "HIGH"
	PriorityMedium = "MEDIUM"
	PriorityLow    = "LOW"
)

// Actions recorded against a processed message.
const (
	ActionLabeled = "labeled"
	ActionDrafted = "drafted"
	ActionTrashed = "trashed"
	ActionSkipped = "skipped"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Email is the trimmed view of a message passed between stages.
type Email struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	To         []string  `json:"to,omitempty"`
	Date       time.Time `json:"date"`
	AgeDays    int       `json:"age_days"`
	Snippet    string    `json:"snippet,omitempty"`
	Body       string    `json:"body"`
	MessageID  string    `json:"message_id,omitempty"`
	References string    `json:"references,omitempty"`
	LabelIDs   []string  `json:"label_ids,omitempty"`
}

// Item is an email together with every decision taken on it so far. Each
// stage copies the items forward and fills in its own fields.
type Item struct {
	Email       Email    `json:"email"`
	Category    string   `json:"category,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Starred     bool     `json:"starred,omitempty"`
	DraftID     string   `json:"draft_id,omitempty"`
	Trashed     bool     `json:"trashed,omitempty"`
	TrashReason string   `json:"trash_reason,omitempty"`
	Skipped     bool     `json:"skipped,omitempty"`
	SkipReason  string   `json:"skip_reason,omitempty"`
}

type FetchResult struct {
	Query            string  `json:"query"`
	Emails           []Email `json:"emails"`
	AlreadyProcessed int     `json:"already_processed"`
	FetchErrors      int     `json:"fetch_errors"`
}

// StageResult is the payload shared by categorize, organize, respond and
// cleanup. Degraded accumulates the stages that ran without input.
type StageResult struct {
	Items    []Item   `json:"items"`
	Degraded []string `json:"degraded,omitempty"`
}

type CleanupResult struct {
	StageResult
	TrashEmptied int `json:"trash_emptied"`
}

type Summary struct {
	RunID        string         `json:"run_id"`
	UserID       string         `json:"user_id"`
	Total        int            `json:"total"`
	ByCategory   map[string]int `json:"by_category"`
	ByPriority   map[string]int `json:"by_priority"`
	Actions      map[string]int `json:"actions"`
	Drafts       int            `json:"drafts"`
	Trashed      int            `json:"trashed"`
	TrashEmptied int            `json:"trash_emptied"`
	Skipped      int            `json:"skipped"`
	Degraded     []string       `json:"degraded"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

// Decisions returned by a Decider. Each is keyed by the email id.

type Categorization struct {
	EmailID  string `json:"email_id"`
	Category string `json:"category"`
	Priority string `json:"priority"`
}

type OrganizeDecision struct {
	EmailID  string   `json:"email_id"`
	Star     bool     `json:"star"`
	Labels   []string `json:"labels"`
	MarkRead bool     `json:"mark_read"`
}

type ReplyDecision struct {
	EmailID string `json:"email_id"`
	Reply   bool   `json:"reply"`
	Body    string `json:"body"`
}

type CleanupDecision struct {
	EmailID string `json:"email_id"`
	Trash   bool   `json:"trash"`
	Reason  string `json:"reason"`
}

func schema(name string) []byte {
	data, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		panic(err)
	}
	return data
}
