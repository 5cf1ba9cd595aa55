// Package stages holds the inbox triage steps run by the pipeline
// coordinator: fetch, categorize, organize, respond, cleanup and summary.
//
// Every step after fetch receives the previous step's items and copies them
// forward with its own decisions added, so the summary sees the whole run.
// Gmail calls that fail with a fatal request error skip that one message;
// any other gateway error fails the step so a re-run can resume it.
package stages

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/pipeline"
	"github.com/goliatone/go-triage/providers/google/gmail"
)

const (
	DefaultQuery      = "is:unread"
	DefaultMaxResults = 50
	MaxResultsCeiling = 100
	DefaultBodyLimit  = 250

	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
)

// Mailbox is the Gmail surface the steps use.
type Mailbox interface {
	ListMessages(ctx context.Context, userID string, query string, limit int) ([]string, error)
	GetMessage(ctx context.Context, userID string, messageID string) (gmail.Message, error)
	ModifyLabels(ctx context.Context, userID string, messageID string, add []string, remove []string) error
	EnsureLabel(ctx context.Context, userID string, name string) (string, error)
	CreateDraft(ctx context.Context, userID string, draft gmail.Draft) (string, error)
	Trash(ctx context.Context, userID string, messageID string) error
	EmptyTrash(ctx context.Context, userID string) (int, error)
}

type Config struct {
	Query         string
	MaxResults    int
	BodyLimit     int
	RetentionDays int
	EmptyTrash    bool
}

// ConfigFromGmail maps the gmail config section onto step settings.
func ConfigFromGmail(cfg core.GmailConfig) Config {
	return Config{
		Query:         cfg.Query,
		MaxResults:    cfg.MaxResults,
		BodyLimit:     cfg.BodyLimit,
		RetentionDays: cfg.RetentionDays,
		EmptyTrash:    cfg.EmptyTrash,
	}
}

func (c Config) normalized() Config {
	c.Query = strings.TrimSpace(c.Query)
	if c.Query == "" {
		c.Query = DefaultQuery
	}
	if c.MaxResults <= 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.MaxResults > MaxResultsCeiling {
		c.MaxResults = MaxResultsCeiling
	}
	if c.BodyLimit <= 0 {
		c.BodyLimit = DefaultBodyLimit
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	return c
}

type Option func(*Triage)

func WithConfig(cfg Config) Option {
	return func(t *Triage) {
		t.cfg = cfg.normalized()
	}
}

func WithObserver(observer core.Observer) Option {
	return func(t *Triage) {
		t.observer = observer
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Triage) {
		if now != nil {
			t.now = now
		}
	}
}

// Triage binds a mailbox, a decider and a tracker into pipeline stages.
type Triage struct {
	mailbox  Mailbox
	decider  Decider
	tracker  *Tracker
	cfg      Config
	observer core.Observer
	now      func() time.Time
}

func New(mailbox Mailbox, decider Decider, tracker *Tracker, opts ...Option) (*Triage, error) {
	if mailbox == nil {
		return nil, fmt.Errorf("stages: mailbox is required")
	}
	if decider == nil {
		return nil, fmt.Errorf("stages: decider is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("stages: tracker is required")
	}
	t := &Triage{
		mailbox:  mailbox,
		decider:  decider,
		tracker:  tracker,
		cfg:      Config{}.normalized(),
		observer: core.NewObserver("triage", nil, nil),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// Stages returns the steps in run order.
func (t *Triage) Stages() []pipeline.Stage {
	items := schema("items")
	return []pipeline.Stage{
		pipeline.MustTyped(StageFetch, "", nil, t.fetch),
		pipeline.MustTyped(StageCategorize, StageFetch, schema("fetch"), t.categorize),
		pipeline.MustTyped(StageOrganize, StageCategorize, items, t.organize),
		pipeline.MustTyped(StageRespond, StageOrganize, items, t.respond),
		pipeline.MustTyped(StageCleanup, StageRespond, items, t.cleanup),
		pipeline.MustTyped(StageSummary, StageCleanup, items, t.summarize),
	}
}

func (t *Triage) fetch(ctx context.Context, in pipeline.StageInput[struct{}]) (FetchResult, error) {
	result := FetchResult{Query: t.cfg.Query, Emails: []Email{}}
	ids, err := t.mailbox.ListMessages(ctx, in.UserID, t.cfg.Query, t.cfg.MaxResults)
	if err != nil {
		return result, err
	}
	ids, result.AlreadyProcessed, err = t.tracker.FilterUnprocessed(ctx, in.UserID, ids)
	if err != nil {
		return result, err
	}
	now := t.now()
	for _, id := range ids {
		msg, err := t.mailbox.GetMessage(ctx, in.UserID, id)
		if err != nil {
			if !core.IsFatalRequest(err) {
				return result, err
			}
			t.skipped(ctx, in.RunID, in.UserID, StageFetch, id, err)
			result.FetchErrors++
			continue
		}
		result.Emails = append(result.Emails, t.toEmail(msg, now))
	}
	return result, nil
}

func (t *Triage) toEmail(msg gmail.Message, now time.Time) Email {
	body := msg.TextBody
	if strings.TrimSpace(body) == "" && msg.HTMLBody != "" {
		body = htmlToText(msg.HTMLBody)
	}
	if strings.TrimSpace(body) == "" {
		body = msg.Snippet
	}
	email := Email{
		ID:         msg.ID,
		ThreadID:   msg.ThreadID,
		Subject:    msg.Subject,
		From:       msg.From,
		To:         append([]string(nil), msg.To...),
		Date:       msg.Date.UTC(),
		Snippet:    msg.Snippet,
		Body:       truncate(collapseWhitespace(body), t.cfg.BodyLimit),
		MessageID:  msg.MessageID,
		References: msg.References,
		LabelIDs:   append([]string(nil), msg.LabelIDs...),
	}
	if !msg.Date.IsZero() && now.After(msg.Date) {
		email.AgeDays = int(now.Sub(msg.Date).Hours() / 24)
	}
	return email
}

func (t *Triage) categorize(ctx context.Context, in pipeline.StageInput[FetchResult]) (StageResult, error) {
	result := StageResult{Items: []Item{}}
	if in.Degraded {
		result.Degraded = []string{StageCategorize}
		return result, nil
	}
	if len(in.Value.Emails) == 0 {
		return result, nil
	}
	decisions, err := t.decider.Categorize(ctx, in.Value.Emails)
	if err != nil {
		return result, fmt.Errorf("stages: categorize: %w", err)
	}
	byID := map[string]Categorization{}
	for _, decision := range decisions {
		byID[decision.EmailID] = decision
	}
	for _, email := range in.Value.Emails {
		item := Item{Email: email}
		if decision, ok := byID[email.ID]; ok {
			item.Category = strings.ToUpper(strings.TrimSpace(decision.Category))
			item.Priority = normalizePriority(decision.Priority)
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

func (t *Triage) organize(ctx context.Context, in pipeline.StageInput[StageResult]) (StageResult, error) {
	result, active := carry(in, StageOrganize)
	if len(active) == 0 {
		return result, nil
	}
	decisions, err := t.decider.Organize(ctx, itemsAt(result.Items, active))
	if err != nil {
		return result, fmt.Errorf("stages: organize: %w", err)
	}
	byID := map[string]OrganizeDecision{}
	for _, decision := range decisions {
		byID[decision.EmailID] = decision
	}
	for _, idx := range active {
		item := &result.Items[idx]
		decision, ok := byID[item.Email.ID]
		if !ok {
			continue
		}
		add, labels, err := t.resolveLabels(ctx, in.UserID, decision.Labels)
		if err == nil {
			if decision.Star {
				add = append(add, labelStarred)
			}
			var remove []string
			if decision.MarkRead {
				remove = []string{labelUnread}
			}
			err = t.mailbox.ModifyLabels(ctx, in.UserID, item.Email.ID, add, remove)
		}
		if err != nil {
			if !core.IsFatalRequest(err) {
				return result, err
			}
			t.skip(ctx, in.RunID, in.UserID, StageOrganize, item, err)
			continue
		}
		item.Labels = labels
		item.Starred = decision.Star
	}
	return result, nil
}

func (t *Triage) resolveLabels(ctx context.Context, userID string, names []string) ([]string, []string, error) {
	ids := []string{}
	applied := []string{}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(applied, name) {
			continue
		}
		id, err := t.mailbox.EnsureLabel(ctx, userID, name)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		applied = append(applied, name)
	}
	return ids, applied, nil
}

func (t *Triage) respond(ctx context.Context, in pipeline.StageInput[StageResult]) (StageResult, error) {
	result, active := carry(in, StageRespond)
	if len(active) == 0 {
		return result, nil
	}
	decisions, err := t.decider.Respond(ctx, itemsAt(result.Items, active))
	if err != nil {
		return result, fmt.Errorf("stages: respond: %w", err)
	}
	byID := map[string]ReplyDecision{}
	for _, decision := range decisions {
		byID[decision.EmailID] = decision
	}
	for _, idx := range active {
		item := &result.Items[idx]
		decision, ok := byID[item.Email.ID]
		if !ok || !decision.Reply || strings.TrimSpace(decision.Body) == "" || item.DraftID != "" {
			continue
		}
		draftID, err := t.mailbox.CreateDraft(ctx, in.UserID, gmail.Draft{
			To:         item.Email.From,
			Subject:    item.Email.Subject,
			Body:       decision.Body,
			ThreadID:   item.Email.ThreadID,
			InReplyTo:  item.Email.MessageID,
			References: item.Email.References,
		})
		if err != nil {
			if !core.IsFatalRequest(err) {
				return result, err
			}
			t.skip(ctx, in.RunID, in.UserID, StageRespond, item, err)
			continue
		}
		item.DraftID = draftID
	}
	return result, nil
}

func (t *Triage) cleanup(ctx context.Context, in pipeline.StageInput[StageResult]) (CleanupResult, error) {
	carried, active := carry(in, StageCleanup)
	result := CleanupResult{StageResult: carried}
	if len(active) > 0 {
		decisions, err := t.decider.Cleanup(ctx, itemsAt(result.Items, active))
		if err != nil {
			return result, fmt.Errorf("stages: cleanup: %w", err)
		}
		byID := map[string]CleanupDecision{}
		for _, decision := range decisions {
			byID[decision.EmailID] = decision
		}
		for _, idx := range active {
			item := &result.Items[idx]
			decision, ok := byID[item.Email.ID]
			if !ok || !decision.Trash || item.Trashed {
				continue
			}
			if err := t.mailbox.Trash(ctx, in.UserID, item.Email.ID); err != nil {
				if !core.IsFatalRequest(err) {
					return result, err
				}
				t.skip(ctx, in.RunID, in.UserID, StageCleanup, item, err)
				continue
			}
			item.Trashed = true
			item.TrashReason = strings.TrimSpace(decision.Reason)
		}
	}
	if t.cfg.EmptyTrash {
		emptied, err := t.mailbox.EmptyTrash(ctx, in.UserID)
		if err != nil {
			return result, err
		}
		result.TrashEmptied = emptied
	}
	return result, nil
}

// summarize tallies the run and records the handled messages so the next
// fetch skips them. Skipped messages stay untracked and are retried.
func (t *Triage) summarize(ctx context.Context, in pipeline.StageInput[CleanupResult]) (Summary, error) {
	summary := Summary{
		RunID:        in.RunID,
		UserID:       in.UserID,
		Total:        len(in.Value.Items),
		ByCategory:   map[string]int{},
		ByPriority:   map[string]int{},
		Actions:      map[string]int{},
		TrashEmptied: in.Value.TrashEmptied,
		Degraded:     append([]string{}, in.Value.Degraded...),
		GeneratedAt:  t.now(),
	}
	if in.Degraded {
		summary.Degraded = append(summary.Degraded, StageSummary)
	}

	processed := make([]core.ProcessedMessage, 0, len(in.Value.Items))
	for _, item := range in.Value.Items {
		if item.Category != "" {
			summary.ByCategory[item.Category]++
		}
		if item.Priority != "" {
			summary.ByPriority[item.Priority]++
		}
		action := actionOf(item)
		summary.Actions[action]++
		switch {
		case item.Skipped:
			summary.Skipped++
			continue
		case item.Trashed:
			summary.Trashed++
		}
		if item.DraftID != "" {
			summary.Drafts++
		}
		processed = append(processed, core.ProcessedMessage{
			UserID:    in.UserID,
			MessageID: item.Email.ID,
			Category:  item.Category,
			Action:    action,
		})
	}

	if err := t.tracker.MarkBatch(ctx, processed); err != nil {
		return summary, err
	}
	if removed, err := t.tracker.CleanupOlderThan(ctx, in.UserID, t.cfg.RetentionDays); err != nil {
		t.observer.Log(ctx, "warn", "processed tracker cleanup failed", map[string]any{
			"user_id": in.UserID,
			"error":   err.Error(),
		})
	} else if removed > 0 {
		t.observer.Log(ctx, "debug", "processed tracker cleanup", map[string]any{
			"user_id": in.UserID,
			"removed": removed,
		})
	}
	return summary, nil
}

// carry copies the predecessor items forward and returns the indexes of
// those still eligible for this step.
func carry(in pipeline.StageInput[StageResult], stage string) (StageResult, []int) {
	result := StageResult{
		Items:    make([]Item, 0, len(in.Value.Items)),
		Degraded: append([]string{}, in.Value.Degraded...),
	}
	if in.Degraded {
		result.Degraded = append(result.Degraded, stage)
		return result, nil
	}
	active := []int{}
	for idx, item := range in.Value.Items {
		item.Labels = append([]string(nil), item.Labels...)
		result.Items = append(result.Items, item)
		if !item.Skipped && !item.Trashed {
			active = append(active, idx)
		}
	}
	return result, active
}

func itemsAt(items []Item, indexes []int) []Item {
	out := make([]Item, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, items[idx])
	}
	return out
}

func actionOf(item Item) string {
	switch {
	case item.Skipped:
		return ActionSkipped
	case item.Trashed:
		return ActionTrashed
	case item.DraftID != "":
		return ActionDrafted
	default:
		return ActionLabeled
	}
}

func normalizePriority(priority string) string {
	switch strings.ToUpper(strings.TrimSpace(priority)) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

func (t *Triage) skip(ctx context.Context, runID string, userID string, stage string, item *Item, err error) {
	item.Skipped = true
	item.SkipReason = core.UserMessage(err)
	t.skipped(ctx, runID, userID, stage, item.Email.ID, err)
}

func (t *Triage) skipped(ctx context.Context, runID string, userID string, stage string, messageID string, err error) {
	t.observer.Log(ctx, "warn", "message skipped", map[string]any{
		"run_id":     runID,
		"user_id":    userID,
		"stage":      stage,
		"message_id": messageID,
		"error":      err.Error(),
		"error_kind": string(core.KindOf(err)),
	})
}
