package stages

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Decider makes the per-message choices. Implementations return at most one
// decision per email id; emails without a decision are left untouched.
type Decider interface {
	Categorize(ctx context.Context, emails []Email) ([]Categorization, error)
	Organize(ctx context.Context, items []Item) ([]OrganizeDecision, error)
	Respond(ctx context.Context, items []Item) ([]ReplyDecision, error)
	Cleanup(ctx context.Context, items []Item) ([]CleanupDecision, error)
}

// Rule assigns Category and Priority when any of Match appears in the
// sender or subject, compared case-insensitively.
type Rule struct {
	Category string   `json:"category" mapstructure:"category"`
	Priority string   `json:"priority" mapstructure:"priority"`
	Match    []string `json:"match" mapstructure:"match"`
}

// StaticDecider is a keyword rule table for offline runs and tests.
type StaticDecider struct {
	Rules           []Rule
	DefaultCategory string
	DefaultPriority string
	// ReplyCategories get a draft reply with ReplyBody.
	ReplyCategories []string
	ReplyBody       string
	// TrashCategories are trashed once older than TrashAfterDays.
	TrashCategories []string
	TrashAfterDays  int
}

func DefaultStaticDecider() StaticDecider {
	return StaticDecider{
		Rules: []Rule{
			{Category: "URGENT", Priority: PriorityHigh, Match: []string{"urgent", "asap", "action required"}},
			{Category: "RECEIPTS", Priority: PriorityLow, Match: []string{"receipt", "invoice", "order confirmation"}},
			{Category: "NEWSLETTERS", Priority: PriorityLow, Match: []string{"newsletter", "digest", "weekly update"}},
			{Category: "PROMOTIONS", Priority: PriorityLow, Match: []string{"sale", "% off", "unsubscribe", "deal"}},
		},
		DefaultCategory: "PERSONAL",
		DefaultPriority: PriorityMedium,
		ReplyCategories: []string{"URGENT"},
		ReplyBody:       "Thanks for your message. I have seen it and will follow up shortly.",
		TrashCategories: []string{"PROMOTIONS"},
		TrashAfterDays:  2,
	}
}

func (d StaticDecider) Categorize(_ context.Context, emails []Email) ([]Categorization, error) {
	out := make([]Categorization, 0, len(emails))
	for _, email := range emails {
		decision := Categorization{
			EmailID:  email.ID,
			Category: d.DefaultCategory,
			Priority: d.DefaultPriority,
		}
		haystack := strings.ToLower(email.From + " " + email.Subject)
		for _, rule := range d.Rules {
			if matchesAny(haystack, rule.Match) {
				decision.Category = rule.Category
				decision.Priority = rule.Priority
				break
			}
		}
		out = append(out, decision)
	}
	return out, nil
}

func (d StaticDecider) Organize(_ context.Context, items []Item) ([]OrganizeDecision, error) {
	out := make([]OrganizeDecision, 0, len(items))
	for _, item := range items {
		decision := OrganizeDecision{
			EmailID:  item.Email.ID,
			Star:     item.Priority == PriorityHigh,
			MarkRead: true,
		}
		if item.Category != "" {
			decision.Labels = []string{item.Category}
		}
		out = append(out, decision)
	}
	return out, nil
}

func (d StaticDecider) Respond(_ context.Context, items []Item) ([]ReplyDecision, error) {
	out := []ReplyDecision{}
	for _, item := range items {
		if !slices.Contains(d.ReplyCategories, item.Category) || strings.TrimSpace(d.ReplyBody) == "" {
			continue
		}
		out = append(out, ReplyDecision{EmailID: item.Email.ID, Reply: true, Body: d.ReplyBody})
	}
	return out, nil
}

func (d StaticDecider) Cleanup(_ context.Context, items []Item) ([]CleanupDecision, error) {
	out := []CleanupDecision{}
	for _, item := range items {
		if !slices.Contains(d.TrashCategories, item.Category) || item.Email.AgeDays < d.TrashAfterDays {
			continue
		}
		out = append(out, CleanupDecision{
			EmailID: item.Email.ID,
			Trash:   true,
			Reason:  fmt.Sprintf("%s older than %d days", strings.ToLower(item.Category), d.TrashAfterDays),
		})
	}
	return out, nil
}

func matchesAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		needle = strings.ToLower(strings.TrimSpace(needle))
		if needle != "" && strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

var _ Decider = StaticDecider{}
