// Package gmail is the Gmail REST client used by the pipeline stages. Every
// call goes through the gateway, so callers only see taxonomy errors.
package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-triage/gateway"
	"github.com/goliatone/go-triage/ratelimit"
	gmailapi "google.golang.org/api/gmail/v1"
)

const (
	basePath = "/gmail/v1/users/me"

	// maxPageSize is the Gmail ceiling for messages.list.
	maxPageSize = 500
	// maxBatchDelete is the Gmail ceiling for messages.batchDelete.
	maxBatchDelete = 1000

	QueryTrash = "in:trash"
)

// Caller is the slice of the gateway the client needs.
type Caller interface {
	Call(ctx context.Context, userID string, req gateway.Request) (gateway.Response, error)
}

type Label struct {
	ID   string
	Name string
	Type string
}

type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	ThreadsTotal  int64
}

type Option func(*Client)

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

type Client struct {
	caller Caller
	now    func() time.Time

	mu     sync.Mutex
	labels map[string]map[string]string
}

func NewClient(caller Caller, opts ...Option) (*Client, error) {
	if caller == nil {
		return nil, fmt.Errorf("gmail: gateway caller is required")
	}
	c := &Client{
		caller: caller,
		now:    func() time.Time { return time.Now().UTC() },
		labels: map[string]map[string]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// ListMessages returns up to limit message ids matching query, newest first.
func (c *Client) ListMessages(ctx context.Context, userID string, query string, limit int) ([]string, error) {
	return c.listMessages(ctx, userID, query, limit, false)
}

func (c *Client) listMessages(ctx context.Context, userID string, query string, limit int, includeSpamTrash bool) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	ids := make([]string, 0, min(limit, maxPageSize))
	pageToken := ""
	for len(ids) < limit {
		params := map[string]string{
			"maxResults": strconv.Itoa(min(limit-len(ids), maxPageSize)),
		}
		if query = strings.TrimSpace(query); query != "" {
			params["q"] = query
		}
		if pageToken != "" {
			params["pageToken"] = pageToken
		}
		if includeSpamTrash {
			params["includeSpamTrash"] = "true"
		}
		var page gmailapi.ListMessagesResponse
		if err := c.do(ctx, userID, gateway.Request{
			Operation: "messages.list",
			Kind:      ratelimit.KindList,
			Method:    http.MethodGet,
			URL:       basePath + "/messages",
			Query:     params,
		}, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Messages {
			if item != nil && item.Id != "" {
				ids = append(ids, item.Id)
			}
		}
		if page.NextPageToken == "" || len(page.Messages) == 0 {
			break
		}
		pageToken = page.NextPageToken
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// GetMessage fetches the raw message and decodes its headers and bodies.
func (c *Client) GetMessage(ctx context.Context, userID string, messageID string) (Message, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return Message{}, fmt.Errorf("gmail: message id is required")
	}
	var payload gmailapi.Message
	if err := c.do(ctx, userID, gateway.Request{
		Operation: "messages.get",
		Kind:      ratelimit.KindGet,
		Method:    http.MethodGet,
		URL:       basePath + "/messages/" + url.PathEscape(messageID),
		Query:     map[string]string{"format": "raw"},
	}, &payload); err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:       payload.Id,
		ThreadID: payload.ThreadId,
		LabelIDs: append([]string(nil), payload.LabelIds...),
		Snippet:  payload.Snippet,
	}
	if payload.InternalDate > 0 {
		msg.InternalDate = time.UnixMilli(payload.InternalDate).UTC()
	}
	if payload.Raw != "" {
		if err := parseRaw(payload.Raw, &msg); err != nil {
			return Message{}, err
		}
	}
	if msg.Date.IsZero() {
		msg.Date = msg.InternalDate
	}
	return msg, nil
}

func (c *Client) ModifyLabels(ctx context.Context, userID string, messageID string, add []string, remove []string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("gmail: message id is required")
	}
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	body, err := json.Marshal(gmailapi.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove})
	if err != nil {
		return fmt.Errorf("gmail: encode modify request: %w", err)
	}
	return c.do(ctx, userID, gateway.Request{
		Operation: "messages.modify",
		Kind:      ratelimit.KindMutate,
		Method:    http.MethodPost,
		URL:       basePath + "/messages/" + url.PathEscape(messageID) + "/modify",
		Headers:   jsonHeaders(),
		Body:      body,
	}, nil)
}

func (c *Client) ListLabels(ctx context.Context, userID string) ([]Label, error) {
	var page gmailapi.ListLabelsResponse
	if err := c.do(ctx, userID, gateway.Request{
		Operation: "labels.list",
		Kind:      ratelimit.KindMeta,
		Method:    http.MethodGet,
		URL:       basePath + "/labels",
	}, &page); err != nil {
		return nil, err
	}
	labels := make([]Label, 0, len(page.Labels))
	for _, item := range page.Labels {
		if item == nil {
			continue
		}
		labels = append(labels, Label{ID: item.Id, Name: item.Name, Type: item.Type})
	}
	return labels, nil
}

// EnsureLabel returns the id of the label called name, creating it when the
// mailbox has none. Names match case-insensitively, as Gmail does. The
// mailbox labels are listed once per user; later misses go straight to
// create.
func (c *Client) EnsureLabel(ctx context.Context, userID string, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("gmail: label name is required")
	}
	key := strings.ToLower(name)
	id, loaded := c.cachedLabel(userID, key)
	if id != "" {
		return id, nil
	}
	if !loaded {
		labels, err := c.ListLabels(ctx, userID)
		if err != nil {
			return "", err
		}
		known := make(map[string]string, len(labels))
		for _, label := range labels {
			known[strings.ToLower(label.Name)] = label.ID
		}
		c.mu.Lock()
		c.labels[userID] = known
		c.mu.Unlock()
		if id := known[key]; id != "" {
			return id, nil
		}
	}

	body, err := json.Marshal(gmailapi.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	})
	if err != nil {
		return "", fmt.Errorf("gmail: encode label: %w", err)
	}
	var created gmailapi.Label
	if err := c.do(ctx, userID, gateway.Request{
		Operation: "labels.create",
		Kind:      ratelimit.KindMutate,
		Method:    http.MethodPost,
		URL:       basePath + "/labels",
		Headers:   jsonHeaders(),
		Body:      body,
	}, &created); err != nil {
		return "", err
	}
	if created.Id == "" {
		return "", fmt.Errorf("gmail: label %q created without an id", name)
	}
	c.mu.Lock()
	if c.labels[userID] == nil {
		c.labels[userID] = map[string]string{}
	}
	c.labels[userID][key] = created.Id
	c.mu.Unlock()
	return created.Id, nil
}

// cachedLabel reports the cached id for key and whether the user's labels
// were listed already.
func (c *Client) cachedLabel(userID string, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	known, loaded := c.labels[userID]
	return known[key], loaded
}

// CreateDraft saves draft and returns the Gmail draft id.
func (c *Client) CreateDraft(ctx context.Context, userID string, draft Draft) (string, error) {
	raw, err := composeDraft(draft, c.now())
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(gmailapi.Draft{Message: &gmailapi.Message{Raw: raw, ThreadId: draft.ThreadID}})
	if err != nil {
		return "", fmt.Errorf("gmail: encode draft: %w", err)
	}
	var created gmailapi.Draft
	if err := c.do(ctx, userID, gateway.Request{
		Operation: "drafts.create",
		Kind:      ratelimit.KindMutate,
		Method:    http.MethodPost,
		URL:       basePath + "/drafts",
		Headers:   jsonHeaders(),
		Body:      body,
	}, &created); err != nil {
		return "", err
	}
	return created.Id, nil
}

func (c *Client) Trash(ctx context.Context, userID string, messageID string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("gmail: message id is required")
	}
	return c.do(ctx, userID, gateway.Request{
		Operation: "messages.trash",
		Kind:      ratelimit.KindMutate,
		Method:    http.MethodPost,
		URL:       basePath + "/messages/" + url.PathEscape(messageID) + "/trash",
	}, nil)
}

// EmptyTrash permanently deletes everything in the trash and reports how
// many messages were removed.
func (c *Client) EmptyTrash(ctx context.Context, userID string) (int, error) {
	deleted := 0
	for {
		ids, err := c.listMessages(ctx, userID, QueryTrash, maxBatchDelete, true)
		if err != nil {
			return deleted, err
		}
		if len(ids) == 0 {
			return deleted, nil
		}
		body, err := json.Marshal(gmailapi.BatchDeleteMessagesRequest{Ids: ids})
		if err != nil {
			return deleted, fmt.Errorf("gmail: encode batch delete: %w", err)
		}
		if err := c.do(ctx, userID, gateway.Request{
			Operation: "messages.batchDelete",
			Kind:      ratelimit.KindBulk,
			Method:    http.MethodPost,
			URL:       basePath + "/messages/batchDelete",
			Headers:   jsonHeaders(),
			Body:      body,
		}, nil); err != nil {
			return deleted, err
		}
		deleted += len(ids)
		if len(ids) < maxBatchDelete {
			return deleted, nil
		}
	}
}

func (c *Client) Profile(ctx context.Context, userID string) (Profile, error) {
	var payload gmailapi.Profile
	if err := c.do(ctx, userID, gateway.Request{
		Operation: "users.getProfile",
		Kind:      ratelimit.KindMeta,
		Method:    http.MethodGet,
		URL:       basePath + "/profile",
	}, &payload); err != nil {
		return Profile{}, err
	}
	return Profile{
		EmailAddress:  payload.EmailAddress,
		MessagesTotal: payload.MessagesTotal,
		ThreadsTotal:  payload.ThreadsTotal,
	}, nil
}

func (c *Client) do(ctx context.Context, userID string, req gateway.Request, out any) error {
	res, err := c.caller.Call(ctx, userID, req)
	if err != nil {
		return err
	}
	if out == nil || len(res.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return fmt.Errorf("gmail: decode %s response: %w", req.Operation, err)
	}
	return nil
}

func jsonHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}
