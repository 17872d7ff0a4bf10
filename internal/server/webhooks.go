package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"jalon/internal/config"
	"jalon/internal/domain"
	"jalon/internal/ledger"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	ledger   ledger.Ledger
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhookDispatcher watches the timeline and posts new entries to
// the configured endpoints. Delivery is at-least-once per process.
func StartWebhookDispatcher(l ledger.Ledger) {
	if l.Config == nil || len(l.Config.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		ledger:   l,
		webhooks: l.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	entries, err := d.ledger.Repo.TimelineAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		log.Printf("webhook: fetch timeline failed: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	filter := newTypeFilter(hook.Types)
	for _, e := range entries {
		if !filter.match(e.Type) {
			d.setCursor(idx, e.ID)
			continue
		}
		if err := d.postEntry(ctx, hook, e); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, e.ID)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	ctx := context.Background()
	cur, err := d.ledger.Repo.LatestTimelineID(ctx)
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEntry struct {
	ID             int64           `json:"id"`
	ClientID       string          `json:"client_id"`
	Type           string          `json:"type"`
	Description    string          `json:"description,omitempty"`
	PreviousStatus *string         `json:"previous_status,omitempty"`
	NewStatus      *string         `json:"new_status,omitempty"`
	Actor          string          `json:"actor"`
	TS             string          `json:"ts"`
	Payload        json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEntry(ctx context.Context, hook config.WebhookConfig, e domain.TimelineEntry) error {
	payload := json.RawMessage([]byte("{}"))
	if e.PayloadJSON != "" && json.Valid([]byte(e.PayloadJSON)) {
		payload = json.RawMessage([]byte(e.PayloadJSON))
	}
	body := webhookEntry{
		ID:             e.ID,
		ClientID:       e.ClientID,
		Type:           e.Type,
		Description:    e.Description,
		PreviousStatus: e.PreviousStatus,
		NewStatus:      e.NewStatus,
		Actor:          e.Actor,
		TS:             e.TS,
		Payload:        payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Jalon-Event", e.Type)
	req.Header.Set("X-Jalon-Delivery", fmt.Sprintf("%d", e.ID))
	req.Header.Set("X-Jalon-Client", e.ClientID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Jalon-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type typeFilter struct {
	all bool
	set map[string]struct{}
}

func newTypeFilter(types []string) typeFilter {
	if len(types) == 0 {
		return typeFilter{all: true}
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.TrimSpace(t)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return typeFilter{all: true}
	}
	return typeFilter{set: set}
}

func (f typeFilter) match(t string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[t]
	return ok
}
