package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mvpforge/internal/config"
	"mvpforge/internal/domain"
	"mvpforge/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher forwards stored build events to configured endpoints.
// Each hook keeps its own cursor; a failed delivery is retried from the same
// event on the next pass.
type webhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	log      *zap.Logger
	interval time.Duration
	wake     chan struct{}

	mu      sync.Mutex
	cursors map[int]int64
}

func newWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger *zap.Logger) *webhookDispatcher {
	var active []config.WebhookConfig
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		active = append(active, h)
	}
	if len(active) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &webhookDispatcher{
		repo:     r,
		webhooks: active,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      logger.Named("webhooks"),
		interval: defaultWebhookInterval,
		wake:     make(chan struct{}, 1),
		cursors:  make(map[int]int64),
	}
}

// Wake schedules a pass without waiting for the ticker.
func (d *webhookDispatcher) Wake(domain.Event) {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// prime pins every cursor to the current head so only new events are sent.
func (d *webhookDispatcher) prime(ctx context.Context) {
	head, err := d.repo.LatestEventID(ctx, "")
	if err != nil {
		d.log.Warn("init cursor", zap.Error(err))
	}
	d.mu.Lock()
	for i := range d.webhooks {
		d.cursors[i] = head
	}
	d.mu.Unlock()
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if ctx.Err() != nil {
			return
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(idx)
	events, err := d.repo.Events(ctx, repo.EventFilters{After: cursor, Limit: defaultWebhookBatch})
	if err != nil {
		d.log.Warn("fetch events", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				d.log.Warn("deliver event", zap.String("url", hook.URL), zap.Int64("event_id", evt.ID), zap.Error(err))
				return
			}
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[idx]
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	BuildID    string          `json:"build_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		BuildID:    evt.BuildID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forge-Event", evt.Type)
	req.Header.Set("X-Forge-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.BuildID != "" {
		req.Header.Set("X-Forge-Build", evt.BuildID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Forge-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter matches exact types, or a prefix when an entry ends in "*".
func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for key := range f.set {
		if prefix, ok := strings.CutSuffix(key, "*"); ok && strings.HasPrefix(evt, prefix) {
			return true
		}
	}
	return false
}
