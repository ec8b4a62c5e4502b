package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"worktab/internal/config"
	"worktab/internal/domain"
	"worktab/internal/engine"
)

const (
	defaultAlertInterval = 2 * time.Second
	defaultAlertTimeout  = 5 * time.Second
	defaultAlertBatch    = 100
)

// alertDispatcher forwards audit events to configured webhook URLs.
// This is the escalation channel: order.unparsed and order.stale
// events reach admins through it instead of failing silently.
type alertDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartAlertDispatcher begins background delivery of audit events to
// the webhooks in config, if any. It returns a stop function.
func StartAlertDispatcher(e engine.Engine) func() {
	if e.Config == nil || len(e.Config.Alerts.Webhooks) == 0 {
		return func() {}
	}
	d := &alertDispatcher{
		engine:   e,
		webhooks: e.Config.Alerts.Webhooks,
		client:   &http.Client{Timeout: defaultAlertTimeout},
		cursors:  make(map[int]int64),
	}
	done := make(chan struct{})
	go d.run(done)
	return func() { close(done) }
}

func (d *alertDispatcher) run(done <-chan struct{}) {
	ticker := time.NewTicker(defaultAlertInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (d *alertDispatcher) dispatchAll() {
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

func (d *alertDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	events, err := d.engine.Repo.ListEventsAfter(ctx, defaultAlertBatch, cursor)
	if err != nil {
		log.Printf("alerts: fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Printf("alerts: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *alertDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(context.Background())
	if err != nil {
		log.Printf("alerts: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *alertDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *alertDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	body, err := json.Marshal(map[string]any{
		"id":          evt.ID,
		"ts":          evt.TS,
		"type":        evt.Type,
		"entity_kind": evt.EntityKind,
		"entity_id":   evt.EntityID,
		"actor_id":    evt.ActorID,
		"payload":     json.RawMessage(evt.Payload),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return nil
}

// eventFilter matches event types against patterns; a trailing ".*"
// matches a prefix, and an empty pattern list matches everything.
type eventFilter struct {
	exact    map[string]bool
	prefixes []string
	all      bool
}

func newEventFilter(patterns []string) eventFilter {
	if len(patterns) == 0 {
		return eventFilter{all: true}
	}
	f := eventFilter{exact: map[string]bool{}}
	for _, p := range patterns {
		if rest, ok := strings.CutSuffix(p, ".*"); ok {
			f.prefixes = append(f.prefixes, rest+".")
			continue
		}
		f.exact[p] = true
	}
	return f
}

func (f eventFilter) match(evtType string) bool {
	if f.all || f.exact[evtType] {
		return true
	}
	for _, prefix := range f.prefixes {
		if strings.HasPrefix(evtType, prefix) {
			return true
		}
	}
	return false
}
