package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"alertflow/internal/notify"
	"alertflow/internal/notify/registry"
	logx "alertflow/pkg/logx"
)

const defaultWebhookTimeout = 10 * time.Second

type WebhookConfig struct {
	// ChannelID is the registry channel this adapter serves.
	ChannelID string
}

// Webhook POSTs one JSON document per configured URL. All URLs are attempted
// concurrently; the overall send succeeds only if every URL succeeds.
type Webhook struct {
	cfg    WebhookConfig
	reg    *registry.Registry
	log    logx.Logger
	client *http.Client
}

func NewWebhook(cfg WebhookConfig, reg *registry.Registry, log logx.Logger) *Webhook {
	if strings.TrimSpace(cfg.ChannelID) == "" {
		cfg.ChannelID = string(notify.ChannelWebhook)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Webhook{
		cfg: cfg,
		reg: reg,
		log: log,
		// Per-request deadlines come from the context; the client timeout is a
		// backstop.
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *Webhook) Type() notify.ChannelType { return notify.ChannelWebhook }
func (w *Webhook) ChannelID() string        { return w.cfg.ChannelID }

// webhookPayload is the wire form: the full notification plus derived fields.
// The topic-specific sub-object rides along inside the notification itself.
type webhookPayload struct {
	notify.Notification
	ISOTimestamp  string `json:"iso_timestamp"`
	PriorityLevel int    `json:"priority_level"`
	PriorityName  string `json:"priority_name"`
	Emoji         string `json:"emoji"`
}

func (w *Webhook) Send(ctx context.Context, n notify.Notification, r notify.Recipient) error {
	urls, headers, timeout, err := w.resolveTargets(r)
	if err != nil {
		return err
	}

	body, err := json.Marshal(webhookPayload{
		Notification:  n,
		ISOTimestamp:  n.CreatedAt.UTC().Format(time.RFC3339),
		PriorityLevel: int(n.Priority),
		PriorityName:  n.Priority.String(),
		Emoji:         n.Topic.Emoji(),
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	type failure struct {
		url string
		err error
	}
	failures := make([]failure, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			if err := w.post(ctx, u, headers, timeout, body); err != nil {
				failures[i] = failure{url: u, err: err}
			}
		}(i, u)
	}
	wg.Wait()

	var parts []string
	for _, f := range failures {
		if f.err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", f.url, f.err))
		}
	}
	if len(parts) > 0 {
		sort.Strings(parts)
		return fmt.Errorf("%d/%d webhook posts failed: %s", len(parts), len(urls), strings.Join(parts, "; "))
	}
	return nil
}

func (w *Webhook) resolveTargets(r notify.Recipient) ([]string, map[string]string, time.Duration, error) {
	timeout := defaultWebhookTimeout
	var headers map[string]string

	ch, ok := w.reg.Channel(w.cfg.ChannelID)
	if ok && ch.Webhook != nil {
		if ch.Webhook.Timeout > 0 {
			timeout = ch.Webhook.Timeout
		}
		headers = ch.Webhook.Headers
	}

	if strings.TrimSpace(r.Target) != "" {
		return []string{strings.TrimSpace(r.Target)}, headers, timeout, nil
	}
	if !ok || ch.Webhook == nil || len(ch.Webhook.URLs) == 0 {
		return nil, nil, 0, &notify.ConfigurationError{Kind: "channel", Ref: w.cfg.ChannelID}
	}
	return ch.Webhook.URLs, headers, timeout, nil
}

func (w *Webhook) post(ctx context.Context, url string, headers map[string]string, timeout time.Duration, body []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
