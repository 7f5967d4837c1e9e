// Package registry is the configuration store for channels, topics and
// categories and their routing relationships. It is a pure lookup layer: no
// I/O, no timers.
package registry

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"alertflow/internal/notify"
)

// DefaultDedupWindow applies to topics without an explicit window.
const DefaultDedupWindow = 5 * time.Minute

// QuietHours is a local-time window during which non-critical deliveries on a
// channel are suppressed. Start/End are "HH:MM"; the window may cross
// midnight.
type QuietHours struct {
	Start            string `json:"start" yaml:"start"`
	End              string `json:"end" yaml:"end"`
	UTCOffsetMinutes int    `json:"utc_offset_minutes" yaml:"utc_offset_minutes"`
}

// WebhookSettings configures a webhook channel's targets.
type WebhookSettings struct {
	URLs    []string          `json:"urls" yaml:"urls"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// TelegramSettings configures a telegram channel's default chats. Negative
// chat ids are groups (thread-addressable).
type TelegramSettings struct {
	DefaultChat    int64                 `json:"default_chat" yaml:"default_chat"`
	EscalationChat int64                 `json:"escalation_chat,omitempty" yaml:"escalation_chat,omitempty"`
	TopicChats     map[notify.Topic]int64 `json:"topic_chats,omitempty" yaml:"topic_chats,omitempty"`
}

type ChannelConfig struct {
	ID         string             `json:"id" yaml:"id"`
	Type       notify.ChannelType `json:"type" yaml:"type"`
	Enabled    bool               `json:"enabled" yaml:"enabled"`
	RatePerSec int                `json:"rate_per_sec,omitempty" yaml:"rate_per_sec,omitempty"`
	Quiet      *QuietHours        `json:"quiet_hours,omitempty" yaml:"quiet_hours,omitempty"`
	Webhook    *WebhookSettings   `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	Telegram   *TelegramSettings  `json:"telegram,omitempty" yaml:"telegram,omitempty"`
}

type TopicConfig struct {
	ID                  notify.Topic    `json:"id" yaml:"id"`
	Channels            []string        `json:"channels" yaml:"channels"`
	DedupWindow         time.Duration   `json:"dedup_window,omitempty" yaml:"dedup_window,omitempty"`
	EscalationThreshold notify.Priority `json:"escalation_threshold,omitempty" yaml:"escalation_threshold,omitempty"`
	Category            string          `json:"category,omitempty" yaml:"category,omitempty"`
}

type CategoryConfig struct {
	ID                 string         `json:"id" yaml:"id"`
	Topics             []notify.Topic `json:"topics" yaml:"topics"`
	ConsolidatedReport bool           `json:"consolidated_report,omitempty" yaml:"consolidated_report,omitempty"`
	EscalationDelay    time.Duration  `json:"escalation_delay,omitempty" yaml:"escalation_delay,omitempty"`
}

// Config is the registry's full plain-data form, used for import/export and
// test fixtures.
type Config struct {
	Channels   []ChannelConfig  `json:"channels" yaml:"channels"`
	Topics     []TopicConfig    `json:"topics" yaml:"topics"`
	Categories []CategoryConfig `json:"categories" yaml:"categories"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	channels   map[string]ChannelConfig
	topics     map[notify.Topic]TopicConfig
	categories map[string]CategoryConfig
}

func New() *Registry {
	return &Registry{
		channels:   map[string]ChannelConfig{},
		topics:     map[notify.Topic]TopicConfig{},
		categories: map[string]CategoryConfig{},
	}
}

// FromConfig builds a registry from its plain-data form.
func FromConfig(cfg Config) (*Registry, error) {
	r := New()
	if err := r.Import(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Import replaces the registry contents with cfg.
func (r *Registry) Import(cfg Config) error {
	channels := make(map[string]ChannelConfig, len(cfg.Channels))
	for _, c := range cfg.Channels {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("channel with empty id")
		}
		if c.Type != notify.ChannelTelegram && c.Type != notify.ChannelWebhook {
			return fmt.Errorf("channel %q: unknown type %q", c.ID, c.Type)
		}
		if c.Quiet != nil {
			if _, err := parseHHMM(c.Quiet.Start); err != nil {
				return fmt.Errorf("channel %q: quiet_hours.start: %w", c.ID, err)
			}
			if _, err := parseHHMM(c.Quiet.End); err != nil {
				return fmt.Errorf("channel %q: quiet_hours.end: %w", c.ID, err)
			}
		}
		channels[c.ID] = c
	}
	topics := make(map[notify.Topic]TopicConfig, len(cfg.Topics))
	for _, t := range cfg.Topics {
		if !t.ID.Valid() {
			return fmt.Errorf("unknown topic %q", t.ID)
		}
		for _, ch := range t.Channels {
			if _, ok := channels[ch]; !ok {
				return fmt.Errorf("topic %q references unknown channel %q", t.ID, ch)
			}
		}
		topics[t.ID] = t
	}
	categories := make(map[string]CategoryConfig, len(cfg.Categories))
	for _, c := range cfg.Categories {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("category with empty id")
		}
		categories[c.ID] = c
	}

	r.mu.Lock()
	r.channels = channels
	r.topics = topics
	r.categories = categories
	r.mu.Unlock()
	return nil
}

// Export returns a deep-enough copy of the configuration as plain data.
func (r *Registry) Export() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Config{
		Channels:   make([]ChannelConfig, 0, len(r.channels)),
		Topics:     make([]TopicConfig, 0, len(r.topics)),
		Categories: make([]CategoryConfig, 0, len(r.categories)),
	}
	for _, c := range r.channels {
		out.Channels = append(out.Channels, c)
	}
	for _, t := range r.topics {
		t.Channels = append([]string(nil), t.Channels...)
		out.Topics = append(out.Topics, t)
	}
	for _, c := range r.categories {
		c.Topics = append([]notify.Topic(nil), c.Topics...)
		out.Categories = append(out.Categories, c)
	}
	return out
}

func (r *Registry) Channel(id string) (ChannelConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	return c, ok
}

func (r *Registry) Topic(id notify.Topic) (TopicConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[id]
	return t, ok
}

func (r *Registry) Category(id string) (CategoryConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.categories[id]
	return c, ok
}

// ChannelsForTopic returns the enabled channels serving a topic.
func (r *Registry) ChannelsForTopic(topic notify.Topic) []ChannelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.topics[topic]
	if !ok {
		return nil
	}
	out := make([]ChannelConfig, 0, len(t.Channels))
	for _, id := range t.Channels {
		if c, ok := r.channels[id]; ok && c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) TopicsForCategory(category string) []notify.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.categories[category]
	if !ok {
		return nil
	}
	return append([]notify.Topic(nil), c.Topics...)
}

// CategoryForTopic returns the category a topic belongs to, if any. A topic
// belongs to at most one category.
func (r *Registry) CategoryForTopic(topic notify.Topic) (CategoryConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[topic]
	if !ok || t.Category == "" {
		return CategoryConfig{}, false
	}
	c, ok := r.categories[t.Category]
	return c, ok
}

// DedupWindow returns the topic's dedup window, falling back to the default.
func (r *Registry) DedupWindow(topic notify.Topic) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.topics[topic]; ok && t.DedupWindow > 0 {
		return t.DedupWindow
	}
	return DefaultDedupWindow
}

func (r *Registry) AddChannel(c ChannelConfig) error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("channel with empty id")
	}
	if c.Type != notify.ChannelTelegram && c.Type != notify.ChannelWebhook {
		return fmt.Errorf("channel %q: unknown type %q", c.ID, c.Type)
	}
	r.mu.Lock()
	r.channels[c.ID] = c
	r.mu.Unlock()
	return nil
}

// RemoveChannel deletes a channel and cascades: the id is removed from every
// topic's channel list so no dangling references remain.
func (r *Registry) RemoveChannel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[id]; !ok {
		return false
	}
	delete(r.channels, id)
	for tid, t := range r.topics {
		kept := t.Channels[:0]
		for _, ch := range t.Channels {
			if ch != id {
				kept = append(kept, ch)
			}
		}
		t.Channels = kept
		r.topics[tid] = t
	}
	return true
}

func (r *Registry) AddTopic(t TopicConfig) error {
	if !t.ID.Valid() {
		return fmt.Errorf("unknown topic %q", t.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range t.Channels {
		if _, ok := r.channels[ch]; !ok {
			return fmt.Errorf("topic %q references unknown channel %q", t.ID, ch)
		}
	}
	r.topics[t.ID] = t
	if t.Category != "" {
		if c, ok := r.categories[t.Category]; ok && !containsTopic(c.Topics, t.ID) {
			c.Topics = append(c.Topics, t.ID)
			r.categories[t.Category] = c
		}
	}
	return nil
}

// RemoveTopic deletes a topic and cascades it out of its category.
func (r *Registry) RemoveTopic(id notify.Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[id]
	if !ok {
		return false
	}
	delete(r.topics, id)
	if c, ok := r.categories[t.Category]; ok {
		kept := c.Topics[:0]
		for _, tid := range c.Topics {
			if tid != id {
				kept = append(kept, tid)
			}
		}
		c.Topics = kept
		r.categories[t.Category] = c
	}
	return true
}

func (r *Registry) AddCategory(c CategoryConfig) error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("category with empty id")
	}
	r.mu.Lock()
	r.categories[c.ID] = c
	r.mu.Unlock()
	return nil
}

// RemoveCategory deletes a category and clears the back-reference on its
// topics.
func (r *Registry) RemoveCategory(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.categories[id]; !ok {
		return false
	}
	delete(r.categories, id)
	for tid, t := range r.topics {
		if t.Category == id {
			t.Category = ""
			r.topics[tid] = t
		}
	}
	return true
}

// InQuietHours reports whether now falls inside the channel's configured
// quiet window, evaluated in the channel's local time (UTC offset minutes).
func (r *Registry) InQuietHours(channelID string, now time.Time) bool {
	r.mu.RLock()
	c, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok || c.Quiet == nil {
		return false
	}
	start, err := parseHHMM(c.Quiet.Start)
	if err != nil {
		return false
	}
	end, err := parseHHMM(c.Quiet.End)
	if err != nil {
		return false
	}
	if start == end {
		return false
	}

	local := now.UTC().Add(time.Duration(c.Quiet.UTCOffsetMinutes) * time.Minute)
	cur := local.Hour()*60 + local.Minute()

	if start < end {
		return cur >= start && cur < end
	}
	// Window crosses midnight, e.g. 22:00-06:00.
	return cur >= start || cur < end
}

// parseHHMM returns minutes since midnight.
func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

func containsTopic(list []notify.Topic, t notify.Topic) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}
