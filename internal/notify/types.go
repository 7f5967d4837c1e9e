package notify

import (
	"time"

	"github.com/google/uuid"
)

// Topic is the discriminant of the Notification tagged union. Each topic has
// its own default routing, dedup window and (optionally) a typed detail block.
type Topic string

const (
	TopicSecurity    Topic = "security"
	TopicPerformance Topic = "performance"
	TopicSystem      Topic = "system"
	TopicBuild       Topic = "build"
	TopicDeployment  Topic = "deployment"
	TopicMonitoring  Topic = "monitoring"
	TopicMaintenance Topic = "maintenance"
	TopicEmergency   Topic = "emergency"
	TopicBetting     Topic = "betting"
	TopicFinancial   Topic = "financial"
)

// Topics lists all known topics in a stable order.
func Topics() []Topic {
	return []Topic{
		TopicSecurity, TopicPerformance, TopicSystem, TopicBuild,
		TopicDeployment, TopicMonitoring, TopicMaintenance, TopicEmergency,
		TopicBetting, TopicFinancial,
	}
}

func (t Topic) Valid() bool {
	switch t {
	case TopicSecurity, TopicPerformance, TopicSystem, TopicBuild,
		TopicDeployment, TopicMonitoring, TopicMaintenance, TopicEmergency,
		TopicBetting, TopicFinancial:
		return true
	}
	return false
}

func (t Topic) Emoji() string {
	switch t {
	case TopicSecurity:
		return "🔒"
	case TopicPerformance:
		return "📈"
	case TopicSystem:
		return "🖥"
	case TopicBuild:
		return "🔨"
	case TopicDeployment:
		return "🚀"
	case TopicMonitoring:
		return "📡"
	case TopicMaintenance:
		return "🔧"
	case TopicEmergency:
		return "🚨"
	case TopicBetting:
		return "🎲"
	case TopicFinancial:
		return "💰"
	default:
		return "🔔"
	}
}

// Priority is totally ordered: Low < Medium < High < Critical.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityCritical }

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (p Priority) Emoji() string {
	switch p {
	case PriorityCritical:
		return "🚨"
	case PriorityHigh:
		return "⚠️"
	case PriorityMedium:
		return "ℹ️"
	default:
		return "📝"
	}
}

// ParsePriority maps a priority name to its value; unknown names map to Low.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// ChannelType identifies a delivery transport.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelWebhook  ChannelType = "webhook"
)

// Meta carries provenance for a notification.
type Meta struct {
	Source        string   `json:"source,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// SecurityDetail is the typed payload of security-topic notifications.
type SecurityDetail struct {
	Severity         string `json:"severity,omitempty"`
	CVE              string `json:"cve,omitempty"`
	Package          string `json:"package,omitempty"`
	PatchedVersion   string `json:"patched_version,omitempty"`
	ExploitAvailable bool   `json:"exploit_available,omitempty"`
}

// PerformanceDetail is the typed payload of performance-topic notifications.
type PerformanceDetail struct {
	Metric    string  `json:"metric,omitempty"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold,omitempty"`
	Unit      string  `json:"unit,omitempty"`
	Trend     string  `json:"trend,omitempty"`
	Baseline  float64 `json:"baseline,omitempty"`
}

// WagerDetail is the typed payload of betting/financial-topic notifications.
type WagerDetail struct {
	WagerID     string  `json:"wager_id,omitempty"`
	AgentID     string  `json:"agent_id,omitempty"`
	CustomerID  string  `json:"customer_id,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
	RiskLevel   string  `json:"risk_level,omitempty"`
	AnomalyType string  `json:"anomaly_type,omitempty"`
}

// Notification is an immutable tagged union; Topic is the tag. At most one of
// the typed detail pointers is set, matching the topic.
type Notification struct {
	ID        string         `json:"id"`
	Topic     Topic          `json:"topic"`
	Priority  Priority       `json:"priority"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Meta      Meta           `json:"meta"`
	CreatedAt time.Time      `json:"created_at"`

	Security    *SecurityDetail    `json:"security,omitempty"`
	Performance *PerformanceDetail `json:"performance,omitempty"`
	Wager       *WagerDetail       `json:"wager,omitempty"`
}

// New builds a notification with a fresh ID and timestamp.
func New(topic Topic, priority Priority, title, message string) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Topic:     topic,
		Priority:  priority,
		Title:     title,
		Message:   message,
		Data:      map[string]any{},
		CreatedAt: time.Now(),
	}
}

// DedupIdentity returns the topic-specific identity fields that, together with
// topic, title and correlation id, define the dedup key. Deliveries within a
// topic's dedup window that share all of these are suppressed.
func (n Notification) DedupIdentity() []string {
	switch {
	case n.Security != nil:
		if n.Security.CVE != "" {
			return []string{n.Security.CVE}
		}
		return []string{n.Security.Package}
	case n.Performance != nil:
		return []string{n.Performance.Metric}
	case n.Wager != nil:
		return []string{n.Wager.WagerID, n.Wager.AnomalyType}
	}
	return nil
}

// detailFields maps filterable field names to accessors, per topic variant.
// This is the tagged-union accessor table used by recipient filters; ad hoc
// property lookups on Data are the fallback, not the norm.
var detailFields = map[string]func(Notification) (any, bool){
	"severity": func(n Notification) (any, bool) {
		if n.Security == nil {
			return nil, false
		}
		return n.Security.Severity, true
	},
	"cve": func(n Notification) (any, bool) {
		if n.Security == nil {
			return nil, false
		}
		return n.Security.CVE, true
	},
	"package": func(n Notification) (any, bool) {
		if n.Security == nil {
			return nil, false
		}
		return n.Security.Package, true
	},
	"exploit_available": func(n Notification) (any, bool) {
		if n.Security == nil {
			return nil, false
		}
		return n.Security.ExploitAvailable, true
	},
	"metric": func(n Notification) (any, bool) {
		if n.Performance == nil {
			return nil, false
		}
		return n.Performance.Metric, true
	},
	"value": func(n Notification) (any, bool) {
		if n.Performance == nil {
			return nil, false
		}
		return n.Performance.Value, true
	},
	"threshold": func(n Notification) (any, bool) {
		if n.Performance == nil {
			return nil, false
		}
		return n.Performance.Threshold, true
	},
	"trend": func(n Notification) (any, bool) {
		if n.Performance == nil {
			return nil, false
		}
		return n.Performance.Trend, true
	},
	"wager_id": func(n Notification) (any, bool) {
		if n.Wager == nil {
			return nil, false
		}
		return n.Wager.WagerID, true
	},
	"agent_id": func(n Notification) (any, bool) {
		if n.Wager == nil {
			return nil, false
		}
		return n.Wager.AgentID, true
	},
	"customer_id": func(n Notification) (any, bool) {
		if n.Wager == nil {
			return nil, false
		}
		return n.Wager.CustomerID, true
	},
	"amount": func(n Notification) (any, bool) {
		if n.Wager == nil {
			return nil, false
		}
		return n.Wager.Amount, true
	},
	"risk_level": func(n Notification) (any, bool) {
		if n.Wager == nil {
			return nil, false
		}
		return n.Wager.RiskLevel, true
	},
	"anomaly_type": func(n Notification) (any, bool) {
		if n.Wager == nil {
			return nil, false
		}
		return n.Wager.AnomalyType, true
	},
}

// Field resolves a filterable field by name: common fields first, then the
// topic variant's accessor table, then the free-form Data map.
func (n Notification) Field(name string) (any, bool) {
	switch name {
	case "id":
		return n.ID, true
	case "topic":
		return string(n.Topic), true
	case "priority":
		return int(n.Priority), true
	case "title":
		return n.Title, true
	case "message":
		return n.Message, true
	case "source":
		return n.Meta.Source, true
	case "correlation_id":
		return n.Meta.CorrelationID, true
	}
	if acc, ok := detailFields[name]; ok {
		if v, ok := acc(n); ok {
			return v, true
		}
	}
	if n.Data != nil {
		if v, ok := n.Data[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Result is the per-recipient outcome of one dispatch.
type Result struct {
	RecipientID string      `json:"recipient_id"`
	Channel     ChannelType `json:"channel"`
	Success     bool        `json:"success"`
	Err         error       `json:"-"`
	SentAt      time.Time   `json:"sent_at,omitempty"`
}
