package notify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FilterOp is a recipient filter comparison operator.
type FilterOp string

const (
	OpEq       FilterOp = "eq"
	OpNe       FilterOp = "ne"
	OpGt       FilterOp = "gt"
	OpLt       FilterOp = "lt"
	OpGte      FilterOp = "gte"
	OpLte      FilterOp = "lte"
	OpContains FilterOp = "contains"
	OpRegex    FilterOp = "regex"
)

// Filter is a single field predicate. All of a recipient's filters must match
// for it to receive a notification.
type Filter struct {
	Field string   `json:"field" yaml:"field"`
	Op    FilterOp `json:"op" yaml:"op"`
	Value any      `json:"value" yaml:"value"`
}

// Recipient is a subscriber: which topics and priorities it accepts, via
// which channel, and optional field filters.
type Recipient struct {
	ID          string      `json:"id" yaml:"id"`
	Channel     ChannelType `json:"channel" yaml:"channel"`
	Target      string      `json:"target,omitempty" yaml:"target,omitempty"`
	Topics      []Topic     `json:"topics" yaml:"topics"`
	MinPriority Priority    `json:"min_priority" yaml:"min_priority"`
	Enabled     bool        `json:"enabled" yaml:"enabled"`
	Filters     []Filter    `json:"filters,omitempty" yaml:"filters,omitempty"`
}

func (r Recipient) SubscribedTo(t Topic) bool {
	for _, rt := range r.Topics {
		if rt == t {
			return true
		}
	}
	return false
}

// Eligible reports whether the recipient should receive n: enabled, subscribed
// to the topic, priority at or above its threshold, and all filters matching.
// A malformed filter makes the recipient non-matching; the error is returned
// for logging but never aborts dispatch.
func (r Recipient) Eligible(n Notification) (bool, error) {
	if !r.Enabled {
		return false, nil
	}
	if !r.SubscribedTo(n.Topic) {
		return false, nil
	}
	if n.Priority < r.MinPriority {
		return false, nil
	}
	for _, f := range r.Filters {
		ok, err := f.Match(n)
		if err != nil {
			return false, &ValidationError{Field: f.Field, Err: err}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Match evaluates the filter against a notification field. A missing field
// never matches. A malformed filter (bad operator, bad regex, non-numeric
// operand for an ordering op) returns an error.
func (f Filter) Match(n Notification) (bool, error) {
	v, ok := n.Field(f.Field)
	if !ok {
		return false, nil
	}

	switch f.Op {
	case OpEq:
		return stringify(v) == stringify(f.Value), nil
	case OpNe:
		return stringify(v) != stringify(f.Value), nil
	case OpGt, OpLt, OpGte, OpLte:
		a, err := toFloat(v)
		if err != nil {
			return false, err
		}
		b, err := toFloat(f.Value)
		if err != nil {
			return false, err
		}
		switch f.Op {
		case OpGt:
			return a > b, nil
		case OpLt:
			return a < b, nil
		case OpGte:
			return a >= b, nil
		default:
			return a <= b, nil
		}
	case OpContains:
		return strings.Contains(stringify(v), stringify(f.Value)), nil
	case OpRegex:
		re, err := regexp.Compile(stringify(f.Value))
		if err != nil {
			return false, err
		}
		return re.MatchString(stringify(v)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", f.Op)
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case Priority:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}
