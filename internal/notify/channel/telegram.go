package channel

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"context"

	tele "gopkg.in/telebot.v4"

	"alertflow/internal/notify"
	"alertflow/internal/notify/registry"
	logx "alertflow/pkg/logx"
)

const telegramTextLimit = 4000

// telegramSender is the slice of the telebot API the adapter uses. Narrowed
// for tests.
type telegramSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type TelegramConfig struct {
	// ChannelID is the registry channel this adapter serves.
	ChannelID string
	Token     string
}

// Telegram delivers notifications as rich chat messages via the Bot API.
//
// Target resolution order: recipient-specific override first, then the
// channel's per-topic default mapping (emergency routes to the escalation
// chat), then the channel default chat. Negative chat ids are group chats and
// are the only targets eligible for thread addressing.
type Telegram struct {
	cfg TelegramConfig
	reg *registry.Registry
	log logx.Logger
	bot telegramSender
}

func NewTelegram(cfg TelegramConfig, reg *registry.Registry, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if strings.TrimSpace(cfg.ChannelID) == "" {
		cfg.ChannelID = string(notify.ChannelTelegram)
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{cfg: cfg, reg: reg, log: log, bot: b}, nil
}

func (t *Telegram) Type() notify.ChannelType { return notify.ChannelTelegram }
func (t *Telegram) ChannelID() string        { return t.cfg.ChannelID }

func (t *Telegram) Send(ctx context.Context, n notify.Notification, r notify.Recipient) error {
	chatID, threadID, err := t.resolveTarget(n, r)
	if err != nil {
		return err
	}

	// Threads only exist in group chats; Telegram encodes groups as negative ids.
	if chatID > 0 {
		threadID = 0
	}

	text := renderMessage(n)
	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              threadID,
		// Low-priority notices should not buzz anyone's phone.
		DisableNotification: n.Priority == notify.PriorityLow,
	}

	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		if _, err := t.bot.Send(chat, chunk, opts); err != nil {
			return err
		}
	}
	return nil
}

// resolveTarget picks the destination chat: recipient override ("chatID" or
// "chatID:threadID"), else the channel's topic mapping, else the default chat.
func (t *Telegram) resolveTarget(n notify.Notification, r notify.Recipient) (int64, int, error) {
	if strings.TrimSpace(r.Target) != "" {
		return parseChatTarget(r.Target)
	}

	ch, ok := t.reg.Channel(t.cfg.ChannelID)
	if !ok || ch.Telegram == nil {
		return 0, 0, &notify.ConfigurationError{Kind: "channel", Ref: t.cfg.ChannelID}
	}
	tg := ch.Telegram
	if id, ok := tg.TopicChats[n.Topic]; ok && id != 0 {
		return id, 0, nil
	}
	if n.Topic == notify.TopicEmergency && tg.EscalationChat != 0 {
		return tg.EscalationChat, 0, nil
	}
	if tg.DefaultChat == 0 {
		return 0, 0, &notify.ConfigurationError{Kind: "channel", Ref: t.cfg.ChannelID}
	}
	return tg.DefaultChat, 0, nil
}

// parseChatTarget parses "chatID" or "chatID:threadID".
func parseChatTarget(s string) (int64, int, error) {
	s = strings.TrimSpace(s)
	chatPart := s
	threadPart := ""
	if i := strings.LastIndex(s, ":"); i > 0 {
		chatPart, threadPart = s[:i], s[i+1:]
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat target %q: %w", s, err)
	}
	threadID := 0
	if threadPart != "" {
		threadID, err = strconv.Atoi(threadPart)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid thread in target %q: %w", s, err)
		}
	}
	return chatID, threadID, nil
}

// detailRenderers maps each topic to its field-to-line block. Topics without
// an entry render no detail block.
var detailRenderers = map[notify.Topic]func(n notify.Notification) []string{
	notify.TopicSecurity:    renderSecurityDetail,
	notify.TopicPerformance: renderPerformanceDetail,
	notify.TopicBetting:     renderWagerDetail,
	notify.TopicFinancial:   renderWagerDetail,
}

func renderSecurityDetail(n notify.Notification) []string {
	d := n.Security
	if d == nil {
		return nil
	}
	var lines []string
	if d.Severity != "" {
		lines = append(lines, "Severity: "+strings.ToUpper(d.Severity))
	}
	if d.CVE != "" {
		lines = append(lines, "CVE: "+d.CVE)
	}
	if d.Package != "" {
		lines = append(lines, "Package: "+d.Package)
	}
	if d.PatchedVersion != "" {
		lines = append(lines, "Patched in: "+d.PatchedVersion)
	}
	if d.ExploitAvailable {
		lines = append(lines, "⚡ Exploit available")
	}
	return lines
}

func renderPerformanceDetail(n notify.Notification) []string {
	d := n.Performance
	if d == nil {
		return nil
	}
	unit := d.Unit
	lines := []string{
		fmt.Sprintf("Metric: %s", d.Metric),
		fmt.Sprintf("Value: %s", formatValue(d.Value, unit)),
	}
	if d.Threshold != 0 {
		lines = append(lines, fmt.Sprintf("Threshold: %s", formatValue(d.Threshold, unit)))
	}
	if d.Baseline != 0 {
		lines = append(lines, fmt.Sprintf("Baseline: %s", formatValue(d.Baseline, unit)))
	}
	if d.Trend != "" {
		lines = append(lines, "Trend: "+d.Trend)
	}
	return lines
}

func renderWagerDetail(n notify.Notification) []string {
	d := n.Wager
	if d == nil {
		return nil
	}
	var lines []string
	if d.WagerID != "" {
		lines = append(lines, "Wager: "+d.WagerID)
	}
	if d.Amount != 0 {
		lines = append(lines, fmt.Sprintf("Amount: $%.2f", d.Amount))
	}
	if d.AgentID != "" {
		lines = append(lines, "Agent: "+d.AgentID)
	}
	if d.CustomerID != "" {
		lines = append(lines, "Customer: "+d.CustomerID)
	}
	if d.RiskLevel != "" {
		lines = append(lines, "Risk: "+strings.ToUpper(d.RiskLevel))
	}
	if d.AnomalyType != "" {
		lines = append(lines, "Pattern: "+d.AnomalyType)
	}
	return lines
}

func formatValue(v float64, unit string) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if unit != "" {
		return s + " " + unit
	}
	return s
}

// renderMessage builds the rich chat text: emoji header, title, body, the
// topic detail block, metadata footer and timestamp.
func renderMessage(n notify.Notification) string {
	var b strings.Builder
	b.WriteString(n.Topic.Emoji())
	b.WriteString(" ")
	b.WriteString(n.Priority.Emoji())
	b.WriteString(" <b>")
	b.WriteString(escapeHTML(n.Title))
	b.WriteString("</b>")

	if n.Message != "" {
		b.WriteString("\n\n")
		b.WriteString(escapeHTML(n.Message))
	}

	if render, ok := detailRenderers[n.Topic]; ok {
		if lines := render(n); len(lines) > 0 {
			b.WriteString("\n")
			for _, l := range lines {
				b.WriteString("\n")
				b.WriteString(escapeHTML(l))
			}
		}
	} else if len(n.Data) > 0 {
		// Topics without a typed detail block fall back to sorted data keys.
		keys := make([]string, 0, len(n.Data))
		for k := range n.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("\n%s: %s", escapeHTML(k), escapeHTML(fmt.Sprint(n.Data[k]))))
		}
	}

	var footer []string
	if n.Meta.Source != "" {
		footer = append(footer, n.Meta.Source)
	}
	if n.Meta.CorrelationID != "" {
		footer = append(footer, "corr:"+truncate(n.Meta.CorrelationID, 8))
	}
	ts := n.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	footer = append(footer, ts.UTC().Format("2006-01-02 15:04:05 UTC"))

	b.WriteString("\n\n<i>")
	b.WriteString(escapeHTML(strings.Join(footer, " • ")))
	b.WriteString("</i>")
	return b.String()
}

func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

// splitText splits long messages into chunks that are safe to send, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid extremely small chunks.
					if i-start >= limit/3 {
						cut = i + 1
						break
					}
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
