// Package notify announces finished focus sessions to people.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Announcement describes one stored completion.
type Announcement struct {
	UserID        string
	TaskTitle     string
	ActualMinutes int
	XP            int
	TotalXP       int
	Rank          string
	PreviousRank  string
	Obstacles     int
	Breakthroughs string
}

// RankUp reports whether the completion moved the user into a new rank.
func (a Announcement) RankUp() bool {
	return a.PreviousRank != "" && a.PreviousRank != a.Rank
}

// Summary is a one-line description used in logs and message fallbacks.
func (a Announcement) Summary() string {
	s := fmt.Sprintf("%s finished %q: %d min, +%d XP (%d total, %s)",
		a.UserID, truncate(a.TaskTitle, 80), a.ActualMinutes, a.XP, a.TotalXP, a.Rank)
	if a.RankUp() {
		s += fmt.Sprintf(", promoted from %s", a.PreviousRank)
	}
	return s
}

// Notifier delivers announcements.
type Notifier interface {
	Notify(ctx context.Context, a Announcement) error
}

// SlackNotifier posts announcements to a Slack incoming webhook.
type SlackNotifier struct {
	url     string
	channel string
	client  *http.Client
	logger  zerolog.Logger
}

// NewSlackNotifier creates a notifier for the given webhook URL. channel may
// be empty to use the webhook's default.
func NewSlackNotifier(url, channel string, logger zerolog.Logger) *SlackNotifier {
	return &SlackNotifier{
		url:     url,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With().Str("component", "slack_notifier").Logger(),
	}
}

// Notify sends a as a Block Kit message.
func (n *SlackNotifier) Notify(ctx context.Context, a Announcement) error {
	msg := &slack.WebhookMessage{
		Channel: n.channel,
		Text:    a.Summary(),
		Blocks:  &slack.Blocks{BlockSet: BuildBlocks(a)},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.url, n.client, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	n.logger.Debug().Str("user_id", a.UserID).Int("xp", a.XP).Msg("completion announced")
	return nil
}

// BuildBlocks renders the announcement as Slack blocks.
func BuildBlocks(a Announcement) []slack.Block {
	header := fmt.Sprintf("*Focus session complete* for <@%s>\n%s", a.UserID, truncate(a.TaskTitle, 120))
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Focused*\n%d min", a.ActualMinutes), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Earned*\n+%d XP", a.XP), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Total*\n%d XP", a.TotalXP), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Rank*\n%s", a.Rank), false, false),
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", header, false, false), fields, nil),
	}

	var notes []string
	if a.RankUp() {
		notes = append(notes, fmt.Sprintf(":tada: Promoted from %s to %s", a.PreviousRank, a.Rank))
	}
	if a.Obstacles > 0 {
		notes = append(notes, fmt.Sprintf("Worked through %d obstacle(s)", a.Obstacles))
	}
	if b := strings.TrimSpace(a.Breakthroughs); b != "" {
		notes = append(notes, "Breakthrough: "+truncate(b, 200))
	}
	if len(notes) > 0 {
		elems := make([]slack.MixedElement, 0, len(notes))
		for _, note := range notes {
			elems = append(elems, slack.NewTextBlockObject("mrkdwn", note, false, false))
		}
		blocks = append(blocks, slack.NewContextBlock("", elems...))
	}
	return blocks
}

// LogNotifier writes announcements to the log. Used when no webhook is set.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "announcer").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, a Announcement) error {
	l.logger.Info().
		Str("user_id", a.UserID).
		Int("xp", a.XP).
		Int("total_xp", a.TotalXP).
		Str("rank", a.Rank).
		Bool("rank_up", a.RankUp()).
		Msg(a.Summary())
	return nil
}

// Multi fans out to several notifiers. Every notifier is tried; their
// errors are joined.
type Multi struct {
	notifiers []Notifier
}

func NewMulti(ns ...Notifier) *Multi {
	return &Multi{notifiers: ns}
}

func (m *Multi) Notify(ctx context.Context, a Announcement) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// truncate shortens s to max runes, appending "…" if truncated.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
