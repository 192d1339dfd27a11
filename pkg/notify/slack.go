package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/incident-commander/coordinator/pkg/breaker"
)

// SlackConfig configures a SlackNotifier.
type SlackConfig struct {
	Token     string
	ChannelID string

	Breaker *breaker.CircuitBreaker // defaults to a fresh breaker.New(breaker.Config{Name: "slack"})
	Logger  *logrus.Logger

	// MaxRateLimitWait bounds how long a single Notify call will honor a
	// slack.RateLimitedError's Retry-After before giving up: Slack's API
	// can ask for waits far longer than any single incident notification
	// is worth blocking on.
	MaxRateLimitWait time.Duration
}

func (c SlackConfig) withDefaults() SlackConfig {
	if c.Breaker == nil {
		c.Breaker = breaker.New(breaker.Config{Name: "slack"})
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.MaxRateLimitWait <= 0 {
		c.MaxRateLimitWait = 10 * time.Second
	}
	return c
}

// SlackClient is the narrow slice of *slack.Client this package depends
// on, so tests can substitute a fake without standing up a real Slack
// workspace.
type SlackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts an incident's COMMUNICATION summary to a single
// Slack channel, behind a CircuitBreaker so a degraded or rate-limited
// Slack workspace cannot stall incident processing (design §4.2's
// per-dependency breaker, applied here to the "slack" dependency).
type SlackNotifier struct {
	cfg    SlackConfig
	client SlackClient
}

// NewSlack builds a SlackNotifier from a real Slack API token. Pass
// opts (e.g. slack.OptionHTTPClient) to configure the underlying client.
func NewSlack(cfg SlackConfig, opts ...slack.Option) *SlackNotifier {
	cfg = cfg.withDefaults()
	return &SlackNotifier{cfg: cfg, client: slack.New(cfg.Token, opts...)}
}

// NewSlackForTest is the test seam: it skips slack.New entirely so a
// SlackClient fake can stand in for the real Slack Web API client.
func NewSlackForTest(cfg SlackConfig, client SlackClient) *SlackNotifier {
	cfg = cfg.withDefaults()
	return &SlackNotifier{cfg: cfg, client: client}
}

func (n *SlackNotifier) Notify(ctx context.Context, req Request) error {
	text := formatMessage(req)

	err := n.cfg.Breaker.CallErr(ctx, func(ctx context.Context) error {
		_, _, err := n.client.PostMessageContext(ctx, n.cfg.ChannelID, slack.MsgOptionText(text, false))
		return err
	})
	if err == nil {
		return nil
	}

	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) && rateLimited.RetryAfter <= n.cfg.MaxRateLimitWait {
		n.cfg.Logger.WithFields(logrus.Fields{
			"component":   "notify.slack",
			"incident_id": req.IncidentID,
			"retry_after": rateLimited.RetryAfter,
		}).Warn("slack rate limited, retrying once after the requested delay")

		select {
		case <-time.After(rateLimited.RetryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}

		return n.cfg.Breaker.CallErr(ctx, func(ctx context.Context) error {
			_, _, err := n.client.PostMessageContext(ctx, n.cfg.ChannelID, slack.MsgOptionText(text, false))
			return err
		})
	}

	n.cfg.Logger.WithFields(logrus.Fields{
		"component":   "notify.slack",
		"incident_id": req.IncidentID,
	}).WithError(err).Warn("slack notification delivery failed")
	return err
}

func formatMessage(req Request) string {
	summary := req.Summary
	if summary == "" {
		summary = "(no summary produced)"
	}
	return fmt.Sprintf("[%s] incident %s (%s) — %s\n%s",
		req.Severity, req.IncidentID, req.Fingerprint, req.Outcome, summary)
}
