// Package notify delivers operational alerts to Slack. It is a pure
// capability: with no token/channel configured, every call is a no-op, so
// its absence can never change trading correctness.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	postTimeout    = 5 * time.Second
	postMessageURL = "https://slack.com/api/chat.postMessage"
)

// SlackNotifier posts alerts to a Slack channel via chat.postMessage. Construct
// it with New; a nil *SlackNotifier or one built with an empty token is a
// safe no-op.
type SlackNotifier struct {
	token   string
	channel string
	apiURL  string
	client  *http.Client
	logger  *logrus.Logger
}

// New returns a SlackNotifier for the given bot token and channel. If either
// is empty, the returned notifier's Notify calls are no-ops — callers do not
// need to branch on whether notifications are configured.
func New(token, channel string, logger *logrus.Logger) *SlackNotifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &SlackNotifier{
		token:   token,
		channel: channel,
		apiURL:  postMessageURL,
		client:  &http.Client{Timeout: postTimeout},
		logger:  logger,
	}
}

// Notify posts message to the configured Slack channel, tagged with level
// (e.g. "WARN", "ERROR"). Delivery is best-effort: a failure is logged and
// swallowed, never propagated to the caller, so a Slack outage cannot stall
// trading. Satisfies worker.Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, level, message string) {
	if n == nil || n.token == "" || n.channel == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	body := map[string]string{
		"channel": n.channel,
		"text":    fmt.Sprintf("[%s] %s", strings.ToUpper(level), message),
	}
	bs, err := json.Marshal(body)
	if err != nil {
		n.logger.WithError(err).Warn("notify: marshal slack payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiURL, bytes.NewReader(bs))
	if err != nil {
		n.logger.WithError(err).Warn("notify: build slack request")
		return
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+n.token)

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.WithError(err).Warn("notify: slack post failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		n.logger.WithField("status", resp.StatusCode).Warn("notify: slack post rejected")
	}
}
