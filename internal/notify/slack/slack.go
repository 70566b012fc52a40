// Package slack posts completed-call summaries to a Slack channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/switchboard/internal/normalize"
	"github.com/zulandar/switchboard/internal/session"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// maxTranscriptChars keeps the threaded transcript under Slack's
	// section text limit.
	maxTranscriptChars = 2900
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Notifier posts call summaries to one channel.
type Notifier struct {
	client    slackClient
	channelID string
}

// NotifierOpts holds parameters for creating a Notifier.
type NotifierOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Notifier.
func New(opts NotifierOpts) (*Notifier, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel id is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &Notifier{client: client, channelID: opts.ChannelID}, nil
}

// NotifyCallSummary posts the session's derived summary and threads the
// transcript under it. Sessions without successful derived data are skipped.
// ctx bounds every API call and retry wait.
func (n *Notifier) NotifyCallSummary(ctx context.Context, rec session.Record) error {
	if rec.Derived == nil || rec.Derived.Failed() {
		return nil
	}

	blocks := buildSummaryBlocks(rec)
	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = n.client.PostMessageContext(ctx, n.channelID,
			slackapi.MsgOptionBlocks(blocks...),
			slackapi.MsgOptionText(fallbackText(rec), false),
		)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post summary for %s: %w", rec.ID, err)
	}

	if rec.Derived.Transcript == nil || len(rec.Derived.Transcript.Entries) == 0 {
		return nil
	}
	text := truncate(normalize.FormatTranscriptText(rec.Derived.Transcript.Entries), maxTranscriptChars)
	err = retryOnRateLimit(ctx, func() error {
		_, _, postErr := n.client.PostMessageContext(ctx, n.channelID,
			slackapi.MsgOptionTS(ts),
			slackapi.MsgOptionText("```"+text+"```", false),
		)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post transcript for %s: %w", rec.ID, err)
	}
	return nil
}

func agentLabel(rec session.Record) string {
	if name := rec.Metadata["agent_name"]; name != "" {
		return name
	}
	return rec.AgentID
}

func fallbackText(rec session.Record) string {
	s := rec.Derived.Summary()
	return fmt.Sprintf("Call with %s completed (%s, $%.4f)", agentLabel(rec), s.CallDuration, s.TotalCost)
}

// buildSummaryBlocks renders the Block Kit layout for a completed call.
func buildSummaryBlocks(rec session.Record) []slackapi.Block {
	s := rec.Derived.Summary()
	outcome := normalize.OutcomeUnknown
	if rec.Derived.Analysis != nil {
		outcome = rec.Derived.Analysis.CallSuccessful
	}

	header := slackapi.NewHeaderBlock(slackapi.NewTextBlockObject(
		slackapi.PlainTextType, "Call completed: "+agentLabel(rec), false, false))

	fields := []*slackapi.TextBlockObject{
		mrkdwn("*Duration*\n" + s.CallDuration),
		mrkdwn(fmt.Sprintf("*Cost*\n$%.4f", s.TotalCost)),
		mrkdwn(fmt.Sprintf("*Messages*\n%d", s.MessageCount)),
		mrkdwn("*Successful*\n" + outcome.String()),
	}
	blocks := []slackapi.Block{
		header,
		slackapi.NewSectionBlock(nil, fields, nil),
	}
	if s.CallSummary != "" {
		blocks = append(blocks, slackapi.NewSectionBlock(mrkdwn(s.CallSummary), nil, nil))
	}
	blocks = append(blocks, slackapi.NewContextBlock("",
		mrkdwn(fmt.Sprintf("session `%s` · call `%s`", rec.ID, rec.CallID))))
	return blocks
}

func mrkdwn(text string) *slackapi.TextBlockObject {
	return slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "\n…"
}

// retryOnRateLimit calls fn, retrying with backoff on Slack rate limit errors.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
