// Package alert watches the Circuit Breaker and dead-letter rate for
// conditions operators need to know about immediately, and notifies a
// Slack channel. Fire-and-forget: a failed notification is logged and
// swallowed, never escalated back into the pipeline, the same posture
// internal/dlq takes toward its own publish failures.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/practo/klog/v2"
	"github.com/slack-go/slack"

	"github.com/tablesink/connector/internal/circuit"
)

// RateFunc reports the current dead-letter rate, e.g. DLQ'd records
// divided by total records processed over some trailing window. The
// Notifier doesn't care how the window is computed, only the ratio.
type RateFunc func() float64

// Notifier polls a circuit.Breaker for OPEN transitions and a
// dead-letter rate for threshold breaches, posting a Slack message for
// each new condition it observes.
type Notifier struct {
	webhookURL string
	channel    string
	breaker    *circuit.Breaker
	dlqRate    RateFunc
	threshold  float64

	poster func(ctx context.Context, url string, msg *slack.WebhookMessage) error

	mu          sync.Mutex
	lastState   map[string]circuit.State
	rateBreached bool
}

// New builds a Notifier. dlqRate may be nil, in which case dead-letter
// rate alerting is disabled; threshold is ignored in that case.
func New(webhookURL, channel string, breaker *circuit.Breaker, dlqRate RateFunc, threshold float64) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		channel:    channel,
		breaker:    breaker,
		dlqRate:    dlqRate,
		threshold:  threshold,
		poster:     slack.PostWebhookContext,
		lastState:  make(map[string]circuit.State),
	}
}

// Run polls every interval until ctx is cancelled. It performs one
// check immediately so a circuit already OPEN at startup is reported.
func (n *Notifier) Run(ctx context.Context, interval time.Duration) {
	n.check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.check(ctx)
		}
	}
}

func (n *Notifier) check(ctx context.Context) {
	n.checkCircuits(ctx)
	n.checkDLQRate(ctx)
}

func (n *Notifier) checkCircuits(ctx context.Context) {
	if n.breaker == nil {
		return
	}
	for _, name := range n.breaker.Names() {
		snap := n.breaker.State(name)

		n.mu.Lock()
		prev, seen := n.lastState[name]
		n.lastState[name] = snap.State
		n.mu.Unlock()

		if snap.State == circuit.Open && (!seen || prev != circuit.Open) {
			n.notify(ctx, fmt.Sprintf(":rotating_light: circuit `%s` opened after %d consecutive failure(s)", name, snap.ConsecutiveFailures))
		}
		if snap.State != circuit.Open && seen && prev == circuit.Open {
			n.notify(ctx, fmt.Sprintf(":white_check_mark: circuit `%s` recovered", name))
		}
	}
}

func (n *Notifier) checkDLQRate(ctx context.Context) {
	if n.dlqRate == nil || n.threshold <= 0 {
		return
	}
	rate := n.dlqRate()

	n.mu.Lock()
	wasBreached := n.rateBreached
	n.rateBreached = rate >= n.threshold
	nowBreached := n.rateBreached
	n.mu.Unlock()

	if nowBreached && !wasBreached {
		n.notify(ctx, fmt.Sprintf(":warning: dead-letter rate %.2f%% crossed threshold %.2f%%", rate*100, n.threshold*100))
	}
	if !nowBreached && wasBreached {
		n.notify(ctx, fmt.Sprintf(":white_check_mark: dead-letter rate back under threshold %.2f%%", n.threshold*100))
	}
}

func (n *Notifier) notify(ctx context.Context, text string) {
	if n.webhookURL == "" {
		klog.Warningf("alert: %s (no webhook configured)", text)
		return
	}
	msg := &slack.WebhookMessage{Channel: n.channel, Text: text}
	if err := n.poster(ctx, n.webhookURL, msg); err != nil {
		klog.Errorf("alert: slack post failed: %v", err)
	}
}
