package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/tradegate/internal/config"
	"github.com/Rajchodisetti/tradegate/internal/deviation"
	"github.com/Rajchodisetti/tradegate/internal/observ"
	"github.com/Rajchodisetti/tradegate/internal/safety"
)

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackNotifier posts emergency shutdowns synchronously and deviation
// alerts through a bounded queue. Only plain deviation alerts are rate
// limited; emergencies and escalations always go out.
type SlackNotifier struct {
	cfg        config.Slack
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	queue      chan SlackMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSlackNotifier starts the delivery worker. A disabled config yields a
// notifier whose methods do nothing.
func NewSlackNotifier(cfg config.Slack) *SlackNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	s := &SlackNotifier{cfg: cfg, ctx: ctx, cancel: cancel}
	if !cfg.Enabled {
		return s
	}

	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 6
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s.httpClient = &http.Client{Timeout: timeout}
	s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "slack_webhook",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observ.Warn("slack_breaker_state", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	s.queue = make(chan SlackMessage, 100)

	s.wg.Add(1)
	go s.worker()
	return s
}

// Notify implements safety.Notifier.
func (s *SlackNotifier) Notify(ctx context.Context, n safety.Notification) error {
	if !s.cfg.Enabled {
		return nil
	}
	return s.send(ctx, s.formatEmergency(n))
}

// AlertHandler is for deviation.Engine.OnAlert.
func (s *SlackNotifier) AlertHandler() func(deviation.Alert) {
	return func(a deviation.Alert) {
		if !s.cfg.Enabled {
			return
		}
		if !s.limiter.Allow() {
			observ.Notifications.WithLabelValues("rate_limited").Inc()
			return
		}
		s.enqueue(s.formatAlert(a, false))
	}
}

// EscalationHandler is for deviation.Engine.OnEscalation.
func (s *SlackNotifier) EscalationHandler() func(deviation.Escalation) {
	return func(esc deviation.Escalation) {
		if !s.cfg.Enabled {
			return
		}
		s.enqueue(s.formatAlert(esc.Alert, true))
	}
}

func (s *SlackNotifier) enqueue(msg SlackMessage) {
	select {
	case s.queue <- msg:
	default:
		observ.Notifications.WithLabelValues("dropped").Inc()
		observ.Warn("slack_queue_full", map[string]any{"text": msg.Text})
	}
}

func (s *SlackNotifier) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			ctx, cancel := context.WithTimeout(s.ctx, s.httpClient.Timeout)
			if err := s.send(ctx, msg); err != nil {
				observ.Warn("slack_delivery_failed", map[string]any{"error": err.Error()})
			}
			cancel()
		}
	}
}

func (s *SlackNotifier) send(ctx context.Context, msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode slack message: %w", err)
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("slack webhook status %d", resp.StatusCode)
		}
		return nil, nil
	})

	switch {
	case err == nil:
		observ.Notifications.WithLabelValues("sent").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		observ.Notifications.WithLabelValues("breaker_open").Inc()
	default:
		observ.Notifications.WithLabelValues("failed").Inc()
	}
	return err
}

func (s *SlackNotifier) formatEmergency(n safety.Notification) SlackMessage {
	return SlackMessage{
		Channel: s.cfg.Channel,
		Text:    fmt.Sprintf("🛑 %s: %s", n.Title, n.Reason),
		Attachments: []SlackAttachment{{
			Color: "danger",
			Fields: []SlackField{
				{Title: "Mode", Value: string(n.Status.Mode), Short: true},
				{Title: "Safety level", Value: n.Status.SafetyLevel, Short: true},
				{Title: "Severity", Value: string(n.Severity), Short: true},
				{Title: "Time", Value: n.Timestamp.Format("15:04:05 MST"), Short: true},
			},
		}},
	}
}

func (s *SlackNotifier) formatAlert(a deviation.Alert, escalated bool) SlackMessage {
	emoji, color, title := "⚠️", "warning", "Trade deviation"
	if escalated {
		emoji, color, title = "🚨", "danger", "Deviation ESCALATION"
	}

	metrics := make([]string, 0, len(a.Deviations))
	for _, d := range a.Deviations {
		metrics = append(metrics, fmt.Sprintf("%s %.1f%% (limit %.0f%%)", d.Metric, d.Deviation*100, d.Threshold*100))
	}

	return SlackMessage{
		Channel: s.cfg.Channel,
		Text:    fmt.Sprintf("%s %s: %s", emoji, title, a.Trade.Symbol),
		Attachments: []SlackAttachment{{
			Color: color,
			Fields: []SlackField{
				{Title: "Metrics", Value: strings.Join(metrics, ", "), Short: false},
				{Title: "Consecutive", Value: fmt.Sprintf("%d", a.ConsecutiveCount), Short: true},
				{Title: "Time", Value: a.Timestamp.Format("15:04:05 MST"), Short: true},
			},
		}},
	}
}

// Close stops the worker; queued messages are dropped.
func (s *SlackNotifier) Close() {
	s.cancel()
	s.wg.Wait()
}
