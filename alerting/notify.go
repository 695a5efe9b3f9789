package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/xraph/bastion/alert"
)

// ErrNotifyThrottled is returned when a notifier dropped an alert because
// its send rate was exceeded.
var ErrNotifyThrottled = errors.New("bastion: notification throttled")

// Notifier delivers fired alerts to an external channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a *alert.Instance) error
}

// WebhookNotifier POSTs alerts as JSON.
type WebhookNotifier struct {
	name   string
	url    string
	client *http.Client
	header http.Header
}

// NewWebhookNotifier creates a webhook notifier. A nil client gets a
// client with a ten second timeout.
func NewWebhookNotifier(name, url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{name: name, url: url, client: client, header: http.Header{}}
}

// SetHeader sets a header sent with every request.
func (w *WebhookNotifier) SetHeader(key, value string) { w.header.Set(key, value) }

func (w *WebhookNotifier) Name() string { return w.name }

func (w *WebhookNotifier) Notify(ctx context.Context, a *alert.Instance) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	for k, vs := range w.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", w.name, resp.StatusCode)
	}
	return nil
}

// NATSNotifier publishes alerts as JSON on a subject.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

// NewNATSNotifier creates a notifier publishing on subject.
func NewNATSNotifier(conn *nats.Conn, subject string) *NATSNotifier {
	return &NATSNotifier{conn: conn, subject: subject}
}

func (n *NATSNotifier) Name() string { return "nats:" + n.subject }

func (n *NATSNotifier) Notify(_ context.Context, a *alert.Instance) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return nil
}

type throttled struct {
	Notifier
	limiter *rate.Limiter
}

// Throttle limits n to perSecond sends with the given burst. Excess alerts
// fail with ErrNotifyThrottled instead of blocking.
func Throttle(n Notifier, perSecond float64, burst int) Notifier {
	if burst <= 0 {
		burst = 1
	}
	return &throttled{Notifier: n, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *throttled) Notify(ctx context.Context, a *alert.Instance) error {
	if !t.limiter.Allow() {
		return fmt.Errorf("%s: %w", t.Name(), ErrNotifyThrottled)
	}
	return t.Notifier.Notify(ctx, a)
}
