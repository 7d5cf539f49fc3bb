// Package webhook implements reliable HTTP fan-out of bus events to
// operator-registered URLs, with HMAC request signing and retried, logged
// delivery attempts.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/events"
	"github.com/woly/hub/internal/store"
)

// MaxDeliveryAttempts bounds how many times one delivery is attempted,
// per delivery.
const MaxDeliveryAttempts = 3

// Config holds the dispatcher's tunables.
type Config struct {
	DeliveryTimeout time.Duration
	BaseDelay       time.Duration
}

// Metrics receives per-attempt delivery observations, satisfied by
// *metrics.Metrics. Optional: a Dispatcher with no Metrics set simply
// skips recording.
type Metrics interface {
	WebhookDeliveryAttempt(success bool)
}

// Dispatcher is the WebhookDispatcher.
type Dispatcher struct {
	log     zerolog.Logger
	store   *store.WebhookStore
	client  *http.Client
	cfg     Config
	metrics Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetMetrics attaches a Metrics sink. Call before Subscribe to avoid a race
// with in-flight deliveries.
func (d *Dispatcher) SetMetrics(m Metrics) { d.metrics = m }

// New wires a WebhookDispatcher over its store.
func New(log zerolog.Logger, webhookStore *store.WebhookStore, cfg Config) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:    log.With().Str("component", "webhook_dispatcher").Logger(),
		store:  webhookStore,
		client: &http.Client{},
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers the dispatcher's HandleEvent for every bus event type
// it fans out, returning a combined Unsubscribe.
func (d *Dispatcher) Subscribe(bus *events.Bus) events.Unsubscribe {
	types := []events.Type{
		events.TypeHostDiscovered, events.TypeHostRemoved, events.TypeHostStatusTransition,
		events.TypeNodeConnected, events.TypeNodeDisconnected, events.TypeScanComplete,
	}
	unsubs := make([]events.Unsubscribe, 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, bus.Subscribe(t, d.HandleEvent))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// HandleEvent loads every webhook subscribed to ev.Type and fires a
// fire-and-forget delivery goroutine per target, matching the bus's
// note that bus handlers must not block on I/O.
func (d *Dispatcher) HandleEvent(ev events.Event) error {
	targets, err := d.store.ListAll()
	if err != nil {
		return err
	}

	envelope := map[string]any{
		"event":     string(ev.Type),
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339),
		"data":      ev.Data,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	for _, target := range targets {
		if !subscribesTo(target, ev.Type) {
			continue
		}
		target := target
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(target, ev.Type, body)
		}()
	}
	return nil
}

func subscribesTo(target *store.WebhookRecord, typ events.Type) bool {
	if len(target.Events) == 0 {
		return true
	}
	for _, e := range target.Events {
		if e == string(typ) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliver(target *store.WebhookRecord, typ events.Type, body []byte) {
	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			return d.attemptDelivery(target, string(typ), body, attempt)
		},
		retry.Context(d.ctx),
		retry.Attempts(MaxDeliveryAttempts),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, err error, cfg *retry.Config) time.Duration {
			return time.Duration(math.Pow(2, float64(n))) * d.cfg.BaseDelay
		}),
	)
	if err != nil {
		d.log.Warn().Str("webhookId", target.ID).Str("event", string(typ)).Err(err).Msg("webhook delivery exhausted retries")
	}
}

func (d *Dispatcher) attemptDelivery(target *store.WebhookRecord, eventType string, body []byte, attempt int) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		d.logAttempt(target.ID, eventType, attempt, "failed", nil, err.Error(), body)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "woly-hub-webhook/1.0")
	req.Header.Set("X-Woly-Event", eventType)
	req.Header.Set("X-Woly-Delivery-Attempt", strconv.Itoa(attempt))
	if target.Secret != "" {
		mac := hmac.New(sha256.New, []byte(target.Secret))
		mac.Write(body)
		req.Header.Set("X-Woly-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logAttempt(target.ID, eventType, attempt, "failed", nil, err.Error(), body)
		return err
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	if status < 200 || status >= 300 {
		errMsg := fmt.Sprintf("non-2xx response: %d", status)
		d.logAttempt(target.ID, eventType, attempt, "failed", &status, errMsg, body)
		return fmt.Errorf("%s", errMsg)
	}

	d.logAttempt(target.ID, eventType, attempt, "success", &status, "", body)
	return nil
}

func (d *Dispatcher) logAttempt(webhookID, eventType string, attempt int, status string, responseStatus *int, errMsg string, body []byte) {
	l := &store.WebhookDeliveryLog{
		WebhookID: webhookID, EventType: eventType, Attempt: attempt,
		Status: status, ResponseStatus: responseStatus, Error: errMsg, Payload: string(body),
	}
	if err := d.store.LogDelivery(l); err != nil {
		d.log.Error().Err(err).Str("webhookId", webhookID).Msg("failed to persist webhook delivery log")
	}
	if d.metrics != nil {
		d.metrics.WebhookDeliveryAttempt(status == "success")
	}
}

// Shutdown cancels every pending retry and waits for in-flight deliveries
// to unwind.
func (d *Dispatcher) Shutdown() {
	d.cancel()
	d.wg.Wait()
}
