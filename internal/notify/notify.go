// Package notify fires external notifications for race lifecycle events
// (spec.md §4.9's "fire external notifications via the publisher
// collaborator" and the supplemented organizer force-reroll audit trail).
// Grounded on the teacher's webhooks.Dispatcher: a buffered channel feeding
// a fixed worker pool, generalized from per-tenant webhook subscriptions to
// a single organizer-configured URL per race.
package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a race lifecycle notification.
type EventType string

const (
	EventRaceStarted  EventType = "race.started"
	EventRaceFinished EventType = "race.finished"
	EventSeedRerolled EventType = "race.seed_rerolled"
	EventRaceReset    EventType = "race.reset"
)

// Event is the payload handed to a subscriber's webhook.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	RaceID    string         `json:"race_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber is a URL to notify, resolved by the caller (e.g. an
// organizer's configured webhook) before calling Publisher.Emit.
type Subscriber struct {
	URL    string
	Secret string // HMAC signing secret, optional
}

// Publisher is the fire-and-forget collaborator internal/race calls after a
// finish or reset broadcast sequence. Emit never blocks on delivery.
type Publisher interface {
	Emit(eventType EventType, raceID string, subs []Subscriber, data map[string]any)
	Shutdown()
}

type deliveryJob struct {
	sub     Subscriber
	event   *Event
	attempt int
}

// dispatcher is the worker-pool implementation, grounded on the teacher's
// webhooks.Dispatcher.
type dispatcher struct {
	httpClient *http.Client
	queue      chan *deliveryJob
	log        *slog.Logger
	wg         sync.WaitGroup
	seq        atomic.Int64
}

// NewDispatcher starts workers background workers, each draining queue and
// delivering one job at a time. deliveryTimeout bounds each HTTP POST.
func NewDispatcher(workers int, deliveryTimeout time.Duration, log *slog.Logger) Publisher {
	if workers <= 0 {
		workers = 4
	}
	d := &dispatcher{
		httpClient: &http.Client{Timeout: deliveryTimeout},
		queue:      make(chan *deliveryJob, 1000),
		log:        log,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *dispatcher) Emit(eventType EventType, raceID string, subs []Subscriber, data map[string]any) {
	if len(subs) == 0 {
		return
	}
	event := &Event{
		ID:        fmt.Sprintf("evt-%d", d.seq.Add(1)),
		Type:      eventType,
		RaceID:    raceID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, sub := range subs {
		select {
		case d.queue <- &deliveryJob{sub: sub, event: event, attempt: 1}:
		default:
			d.log.Warn("notify: queue full, dropping event", "event_id", event.ID, "url", sub.URL)
		}
	}
}

func (d *dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		d.log.Error("notify: marshal event failed", "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.log.Error("notify: build request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-SpeedFog-Event-Type", string(job.event.Type))
	req.Header.Set("X-SpeedFog-Event-ID", job.event.ID)
	req.Header.Set("X-SpeedFog-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.sub.Secret != "" {
		req.Header.Set("X-SpeedFog-Signature", "sha256="+signPayload(payload, job.sub.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.log.Warn("notify: delivery failed", "url", job.sub.URL, "error", err)
		d.retry(job)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.log.Warn("notify: subscriber returned error status", "url", job.sub.URL, "status", resp.StatusCode)
		d.retry(job)
		return
	}
	d.log.Info("notify: delivered", "type", job.event.Type, "url", job.sub.URL, "event_id", job.event.ID)
}

// retry requeues job after attempt² seconds (1s, then 4s), up to 3 attempts total —
// same bound as the teacher's dispatcher.
func (d *dispatcher) retry(job *deliveryJob) {
	if job.attempt >= 3 {
		return
	}
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	select {
	case d.queue <- job:
	default:
	}
}

func (d *dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

// signPayload computes an HMAC-SHA256 signature of body using secret, hex
// encoded, so subscribers can verify delivery authenticity.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
