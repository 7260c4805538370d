package segment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/openset/pkg/log"
)

// Subscription is one registered change-message endpoint: a host/port/path
// to POST to, and how long an undelivered message is retried before being
// dropped.
type Subscription struct {
	Host      string
	Port      int
	Path      string
	Retention time.Duration
}

func (s Subscription) url() string {
	return fmt.Sprintf("http://%s:%d%s", s.Host, s.Port, s.Path)
}

// changeWire is the JSON body POSTed to a subscriber. ID is unique per
// delivery attempt-set (stable across retries of the same message) so a
// subscriber can de-duplicate deliveries it already processed.
type changeWire struct {
	ID       string `json:"id"`
	Segment  string `json:"segment"`
	State    string `json:"state"`
	LinearID int64  `json:"linear_id"`
	Queued   int64  `json:"queued_at"`
}

// Registry fans a table's segment change messages out to every subscriber
// registered against a segment, retrying delivery with exponential backoff
// until a message's subscription-specific retention window expires, then
// dropping it — matching spec's "retention-bounded retries", not an
// unbounded delivery guarantee.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string][]Subscription // segment name -> subscribers
	client *http.Client
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:   make(map[string][]Subscription),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Register adds a subscriber for a segment's change messages, replacing any
// existing subscription at the same host/port/path.
func (r *Registry) Register(segment string, sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.subs[segment]
	for i, s := range existing {
		if s.Host == sub.Host && s.Port == sub.Port && s.Path == sub.Path {
			existing[i] = sub
			return
		}
	}
	r.subs[segment] = append(existing, sub)
}

// Unregister removes a subscriber.
func (r *Registry) Unregister(segment string, host string, port int, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.subs[segment]
	out := existing[:0]
	for _, s := range existing {
		if s.Host == host && s.Port == port && s.Path == path {
			continue
		}
		out = append(out, s)
	}
	r.subs[segment] = out
}

// All returns every registered subscription, keyed by segment name, for
// persisting the registry's state alongside a table's other config.
func (r *Registry) All() map[string][]Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]Subscription, len(r.subs))
	for segment, subs := range r.subs {
		out[segment] = append([]Subscription(nil), subs...)
	}
	return out
}

// Dispatch is an async.Cell-friendly OnChange callback: it fans msg out to
// every subscriber registered for msg.Segment, each delivery retried on its
// own goroutine within that subscription's retention window.
func (r *Registry) Dispatch(msg ChangeMessage) {
	r.mu.RLock()
	subs := append([]Subscription(nil), r.subs[msg.Segment]...)
	r.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	body, err := json.Marshal(changeWire{
		ID:       uuid.NewString(),
		Segment:  msg.Segment,
		State:    changeStateLabel(msg.State),
		LinearID: msg.LinearID,
		Queued:   time.Now().UnixMilli(),
	})
	if err != nil {
		log.Logger.Error().Err(err).Str("segment", msg.Segment).Msg("segment change message marshal failed")
		return
	}

	for _, sub := range subs {
		go r.deliver(sub, body)
	}
}

// deliver retries a single POST with exponential backoff until it succeeds
// or sub.Retention elapses since the first attempt.
func (r *Registry) deliver(sub Subscription, body []byte) {
	deadline := time.Now().Add(sub.Retention)
	delay := 100 * time.Millisecond

	for {
		ctx, cancel := context.WithTimeout(context.Background(), r.client.Timeout)
		err := r.post(ctx, sub, body)
		cancel()
		if err == nil {
			return
		}

		if time.Now().Add(delay).After(deadline) {
			log.Logger.Warn().Err(err).Str("url", sub.url()).Msg("segment change message delivery abandoned: retention exceeded")
			return
		}

		time.Sleep(delay)
		delay *= 2
	}
}

func (r *Registry) post(ctx context.Context, sub Subscription, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.url(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("segment: build subscriber request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("segment: subscriber post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("segment: subscriber returned %d", resp.StatusCode)
	}
	return nil
}
