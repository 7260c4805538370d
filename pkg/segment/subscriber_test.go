package segment

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestRegistryDispatchPostsToRegisteredSubscriber(t *testing.T) {
	var mu sync.Mutex
	var received []changeWire

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg changeWire
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("failed to decode subscriber body: %v", err)
		}
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())

	reg := NewRegistry()
	reg.Register("vips", Subscription{Host: u.Hostname(), Port: port, Path: "/hook", Retention: time.Second})

	reg.Dispatch(ChangeMessage{Segment: "vips", State: Entered, LinearID: 42})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected exactly 1 delivered change message, got %d", len(received))
	}
	if received[0].Segment != "vips" || received[0].State != "entered" || received[0].LinearID != 42 {
		t.Fatalf("unexpected delivered message: %+v", received[0])
	}
}

func TestRegistryDispatchSkipsSegmentsWithNoSubscribers(t *testing.T) {
	reg := NewRegistry()
	// Should not panic or block when nobody is subscribed.
	reg.Dispatch(ChangeMessage{Segment: "nobody-home", State: Exited, LinearID: 1})
}

func TestRegistryUnregisterStopsFutureDeliveries(t *testing.T) {
	reg := NewRegistry()
	reg.Register("vips", Subscription{Host: "127.0.0.1", Port: 1, Path: "/hook", Retention: time.Second})
	reg.Unregister("vips", "127.0.0.1", 1, "/hook")

	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if len(reg.subs["vips"]) != 0 {
		t.Fatalf("expected no subscribers after Unregister, got %+v", reg.subs["vips"])
	}
}
