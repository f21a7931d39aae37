package push

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gwmail "github.com/fenilsonani/mailbox-gateway/internal/mail"
)

// fakeHandle records sent events and can be made to fail.
type fakeHandle struct {
	mu     sync.Mutex
	sent   [][]byte
	failed bool
}

func (f *fakeHandle) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return errors.New("write failed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeHandle) Ping() error { return nil }

func (f *fakeHandle) events(t *testing.T) []Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, 0, len(f.sent))
	for _, data := range f.sent {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("bad event payload %q: %v", data, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestAttachDetachCounts(t *testing.T) {
	h := NewHub(nil)
	a, b := &fakeHandle{}, &fakeHandle{}

	if n := h.Attach("acc", a); n != 1 {
		t.Errorf("expected count 1, got %d", n)
	}
	if n := h.Attach("acc", b); n != 2 {
		t.Errorf("expected count 2, got %d", n)
	}
	// Re-attaching the same handle does not double count.
	if n := h.Attach("acc", a); n != 2 {
		t.Errorf("expected count 2 after re-attach, got %d", n)
	}
	if n := h.Detach("acc", a); n != 1 {
		t.Errorf("expected count 1 after detach, got %d", n)
	}
	if n := h.Detach("acc", b); n != 0 {
		t.Errorf("expected count 0 after last detach, got %d", n)
	}
	// Detaching from an unknown account is a no-op.
	if n := h.Detach("other", a); n != 0 {
		t.Errorf("expected count 0 for unknown account, got %d", n)
	}
}

func TestBroadcastFanOut(t *testing.T) {
	h := NewHub(nil)
	subs := []*fakeHandle{{}, {}, {}}
	for _, s := range subs {
		h.Attach("acc", s)
	}
	other := &fakeHandle{}
	h.Attach("other", other)

	meta := gwmail.MessageMeta{
		UID: 1002, Subject: "hello",
		From: []string{"a@b.co"}, To: []string{"c@d.co"},
		Date: time.Now(), Flags: []string{"\\Recent"},
	}
	h.Broadcast("acc", EmailReceived("acc", meta))

	for i, s := range subs {
		evs := s.events(t)
		if len(evs) != 1 {
			t.Fatalf("subscriber %d: expected 1 event, got %d", i, len(evs))
		}
		if evs[0].Type != TypeEmailReceived || evs[0].UID != 1002 {
			t.Errorf("subscriber %d: unexpected event %+v", i, evs[0])
		}
	}
	if len(other.events(t)) != 0 {
		t.Error("event leaked across accounts")
	}
}

func TestBroadcastDropsBrokenHandle(t *testing.T) {
	h := NewHub(nil)
	good, broken := &fakeHandle{}, &fakeHandle{failed: true}
	h.Attach("acc", good)
	h.Attach("acc", broken)

	h.Broadcast("acc", WatcherReady("acc"))

	if len(good.events(t)) != 1 {
		t.Error("healthy subscriber missed the event")
	}
	if h.Count("acc") != 1 {
		t.Errorf("expected broken handle dropped, count=%d", h.Count("acc"))
	}

	// The next broadcast reaches only the healthy handle.
	h.Broadcast("acc", ErrorEvent("boom"))
	if len(good.events(t)) != 2 {
		t.Error("healthy subscriber missed the second event")
	}
}

func TestSendTo(t *testing.T) {
	h := NewHub(nil)
	s := &fakeHandle{}
	if err := h.SendTo(s, SSEReady("acc")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	evs := s.events(t)
	if len(evs) != 1 || evs[0].Type != TypeSSEReady || evs[0].AccountID != "acc" {
		t.Errorf("unexpected events %+v", evs)
	}
}

func TestCloseAccount(t *testing.T) {
	h := NewHub(nil)
	a, b := &fakeHandle{}, &fakeHandle{}
	h.Attach("acc", a)
	h.Attach("acc", b)

	handles := h.CloseAccount("acc")
	if len(handles) != 2 {
		t.Errorf("expected 2 handles, got %d", len(handles))
	}
	if h.Count("acc") != 0 {
		t.Errorf("expected empty account, count=%d", h.Count("acc"))
	}
}

func TestStreamHandleFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	handle, err := NewStreamHandle(rec)
	if err != nil {
		t.Fatalf("failed to create handle: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected SSE content type, got %q", ct)
	}

	if err := handle.Send([]byte(`{"type":"SSEReady","accountId":"acc"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := handle.Ping(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "data: {\"type\":\"SSEReady\",\"accountId\":\"acc\"}\n\n") {
		t.Errorf("data frame malformed: %q", body)
	}
	if !strings.Contains(body, "event: ping\ndata: {}\n\n") {
		t.Errorf("ping frame malformed: %q", body)
	}
}
