package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lanterndocs/lantern/internal/dispatch"
)

// fakeTransport feeds messages through a channel and records sends.
type fakeTransport struct {
	mu     sync.Mutex
	in     chan Inbound
	sent   []string // HTML payloads, in order
	chats  []string
	typing []bool // stop flags, in order
	err    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan Inbound, 10)}
}

func (f *fakeTransport) Messages() <-chan Inbound { return f.in }

func (f *fakeTransport) SendText(_ context.Context, chatID, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.chats = append(f.chats, chatID)
	f.sent = append(f.sent, html)
	return nil
}

func (f *fakeTransport) SendTyping(_ context.Context, _ string, stop bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, stop)
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeHandler struct {
	mu     sync.Mutex
	events []dispatch.Event
	reply  string
	err    error
}

func (f *fakeHandler) Handle(_ context.Context, ev dispatch.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.reply, f.err
}

func runBridge(t *testing.T, b *Bridge) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("bridge did not stop")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBridge_RoutesMessageAndSendsReply(t *testing.T) {
	tr := newFakeTransport()
	h := &fakeHandler{reply: "the **answer**"}
	b := New(Config{Transport: tr, Handler: h})

	stop := runBridge(t, b)
	defer stop()

	tr.in <- Inbound{
		ChatID:         "42",
		SenderID:       "u1",
		SenderNickname: "ada",
		Text:           "/search deploy",
		Timestamp:      time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
	}

	waitFor(t, func() bool { return tr.sentCount() == 1 })

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.chats[0] != "42" {
		t.Errorf("reply chat = %q", tr.chats[0])
	}
	if !strings.Contains(tr.sent[0], "<strong>answer</strong>") {
		t.Errorf("reply not rendered to HTML: %q", tr.sent[0])
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) != 1 {
		t.Fatalf("handler saw %d events", len(h.events))
	}
	ev := h.events[0]
	if ev.ChatID != "42" || ev.UserNickname != "ada" || ev.Text != "/search deploy" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not carried through")
	}
}

// A failure reply from the dispatcher is still delivered to the user.
func TestBridge_SendsFailureReply(t *testing.T) {
	tr := newFakeTransport()
	h := &fakeHandler{reply: "Something went wrong handling your request. Please try again.", err: errors.New("backend down")}
	b := New(Config{Transport: tr, Handler: h})

	stop := runBridge(t, b)
	defer stop()

	tr.in <- Inbound{ChatID: "42", SenderID: "u1", Text: "hello"}

	waitFor(t, func() bool { return tr.sentCount() == 1 })

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !strings.Contains(tr.sent[0], "Something went wrong") {
		t.Errorf("failure reply not delivered: %q", tr.sent[0])
	}
}

func TestBridge_IgnoresEmptyMessages(t *testing.T) {
	tr := newFakeTransport()
	h := &fakeHandler{reply: "reply"}
	b := New(Config{Transport: tr, Handler: h})

	stop := runBridge(t, b)

	tr.in <- Inbound{ChatID: "42", SenderID: "u1", Text: ""}
	tr.in <- Inbound{ChatID: "", SenderID: "u1", Text: "orphan"}
	tr.in <- Inbound{ChatID: "42", SenderID: "u1", Text: "real"}

	waitFor(t, func() bool { return tr.sentCount() == 1 })
	stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) != 1 || h.events[0].Text != "real" {
		t.Errorf("handler events = %+v", h.events)
	}
}

func TestBridge_TypingIndicatorPairs(t *testing.T) {
	tr := newFakeTransport()
	h := &fakeHandler{reply: "reply"}
	b := New(Config{Transport: tr, Handler: h})

	stop := runBridge(t, b)
	defer stop()

	tr.in <- Inbound{ChatID: "42", SenderID: "u1", Text: "hello"}

	waitFor(t, func() bool { return tr.sentCount() == 1 })

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.typing) != 2 || tr.typing[0] != false || tr.typing[1] != true {
		t.Errorf("typing calls = %v, want [false true]", tr.typing)
	}
}

func TestBridge_RateLimitsSender(t *testing.T) {
	tr := newFakeTransport()
	h := &fakeHandler{reply: "reply"}
	b := New(Config{Transport: tr, Handler: h, RateLimit: 2})

	stop := runBridge(t, b)

	for i := 0; i < 5; i++ {
		tr.in <- Inbound{ChatID: "42", SenderID: "flooder", Text: "spam"}
	}
	tr.in <- Inbound{ChatID: "7", SenderID: "other", Text: "hello"}

	// The other sender is unaffected, so three replies total.
	waitFor(t, func() bool { return tr.sentCount() == 3 })
	stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) != 3 {
		t.Errorf("handler saw %d events, want 3", len(h.events))
	}
}

func TestAllowSender_WindowPruning(t *testing.T) {
	b := New(Config{Transport: newFakeTransport(), Handler: &fakeHandler{}, RateLimit: 2})

	if !b.allowSender("s") || !b.allowSender("s") {
		t.Fatal("first two messages should pass")
	}
	if b.allowSender("s") {
		t.Fatal("third message should be limited")
	}

	// Age the recorded timestamps out of the window.
	b.mu.Lock()
	for i := range b.senderTimes["s"] {
		b.senderTimes["s"][i] = time.Now().Add(-2 * rateWindow)
	}
	b.mu.Unlock()

	if !b.allowSender("s") {
		t.Error("message should pass after the window expires")
	}
}

func TestRenderReply(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "<p>plain text</p>"},
		{"**bold**", "<p><strong>bold</strong></p>"},
		{"`code`", "<p><code>code</code></p>"},
		{"[docs](https://example.com)", `<p><a href="https://example.com">docs</a></p>`},
	}

	for _, tt := range tests {
		if got := renderReply(tt.in); got != tt.want {
			t.Errorf("renderReply(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
