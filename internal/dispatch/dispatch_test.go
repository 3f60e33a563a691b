package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lanterndocs/lantern/internal/assistant"
	"github.com/lanterndocs/lantern/internal/gensearch"
	"github.com/lanterndocs/lantern/internal/store"
)

// fakeBinder tracks bindings in memory and hands out sequential
// thread IDs.
type fakeBinder struct {
	mu       sync.Mutex
	bindings map[string]string
	next     int
	ensures  int
	forces   int
	err      error
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{bindings: make(map[string]string)}
}

func (f *fakeBinder) EnsureThread(_ context.Context, chatID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	if f.err != nil {
		return "", f.err
	}
	if id, ok := f.bindings[chatID]; ok {
		return id, nil
	}
	f.next++
	id := fmt.Sprintf("thr-%d", f.next)
	f.bindings[chatID] = id
	return id, nil
}

func (f *fakeBinder) ForceNewThread(_ context.Context, chatID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forces++
	if f.err != nil {
		return "", f.err
	}
	f.next++
	id := fmt.Sprintf("thr-%d", f.next)
	f.bindings[chatID] = id
	return id, nil
}

// fakeAssistant stores thread messages in memory.
type fakeAssistant struct {
	mu      sync.Mutex
	threads map[string][]assistant.Message
	reply   string
	runs    []string // thread IDs run
	err     error
}

func newFakeAssistant(reply string) *fakeAssistant {
	return &fakeAssistant{threads: make(map[string][]assistant.Message), reply: reply}
}

func (f *fakeAssistant) WriteMessage(_ context.Context, threadID, text, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.threads[threadID] = append(f.threads[threadID], assistant.Message{Text: text, Role: role})
	return nil
}

func (f *fakeAssistant) ReadMessages(_ context.Context, threadID string) ([]assistant.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]assistant.Message(nil), f.threads[threadID]...), nil
}

func (f *fakeAssistant) Run(_ context.Context, threadID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.runs = append(f.runs, threadID)
	return f.reply, nil
}

// fakeSearch records the messages of the last Generate call.
type fakeSearch struct {
	mu     sync.Mutex
	last   []gensearch.Message
	calls  int
	answer *gensearch.Answer
	err    error
}

func (f *fakeSearch) Generate(_ context.Context, messages []gensearch.Message) (*gensearch.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = append([]gensearch.Message(nil), messages...)
	if f.err != nil {
		return nil, f.err
	}
	return f.answer, nil
}

// fakeAudit records appended log entries.
type fakeAudit struct {
	mu      sync.Mutex
	entries []store.LogEntry
	err     error
}

func (f *fakeAudit) AppendLog(entry store.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAudit) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.MessageText
	}
	return out
}

type testEnv struct {
	d         *Dispatcher
	binder    *fakeBinder
	assistant *fakeAssistant
	search    *fakeSearch
	audit     *fakeAudit
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		binder:    newFakeBinder(),
		assistant: newFakeAssistant("assistant says hi"),
		search:    &fakeSearch{answer: &gensearch.Answer{Content: "found it", Sources: []string{"https://docs.example.com/x"}}},
		audit:     &fakeAudit{},
	}
	env.d = New(Config{
		BotName:   "Lantern",
		Binder:    env.binder,
		Assistant: env.assistant,
		Search:    env.search,
		Audit:     env.audit,
		Logger:    slog.Default(),
	})
	return env
}

func event(chatID, text string) Event {
	return Event{
		ChatID:       chatID,
		UserNickname: "ada",
		Text:         text,
		Timestamp:    time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

// Scenario: a brand-new chat issues /new_thread and the reply carries
// the fresh thread ID.
func TestNewThread_FreshChat(t *testing.T) {
	env := setup(t)

	reply, err := env.d.Handle(context.Background(), event("42", "/new_thread"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(reply, "thr-1") {
		t.Errorf("reply %q does not contain new thread id", reply)
	}
	if env.binder.forces != 1 {
		t.Errorf("forces = %d, want 1", env.binder.forces)
	}
	if env.binder.bindings["42"] != "thr-1" {
		t.Errorf("binding = %q, want thr-1", env.binder.bindings["42"])
	}
}

// Scenario: freeform text goes to the assistant with the chat's bound
// thread, and the reply is the assistant's text.
func TestFreeform_AssistantMode(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	// Pre-bind the chat.
	if _, err := env.binder.EnsureThread(ctx, "42"); err != nil {
		t.Fatal(err)
	}

	reply, err := env.d.Handle(ctx, event("42", "hello"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply != "assistant says hi" {
		t.Errorf("reply = %q", reply)
	}

	if len(env.assistant.runs) != 1 || env.assistant.runs[0] != "thr-1" {
		t.Errorf("runs = %v, want [thr-1]", env.assistant.runs)
	}
	msgs := env.assistant.threads["thr-1"]
	if len(msgs) != 1 || msgs[0].Text != "hello" || msgs[0].Role != assistant.RoleUser {
		t.Errorf("thread messages = %+v", msgs)
	}
	if env.search.calls != 0 {
		t.Errorf("search called %d times in assistant mode", env.search.calls)
	}
}

// Argument validation: search commands with no query never reach a
// backend and reply with usage text naming the command.
func TestSearch_MissingArgument(t *testing.T) {
	for _, cmd := range []string{"/search", "/search_contextual", "/search   "} {
		t.Run(cmd, func(t *testing.T) {
			env := setup(t)

			reply, err := env.d.Handle(context.Background(), event("42", cmd))
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if !strings.Contains(reply, "/search") {
				t.Errorf("reply %q does not reference the command", reply)
			}
			if env.search.calls != 0 {
				t.Errorf("search backend called on malformed input")
			}
			if env.binder.ensures != 0 || env.binder.forces != 0 {
				t.Error("binder touched on malformed input")
			}
			if len(env.assistant.runs) != 0 {
				t.Error("assistant invoked on malformed input")
			}
		})
	}
}

// Stateless isolation: /search sends only the query even when the chat
// has a bound thread with history.
func TestSearch_StatelessIgnoresHistory(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	threadID, _ := env.binder.EnsureThread(ctx, "42")
	env.assistant.WriteMessage(ctx, threadID, "earlier question", assistant.RoleUser)
	env.assistant.WriteMessage(ctx, threadID, "earlier answer", assistant.RoleAssistant)

	reply, err := env.d.Handle(ctx, event("42", "/search how do I deploy"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(reply, "found it") {
		t.Errorf("reply = %q", reply)
	}

	if len(env.search.last) != 1 {
		t.Fatalf("search got %d messages, want 1", len(env.search.last))
	}
	if env.search.last[0].Content != "how do I deploy" {
		t.Errorf("query = %q", env.search.last[0].Content)
	}
}

// Scenario: contextual search on a never-bound chat creates a thread,
// sends empty history plus the query, and writes the exchange back.
func TestSearchContextual_FreshChat(t *testing.T) {
	env := setup(t)

	reply, err := env.d.Handle(context.Background(), event("7", "/search_contextual foo"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if env.binder.ensures != 1 {
		t.Errorf("ensures = %d, want 1", env.binder.ensures)
	}
	threadID := env.binder.bindings["7"]
	if threadID == "" {
		t.Fatal("no thread bound for chat 7")
	}

	// History was empty, so the search payload is just the query.
	if len(env.search.last) != 1 || env.search.last[0].Content != "foo" {
		t.Errorf("search messages = %+v", env.search.last)
	}

	// Query and combined answer were appended to the thread.
	msgs := env.assistant.threads[threadID]
	if len(msgs) != 2 {
		t.Fatalf("thread has %d messages, want 2", len(msgs))
	}
	if msgs[0].Text != "foo" || msgs[0].Role != assistant.RoleUser {
		t.Errorf("first thread message = %+v", msgs[0])
	}
	if msgs[1].Text != reply || msgs[1].Role != assistant.RoleAssistant {
		t.Errorf("second thread message = %+v", msgs[1])
	}
}

// Contextual search sends prior history before the new query.
func TestSearchContextual_CarriesHistory(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	threadID, _ := env.binder.EnsureThread(ctx, "42")
	env.assistant.WriteMessage(ctx, threadID, "first question", assistant.RoleUser)
	env.assistant.WriteMessage(ctx, threadID, "first answer", assistant.RoleAssistant)

	if _, err := env.d.Handle(ctx, event("42", "/search_contextual follow-up")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(env.search.last) != 3 {
		t.Fatalf("search got %d messages, want 3", len(env.search.last))
	}
	if env.search.last[0].Content != "first question" {
		t.Errorf("history[0] = %+v", env.search.last[0])
	}
	if env.search.last[2].Content != "follow-up" || env.search.last[2].Role != assistant.RoleUser {
		t.Errorf("final message = %+v", env.search.last[2])
	}
}

// Every event yields exactly two log entries: input plus output on
// success, input plus error text on failure.
func TestLogPairing(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		env := setup(t)
		reply, err := env.d.Handle(context.Background(), event("42", "/search deploy"))
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}

		texts := env.audit.texts()
		if len(texts) != 2 {
			t.Fatalf("log entries = %d, want 2", len(texts))
		}
		if texts[0] != "deploy" {
			t.Errorf("input entry = %q", texts[0])
		}
		if texts[1] != reply {
			t.Errorf("output entry = %q, reply = %q", texts[1], reply)
		}
	})

	t.Run("failure", func(t *testing.T) {
		env := setup(t)
		env.search.err = errors.New("search exploded")

		reply, err := env.d.Handle(context.Background(), event("42", "/search deploy"))
		if err == nil {
			t.Fatal("expected backend error")
		}
		if reply != genericErrorReply {
			t.Errorf("reply = %q, want generic error", reply)
		}

		texts := env.audit.texts()
		if len(texts) != 2 {
			t.Fatalf("log entries = %d, want 2", len(texts))
		}
		if texts[0] != "deploy" {
			t.Errorf("input entry = %q", texts[0])
		}
		if !strings.Contains(texts[1], "search exploded") {
			t.Errorf("error entry %q does not carry the cause", texts[1])
		}
	})

	t.Run("missing argument", func(t *testing.T) {
		env := setup(t)
		if _, err := env.d.Handle(context.Background(), event("42", "/search")); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if got := len(env.audit.texts()); got != 2 {
			t.Errorf("log entries = %d, want 2", got)
		}
	})
}

// Backend failures surface as *BackendError with the cause attached,
// and the user still gets exactly one (generic) reply.
func TestBackendError_Taxonomy(t *testing.T) {
	env := setup(t)
	cause := errors.New("thread service down")
	env.binder.err = cause

	reply, err := env.d.Handle(context.Background(), event("42", "hello"))
	if reply != genericErrorReply {
		t.Errorf("reply = %q", reply)
	}

	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("error = %v, want *BackendError", err)
	}
	if be.Mode != ModeAssistant {
		t.Errorf("mode = %q", be.Mode)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not preserved through wrapping")
	}
}

// Audit failures are swallowed: the reply is still delivered.
func TestAuditFailure_NonFatal(t *testing.T) {
	env := setup(t)
	env.audit.err = errors.New("disk full")

	reply, err := env.d.Handle(context.Background(), event("42", "/search deploy"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(reply, "found it") {
		t.Errorf("reply = %q", reply)
	}
}

func TestStartAndHelp(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	reply, err := env.d.Handle(ctx, event("42", "/start"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(reply, "Lantern") {
		t.Errorf("start reply = %q", reply)
	}

	reply, err = env.d.Handle(ctx, event("42", "/help"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	for _, want := range []string{"/search", "/search_contextual", "/new_thread"} {
		if !strings.Contains(reply, want) {
			t.Errorf("help reply missing %s", want)
		}
	}
	if env.binder.ensures != 0 {
		t.Error("static commands should not touch the binder")
	}
}

func TestStats(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	env.d.Handle(ctx, event("42", "/search deploy"))
	env.d.Handle(ctx, event("42", "hello"))
	env.search.err = errors.New("boom")
	env.d.Handle(ctx, event("42", "/search again"))

	s := env.d.Stats()
	if s.TotalEvents != 3 {
		t.Errorf("TotalEvents = %d, want 3", s.TotalEvents)
	}
	if s.Failures != 1 {
		t.Errorf("Failures = %d, want 1", s.Failures)
	}
	if s.ModeCounts[ModeSearch] != 2 {
		t.Errorf("search count = %d, want 2", s.ModeCounts[ModeSearch])
	}
	if s.ModeCounts[ModeAssistant] != 1 {
		t.Errorf("assistant count = %d, want 1", s.ModeCounts[ModeAssistant])
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text     string
		wantCmd  string
		wantArg  string
	}{
		{"/start", CmdStart, ""},
		{"/help", CmdHelp, ""},
		{"/search how do I deploy", CmdSearch, "how do I deploy"},
		{"/search", CmdSearch, ""},
		{"/search   ", CmdSearch, ""},
		{"/search_contextual foo", CmdSearchContextual, "foo"},
		{"/new_thread", CmdNewThread, ""},
		{"/search@LanternBot deploy", CmdSearch, "deploy"},
		{"search it yourself", "", ""},
		{"hello there", "", ""},
		{"", "", ""},
		{"/unknown thing", "", ""},
	}

	for _, tt := range tests {
		cmd, arg := parseCommand(tt.text)
		if cmd != tt.wantCmd || arg != tt.wantArg {
			t.Errorf("parseCommand(%q) = (%q, %q), want (%q, %q)",
				tt.text, cmd, arg, tt.wantCmd, tt.wantArg)
		}
	}
}
