// Package dispatch routes inbound chat messages to answer backends.
//
// Every inbound event runs the same terminal pipeline: parse the
// command, validate its arguments, invoke the selected backend, log
// the exchange, and produce exactly one reply. Malformed input short-
// circuits to a usage reply before any backend call; backend failures
// short-circuit to a generic error reply with the full cause logged.
// The dispatcher holds no per-chat state of its own, so events for
// different chats are handled concurrently without coordination.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lanterndocs/lantern/internal/assistant"
	"github.com/lanterndocs/lantern/internal/gensearch"
	"github.com/lanterndocs/lantern/internal/store"
)

// Command names as typed by users, with or without a leading slash.
const (
	CmdStart            = "start"
	CmdHelp             = "help"
	CmdSearch           = "search"
	CmdSearchContextual = "search_contextual"
	CmdNewThread        = "new_thread"
)

// Modes label routing outcomes for logs and stats.
const (
	ModeAssistant        = "assistant"
	ModeSearch           = "search"
	ModeSearchContextual = "search_contextual"
	ModeNewThread        = "new_thread"
	ModeStatic           = "static" // start/help, answered locally
)

// Event is one inbound message from the transport layer.
type Event struct {
	ChatID       string
	UserNickname string
	Text         string
	Timestamp    time.Time
}

// AssistantBackend is the thread-aware conversational service.
type AssistantBackend interface {
	WriteMessage(ctx context.Context, threadID, text, role string) error
	ReadMessages(ctx context.Context, threadID string) ([]assistant.Message, error)
	Run(ctx context.Context, threadID string) (string, error)
}

// SearchBackend is the stateless generative search service.
type SearchBackend interface {
	Generate(ctx context.Context, messages []gensearch.Message) (*gensearch.Answer, error)
}

// ThreadBinder resolves chats to threads. *thread.Binder implements it.
type ThreadBinder interface {
	EnsureThread(ctx context.Context, chatID string) (string, error)
	ForceNewThread(ctx context.Context, chatID string) (string, error)
}

// InteractionLog appends audit records. *store.Store implements it.
type InteractionLog interface {
	AppendLog(entry store.LogEntry) error
}

// Stats counts handled events per mode. Snapshot via Dispatcher.Stats.
type Stats struct {
	TotalEvents   int64
	Failures      int64
	ModeCounts    map[string]int64
	LastEventTime time.Time
}

// Dispatcher parses, routes and answers inbound events.
type Dispatcher struct {
	botName   string
	binder    ThreadBinder
	assistant AssistantBackend
	search    SearchBackend
	audit     InteractionLog
	logger    *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// Config holds Dispatcher dependencies.
type Config struct {
	BotName   string
	Binder    ThreadBinder
	Assistant AssistantBackend
	Search    SearchBackend
	Audit     InteractionLog
	Logger    *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		botName:   cfg.BotName,
		binder:    cfg.Binder,
		assistant: cfg.Assistant,
		search:    cfg.Search,
		audit:     cfg.Audit,
		logger:    logger,
		stats:     Stats{ModeCounts: make(map[string]int64)},
	}
}

// genericErrorReply is shown for any backend failure. The real cause
// goes to the interaction log and the operational log, never to the
// user.
const genericErrorReply = "Something went wrong handling your request. Please try again."

// Handle processes one inbound event and returns the single reply to
// send. The returned error is non-nil when a backend failed; the reply
// is still valid to send (a generic failure message). Every path logs
// two interaction entries: the input and the output or error text.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) (string, error) {
	cmd, arg := parseCommand(ev.Text)

	d.logger.Debug("event received",
		"chat_id", ev.ChatID,
		"user", ev.UserNickname,
		"command", cmd,
		"text_len", len(ev.Text),
	)

	reply, mode, err := d.route(ctx, ev, cmd, arg)

	logged := ev.Text
	if arg != "" {
		logged = arg
	}

	// Malformed input is recovered locally: the user gets a usage
	// message, no backend was called, and the event is not a failure.
	if errors.Is(err, ErrMissingArgument) {
		reply = usageReply(cmd)
		d.recordStats(mode, nil)
		d.logInteraction(ev, logged)
		d.logInteraction(ev, reply)
		return reply, nil
	}

	d.recordStats(mode, err)
	d.logInteraction(ev, logged)
	if err != nil {
		d.logger.Error("request failed",
			"chat_id", ev.ChatID,
			"user", ev.UserNickname,
			"mode", mode,
			"error", err,
		)
		d.logInteraction(ev, err.Error())
		return genericErrorReply, err
	}
	d.logInteraction(ev, reply)

	return reply, nil
}

// route maps one parsed command to its backend call. It returns the
// reply text, the mode label, and any backend error.
func (d *Dispatcher) route(ctx context.Context, ev Event, cmd, arg string) (string, string, error) {
	switch cmd {
	case CmdStart:
		return fmt.Sprintf("Hi! I'm %s, a bot that helps you find answers in the documentation.", d.botName),
			ModeStatic, nil

	case CmdHelp:
		return d.helpText(), ModeStatic, nil

	case CmdSearch:
		if arg == "" {
			return "", ModeSearch, fmt.Errorf("%s: %w", CmdSearch, ErrMissingArgument)
		}
		reply, err := d.statelessSearch(ctx, arg)
		if err != nil {
			return "", ModeSearch, &BackendError{Mode: ModeSearch, Err: err}
		}
		return reply, ModeSearch, nil

	case CmdSearchContextual:
		if arg == "" {
			return "", ModeSearchContextual, fmt.Errorf("%s: %w", CmdSearchContextual, ErrMissingArgument)
		}
		reply, err := d.contextualSearch(ctx, ev.ChatID, arg)
		if err != nil {
			return "", ModeSearchContextual, &BackendError{Mode: ModeSearchContextual, Err: err}
		}
		return reply, ModeSearchContextual, nil

	case CmdNewThread:
		threadID, err := d.binder.ForceNewThread(ctx, ev.ChatID)
		if err != nil {
			return "", ModeNewThread, &BackendError{Mode: ModeNewThread, Err: err}
		}
		return fmt.Sprintf("New thread created: %s", threadID), ModeNewThread, nil

	default:
		reply, err := d.assistantTurn(ctx, ev.ChatID, ev.Text)
		if err != nil {
			return "", ModeAssistant, &BackendError{Mode: ModeAssistant, Err: err}
		}
		return reply, ModeAssistant, nil
	}
}

// assistantTurn serves freeform text: resolve the chat's thread, append
// the message, and run the assistant over the accumulated history.
func (d *Dispatcher) assistantTurn(ctx context.Context, chatID, text string) (string, error) {
	threadID, err := d.binder.EnsureThread(ctx, chatID)
	if err != nil {
		return "", err
	}
	if err := d.assistant.WriteMessage(ctx, threadID, text, assistant.RoleUser); err != nil {
		return "", err
	}
	return d.assistant.Run(ctx, threadID)
}

// statelessSearch serves `search <query>`: only the query is sent, no
// conversation history, regardless of whether the chat has a thread.
func (d *Dispatcher) statelessSearch(ctx context.Context, query string) (string, error) {
	ans, err := d.search.Generate(ctx, []gensearch.Message{
		{Content: query, Role: assistant.RoleUser},
	})
	if err != nil {
		return "", err
	}
	return ans.Combined(), nil
}

// contextualSearch serves `search_contextual <query>`: the chat's full
// thread history plus the new query go to the search backend, and on
// success both the query and the combined answer are written back into
// the thread so later turns see them.
func (d *Dispatcher) contextualSearch(ctx context.Context, chatID, query string) (string, error) {
	threadID, err := d.binder.EnsureThread(ctx, chatID)
	if err != nil {
		return "", err
	}

	history, err := d.assistant.ReadMessages(ctx, threadID)
	if err != nil {
		return "", err
	}

	messages := make([]gensearch.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, gensearch.Message{Content: m.Text, Role: m.Role})
	}
	messages = append(messages, gensearch.Message{Content: query, Role: assistant.RoleUser})

	ans, err := d.search.Generate(ctx, messages)
	if err != nil {
		return "", err
	}
	combined := ans.Combined()

	if err := d.assistant.WriteMessage(ctx, threadID, query, assistant.RoleUser); err != nil {
		return "", err
	}
	if err := d.assistant.WriteMessage(ctx, threadID, combined, assistant.RoleAssistant); err != nil {
		return "", err
	}

	return combined, nil
}

func (d *Dispatcher) helpText() string {
	return strings.Join([]string{
		"Ask the assistant anything by just typing your question.",
		"To clear the conversation history, start a new thread with /new_thread.",
		"Generative search: /search <query>",
		"Generative search with thread context: /search_contextual <query>",
	}, "\n")
}

// usageReply is the response to a command missing its argument.
func usageReply(cmd string) string {
	return fmt.Sprintf("Please provide a query after /%s.", cmd)
}

// logInteraction appends one audit entry. Failures must not block the
// reply, so they are reported to the operational log and swallowed.
func (d *Dispatcher) logInteraction(ev Event, text string) {
	entry := store.LogEntry{
		ChatID:       ev.ChatID,
		UserNickname: ev.UserNickname,
		MessageText:  text,
		MessageTime:  ev.Timestamp,
	}
	if err := d.audit.AppendLog(entry); err != nil {
		d.logger.Warn("interaction log write failed",
			"chat_id", ev.ChatID,
			"error", err,
		)
	}
}

func (d *Dispatcher) recordStats(mode string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.TotalEvents++
	d.stats.ModeCounts[mode]++
	if err != nil {
		d.stats.Failures++
	}
	d.stats.LastEventTime = time.Now()
}

// Stats returns a snapshot of dispatch counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	counts := make(map[string]int64, len(d.stats.ModeCounts))
	for k, v := range d.stats.ModeCounts {
		counts[k] = v
	}
	s := d.stats
	s.ModeCounts = counts
	return s
}

// parseCommand splits a message into a command name and its inline
// argument. Freeform text (no leading slash and no known bare command)
// returns an empty command. A "/search@BotName" style suffix is
// stripped, matching how group chats address commands.
func parseCommand(text string) (cmd, arg string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ""
	}

	head, rest, _ := strings.Cut(trimmed, " ")

	name := strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}

	switch name {
	case CmdStart, CmdHelp, CmdSearch, CmdSearchContextual, CmdNewThread:
		// Bare words only count as commands with the slash prefix;
		// "search it yourself" is freeform text.
		if !strings.HasPrefix(head, "/") {
			return "", ""
		}
		return name, strings.TrimSpace(rest)
	default:
		return "", ""
	}
}
