package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/channels"
	"github.com/jholhewres/wachat/pkg/wachat/database"
)

// Config is the bot section of the configuration.
type Config struct {
	// Prefix starts chat commands (".chat on").
	Prefix string `yaml:"prefix"`

	// MaxHistory is the number of turns kept per conversation.
	MaxHistory int `yaml:"max_history"`

	// DefaultRole is the persona used until one is set with botrole.
	DefaultRole string `yaml:"default_role"`

	// ReplyTimeout bounds one generator call (0 = no limit).
	ReplyTimeout time.Duration `yaml:"reply_timeout"`

	// MaxConcurrent bounds messages processed in parallel.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxMediaMB bounds media attached to prompts.
	MaxMediaMB int `yaml:"max_media_mb"`

	// ReadAfterReply marks a message read once it was answered.
	ReadAfterReply bool `yaml:"read_after_reply"`
}

// DefaultConfig returns the bot defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:        ".",
		MaxHistory:    DefaultMaxHistory,
		DefaultRole:   DefaultRoleText,
		ReplyTimeout:  90 * time.Second,
		MaxConcurrent: 8,
		MaxMediaMB:    20,
	}
}

// Generator produces an answer for a prompt (llm.Client).
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// Presence signals activity to the sender while an answer is generated.
type Presence interface {
	StartTyping(ctx context.Context, msg *channels.IncomingMessage)
	StopTyping(ctx context.Context, msg *channels.IncomingMessage)
}

// Recorder receives engine and command outcomes (observability.Metrics).
type Recorder interface {
	MessageOutcome(outcome string)
	GenerationError(kind string)
	GenerationLatency(d time.Duration)
	Command(name string)
	HistoryAppend()
}

// Message outcomes passed to Recorder.MessageOutcome.
const (
	OutcomeIgnored = "ignored"
	OutcomeReplied = "replied"
	OutcomeFailed  = "failed"
	OutcomeCommand = "command"
)

type nopRecorder struct{}

func (nopRecorder) MessageOutcome(string)           {}
func (nopRecorder) GenerationError(string)          {}
func (nopRecorder) GenerationLatency(time.Duration) {}
func (nopRecorder) Command(string)                  {}
func (nopRecorder) HistoryAppend()                  {}

var errEmptyReply = errors.New("generator returned an empty reply")

// Reply is the result of handling a message. On generation failure Text is
// the apology and Err describes the failure.
type Reply struct {
	Text string
	Err  *GenerationError
}

// Engine owns the chat state (settings, roles, conversations) and answers
// messages:
//
//	gate -> extract -> build prompt -> generate -> persist -> deliver
//
// A message that fails the gate causes no side effects. A failed generation
// produces an apology and is never persisted.
type Engine struct {
	cfg       Config
	settings  *Settings
	roles     *Roles
	history   *Conversations
	extractor Extractor
	generator Generator
	presence  Presence
	metrics   Recorder
	store     database.Store
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine wires an engine over store. downloader may be nil when the
// channels carry no media.
func NewEngine(cfg Config, store database.Store, gen Generator, downloader MediaDownloader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxMediaMB <= 0 {
		cfg.MaxMediaMB = def.MaxMediaMB
	}

	return &Engine{
		cfg:       cfg,
		settings:  NewSettings(store, logger),
		roles:     NewRoles(store, cfg.DefaultRole, logger),
		history:   NewConversations(store, cfg.MaxHistory, logger),
		extractor: NewMediaExtractor(downloader, int64(cfg.MaxMediaMB)<<20, logger),
		generator: gen,
		metrics:   nopRecorder{},
		store:     store,
		logger:    logger.With("component", "engine"),
		now:       time.Now,
	}
}

// SetExtractor replaces the default media extractor.
func (e *Engine) SetExtractor(x Extractor) { e.extractor = x }

// SetPresence installs typing signaling around generation.
func (e *Engine) SetPresence(p Presence) { e.presence = p }

// SetMetrics installs a metrics recorder.
func (e *Engine) SetMetrics(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	e.metrics = r
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Settings returns the enablement tables.
func (e *Engine) Settings() *Settings { return e.settings }

// Roles returns the role resolver.
func (e *Engine) Roles() *Roles { return e.roles }

// Conversations returns the conversation store.
func (e *Engine) Conversations() *Conversations { return e.history }

// Metrics returns the installed recorder.
func (e *Engine) Metrics() Recorder { return e.metrics }

// Load prepares the store and loads settings and the default role. Errors
// are logged and the engine starts with empty tables.
func (e *Engine) Load(ctx context.Context) {
	if err := database.EnsureIndexes(ctx, e.store); err != nil {
		e.logger.Warn("creating indexes failed", "error", err)
	}
	if err := e.settings.Load(ctx); err != nil {
		e.logger.Error("loading chat settings failed, starting with defaults", "error", err)
	}
	if err := e.roles.Load(ctx); err != nil {
		e.logger.Error("loading default role failed, keeping configured role", "error", err)
	}
}

// Handle answers msg. It returns false when the sender is not enabled.
func (e *Engine) Handle(ctx context.Context, msg *channels.IncomingMessage) (Reply, bool) {
	sender := SenderOf(msg)
	if !sender.Valid() || !e.settings.ShouldRespond(sender) {
		e.metrics.MessageOutcome(OutcomeIgnored)
		return Reply{}, false
	}

	logger := e.logger.With("conversation", sender.ConversationID(), "msg_id", msg.ID)

	if e.presence != nil {
		e.presence.StartTyping(ctx, msg)
		defer e.presence.StopTyping(ctx, msg)
	}

	content := e.extractor.Extract(ctx, msg)

	role := e.roles.Resolve(ctx, sender)
	convID := sender.ConversationID()
	prompt := BuildPrompt(role, e.history.History(ctx, convID), content.Text, content.Media, e.now())

	text, err := e.generate(ctx, prompt)
	if err != nil {
		gerr := classifyGeneration(err)
		logger.Error("generation failed", "kind", gerr.Kind, "error", gerr.Err)
		e.metrics.GenerationError(gerr.Kind.String())
		e.metrics.MessageOutcome(OutcomeFailed)
		return Reply{Text: gerr.Apology(), Err: gerr}, true
	}

	if err := e.history.Append(ctx, convID, content.Text, text); err != nil {
		logger.Warn("saving turn failed, reply still delivered", "error", err)
	} else {
		e.metrics.HistoryAppend()
	}

	e.metrics.MessageOutcome(OutcomeReplied)
	logger.Debug("reply generated", "media", len(content.Media), "length", len(text))
	return Reply{Text: text}, true
}

func (e *Engine) generate(ctx context.Context, prompt Prompt) (string, error) {
	if e.generator == nil {
		return "", errors.New("no generator configured")
	}
	if e.cfg.ReplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ReplyTimeout)
		defer cancel()
	}

	start := time.Now()
	text, err := e.generator.Generate(ctx, prompt)
	e.metrics.GenerationLatency(time.Since(start))
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", errEmptyReply
	}
	return text, nil
}

// Status is a snapshot used by the status command and the admin API.
type Status struct {
	Settings      SettingsStats `json:"settings"`
	Conversations int64         `json:"conversations"`
	MaxHistory    int           `json:"max_history"`
	DefaultRole   string        `json:"default_role"`
}

// Status reports the current state. A failed conversation count is
// reported as -1.
func (e *Engine) Status(ctx context.Context) Status {
	n, err := e.history.Count(ctx)
	if err != nil {
		e.logger.Warn("counting conversations failed", "error", err)
		n = -1
	}
	return Status{
		Settings:      e.settings.Stats(),
		Conversations: n,
		MaxHistory:    e.history.MaxTurns(),
		DefaultRole:   e.roles.DefaultRole(),
	}
}
