package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jholhewres/wachat/pkg/wachat/channels"
)

// Assistant consumes the channel manager stream and answers every message
// through the pipeline, one goroutine per message up to MaxConcurrent.
type Assistant struct {
	manager  *channels.Manager
	pipeline *Pipeline
	engine   *Engine
	logger   *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewAssistant wires the default pipeline (commands, then chat) and
// installs itself as the engine's presence signaler.
func NewAssistant(manager *channels.Manager, engine *Engine, access *Access, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Assistant{
		manager: manager,
		engine:  engine,
		logger:  logger.With("component", "assistant"),
		sem:     make(chan struct{}, engine.Config().MaxConcurrent),
	}
	a.pipeline = DefaultPipeline(NewCommands(engine, access, logger), engine)
	engine.SetPresence(a)
	return a
}

// Pipeline returns the message pipeline, e.g. to add stages.
func (a *Assistant) Pipeline() *Pipeline { return a.pipeline }

// Run processes messages until ctx is cancelled or the stream closes, then
// waits for in-flight messages.
func (a *Assistant) Run(ctx context.Context) error {
	a.logger.Info("assistant started", "max_concurrent", cap(a.sem))
	defer a.wg.Wait()

	msgs := a.manager.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			select {
			case a.sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				defer func() { <-a.sem }()
				a.handle(ctx, msg)
			}()
		}
	}
}

func (a *Assistant) handle(ctx context.Context, msg *channels.IncomingMessage) {
	logger := a.logger.With(
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"from", msg.From,
		"msg_id", msg.ID,
		"request_id", uuid.New().String(),
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while handling message", "panic", r)
		}
	}()

	reply, stage, handled := a.pipeline.Run(ctx, msg)
	if !handled {
		logger.Debug("message ignored", "type", msg.Type)
		return
	}
	if reply == "" {
		return
	}

	if err := a.manager.Send(ctx, msg.Channel, msg.ChatID, &channels.OutgoingMessage{Content: reply}); err != nil {
		logger.Error("sending reply failed", "stage", stage, "error", err)
		return
	}
	logger.Info("reply sent", "stage", stage, "length", len(reply))

	if a.engine.Config().ReadAfterReply {
		if pc, ok := a.manager.Presence(msg.Channel); ok {
			if err := pc.MarkRead(ctx, msg.ChatID, []string{msg.ID}); err != nil {
				logger.Debug("read receipt failed", "error", err)
			}
		}
	}
}

// StartTyping implements Presence.
func (a *Assistant) StartTyping(ctx context.Context, msg *channels.IncomingMessage) {
	pc, ok := a.manager.Presence(msg.Channel)
	if !ok {
		return
	}
	if err := pc.SendTyping(ctx, msg.ChatID); err != nil {
		a.logger.Debug("typing indicator failed", "chat_id", msg.ChatID, "error", err)
	}
}

// StopTyping implements Presence. It also marks the bot available again.
func (a *Assistant) StopTyping(ctx context.Context, msg *channels.IncomingMessage) {
	pc, ok := a.manager.Presence(msg.Channel)
	if !ok {
		return
	}
	if err := pc.StopTyping(ctx, msg.ChatID); err != nil {
		a.logger.Debug("stop typing failed", "chat_id", msg.ChatID, "error", err)
	}
	if err := pc.SendPresence(ctx, true); err != nil {
		a.logger.Debug("presence update failed", "error", err)
	}
}
