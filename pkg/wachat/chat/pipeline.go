package chat

import (
	"context"

	"github.com/jholhewres/wachat/pkg/wachat/channels"
)

// Stage is one step of the message pipeline. A stage that handles the
// message stops the pipeline; its reply may be empty (nothing to send).
type Stage interface {
	Name() string
	Process(ctx context.Context, msg *channels.IncomingMessage) (reply string, handled bool)
}

// Pipeline runs stages in order until one handles the message.
type Pipeline struct {
	stages []Stage
}

// NewPipeline creates a pipeline from stages.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// DefaultPipeline runs prefixed commands first and the chat engine after.
func DefaultPipeline(commands *Commands, engine *Engine) *Pipeline {
	return NewPipeline(commands, &ChatStage{Engine: engine})
}

// Use appends a stage.
func (p *Pipeline) Use(s Stage) {
	p.stages = append(p.stages, s)
}

// Run returns the reply of the first stage that handles msg and that
// stage's name.
func (p *Pipeline) Run(ctx context.Context, msg *channels.IncomingMessage) (reply, stage string, handled bool) {
	for _, s := range p.stages {
		if reply, ok := s.Process(ctx, msg); ok {
			return reply, s.Name(), true
		}
	}
	return "", "", false
}

// ChatStage answers messages through the engine.
type ChatStage struct {
	Engine *Engine
}

func (s *ChatStage) Name() string { return "chat" }

func (s *ChatStage) Process(ctx context.Context, msg *channels.IncomingMessage) (string, bool) {
	reply, ok := s.Engine.Handle(ctx, msg)
	return reply.Text, ok
}
