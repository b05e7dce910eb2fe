package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gwi.com/faq-responder/internal/auth"
	"gwi.com/faq-responder/internal/config"
	"gwi.com/faq-responder/internal/store"
)

// State is a step of the reply state machine.
type State string

const (
	StateReceived  State = "received"
	StateVerified  State = "verified"
	StateEmbedded  State = "embedded"
	StateRetrieved State = "retrieved"
	StateGenerated State = "generated"
	StateFiltered  State = "filtered"
	StateSent      State = "sent"
	StateRejected  State = "rejected"
	StateFallback  State = "fallback"
)

// InboundMessage is one user message together with the raw delivery it came
// in, which is what the signature covers.
type InboundMessage struct {
	SenderID     string
	ReplyToken   string
	Text         string
	RawSignature string
	RawBody      []byte
}

// Recipient addresses an outbound reply.
type Recipient struct {
	ID         string
	ReplyToken string
}

// Sink delivers a final reply to the user.
type Sink interface {
	Send(ctx context.Context, to Recipient, text string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, to Recipient, text string) error

func (f SinkFunc) Send(ctx context.Context, to Recipient, text string) error {
	return f(ctx, to, text)
}

// Result describes how one message went through the pipeline.
type Result struct {
	State      State
	Path       []State
	Reply      FinalReply
	Grounded   bool
	Hits       []store.RetrievalHit
	Dispatched bool
	Err        error
}

func (r *Result) enter(s State) {
	r.State = s
	r.Path = append(r.Path, s)
}

// Reached reports whether the message passed through s.
func (r Result) Reached(s State) bool {
	for _, p := range r.Path {
		if p == s {
			return true
		}
	}
	return false
}

// Pipeline runs verify, embed, retrieve, generate, filter and send for one
// message at a time. It holds no per-message state and is safe for concurrent use.
type Pipeline struct {
	secret    string
	embedder  Embedder
	retriever *Retriever
	generator *AnswerGenerator
	filter    *SafetyFilter
	sink      Sink
	cfg       config.PipelineConfig
	logger    *zap.Logger
}

type PipelineDeps struct {
	Secret    string
	Embedder  Embedder
	Retriever *Retriever
	Generator *AnswerGenerator
	Filter    *SafetyFilter
	Sink      Sink
}

func NewPipeline(deps PipelineDeps, cfg config.PipelineConfig, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case deps.Secret == "":
		return nil, errors.New("pipeline: channel secret is required")
	case deps.Embedder == nil, deps.Retriever == nil, deps.Generator == nil, deps.Filter == nil:
		return nil, errors.New("pipeline: embedder, retriever, generator and filter are required")
	case deps.Sink == nil:
		return nil, errors.New("pipeline: sink is required")
	}
	if cfg.GenerateRetries > 1 {
		cfg.GenerateRetries = 1
	}

	return &Pipeline{
		secret:    deps.Secret,
		embedder:  deps.Embedder,
		retriever: deps.Retriever,
		generator: deps.Generator,
		filter:    deps.Filter,
		sink:      deps.Sink,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// WithSink returns a copy of the pipeline that dispatches to sink.
func (p *Pipeline) WithSink(sink Sink) *Pipeline {
	cp := *p
	cp.sink = sink
	return &cp
}

// Handle runs one message to completion. External calls run detached from ctx
// so an abandoned request still finishes generating (and logs what it would
// have sent); only dispatch is skipped once ctx is done.
func (p *Pipeline) Handle(ctx context.Context, msg InboundMessage) Result {
	started := time.Now()
	logger := p.logger.With(zap.String("sender_id", msg.SenderID))

	res := Result{}
	res.enter(StateReceived)

	if strings.TrimSpace(msg.Text) == "" {
		res.enter(StateRejected)
		res.Err = fmt.Errorf("%w: message text is empty", ErrValidation)
		logger.Warn("Rejected inbound message", zap.String("stage", "validate"), zap.Error(res.Err))
		return res
	}
	if !auth.Verify(msg.RawBody, msg.RawSignature, p.secret) {
		res.enter(StateRejected)
		res.Err = fmt.Errorf("%w: signature mismatch", ErrAuthentication)
		logger.Warn("Rejected inbound message", zap.String("stage", "verify"), zap.Error(res.Err))
		return res
	}
	res.enter(StateVerified)

	work := context.WithoutCancel(ctx)

	res.Hits = p.retrieve(work, logger, msg.Text, &res)
	res.Grounded = len(res.Hits) > 0

	draft, err := callWithRetry(work, logger, callPolicy{
		stage:   "generate",
		service: "generation",
		timeout: p.cfg.GenerateTimeout,
		retries: p.cfg.GenerateRetries,
		backoff: p.cfg.Backoff,
	}, func(c context.Context) (DraftReply, error) {
		return p.generator.Generate(c, msg.Text, res.Hits)
	})
	if err != nil {
		res.enter(StateFallback)
		res.Err = err
		draft = DraftReply{Text: p.filter.Fallback(), Origin: OriginFallback}
		logger.Error("Generation failed, using fallback reply",
			zap.String("stage", "generate"),
			zap.Bool("rejected", errors.Is(err, ErrGenerationRejected)),
			zap.Error(err),
		)
	} else {
		res.enter(StateGenerated)
	}

	res.Reply = p.filter.Filter(draft)
	res.enter(StateFiltered)

	if ctx.Err() != nil {
		logger.Warn("Request abandoned, reply not dispatched",
			zap.String("stage", "dispatch"),
			zap.String("origin", string(res.Reply.Origin)),
			zap.String("reply", res.Reply.Text),
			zap.Error(ctx.Err()),
		)
		return res
	}

	_, err = callWithRetry(work, logger, callPolicy{
		stage:   "dispatch",
		service: "sink",
		timeout: p.cfg.DispatchTimeout,
		retries: p.cfg.DispatchRetries,
		backoff: p.cfg.Backoff,
	}, func(c context.Context) (struct{}, error) {
		return struct{}{}, p.sink.Send(c, Recipient{ID: msg.SenderID, ReplyToken: msg.ReplyToken}, res.Reply.Text)
	})
	if err != nil {
		res.Err = errors.Join(res.Err, err)
		logger.Error("Reply dispatch failed",
			zap.String("stage", "dispatch"),
			zap.String("reply", res.Reply.Text),
			zap.Error(err),
		)
		return res
	}
	res.enter(StateSent)
	res.Dispatched = true

	logger.Info("Reply sent",
		zap.Any("path", res.Path),
		zap.String("origin", string(res.Reply.Origin)),
		zap.Bool("grounded", res.Grounded),
		zap.Int("hits", len(res.Hits)),
		zap.Duration("latency", time.Since(started)),
	)
	return res
}

// retrieve embeds the message and looks up related records. Any failure here
// degrades to an ungrounded reply instead of aborting.
func (p *Pipeline) retrieve(ctx context.Context, logger *zap.Logger, text string, res *Result) []store.RetrievalHit {
	vec, err := callWithRetry(ctx, logger, callPolicy{
		stage:   "embed",
		service: "embedding",
		timeout: p.cfg.EmbedTimeout,
		retries: p.cfg.EmbedRetries,
		backoff: p.cfg.Backoff,
	}, func(c context.Context) ([]float32, error) {
		return p.embedder.Embed(c, text)
	})
	if err != nil {
		logger.Warn("Embedding failed, generating without context", zap.String("stage", "embed"), zap.Error(err))
		return nil
	}
	res.enter(StateEmbedded)

	hits, err := callWithRetry(ctx, logger, callPolicy{
		stage:   "retrieve",
		service: "store",
		timeout: p.cfg.RetrieveTimeout,
		retries: p.cfg.RetrieveRetries,
		backoff: p.cfg.Backoff,
	}, func(c context.Context) ([]store.RetrievalHit, error) {
		return p.retriever.Retrieve(c, vec)
	})
	if err != nil {
		logger.Warn("Retrieval failed, generating without context", zap.String("stage", "retrieve"), zap.Error(err))
		return nil
	}
	res.enter(StateRetrieved)
	return hits
}
