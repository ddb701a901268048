// Package usecases - resolver.go answers user queries with a bounded
// classify/retrieve/evaluate/generate loop.
package usecases

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

var tracer = otel.Tracer("github.com/0xcro3dile/fgo-agent-go/internal/domain/usecases")

// Resolver defaults.
const (
	DefaultMaxRetry         = 2
	DefaultQualityThreshold = 0.6
	DefaultTopK             = 5
)

// ErrNoQuery is returned when the message list has no user message.
var ErrNoQuery = errors.New("no user message to answer")

// State is a step of the resolution loop.
type State int

const (
	StateClassify State = iota
	StateKnowledgeBase
	StateEvaluate
	StateGenerate
	StateWebSearch
	StateEnd
	StateDone
)

func (s State) String() string {
	switch s {
	case StateClassify:
		return "classify"
	case StateKnowledgeBase:
		return "knowledge_base"
	case StateEvaluate:
		return "evaluate"
	case StateGenerate:
		return "generate"
	case StateWebSearch:
		return "web_search"
	case StateEnd:
		return "end"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Route is the classification of a query.
type Route string

const (
	RouteKnowledgeBase Route = "knowledge_base"
	RouteWebSearch     Route = "web_search"
	RouteEnd           Route = "end"
)

// Verdict is the evaluation of a retrieved document set.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictRewrite Verdict = "rewrite"
)

// Transition describes one step of the loop. Route and Verdict carry the
// decisions made so far in the current attempt.
type Transition struct {
	From       State
	To         State
	RetryCount int
	Route      Route
	Verdict    Verdict
	Quality    float64
	Forced     bool // pass forced by the retry bound
}

// Resolution is what the caller gets back: the conversation with the answer
// appended, and the answer itself.
type Resolution struct {
	Messages []entities.ChatMessage
	Answer   string
}

// EmitFunc receives answer text as it is produced. Returning an error stops
// delivery; the resolution then ends without error.
type EmitFunc func(ctx context.Context, delta string) error

// ResolverConfig tunes the loop.
type ResolverConfig struct {
	ChatModel        string // logical model used for every chat call
	TopK             int
	MaxRetry         int
	QualityThreshold float64
	FilterByEntity   bool // scope retrieval to the linked servant
	MaxContextChars  int  // per document in the generation prompt
}

// QueryResolver runs the resolution loop for one query at a time. It holds
// no per-request state and is safe for concurrent use.
type QueryResolver struct {
	router    ports.ModelRouter
	retriever ports.DocumentRetriever
	linker    ports.EntityLinker
	searcher  ports.WebSearcher
	cfg       ResolverConfig
	hook      func(Transition)
	logger    zerolog.Logger
}

// ResolverOption configures optional collaborators.
type ResolverOption func(*QueryResolver)

// WithEntityLinker enables alias resolution before classification.
func WithEntityLinker(l ports.EntityLinker) ResolverOption {
	return func(r *QueryResolver) { r.linker = l }
}

// WithWebSearcher enables the web search route.
func WithWebSearcher(s ports.WebSearcher) ResolverOption {
	return func(r *QueryResolver) { r.searcher = s }
}

// WithTransitionHook is called after every step, on the request goroutine.
func WithTransitionHook(h func(Transition)) ResolverOption {
	return func(r *QueryResolver) { r.hook = h }
}

// NewQueryResolver creates a QueryResolver with injected dependencies.
func NewQueryResolver(
	router ports.ModelRouter,
	retriever ports.DocumentRetriever,
	cfg ResolverConfig,
	logger zerolog.Logger,
	opts ...ResolverOption,
) *QueryResolver {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = 0
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = DefaultQualityThreshold
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 1500
	}
	r := &QueryResolver{
		router:    router,
		retriever: retriever,
		cfg:       cfg,
		logger:    logger.With().Str("component", "resolver").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// resolutionState is the full working state of one resolution. Only
// project reads it back out.
type resolutionState struct {
	history []entities.ChatMessage // messages before the query
	input   []entities.ChatMessage

	originalQuery string
	query         string // after linking and rewriting
	entity        string
	route         Route

	docs    []entities.RetrievedDocument
	quality float64
	verdict Verdict
	reason  string
	forced  bool

	pages []entities.WebPage

	retryCount int
	answer     string
}

// Resolve answers the last user message and returns the full answer.
func (r *QueryResolver) Resolve(ctx context.Context, messages []entities.ChatMessage) (*Resolution, error) {
	return r.ResolveStream(ctx, messages, nil)
}

// ResolveStream answers the last user message, passing answer text to emit
// as it is generated. If emit fails or ctx is cancelled, delivery stops and
// the partial resolution is returned without error.
func (r *QueryResolver) ResolveStream(ctx context.Context, messages []entities.ChatMessage, emit EmitFunc) (*Resolution, error) {
	st, err := newResolutionState(messages)
	if err != nil {
		return nil, err
	}
	out := &emitter{emit: emit}

	ctx, span := tracer.Start(ctx, "resolver.resolve")
	defer span.End()

	state := StateClassify
	for state != StateDone {
		next := r.step(ctx, state, st, out)

		if r.hook != nil {
			r.hook(Transition{
				From:       state,
				To:         next,
				RetryCount: st.retryCount,
				Route:      st.route,
				Verdict:    st.verdict,
				Quality:    st.quality,
				Forced:     st.forced,
			})
		}
		r.logger.Debug().Stringer("from", state).Stringer("to", next).
			Int("retry", st.retryCount).Msg("transition")
		state = next
	}

	span.SetAttributes(
		attribute.String("resolver.route", string(st.route)),
		attribute.Int("resolver.retry_count", st.retryCount),
		attribute.Bool("resolver.abandoned", out.stopped),
	)
	return project(st), nil
}

func newResolutionState(messages []entities.ChatMessage) (*resolutionState, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == entities.RoleUser && messages[i].Content != "" {
			return &resolutionState{
				history:       messages[:i],
				input:         messages,
				originalQuery: messages[i].Content,
				query:         messages[i].Content,
			}, nil
		}
	}
	return nil, ErrNoQuery
}

func (r *QueryResolver) step(ctx context.Context, state State, st *resolutionState, out *emitter) State {
	ctx, span := tracer.Start(ctx, "resolver."+state.String())
	defer span.End()
	span.SetAttributes(attribute.Int("resolver.retry_count", st.retryCount))

	switch state {
	case StateClassify:
		return r.classify(ctx, st)
	case StateKnowledgeBase:
		return r.knowledgeBase(ctx, st)
	case StateEvaluate:
		return r.evaluate(ctx, st)
	case StateGenerate:
		return r.generate(ctx, st, out)
	case StateWebSearch:
		return r.webSearch(ctx, st, out)
	case StateEnd:
		return r.end(ctx, st, out)
	}
	return StateDone
}

// project is the single place intermediate state is dropped.
func project(st *resolutionState) *Resolution {
	msgs := make([]entities.ChatMessage, 0, len(st.input)+1)
	msgs = append(msgs, st.input...)
	msgs = append(msgs, entities.ChatMessage{Role: entities.RoleAssistant, Content: st.answer})
	return &Resolution{Messages: msgs, Answer: st.answer}
}

// emitter forwards answer text and latches off on the first delivery failure.
type emitter struct {
	emit    EmitFunc
	stopped bool
	sent    int
}

func (e *emitter) send(ctx context.Context, delta string) bool {
	if e.stopped {
		return false
	}
	if ctx.Err() != nil {
		e.stopped = true
		return false
	}
	if e.emit != nil {
		if err := e.emit(ctx, delta); err != nil {
			e.stopped = true
			return false
		}
	}
	e.sent++
	return true
}
