package usecases

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
)

func (r *QueryResolver) classify(ctx context.Context, st *resolutionState) State {
	st.verdict, st.forced = "", false

	q := st.originalQuery
	if r.linker != nil {
		q = r.linker.Link(q)
		if name, ok := r.linker.Extract(q); ok {
			st.entity = name
		}
	}

	if st.retryCount > 0 || hasAnaphora(q) {
		rewritten, err := r.chatText(ctx, rewriteMessages(st, q), false)
		switch {
		case err != nil:
			r.logger.Warn().Err(err).Msg("query rewrite failed, keeping query")
		case strings.TrimSpace(rewritten) != "":
			q = strings.TrimSpace(rewritten)
		}
	}
	st.query = q

	st.route = r.classifyRoute(ctx, st)
	switch st.route {
	case RouteWebSearch:
		return StateWebSearch
	case RouteEnd:
		return StateEnd
	}
	return StateKnowledgeBase
}

// classifyRoute asks the model for a route. Anything unusable routes to the
// knowledge base.
func (r *QueryResolver) classifyRoute(ctx context.Context, st *resolutionState) Route {
	content, err := r.chatText(ctx, classifyMessages(st), true)
	if err != nil {
		r.logger.Warn().Err(err).Msg("classification failed, using knowledge base")
		return RouteKnowledgeBase
	}

	var out struct {
		Route string `json:"route"`
	}
	if err := decodeJSONObject(content, &out); err != nil {
		r.logger.Warn().Err(err).Str("content", content).Msg("unparseable classification, using knowledge base")
		return RouteKnowledgeBase
	}

	switch route := Route(strings.ToLower(strings.TrimSpace(out.Route))); route {
	case RouteKnowledgeBase, RouteWebSearch, RouteEnd:
		return route
	default:
		r.logger.Warn().Str("route", out.Route).Msg("unknown route, using knowledge base")
		return RouteKnowledgeBase
	}
}

func (r *QueryResolver) knowledgeBase(ctx context.Context, st *resolutionState) State {
	var filter map[string]string
	if r.cfg.FilterByEntity && st.entity != "" {
		filter = map[string]string{entities.MetaEntityName: st.entity}
	}

	docs, err := r.retriever.RetrieveAndRerank(ctx, st.query, r.cfg.TopK, filter)
	if err != nil {
		r.logger.Warn().Err(err).Str("query", st.query).Msg("retrieval failed")
		docs = nil
	}
	st.docs = docs
	st.quality = r.retriever.Quality(docs)

	r.logger.Debug().Str("query", st.query).Int("docs", len(docs)).
		Float64("quality", st.quality).Msg("knowledge base searched")
	return StateEvaluate
}

func (r *QueryResolver) evaluate(ctx context.Context, st *resolutionState) State {
	var pass bool
	if len(st.docs) == 0 {
		st.reason = "no documents matched the query"
	} else {
		verdict, reason, err := r.judge(ctx, st)
		if err != nil {
			pass = st.quality > r.cfg.QualityThreshold
			st.reason = "retrieval quality below threshold"
			r.logger.Debug().Err(err).Float64("quality", st.quality).Bool("pass", pass).
				Msg("evaluator unavailable, using quality threshold")
		} else {
			pass = verdict == VerdictPass
			st.reason = reason
		}
	}

	switch {
	case pass:
		st.verdict = VerdictPass
		return StateGenerate
	case st.retryCount < r.cfg.MaxRetry:
		st.verdict = VerdictRewrite
		st.retryCount++
		return StateClassify
	default:
		st.verdict = VerdictPass
		st.forced = true
		return StateGenerate
	}
}

// judge asks the model whether the documents answer the query.
func (r *QueryResolver) judge(ctx context.Context, st *resolutionState) (Verdict, string, error) {
	content, err := r.chatText(ctx, evaluateMessages(st, r.cfg.MaxContextChars), true)
	if err != nil {
		return "", "", err
	}

	var out struct {
		Verdict string `json:"verdict"`
		Reason  string `json:"reason"`
	}
	if err := decodeJSONObject(content, &out); err != nil {
		return "", "", err
	}

	switch v := Verdict(strings.ToLower(strings.TrimSpace(out.Verdict))); v {
	case VerdictPass, VerdictRewrite:
		return v, out.Reason, nil
	default:
		return "", "", &EvaluationParseError{Content: content}
	}
}

func (r *QueryResolver) generate(ctx context.Context, st *resolutionState, out *emitter) State {
	if len(st.docs) == 0 {
		st.answer = noDocumentsAnswer
		out.send(ctx, st.answer)
		return StateDone
	}

	text, err := r.streamAnswer(ctx, generateMessages(st, r.cfg.MaxContextChars), out)
	st.answer = text
	if out.stopped {
		return StateDone
	}
	if out.sent == 0 && (err != nil || strings.TrimSpace(text) == "") {
		if err != nil {
			r.logger.Warn().Err(err).Msg("generation failed, using top document")
		}
		st.answer = documentFallback(st.docs[0], r.cfg.MaxContextChars)
		out.send(ctx, st.answer)
	} else if err != nil {
		r.logger.Warn().Err(err).Int("chunks", out.sent).Msg("generation interrupted, keeping partial answer")
	}
	return StateDone
}

func (r *QueryResolver) webSearch(ctx context.Context, st *resolutionState, out *emitter) State {
	if r.searcher != nil {
		pages, err := r.searcher.Search(ctx, st.query)
		if err != nil {
			r.logger.Warn().Err(err).Str("query", st.query).Msg("web search failed")
		}
		st.pages = pages
	}

	if len(st.pages) == 0 {
		st.answer = noSearchResultsAnswer
		out.send(ctx, st.answer)
		return StateDone
	}

	text, err := r.streamAnswer(ctx, webSearchMessages(st, r.cfg.MaxContextChars), out)
	st.answer = text
	if out.stopped {
		return StateDone
	}
	if out.sent == 0 && (err != nil || strings.TrimSpace(text) == "") {
		if err != nil {
			r.logger.Warn().Err(err).Msg("web answer failed, using top result")
		}
		st.answer = pageFallback(st.pages[0])
		out.send(ctx, st.answer)
	}
	return StateDone
}

func (r *QueryResolver) end(ctx context.Context, st *resolutionState, out *emitter) State {
	st.answer = endReply
	out.send(ctx, st.answer)
	return StateDone
}

// chatText runs one non-streaming chat call and returns its content.
func (r *QueryResolver) chatText(ctx context.Context, msgs []entities.ChatMessage, jsonMode bool) (string, error) {
	temperature := 0.0
	res, err := r.router.Chat(ctx, entities.ChatRequest{
		Messages:     msgs,
		LogicalModel: r.cfg.ChatModel,
		Options:      entities.ChatOptions{Temperature: &temperature, JSONMode: jsonMode},
	})
	if err != nil {
		return "", err
	}
	return res.Response.Content, nil
}

// streamAnswer streams one answer to out and returns the text delivered.
// Delivery stops silently when out stops accepting text.
func (r *QueryResolver) streamAnswer(ctx context.Context, msgs []entities.ChatMessage, out *emitter) (string, error) {
	stream, err := r.router.ChatStream(ctx, entities.ChatRequest{
		Messages:     msgs,
		LogicalModel: r.cfg.ChatModel,
		Stream:       true,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if ctx.Err() != nil {
				out.stopped = true
			}
			return sb.String(), nil
		}
		if err != nil {
			if ctx.Err() != nil {
				out.stopped = true
			}
			return sb.String(), err
		}
		if chunk.Delta == "" {
			continue
		}
		if !out.send(ctx, chunk.Delta) {
			return sb.String(), nil
		}
		sb.WriteString(chunk.Delta)
	}
}
