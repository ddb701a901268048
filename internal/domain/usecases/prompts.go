package usecases

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
)

// Deterministic replies used when no model answer is available.
const (
	endReply              = "如有其他问题，请随时询问！"
	noDocumentsAnswer     = "抱歉，知识库中没有找到与这个问题相关的资料。可以换个说法，或直接写出从者的全名再问一次。"
	noSearchResultsAnswer = "抱歉，网络搜索没有找到与这个问题相关的结果。"
	documentFallbackLead  = "暂时无法生成回答，以下是最相关的资料：\n\n"
	pageFallbackLead      = "暂时无法生成回答，以下是最相关的搜索结果：\n\n"
)

// historyMessages caps how much conversation is replayed into prompts.
const historyMessages = 6

var chineseAnaphora = []string{"他们", "她们", "它们", "这个", "那个", "他", "她", "它"}

var englishAnaphora = map[string]bool{
	"he": true, "she": true, "it": true, "they": true,
	"him": true, "his": true, "her": true, "its": true, "their": true, "them": true,
	"this": true, "that": true,
}

// hasAnaphora reports whether the query leans on earlier context.
func hasAnaphora(q string) bool {
	q = strings.ReplaceAll(q, "其他", "")
	for _, p := range chineseAnaphora {
		if strings.Contains(q, p) {
			return true
		}
	}
	words := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	for _, w := range words {
		if englishAnaphora[w] {
			return true
		}
	}
	return false
}

const rewriteSystemPrompt = `You rewrite questions about the game Fate/Grand Order for a search engine.
Replace pronouns with the servant or item they refer to, using the conversation.
Keep the original language. Reply with the rewritten question only.`

func rewriteMessages(st *resolutionState, query string) []entities.ChatMessage {
	var sb strings.Builder
	if h := recentHistory(st.history); h != "" {
		sb.WriteString("Conversation:\n")
		sb.WriteString(h)
		sb.WriteString("\n")
	}
	if st.retryCount > 0 && st.reason != "" {
		fmt.Fprintf(&sb, "The previous search failed: %s\nMake the question more specific.\n\n", st.reason)
	}
	sb.WriteString("Question: ")
	sb.WriteString(query)

	return []entities.ChatMessage{
		{Role: entities.RoleSystem, Content: rewriteSystemPrompt},
		{Role: entities.RoleUser, Content: sb.String()},
	}
}

const classifySystemPrompt = `You route questions for a Fate/Grand Order assistant.
- "knowledge_base": servants, skills, Noble Phantasms, profiles, materials and other game data.
- "web_search": news, events, banners, or anything recent or outside the game wiki.
- "end": greetings, thanks, small talk, or nothing to answer.
Reply with JSON only: {"route": "knowledge_base" | "web_search" | "end"}`

func classifyMessages(st *resolutionState) []entities.ChatMessage {
	return []entities.ChatMessage{
		{Role: entities.RoleSystem, Content: classifySystemPrompt},
		{Role: entities.RoleUser, Content: st.query},
	}
}

const evaluateSystemPrompt = `You judge whether retrieved passages are enough to answer a question.
Reply with JSON only: {"verdict": "pass" | "rewrite", "reason": "<one sentence>"}
Use "rewrite" when the passages are about a different servant or miss what was asked.`

func evaluateMessages(st *resolutionState, maxChars int) []entities.ChatMessage {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nPassages:\n", st.query)
	writeDocuments(&sb, st.docs, maxChars)
	return []entities.ChatMessage{
		{Role: entities.RoleSystem, Content: evaluateSystemPrompt},
		{Role: entities.RoleUser, Content: sb.String()},
	}
}

const generateSystemPrompt = `You are a Fate/Grand Order assistant. Answer the question using only the reference passages.
If the passages do not contain the answer, say so. Answer in the language of the question.`

func generateMessages(st *resolutionState, maxChars int) []entities.ChatMessage {
	var sb strings.Builder
	sb.WriteString(generateSystemPrompt)
	sb.WriteString("\n\nReference passages:\n")
	writeDocuments(&sb, st.docs, maxChars)
	return answerMessages(sb.String(), st)
}

const webSearchSystemPrompt = `You are a Fate/Grand Order assistant. Answer the question from the web search results below and cite the sources you used by title.
Answer in the language of the question.`

func webSearchMessages(st *resolutionState, maxChars int) []entities.ChatMessage {
	var sb strings.Builder
	sb.WriteString(webSearchSystemPrompt)
	sb.WriteString("\n\nSearch results:\n")
	for i, p := range st.pages {
		fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n\n", i+1, p.Title, p.URL, truncateRunes(p.Content, maxChars))
	}
	return answerMessages(sb.String(), st)
}

func answerMessages(system string, st *resolutionState) []entities.ChatMessage {
	msgs := []entities.ChatMessage{{Role: entities.RoleSystem, Content: system}}
	msgs = append(msgs, tail(st.history, historyMessages)...)
	return append(msgs, entities.ChatMessage{Role: entities.RoleUser, Content: st.query})
}

func writeDocuments(sb *strings.Builder, docs []entities.RetrievedDocument, maxChars int) {
	for i, d := range docs {
		fmt.Fprintf(sb, "[%d]", i+1)
		if name := d.Metadata[entities.MetaEntityName]; name != "" {
			fmt.Fprintf(sb, " %s", name)
		}
		if typ := d.Metadata[entities.MetaDocType]; typ != "" {
			fmt.Fprintf(sb, " (%s)", typ)
		}
		fmt.Fprintf(sb, "\n%s\n\n", truncateRunes(d.Content, maxChars))
	}
}

func documentFallback(doc entities.RetrievedDocument, maxChars int) string {
	return documentFallbackLead + truncateRunes(doc.Content, maxChars)
}

func pageFallback(p entities.WebPage) string {
	text := p.Snippet
	if text == "" {
		text = truncateRunes(p.Content, 500)
	}
	return fmt.Sprintf("%s%s\n%s\n%s", pageFallbackLead, p.Title, text, p.URL)
}

func recentHistory(history []entities.ChatMessage) string {
	var sb strings.Builder
	for _, m := range tail(history, historyMessages) {
		if m.Role == entities.RoleSystem {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return sb.String()
}

func tail(msgs []entities.ChatMessage, n int) []entities.ChatMessage {
	if len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}

// EvaluationParseError reports a model reply that is not a usable verdict.
type EvaluationParseError struct {
	Content string
}

func (e *EvaluationParseError) Error() string {
	return fmt.Sprintf("unusable evaluator reply: %q", truncateRunes(e.Content, 200))
}

var errNoJSONObject = errors.New("no JSON object in model reply")

// decodeJSONObject decodes the outermost {...} in content, which tolerates
// code fences and chatter around the object.
func decodeJSONObject(content string, v any) error {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return errNoJSONObject
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), v); err != nil {
		return fmt.Errorf("decoding model JSON: %w", err)
	}
	return nil
}
