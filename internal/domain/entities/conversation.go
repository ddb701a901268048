package entities

import "time"

// Session groups the turns of one conversation.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is one question/answer exchange stored for history.
type Turn struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// Messages expands turns into alternating user/assistant messages, oldest first.
func Messages(turns []Turn) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(turns)*2)
	for _, t := range turns {
		msgs = append(msgs,
			ChatMessage{Role: RoleUser, Content: t.Question},
			ChatMessage{Role: RoleAssistant, Content: t.Answer},
		)
	}
	return msgs
}

// WebPage is a search hit with extracted page text.
type WebPage struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content"`
}
