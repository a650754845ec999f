package models

import "time"

// AnswerType distinguishes how the user answered a question.
type AnswerType string

const (
	AnswerChoice AnswerType = "choice"
	AnswerText   AnswerType = "text"
)

// Question records an ask_question tool call and, once the follow-up turn
// arrives, the user's answer. Keyed by the tool call id.
type Question struct {
	CallID     string     `json:"call_id"`
	SessionID  string     `json:"session_id"`
	Question   string     `json:"question"`
	Choices    []string   `json:"choices,omitempty"`
	Answer     string     `json:"answer,omitempty"`
	AnswerType AnswerType `json:"answer_type,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}
