package models

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleDeveloper Role = "developer"
	RoleSystem    Role = "system"
)

// Status is the lifecycle state of a conversation. Exactly one holds at a time.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusAnalyzing Status = "analyzing"
	StatusFailed    Status = "failed"
)

// Busy reports whether an action is in flight.
func (s Status) Busy() bool {
	return s == StatusLoading || s == StatusAnalyzing
}

// Usage is the token accounting reported for one completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Empty reports whether the provider left usage unset.
func (u Usage) Empty() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// Message is one entry of a conversation's history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// Conversation is the authoritative record of a single pairing chat.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Messages       []Message `json:"messages"`
	TokensIn       int       `json:"tokensIn"`
	TokensOut      int       `json:"tokensOut"`
	TotalTokens    int       `json:"totalTokens"`
	TokenLimit     int       `json:"tokenLimit"`
	WarnTokenLimit bool      `json:"warnTokenLimit"`
	// LimitReached is set when a send was rejected at the hard limit and
	// keeps WarnTokenLimit raised for the rest of the conversation.
	LimitReached bool      `json:"limitReached,omitempty"`
	Status       Status    `json:"status"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand outside the owning lock.
func (c *Conversation) Clone() Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		if m.Usage != nil {
			u := *m.Usage
			m.Usage = &u
		}
		out.Messages[i] = m
	}
	return out
}

// Snapshot is the serialized form of the whole conversation collection.
type Snapshot struct {
	Conversations      []Conversation `json:"conversations"`
	ActiveConversation string         `json:"activeConversation,omitempty"`
	SavedAt            time.Time      `json:"savedAt"`
}
