package models

import "encoding/json"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles accepted from clients.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Image is an inline image attached to a message. Data is raw base64 or a data URI.
type Image struct {
	Data     string
	MimeType string
}

// ChatMessage is the canonical, provider-agnostic message produced by normalization.
type ChatMessage struct {
	Role    Role
	Content string
	Images  []Image
}

// ChatRequest is the canonical request handed to a provider.
type ChatRequest struct {
	Messages []ChatMessage
	Model    string
	Stream   bool
	// Params holds every client field not consumed by normalization, verbatim.
	// Providers pick what their allow-lists accept.
	Params map[string]json.RawMessage
}

// Completion is the flattened result of a non-streaming upstream call.
type Completion struct {
	Message *string
	Raw     json.RawMessage
}

// EventKind tags a StreamEvent.
type EventKind int

const (
	EventTextDelta EventKind = iota
	EventFinish
)

// StreamEvent is one decoded unit of an upstream stream.
type StreamEvent struct {
	Kind   EventKind
	Text   string
	Reason string
}

// TextDelta builds a text-delta event.
func TextDelta(text string) StreamEvent {
	return StreamEvent{Kind: EventTextDelta, Text: text}
}

// Finish builds a finish event.
func Finish(reason string) StreamEvent {
	return StreamEvent{Kind: EventFinish, Reason: reason}
}

// EventStream yields decoded upstream events in arrival order.
// Recv returns io.EOF once the upstream signals the natural end of the stream.
type EventStream interface {
	Recv() (StreamEvent, error)
	Close() error
}
