package server

import (
	"github.com/adbauto/agent/internal/tasks"
)

// Message types sent over /ws.
const (
	MessageTypeHello        = "hello"
	MessageTypeTaskStarted  = tasks.EventStarted
	MessageTypeTaskFinished = tasks.EventFinished
)

// Message is the envelope for every WebSocket frame.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// HelloPayload is sent once on connect so a fresh page can render the
// current state without polling.
type HelloPayload struct {
	Status StatusResponse `json:"status"`
}

// NewTaskMessage wraps a runner event.
func NewTaskMessage(ev tasks.Event) Message {
	return Message{Type: ev.Type, Payload: ev.Task}
}

// NewHelloMessage builds the greeting.
func NewHelloMessage(status StatusResponse) Message {
	return Message{Type: MessageTypeHello, Payload: HelloPayload{Status: status}}
}
