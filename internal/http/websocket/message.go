package websocket

import (
	"fmt"

	"github.com/google/uuid"
)

type socketMessageType int

const (
	Update socketMessageType = iota
	Command
	Response
	ErrorResponse
	Welcome
)

// SocketMessage is a single frame sent over the activity websocket. The Id
// field is echoed back in replies so the client can pair a reply with the
// command that caused it. Origin and Target are never serialised: Origin is
// set by the hub on received messages and Target routes a reply to a single
// client.
type SocketMessage struct {
	Title  string                 `json:"title"`
	Body   map[string]interface{} `json:"arguments"`
	Id     int                    `json:"id"`
	Type   socketMessageType      `json:"type"`
	Origin *uuid.UUID             `json:"-"`
	Target *uuid.UUID             `json:"-"`
}

// StringArgument returns the named string argument of a command, or an
// error if it is missing or empty.
func (message *SocketMessage) StringArgument(key string) (string, error) {
	v, ok := message.Body[key]
	if !ok {
		return "", fmt.Errorf("argument '%s' is missing", key)
	}

	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument '%s' must be a non-empty string, got %#v", key, v)
	}

	return s, nil
}

// FormReply returns a NEW message addressed to the origin of this one,
// carrying the same Id so the client can correlate it.
func (message *SocketMessage) FormReply(replyTitle string, replyBody map[string]interface{}, replyType socketMessageType) *SocketMessage {
	if replyBody == nil {
		replyBody = make(map[string]interface{})
	}
	replyBody["command"] = message.Title

	return &SocketMessage{
		Title:  replyTitle,
		Body:   replyBody,
		Type:   replyType,
		Id:     message.Id,
		Target: message.Origin,
	}
}
