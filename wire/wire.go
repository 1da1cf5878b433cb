// Package wire defines the JSON envelopes exchanged over the websocket.
// Exactly one field of an envelope is set.
package wire

import "github.com/mqy/minichat/chatstore"

const (
	ErrorCodeInvalidArguments = 3
	ErrorCodeNotFound         = 5
	ErrorCodeInternal         = 13
)

// ClientMsg is a client to server frame.
type ClientMsg struct {
	Identify     *IdentifyReq `json:"identify,omitempty"`
	RelayMessage *RelayReq    `json:"relayMessage,omitempty"`
}

type IdentifyReq struct {
	UserID string `json:"userId"`
}

type RelayReq struct {
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
}

// ServerMsg is a server to client frame.
type ServerMsg struct {
	PresenceSnapshot *Presence          `json:"presenceSnapshot,omitempty"`
	IncomingMessage  *IncomingMessage   `json:"incomingMessage,omitempty"`
	MessageSent      *chatstore.Message `json:"messageSent,omitempty"`
	Error            *Error             `json:"error,omitempty"`
}

// Presence lists the users currently holding a live connection, sorted.
type Presence struct {
	Online []string `json:"online"`
}

// IncomingMessage is the live push of a persisted message to its receiver.
type IncomingMessage struct {
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
}

type Error struct {
	Code   int        `json:"code"`
	Params []string   `json:"params,omitempty"`
	Req    *ClientMsg `json:"req,omitempty"`
}
