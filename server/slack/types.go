package slack

import (
	"encoding/json"

	t "github.com/tagmux/relay/server/store/types"
)

// envelope is the Socket Mode frame. Every envelope with an ID must be
// acknowledged or the platform redelivers it.
type envelope struct {
	EnvelopeID string          `json:"envelope_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	AcceptsRes bool            `json:"accepts_response_payload"`
}

// ack is the reply to an envelope.
type ack struct {
	EnvelopeID string      `json:"envelope_id"`
	Payload    interface{} `json:"payload,omitempty"`
}

// MessageEvent is an inbound channel message.
type MessageEvent struct {
	Channel t.ChannelID
	Sender  t.Sender
	Text    string
	Ts      string
}

// CommandEvent is an invocation of the relay's slash command.
type CommandEvent struct {
	Command string
	Text    string
	Channel t.ChannelID
	User    t.UserID
}

// Profile is the displayed identity of a message sender, used to
// impersonate the author on relayed copies.
type Profile struct {
	Name    string
	IconURL string
}

// PostOptions decorate an outgoing message.
type PostOptions struct {
	// Post under this name/avatar instead of the bot's own.
	Username string
	IconURL  string
}

// Identity is the relay's own authenticated identity.
type Identity struct {
	User t.UserID
	Bot  t.BotID
}

// Messenger is the delivery surface of the platform client. The relay
// routing core computes destinations; a Messenger performs the posting.
type Messenger interface {
	// PostMessage posts text to a channel.
	PostMessage(ch t.ChannelID, text string, opts *PostOptions) error
	// SenderProfile resolves the display name and avatar of a sender.
	SenderProfile(sender t.Sender) (*Profile, error)
	// CreateChannel creates a new public channel and returns its ID.
	CreateChannel(name string) (t.ChannelID, error)
}
