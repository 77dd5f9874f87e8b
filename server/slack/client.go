/******************************************************************************
 *
 *  Description :
 *
 *    Socket Mode client: maintains the websocket connection to the chat
 *    platform, acknowledges event envelopes and dispatches them to the
 *    registered handlers. Outbound posting goes over the Web API.
 *
 *****************************************************************************/

// Package slack implements the platform transport: the event source, the
// delivery sink and the own-identity provider of the relay.
package slack

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tagmux/relay/server/logs"
	t "github.com/tagmux/relay/server/store/types"
)

const (
	defaultAPIURL = "https://slack.com/api/"

	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 70 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound ack queue limit.
	sendQueueLimit = 128
)

// Config is the platform client configuration.
type Config struct {
	// App-level token used to open the socket connection ("xapp-...").
	AppToken string `json:"app_token"`
	// Bot token used for Web API calls ("xoxb-...").
	BotToken string `json:"bot_token"`
	// Web API root override, for tests.
	APIURL string `json:"api_url,omitempty"`
}

// Client is the Socket Mode connection plus the Web API caller.
type Client struct {
	config Config
	apiURL string
	http   *http.Client

	ws   *websocket.Conn
	send chan interface{}
	stop chan struct{}

	// OnMessage is invoked for every inbound channel message.
	OnMessage func(*MessageEvent)
	// OnCommand is invoked for every slash command; the returned text, if
	// any, is delivered as the immediate command response.
	OnCommand func(*CommandEvent) string
}

// NewClient creates an unconnected client.
func NewClient(config Config) *Client {
	apiURL := config.APIURL
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Client{
		config: config,
		apiURL: apiURL,
		http:   &http.Client{Timeout: 30 * time.Second},
		send:   make(chan interface{}, sendQueueLimit),
		stop:   make(chan struct{}),
	}
}

// apiCall performs a Web API POST with the bot token and decodes the
// response into resp. Form-encoded; the platform accepts both.
func (c *Client) apiCall(method string, form url.Values, token string, resp interface{}) error {
	req, err := http.NewRequest(http.MethodPost, c.apiURL+method,
		bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, resp)
}

type apiError struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (e *apiError) check(method string) error {
	if !e.OK {
		if e.Error == "" {
			e.Error = "unknown error"
		}
		return errors.New("slack: " + method + " failed: " + e.Error)
	}
	return nil
}

// Identify calls auth.test and returns the relay's own identity. The bot
// ID it returns is the one compared against message senders to suppress
// self-relay.
func (c *Client) Identify() (*Identity, error) {
	var resp struct {
		apiError
		UserID string `json:"user_id"`
		BotID  string `json:"bot_id"`
	}
	if err := c.apiCall("auth.test", url.Values{}, c.config.BotToken, &resp); err != nil {
		return nil, err
	}
	if err := resp.check("auth.test"); err != nil {
		return nil, err
	}
	return &Identity{User: t.UserID(resp.UserID), Bot: t.BotID(resp.BotID)}, nil
}

// PostMessage posts text to a channel, optionally impersonating the
// original sender.
func (c *Client) PostMessage(ch t.ChannelID, text string, opts *PostOptions) error {
	form := url.Values{}
	form.Set("channel", string(ch))
	form.Set("text", text)
	if opts != nil {
		if opts.Username != "" {
			form.Set("username", opts.Username)
		}
		if opts.IconURL != "" {
			form.Set("icon_url", opts.IconURL)
		}
	}

	var resp apiError
	if err := c.apiCall("chat.postMessage", form, c.config.BotToken, &resp); err != nil {
		return err
	}
	return resp.check("chat.postMessage")
}

// SenderProfile resolves the display name and avatar of a message sender.
func (c *Client) SenderProfile(sender t.Sender) (*Profile, error) {
	if sender.IsBot {
		form := url.Values{}
		form.Set("bot", string(sender.Bot))
		var resp struct {
			apiError
			Bot struct {
				Name  string `json:"name"`
				Icons struct {
					Image48 string `json:"image_48"`
				} `json:"icons"`
			} `json:"bot"`
		}
		if err := c.apiCall("bots.info", form, c.config.BotToken, &resp); err != nil {
			return nil, err
		}
		if err := resp.check("bots.info"); err != nil {
			return nil, err
		}
		return &Profile{Name: resp.Bot.Name, IconURL: resp.Bot.Icons.Image48}, nil
	}

	form := url.Values{}
	form.Set("user", string(sender.User))
	var resp struct {
		apiError
		User struct {
			Profile struct {
				DisplayName string `json:"display_name"`
				RealName    string `json:"real_name"`
				Image48     string `json:"image_48"`
			} `json:"profile"`
		} `json:"user"`
	}
	if err := c.apiCall("users.info", form, c.config.BotToken, &resp); err != nil {
		return nil, err
	}
	if err := resp.check("users.info"); err != nil {
		return nil, err
	}
	name := resp.User.Profile.DisplayName
	if name == "" {
		name = resp.User.Profile.RealName
	}
	return &Profile{Name: name, IconURL: resp.User.Profile.Image48}, nil
}

// CreateChannel creates a public channel.
func (c *Client) CreateChannel(name string) (t.ChannelID, error) {
	form := url.Values{}
	form.Set("name", name)
	var resp struct {
		apiError
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := c.apiCall("conversations.create", form, c.config.BotToken, &resp); err != nil {
		return "", err
	}
	if err := resp.check("conversations.create"); err != nil {
		return "", err
	}
	return t.ChannelID(resp.Channel.ID), nil
}

// Connect opens the Socket Mode websocket connection.
func (c *Client) Connect() error {
	var resp struct {
		apiError
		URL string `json:"url"`
	}
	if err := c.apiCall("apps.connections.open", url.Values{}, c.config.AppToken, &resp); err != nil {
		return err
	}
	if err := resp.check("apps.connections.open"); err != nil {
		return err
	}

	ws, _, err := websocket.DefaultDialer.Dial(resp.URL, nil)
	if err != nil {
		return err
	}
	c.ws = ws
	return nil
}

// Run services the websocket connection until it fails or Close is
// called. Returns the read error; the caller decides whether to
// reconnect.
func (c *Client) Run() error {
	// Both loops work on a snapshot of the connection and the write loop is
	// tied to the read loop's lifetime: a reconnect never ends up with two
	// writers on one connection.
	ws := c.ws
	done := make(chan struct{})
	go c.writeLoop(ws, done)
	err := c.readLoop(ws)
	close(done)
	return err
}

// Close tears down the connection.
func (c *Client) Close() {
	close(c.stop)
	if c.ws != nil {
		c.ws.Close()
	}
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				logs.Err.Println("ws: readLoop", err)
			}
			return err
		}
		c.dispatchRaw(raw)
	}
}

func (c *Client) writeLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		// Break readLoop.
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := wsWrite(ws, msg); err != nil {
				logs.Err.Println("ws: writeLoop", err)
				return
			}

		case <-done:
			return

		case <-c.stop:
			return

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				logs.Err.Println("ws: writeLoop ping", err)
				return
			}
		}
	}
}

func wsWrite(ws *websocket.Conn, msg interface{}) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(msg)
}

func (c *Client) queueAck(a *ack) {
	select {
	case c.send <- a:
	default:
		logs.Err.Println("ws: ack queue full, dropping", a.EnvelopeID)
	}
}

// dispatchRaw routes one inbound frame.
func (c *Client) dispatchRaw(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logs.Warn.Println("ws: malformed frame:", err)
		return
	}

	switch env.Type {
	case "hello", "disconnect":
		// Informational. A "disconnect" is followed by the server closing
		// the socket; readLoop will surface it.

	case "events_api":
		c.queueAck(&ack{EnvelopeID: env.EnvelopeID})
		if ev := parseMessageEvent(env.Payload); ev != nil && c.OnMessage != nil {
			// One logical task per inbound event.
			go c.OnMessage(ev)
		}

	case "slash_commands":
		var cmd struct {
			Command   string `json:"command"`
			Text      string `json:"text"`
			ChannelID string `json:"channel_id"`
			UserID    string `json:"user_id"`
		}
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			logs.Warn.Println("ws: malformed command payload:", err)
			c.queueAck(&ack{EnvelopeID: env.EnvelopeID})
			return
		}
		event := &CommandEvent{
			Command: cmd.Command,
			Text:    cmd.Text,
			Channel: t.ChannelID(cmd.ChannelID),
			User:    t.UserID(cmd.UserID),
		}
		go func() {
			var payload interface{}
			if c.OnCommand != nil {
				if text := c.OnCommand(event); text != "" && env.AcceptsRes {
					payload = map[string]string{"text": text}
				}
			}
			c.queueAck(&ack{EnvelopeID: env.EnvelopeID, Payload: payload})
		}()

	default:
		c.queueAck(&ack{EnvelopeID: env.EnvelopeID})
	}
}

// parseMessageEvent extracts a channel message from an events_api
// payload. Returns nil for event types the relay does not care about and
// for edited/deleted message subtypes.
func parseMessageEvent(payload []byte) *MessageEvent {
	var body struct {
		Event struct {
			Type    string `json:"type"`
			Subtype string `json:"subtype"`
			Channel string `json:"channel"`
			User    string `json:"user"`
			BotID   string `json:"bot_id"`
			Text    string `json:"text"`
			Ts      string `json:"ts"`
		} `json:"event"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		logs.Warn.Println("ws: malformed event payload:", err)
		return nil
	}
	ev := &body.Event
	if ev.Type != "message" {
		return nil
	}
	switch ev.Subtype {
	case "", "bot_message", "thread_broadcast":
		// Relayable.
	default:
		return nil
	}
	return &MessageEvent{
		Channel: t.ChannelID(ev.Channel),
		Sender: t.Sender{
			User:  t.UserID(ev.User),
			Bot:   t.BotID(ev.BotID),
			IsBot: ev.BotID != "",
		},
		Text: ev.Text,
		Ts:   ev.Ts,
	}
}
