package slack

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	t "github.com/tagmux/relay/server/store/types"
)

func TestReconnectReplacesWriteLoop(tb *testing.T) {
	conns := make(chan *websocket.Conn, 2)
	upgrader := websocket.Upgrader{}

	var wsURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/apps.connections.open", func(wrt http.ResponseWriter, req *http.Request) {
		json.NewEncoder(wrt).Encode(map[string]interface{}{"ok": true, "url": wsURL})
	})
	mux.HandleFunc("/socket", func(wrt http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(wrt, req, nil)
		if err != nil {
			tb.Error(err)
			return
		}
		conns <- ws
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"

	client := NewClient(Config{APIURL: srv.URL + "/"})
	defer client.Close()

	if err := client.Connect(); err != nil {
		tb.Fatal(err)
	}
	run := make(chan error, 1)
	go func() { run <- client.Run() }()

	// Drop the first connection. Run must return and take its write loop
	// down with it.
	first := <-conns
	first.Close()
	<-run

	if err := client.Connect(); err != nil {
		tb.Fatal(err)
	}
	go func() { run <- client.Run() }()
	second := <-conns
	defer second.Close()

	// An ack queued after the reconnect must come out of the new
	// connection, written by the new loop.
	client.queueAck(&ack{EnvelopeID: "env-1"})
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got ack
	if err := second.ReadJSON(&got); err != nil {
		tb.Fatal(err)
	}
	if got.EnvelopeID != "env-1" {
		tb.Errorf("ack envelope = %q, want env-1", got.EnvelopeID)
	}
}

func TestParseMessageEvent(tb *testing.T) {
	payload := []byte(`{"event": {"type": "message", "channel": "C0DEV",
		"user": "U0BOB", "text": "hello", "ts": "1712345678.000100"}}`)

	ev := parseMessageEvent(payload)
	if ev == nil {
		tb.Fatal("plain message not parsed")
	}
	if ev.Channel != "C0DEV" || ev.Sender.User != "U0BOB" || ev.Sender.IsBot || ev.Text != "hello" {
		tb.Errorf("parsed event = %+v", ev)
	}
}

func TestParseMessageEventBot(tb *testing.T) {
	payload := []byte(`{"event": {"type": "message", "subtype": "bot_message",
		"channel": "C0DEV", "bot_id": "B0X", "text": "report"}}`)

	ev := parseMessageEvent(payload)
	if ev == nil {
		tb.Fatal("bot message not parsed")
	}
	if !ev.Sender.IsBot || ev.Sender.Bot != t.BotID("B0X") {
		tb.Errorf("parsed sender = %+v", ev.Sender)
	}
}

func TestParseMessageEventSkipsEdits(tb *testing.T) {
	cases := []string{
		`{"event": {"type": "message", "subtype": "message_changed", "channel": "C0DEV"}}`,
		`{"event": {"type": "message", "subtype": "message_deleted", "channel": "C0DEV"}}`,
		`{"event": {"type": "reaction_added", "item": {"channel": "C0DEV"}}}`,
		`not json`,
	}
	for _, payload := range cases {
		if ev := parseMessageEvent([]byte(payload)); ev != nil {
			tb.Errorf("payload %q parsed to %+v, want nil", payload, ev)
		}
	}
}
