/******************************************************************************
 *
 *  Description :
 *
 *  Handling of inbound channel messages: routing lookup and fan-out of the
 *  relayed copies.
 *
 *****************************************************************************/

package main

import (
	"github.com/tagmux/relay/server/logs"
	"github.com/tagmux/relay/server/relay"
	"github.com/tagmux/relay/server/slack"
)

// eventHandler fans inbound messages out to their subscribed dist channels.
type eventHandler struct {
	engine *relay.Engine
	msgr   slack.Messenger
}

// handleMessage processes one inbound channel message. Failures drop the
// message: the relay never retries, the platform never redelivers.
func (h *eventHandler) handleMessage(ev *slack.MessageEvent) {
	statsInc("IncomingMessagesTotal", 1)

	ok, err := h.engine.IsRelayCandidate(ev.Channel, ev.Sender)
	if err != nil {
		logs.Warn.Println("events: routing check failed:", err)
		statsInc("DroppedMessagesTotal", 1)
		return
	}
	if !ok {
		return
	}

	targets, err := h.engine.TargetsFor(ev.Channel, ev.Sender)
	if err != nil {
		logs.Warn.Println("events: target lookup failed:", err)
		statsInc("DroppedMessagesTotal", 1)
		return
	}
	if len(targets) == 0 {
		return
	}

	// Impersonate the original author on the relayed copies. A profile
	// failure is not fatal, the copy just goes out under the app's name.
	var opts *slack.PostOptions
	if profile, err := h.msgr.SenderProfile(ev.Sender); err == nil {
		opts = &slack.PostOptions{Username: profile.Name, IconURL: profile.IconURL}
	} else {
		logs.Warn.Println("events: sender profile lookup failed:", err)
	}

	text := rewriteForRelay(ev.Text, ev.Channel)
	for _, dist := range targets {
		if err := h.msgr.PostMessage(dist, text, opts); err != nil {
			logs.Err.Println("events: delivery to", dist, "failed:", err)
			statsInc("FailedDeliveriesTotal", 1)
			continue
		}
		statsInc("RelayedMessagesTotal", 1)
	}
}
