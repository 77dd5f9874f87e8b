/******************************************************************************
 *
 *  Description :
 *
 *  Handling of slash commands: parsing of the verb and its arguments,
 *  invocation of the routing engine, formatting of the response text.
 *
 *****************************************************************************/

package main

import (
	"regexp"
	"strings"

	"github.com/tagmux/relay/server/relay"
	"github.com/tagmux/relay/server/slack"
	t "github.com/tagmux/relay/server/store/types"
)

const cmdHelpText = "Available commands:\n" +
	"`add [--public] tag #channel ...` - add source channels to a tag, creating it on first use\n" +
	"`delete [--public] tag #channel ...` - remove source channels; the tag disappears with its last channel\n" +
	"`bot [--public] tag on|off` - relay or ignore bot-posted messages from the tag's channels\n" +
	"`set [--public] tag ...` - subscribe this channel to the given tags\n" +
	"`unset [--public] tag ...` - drop subscriptions of this channel\n" +
	"`tags` - list your tags and the public ones\n" +
	"`channels [--public] tag` - list the source channels of a tag\n" +
	"`subs` - list the tags this channel is subscribed to\n" +
	"`create name tag ...` - create a new channel subscribed to the given tags\n" +
	"`help` - this text"

// Channel references arrive as markup: <#C0123456|name> or <#C0123456>.
var channelRefRe = regexp.MustCompile(`<#([A-Z0-9]+)(?:\|[^>]*)?>`)

// commandHandler binds the routing engine to the messenger which delivers
// command side effects (channel creation).
type commandHandler struct {
	engine *relay.Engine
	msgr   slack.Messenger
}

// handle dispatches one slash command invocation and returns the response
// text shown to the invoking user.
func (h *commandHandler) handle(ev *slack.CommandEvent) string {
	statsInc("CommandsTotal", 1)

	args := strings.Fields(ev.Text)
	if len(args) == 0 {
		return cmdHelpText
	}
	verb, args := args[0], args[1:]

	switch verb {
	case "add":
		return h.cmdAdd(ev, args)
	case "delete":
		return h.cmdDelete(ev, args)
	case "bot":
		return h.cmdBot(ev, args)
	case "set":
		return h.cmdSet(ev, args, true)
	case "unset":
		return h.cmdSet(ev, args, false)
	case "tags":
		return h.cmdTags(ev)
	case "channels":
		return h.cmdChannels(ev, args)
	case "subs":
		return h.cmdSubs(ev)
	case "create":
		return h.cmdCreate(ev, args)
	case "help":
		return cmdHelpText
	default:
		return "Unknown command '" + verb + "'. Try `help`."
	}
}

// popOwner consumes an optional --public flag: public tags belong to
// everyone, the rest to the invoking user.
func popOwner(args []string, user t.UserID) (t.Owner, []string) {
	if len(args) > 0 && args[0] == "--public" {
		return t.Public, args[1:]
	}
	return t.OwnedBy(user), args
}

// parseChannelRefs extracts channel IDs from the argument markup. Tokens
// which are not channel references are returned as-is so the engine can
// report them as skipped.
func parseChannelRefs(args []string) []t.ChannelID {
	channels := make([]t.ChannelID, 0, len(args))
	for _, arg := range args {
		if m := channelRefRe.FindStringSubmatch(arg); m != nil {
			channels = append(channels, t.ChannelID(m[1]))
		} else {
			channels = append(channels, t.ChannelID(arg))
		}
	}
	return channels
}

func (h *commandHandler) cmdAdd(ev *slack.CommandEvent, args []string) string {
	owner, args := popOwner(args, ev.User)
	if len(args) < 2 {
		return "Usage: `add [--public] tag #channel ...`"
	}
	tag, channels := args[0], parseChannelRefs(args[1:])

	res, err := h.engine.GrantSource(ev.User, owner, tag, channels)
	if err != nil {
		return errText(err)
	}
	return batchText("Added", "to", tag, res)
}

func (h *commandHandler) cmdDelete(ev *slack.CommandEvent, args []string) string {
	owner, args := popOwner(args, ev.User)
	if len(args) < 2 {
		return "Usage: `delete [--public] tag #channel ...`"
	}
	tag, channels := args[0], parseChannelRefs(args[1:])

	res, err := h.engine.RevokeSource(ev.User, owner, tag, channels)
	if err != nil {
		return errText(err)
	}
	return batchText("Removed", "from", tag, res)
}

func (h *commandHandler) cmdBot(ev *slack.CommandEvent, args []string) string {
	owner, args := popOwner(args, ev.User)
	if len(args) != 2 {
		return "Usage: `bot [--public] tag on|off`"
	}
	tag := args[0]

	var flag bool
	switch args[1] {
	case "on":
		flag = true
	case "off":
		flag = false
	default:
		return "The last argument must be `on` or `off`."
	}

	if err := h.engine.SetBotPolicy(ev.User, owner, tag, flag); err != nil {
		return errText(err)
	}
	if flag {
		return "Tag '" + tag + "' now relays bot-posted messages."
	}
	return "Tag '" + tag + "' now ignores bot-posted messages."
}

func (h *commandHandler) cmdSet(ev *slack.CommandEvent, args []string, subscribe bool) string {
	owner, args := popOwner(args, ev.User)
	if len(args) == 0 {
		if subscribe {
			return "Usage: `set [--public] tag ...`"
		}
		return "Usage: `unset [--public] tag ...`"
	}

	var applied []string
	var err error
	if subscribe {
		applied, err = h.engine.SubscribeBatch(ev.Channel, ev.User, owner, args)
	} else {
		applied, err = h.engine.UnsubscribeBatch(ev.Channel, ev.User, owner, args)
	}
	if err != nil {
		return errText(err)
	}
	if len(applied) == 0 {
		return "Nothing changed: no usable tags among the arguments."
	}
	if subscribe {
		return "This channel now collects messages from tags: " + strings.Join(applied, ", ")
	}
	return "This channel no longer collects messages from tags: " + strings.Join(applied, ", ")
}

func (h *commandHandler) cmdTags(ev *slack.CommandEvent) string {
	own, public, err := h.engine.ListVisibleTags(ev.User)
	if err != nil {
		return errText(err)
	}
	var b strings.Builder
	b.WriteString("Your tags: ")
	b.WriteString(listOrNone(own))
	b.WriteString("\nPublic tags: ")
	b.WriteString(listOrNone(public))
	return b.String()
}

func (h *commandHandler) cmdChannels(ev *slack.CommandEvent, args []string) string {
	owner, args := popOwner(args, ev.User)
	if len(args) != 1 {
		return "Usage: `channels [--public] tag`"
	}
	tag := args[0]

	channels, err := h.engine.ListSources(ev.User, owner, tag)
	if err != nil {
		return errText(err)
	}
	refs := make([]string, len(channels))
	for i, ch := range channels {
		refs[i] = "<#" + string(ch) + ">"
	}
	return "Channels of tag '" + tag + "': " + listOrNone(refs)
}

func (h *commandHandler) cmdSubs(ev *slack.CommandEvent) string {
	subs, err := h.engine.ListSubscriptions(ev.Channel)
	if err != nil {
		return errText(err)
	}
	names := make([]string, len(subs))
	for i, ref := range subs {
		if ref.Owner.IsPublic() {
			names[i] = ref.Tag + " (public)"
		} else {
			names[i] = ref.Tag
		}
	}
	return "This channel is subscribed to: " + listOrNone(names)
}

func (h *commandHandler) cmdCreate(ev *slack.CommandEvent, args []string) string {
	owner, args := popOwner(args, ev.User)
	if len(args) < 2 {
		return "Usage: `create name tag ...`"
	}
	name, tags := args[0], args[1:]

	ch, err := h.msgr.CreateChannel(name)
	if err != nil {
		return "Could not create the channel: " + err.Error()
	}

	applied, err := h.engine.SubscribeBatch(ch, ev.User, owner, tags)
	if err != nil {
		return errText(err)
	}
	if len(applied) == 0 {
		return "Created <#" + string(ch) + ">, but none of the tags could be subscribed."
	}
	return "Created <#" + string(ch) + "> collecting tags: " + strings.Join(applied, ", ")
}

// batchText formats the outcome of a channel batch mutation, naming both
// the applied channels and the skipped ones with their reasons.
func batchText(verb, prep, tag string, res relay.ChannelBatch) string {
	var b strings.Builder
	if len(res.Applied) > 0 {
		refs := make([]string, len(res.Applied))
		for i, ch := range res.Applied {
			refs[i] = "<#" + string(ch) + ">"
		}
		b.WriteString(verb + " " + strings.Join(refs, ", ") + " " + prep + " tag '" + tag + "'.")
	} else {
		b.WriteString("No channels were changed " + prep + " tag '" + tag + "'.")
	}
	for _, sk := range res.Skipped {
		b.WriteString("\nSkipped " + sk.Item + ": " + errText(sk.Err))
	}
	return b.String()
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

// errText converts store errors into user-facing phrasing.
func errText(err error) string {
	switch err {
	case t.ErrNotFound:
		return "No such tag."
	case t.ErrPermissionDenied:
		return "You are not allowed to manage this tag."
	case t.ErrUnavailable:
		return "Storage is temporarily unavailable, try again later."
	case t.ErrMalformed:
		return "Malformed argument."
	default:
		return err.Error()
	}
}
