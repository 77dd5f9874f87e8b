// Package relay implements the tag-based subscription and routing engine:
// who may touch which tag, and which dist channels an inbound message
// fans out to.
package relay

import (
	"github.com/tagmux/relay/server/store"
	"github.com/tagmux/relay/server/store/types"
)

// Engine is the public surface of the routing core. All state lives in the
// persistent store; the engine itself only carries the app's own bot
// identity used for self-relay suppression.
type Engine struct {
	ownBot types.BotID

	folders store.FoldersPersistenceInterface
	subs    store.SubsPersistenceInterface
	routes  store.RoutesPersistenceInterface
}

// New creates an engine bound to the globally opened store.
func New(ownBot types.BotID) *Engine {
	return &Engine{
		ownBot:  ownBot,
		folders: store.Folders,
		subs:    store.Subs,
		routes:  store.Routes,
	}
}

// Skipped is a batch element which was not applied, with the reason.
type Skipped struct {
	Item string
	Err  error
}

// ChannelBatch reports the outcome of a multi-channel mutation. Elements
// are attempted independently: a failed one does not abort the rest.
type ChannelBatch struct {
	Applied []types.ChannelID
	Skipped []Skipped
}

// GrantSource adds source channels to the tag, creating it on first use.
// The whole call fails with types.ErrPermissionDenied if the actor does
// not own the tag; individual channels fail independently.
func (e *Engine) GrantSource(actor types.UserID, owner types.Owner, tag string, channels []types.ChannelID) (ChannelBatch, error) {
	var res ChannelBatch

	tag, err := checkTagOp(actor, owner, &tag)
	if err != nil {
		return res, err
	}
	if !CanManage(actor, owner) {
		return res, types.ErrPermissionDenied
	}

	for _, ch := range channels {
		if err := types.ValidateChannelID(ch); err != nil {
			res.Skipped = append(res.Skipped, Skipped{Item: string(ch), Err: err})
			continue
		}
		if err := e.folders.AddChannel(owner, tag, ch); err != nil {
			if err == types.ErrUnavailable {
				return res, err
			}
			res.Skipped = append(res.Skipped, Skipped{Item: string(ch), Err: err})
			continue
		}
		res.Applied = append(res.Applied, ch)
	}
	return res, nil
}

// RevokeSource removes source channels from the tag. Removing the last
// channel deletes the tag; subscriptions referencing it are left dangling.
func (e *Engine) RevokeSource(actor types.UserID, owner types.Owner, tag string, channels []types.ChannelID) (ChannelBatch, error) {
	var res ChannelBatch

	tag, err := checkTagOp(actor, owner, &tag)
	if err != nil {
		return res, err
	}
	if !CanManage(actor, owner) {
		return res, types.ErrPermissionDenied
	}

	for _, ch := range channels {
		if err := types.ValidateChannelID(ch); err != nil {
			res.Skipped = append(res.Skipped, Skipped{Item: string(ch), Err: err})
			continue
		}
		if err := e.folders.RemoveChannel(owner, tag, ch); err != nil {
			if err == types.ErrUnavailable {
				return res, err
			}
			res.Skipped = append(res.Skipped, Skipped{Item: string(ch), Err: err})
			continue
		}
		res.Applied = append(res.Applied, ch)
	}
	return res, nil
}

// SetBotPolicy toggles whether bot-posted messages are relayed from the
// tag's channels. The tag must exist.
func (e *Engine) SetBotPolicy(actor types.UserID, owner types.Owner, tag string, flag bool) error {
	tag, err := checkTagOp(actor, owner, &tag)
	if err != nil {
		return err
	}
	if !CanManage(actor, owner) {
		return types.ErrPermissionDenied
	}
	return e.folders.SetRetrieveBot(owner, tag, flag)
}

// ListSources returns the member channels of an existing tag.
func (e *Engine) ListSources(actor types.UserID, owner types.Owner, tag string) ([]types.ChannelID, error) {
	tag, err := checkTagOp(actor, owner, &tag)
	if err != nil {
		return nil, err
	}
	if !CanSubscribe(actor, owner) {
		return nil, types.ErrPermissionDenied
	}
	folder, err := e.folders.Get(owner, tag)
	if err != nil {
		return nil, err
	}
	folder.SortChannels()
	return folder.Channels, nil
}

// ListVisibleTags returns the actor's own tag names and the public ones.
func (e *Engine) ListVisibleTags(actor types.UserID) (own, public []string, err error) {
	if err = types.ValidateUserID(actor); err != nil {
		return nil, nil, err
	}
	if own, err = e.folders.NamesForOwner(types.OwnedBy(actor)); err != nil {
		return nil, nil, err
	}
	if public, err = e.folders.NamesForOwner(types.Public); err != nil {
		return nil, nil, err
	}
	return own, public, nil
}

// SubscribeBatch subscribes the dist channel to each of the given tags and
// returns the tags actually applied. Tags the actor may not use are
// silently dropped, not errors: partial application is expected.
func (e *Engine) SubscribeBatch(dist types.ChannelID, actor types.UserID, owner types.Owner, tags []string) ([]string, error) {
	return e.applySubs(dist, actor, owner, tags, e.subs.Add)
}

// UnsubscribeBatch removes subscriptions, with the same filtering as
// SubscribeBatch.
func (e *Engine) UnsubscribeBatch(dist types.ChannelID, actor types.UserID, owner types.Owner, tags []string) ([]string, error) {
	return e.applySubs(dist, actor, owner, tags, e.subs.Delete)
}

func (e *Engine) applySubs(dist types.ChannelID, actor types.UserID, owner types.Owner,
	tags []string, op func(types.ChannelID, types.TagRef) error) ([]string, error) {

	if err := types.ValidateChannelID(dist); err != nil {
		return nil, err
	}
	if err := types.ValidateUserID(actor); err != nil {
		return nil, err
	}

	applied := []string{}
	if !CanSubscribe(actor, owner) {
		// Unauthorized tags are filtered, not reported: zero applied.
		return applied, nil
	}
	for _, tag := range tags {
		tag, err := types.NormalizeTag(tag)
		if err != nil {
			continue
		}
		if err := op(dist, types.TagRef{Owner: owner, Tag: tag}); err != nil {
			if err == types.ErrUnavailable {
				return applied, err
			}
			continue
		}
		applied = append(applied, tag)
	}
	return applied, nil
}

// ListSubscriptions returns the tags the dist channel is subscribed to.
func (e *Engine) ListSubscriptions(dist types.ChannelID) ([]types.TagRef, error) {
	if err := types.ValidateChannelID(dist); err != nil {
		return nil, err
	}
	return e.subs.ForDist(dist)
}

// IsRelayCandidate decides whether an inbound message should be processed
// at all: some dist subscribes to a qualifying tag containing the source
// channel, and the message is not our own relayed copy.
func (e *Engine) IsRelayCandidate(src types.ChannelID, sender types.Sender) (bool, error) {
	if e.isSelf(sender) {
		return false, nil
	}
	return e.routes.Exists(src, sender.IsBot)
}

// TargetsFor computes the destination set for an inbound message. Each
// dist appears at most once regardless of how many qualifying tags reach
// it. A dist which is itself a tracked source of a tag it subscribes to is
// not excluded: the own-bot check is the only loop prevention.
func (e *Engine) TargetsFor(src types.ChannelID, sender types.Sender) ([]types.ChannelID, error) {
	if e.isSelf(sender) {
		return nil, nil
	}
	return e.routes.Targets(src, sender.IsBot)
}

// isSelf reports whether the message was posted by this app's own bot:
// relaying those again would amplify forever.
func (e *Engine) isSelf(sender types.Sender) bool {
	return sender.IsBot && sender.Bot != types.ZeroBot && sender.Bot == e.ownBot
}

// checkTagOp validates the identifiers shared by all tag operations and
// returns the normalized tag name.
func checkTagOp(actor types.UserID, owner types.Owner, tag *string) (string, error) {
	if err := types.ValidateUserID(actor); err != nil {
		return "", err
	}
	if owner.IsZero() {
		return "", types.ErrMalformed
	}
	return types.NormalizeTag(*tag)
}
