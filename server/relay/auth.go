package relay

import (
	"github.com/tagmux/relay/server/store/types"
)

// CanManage decides whether the actor may mutate the tag: add or remove
// source channels, toggle the bot flag. Public tags are manageable by
// anyone; the policy exists to keep a user out of another user's private
// tags, not to protect the shared ones.
func CanManage(actor types.UserID, owner types.Owner) bool {
	return owner.IsPublic() || owner.User() == actor
}

// CanSubscribe decides whether the actor may subscribe a dist channel to
// the tag, or list it: own tags and public tags only.
func CanSubscribe(actor types.UserID, owner types.Owner) bool {
	return owner.IsPublic() || owner.User() == actor
}
