package relay

import (
	"testing"

	"github.com/tagmux/relay/server/store/types"
)

func TestCanManage(t *testing.T) {
	owner := types.OwnedBy(alice)

	if !CanManage(alice, owner) {
		t.Error("owner cannot manage own tag")
	}
	if CanManage(bob, owner) {
		t.Error("foreign user can manage the tag")
	}
	if !CanManage(alice, types.Public) || !CanManage(bob, types.Public) {
		t.Error("public tag not manageable by everyone")
	}
}

func TestCanSubscribe(t *testing.T) {
	owner := types.OwnedBy(alice)

	if !CanSubscribe(alice, owner) {
		t.Error("owner cannot subscribe to own tag")
	}
	if CanSubscribe(bob, owner) {
		t.Error("foreign user can subscribe to the tag")
	}
	if !CanSubscribe(bob, types.Public) {
		t.Error("public tag not subscribable by everyone")
	}
}
