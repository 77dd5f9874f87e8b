package relay

import (
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tagmux/relay/server/store"
	"github.com/tagmux/relay/server/store/types"

	_ "github.com/tagmux/relay/server/db/mem"
)

const ownBot = types.BotID("B0OWN")

var (
	alice = types.UserID("U0ALICE")
	bob   = types.UserID("U0BOB")

	chDev  = types.ChannelID("C0DEV")
	chOps  = types.ChannelID("C0OPS")
	chNews = types.ChannelID("C0NEWS")
	dist1  = types.ChannelID("C0DIGEST")
	dist2  = types.ChannelID("C0FEED")
)

func TestMain(m *testing.M) {
	if err := store.Store.Open([]byte(`{"worker_id": 1, "use_adapter": "mem"}`)); err != nil {
		panic(err)
	}
	code := m.Run()
	store.Store.Close()
	os.Exit(code)
}

// resetStore clears all data between tests.
func resetStore(t *testing.T) *Engine {
	t.Helper()
	if err := store.Store.InitDb(nil, true); err != nil {
		t.Fatal(err)
	}
	return New(ownBot)
}

func grant(t *testing.T, e *Engine, actor types.UserID, owner types.Owner, tag string, channels ...types.ChannelID) {
	t.Helper()
	res, err := e.GrantSource(actor, owner, tag, channels)
	if err != nil {
		t.Fatalf("GrantSource(%s): %v", tag, err)
	}
	if len(res.Skipped) != 0 {
		t.Fatalf("GrantSource(%s): unexpected skips %v", tag, res.Skipped)
	}
}

func subscribe(t *testing.T, e *Engine, dist types.ChannelID, actor types.UserID, owner types.Owner, tags ...string) {
	t.Helper()
	applied, err := e.SubscribeBatch(dist, actor, owner, tags)
	if err != nil {
		t.Fatalf("SubscribeBatch(%s): %v", dist, err)
	}
	if len(applied) != len(tags) {
		t.Fatalf("SubscribeBatch(%s): applied %v, want %v", dist, applied, tags)
	}
}

func TestGrantCreatesTag(t *testing.T) {
	e := resetStore(t)

	grant(t, e, alice, types.OwnedBy(alice), "infra", chDev, chOps)

	got, err := e.ListSources(alice, types.OwnedBy(alice), "infra")
	if err != nil {
		t.Fatal(err)
	}
	want := []types.ChannelID{chDev, chOps}
	if !cmp.Equal(got, want) {
		t.Errorf("sources mismatch: %s", cmp.Diff(want, got))
	}
}

func TestGrantIsIdempotent(t *testing.T) {
	e := resetStore(t)

	grant(t, e, alice, types.OwnedBy(alice), "infra", chDev)
	grant(t, e, alice, types.OwnedBy(alice), "infra", chDev)

	got, err := e.ListSources(alice, types.OwnedBy(alice), "infra")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("duplicate add produced %d channels, want 1", len(got))
	}
}

func TestGrantSkipsMalformedChannels(t *testing.T) {
	e := resetStore(t)

	res, err := e.GrantSource(alice, types.OwnedBy(alice), "infra",
		[]types.ChannelID{chDev, "bogus", chOps})
	if err != nil {
		t.Fatal(err)
	}
	want := []types.ChannelID{chDev, chOps}
	if !cmp.Equal(res.Applied, want) {
		t.Errorf("applied mismatch: %s", cmp.Diff(want, res.Applied))
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Item != "bogus" {
		t.Errorf("skipped = %v, want single 'bogus'", res.Skipped)
	}
}

func TestGrantDeniedForForeignTag(t *testing.T) {
	e := resetStore(t)

	_, err := e.GrantSource(bob, types.OwnedBy(alice), "infra", []types.ChannelID{chDev})
	if err != types.ErrPermissionDenied {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestPublicTagManagedByAnyone(t *testing.T) {
	e := resetStore(t)

	grant(t, e, alice, types.Public, "announce", chNews)
	grant(t, e, bob, types.Public, "announce", chDev)

	got, err := e.ListSources(bob, types.Public, "announce")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("public tag has %d channels, want 2", len(got))
	}
}

func TestRevokeLastChannelDeletesTag(t *testing.T) {
	e := resetStore(t)
	owner := types.OwnedBy(alice)

	grant(t, e, alice, owner, "infra", chDev)

	res, err := e.RevokeSource(alice, owner, "infra", []types.ChannelID{chDev})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applied) != 1 {
		t.Fatalf("revoke not applied: %v", res.Skipped)
	}

	if _, err = e.ListSources(alice, owner, "infra"); err != types.ErrNotFound {
		t.Errorf("ListSources after delete: err = %v, want ErrNotFound", err)
	}
	// The bot policy has nothing to attach to either.
	if err = e.SetBotPolicy(alice, owner, "infra", true); err != types.ErrNotFound {
		t.Errorf("SetBotPolicy after delete: err = %v, want ErrNotFound", err)
	}
}

func TestRevokeFromMissingTag(t *testing.T) {
	e := resetStore(t)

	res, err := e.RevokeSource(alice, types.OwnedBy(alice), "ghost", []types.ChannelID{chDev})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applied) != 0 || len(res.Skipped) != 1 || res.Skipped[0].Err != types.ErrNotFound {
		t.Errorf("revoke on missing tag = %+v, want one ErrNotFound skip", res)
	}
}

func TestSetBotPolicyRequiresExistingTag(t *testing.T) {
	e := resetStore(t)

	if err := e.SetBotPolicy(alice, types.OwnedBy(alice), "ghost", true); err != types.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListVisibleTags(t *testing.T) {
	e := resetStore(t)

	grant(t, e, alice, types.OwnedBy(alice), "infra", chDev)
	grant(t, e, alice, types.OwnedBy(alice), "team", chOps)
	grant(t, e, bob, types.OwnedBy(bob), "secret", chNews)
	grant(t, e, bob, types.Public, "announce", chNews)

	own, public, err := e.ListVisibleTags(alice)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"infra", "team"}; !cmp.Equal(own, want) {
		t.Errorf("own tags mismatch: %s", cmp.Diff(want, own))
	}
	if want := []string{"announce"}; !cmp.Equal(public, want) {
		t.Errorf("public tags mismatch: %s", cmp.Diff(want, public))
	}
}

func TestSubscribeFiltersUnauthorized(t *testing.T) {
	e := resetStore(t)

	grant(t, e, alice, types.OwnedBy(alice), "infra", chDev)

	// Bob cannot subscribe to alice's tag: zero applied, no error.
	applied, err := e.SubscribeBatch(dist1, bob, types.OwnedBy(alice), []string{"infra"})
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 0 {
		t.Errorf("applied = %v, want none", applied)
	}

	subs, err := e.ListSubscriptions(dist1)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Errorf("subscriptions = %v, want none", subs)
	}
}

func TestSubscribeToMissingTagAllowed(t *testing.T) {
	e := resetStore(t)

	// Dangling subscriptions are legal: the tag may be created later.
	applied, err := e.SubscribeBatch(dist1, alice, types.OwnedBy(alice), []string{"future"})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"future"}; !cmp.Equal(applied, want) {
		t.Errorf("applied mismatch: %s", cmp.Diff(want, applied))
	}

	// No routes until the tag exists.
	targets, err := e.TargetsFor(chDev, types.Sender{User: bob})
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 0 {
		t.Errorf("targets = %v, want none", targets)
	}
}

func TestUnsubscribe(t *testing.T) {
	e := resetStore(t)
	owner := types.OwnedBy(alice)

	grant(t, e, alice, owner, "infra", chDev)
	subscribe(t, e, dist1, alice, owner, "infra")

	applied, err := e.UnsubscribeBatch(dist1, alice, owner, []string{"infra"})
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 1 {
		t.Fatalf("unsubscribe applied = %v", applied)
	}

	targets, err := e.TargetsFor(chDev, types.Sender{User: bob})
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 0 {
		t.Errorf("targets after unsubscribe = %v, want none", targets)
	}
}

func TestRoutingBasic(t *testing.T) {
	e := resetStore(t)
	owner := types.OwnedBy(alice)

	grant(t, e, alice, owner, "infra", chDev, chOps)
	subscribe(t, e, dist1, alice, owner, "infra")

	sender := types.Sender{User: bob}

	ok, err := e.IsRelayCandidate(chDev, sender)
	if err != nil || !ok {
		t.Fatalf("IsRelayCandidate = %v, %v; want true", ok, err)
	}

	targets, err := e.TargetsFor(chDev, sender)
	if err != nil {
		t.Fatal(err)
	}
	if want := []types.ChannelID{dist1}; !cmp.Equal(targets, want) {
		t.Errorf("targets mismatch: %s", cmp.Diff(want, targets))
	}

	// A channel outside the tag routes nowhere.
	ok, err = e.IsRelayCandidate(chNews, sender)
	if err != nil || ok {
		t.Errorf("IsRelayCandidate(outside) = %v, %v; want false", ok, err)
	}
}

func TestRoutingDeduplicatesTargets(t *testing.T) {
	e := resetStore(t)
	owner := types.OwnedBy(alice)

	// Two tags covering the same source channel, both subscribed by the
	// same dist. The dist must still receive a single copy.
	grant(t, e, alice, owner, "one", chDev)
	grant(t, e, alice, owner, "two", chDev)
	subscribe(t, e, dist1, alice, owner, "one", "two")
	subscribe(t, e, dist2, alice, owner, "one")

	targets, err := e.TargetsFor(chDev, types.Sender{User: bob})
	if err != nil {
		t.Fatal(err)
	}
	want := []types.ChannelID{dist1, dist2}
	if !cmp.Equal(targets, want) {
		t.Errorf("targets mismatch: %s", cmp.Diff(want, targets))
	}
}

func TestRoutingBotPolicy(t *testing.T) {
	e := resetStore(t)
	owner := types.OwnedBy(alice)

	grant(t, e, alice, owner, "infra", chDev)
	subscribe(t, e, dist1, alice, owner, "infra")

	botSender := types.Sender{Bot: "B0OTHER", IsBot: true}

	// Default policy ignores bot messages.
	ok, err := e.IsRelayCandidate(chDev, botSender)
	if err != nil || ok {
		t.Fatalf("bot message relayed with policy off: %v, %v", ok, err)
	}

	if err = e.SetBotPolicy(alice, owner, "infra", true); err != nil {
		t.Fatal(err)
	}

	ok, err = e.IsRelayCandidate(chDev, botSender)
	if err != nil || !ok {
		t.Errorf("bot message not relayed with policy on: %v, %v", ok, err)
	}

	// Human messages are unaffected either way.
	ok, err = e.IsRelayCandidate(chDev, types.Sender{User: bob})
	if err != nil || !ok {
		t.Errorf("human message not relayed: %v, %v", ok, err)
	}
}

func TestOwnBotNeverRelayed(t *testing.T) {
	e := resetStore(t)
	owner := types.OwnedBy(alice)

	grant(t, e, alice, owner, "infra", chDev)
	subscribe(t, e, dist1, alice, owner, "infra")
	if err := e.SetBotPolicy(alice, owner, "infra", true); err != nil {
		t.Fatal(err)
	}

	self := types.Sender{Bot: ownBot, IsBot: true}

	ok, err := e.IsRelayCandidate(chDev, self)
	if err != nil || ok {
		t.Errorf("own bot message relayed: %v, %v", ok, err)
	}
	targets, err := e.TargetsFor(chDev, self)
	if err != nil || len(targets) != 0 {
		t.Errorf("own bot targets = %v, %v; want none", targets, err)
	}
}

func TestEndToEndScenario(t *testing.T) {
	e := resetStore(t)

	// Alice tracks dev and ops under a private tag, bob publishes news
	// under a public one.
	grant(t, e, alice, types.OwnedBy(alice), "infra", chDev, chOps)
	grant(t, e, bob, types.Public, "news", chNews)

	// dist1 collects both; dist2 only the public news.
	subscribe(t, e, dist1, alice, types.OwnedBy(alice), "infra")
	subscribe(t, e, dist1, alice, types.Public, "news")
	subscribe(t, e, dist2, bob, types.Public, "news")

	sender := types.Sender{User: types.UserID("U0CAROL")}

	targets, err := e.TargetsFor(chOps, sender)
	if err != nil {
		t.Fatal(err)
	}
	if want := []types.ChannelID{dist1}; !cmp.Equal(targets, want) {
		t.Errorf("ops targets mismatch: %s", cmp.Diff(want, targets))
	}

	targets, err = e.TargetsFor(chNews, sender)
	if err != nil {
		t.Fatal(err)
	}
	if want := []types.ChannelID{dist1, dist2}; !cmp.Equal(targets, want) {
		t.Errorf("news targets mismatch: %s", cmp.Diff(want, targets))
	}

	// Dropping chNews from the public tag kills the tag and its routes,
	// while the dangling subscriptions remain harmless.
	if _, err = e.RevokeSource(bob, types.Public, "news", []types.ChannelID{chNews}); err != nil {
		t.Fatal(err)
	}
	targets, err = e.TargetsFor(chNews, sender)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 0 {
		t.Errorf("news targets after revoke = %v, want none", targets)
	}
	subs, err := e.ListSubscriptions(dist2)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Errorf("dist2 subscriptions = %v, want the dangling one kept", subs)
	}
}

func TestMalformedIdentifiers(t *testing.T) {
	e := resetStore(t)

	if _, err := e.GrantSource("", types.OwnedBy(alice), "infra", []types.ChannelID{chDev}); err != types.ErrMalformed {
		t.Errorf("empty actor: err = %v, want ErrMalformed", err)
	}
	if _, err := e.GrantSource(alice, types.Owner{}, "infra", []types.ChannelID{chDev}); err != types.ErrMalformed {
		t.Errorf("zero owner: err = %v, want ErrMalformed", err)
	}
	if _, err := e.GrantSource(alice, types.OwnedBy(alice), "  ", []types.ChannelID{chDev}); err != types.ErrMalformed {
		t.Errorf("blank tag: err = %v, want ErrMalformed", err)
	}
	if _, err := e.SubscribeBatch("notachannel", alice, types.OwnedBy(alice), []string{"infra"}); err != types.ErrMalformed {
		t.Errorf("malformed dist: err = %v, want ErrMalformed", err)
	}
}
