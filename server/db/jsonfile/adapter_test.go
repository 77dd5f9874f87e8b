package jsonfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	t "github.com/tagmux/relay/server/store/types"
)

func openAdapter(tb *testing.T, file string) *adapter {
	tb.Helper()
	a := &adapter{}
	conf, _ := json.Marshal(map[string]string{"file": file})
	if err := a.Open(conf); err != nil {
		tb.Fatal(err)
	}
	return a
}

func TestPersistsAcrossReopen(tb *testing.T) {
	file := filepath.Join(tb.TempDir(), "store.json")
	owner := t.OwnedBy("U0ALICE")

	a := openAdapter(tb, file)
	if err := a.FolderAddChannel(owner, "infra", "C0DEV"); err != nil {
		tb.Fatal(err)
	}
	if err := a.FolderSetRetrieveBot(owner, "infra", true); err != nil {
		tb.Fatal(err)
	}
	if err := a.SubsAdd("C0DIGEST", t.TagRef{Owner: owner, Tag: "infra"}); err != nil {
		tb.Fatal(err)
	}
	if err := a.Close(); err != nil {
		tb.Fatal(err)
	}

	a = openAdapter(tb, file)
	defer a.Close()

	folder, err := a.FolderGet(owner, "infra")
	if err != nil {
		tb.Fatal(err)
	}
	want := &t.Folder{Channels: []t.ChannelID{"C0DEV"}, RetrieveBot: true}
	if !cmp.Equal(folder, want) {
		tb.Errorf("folder mismatch: %s", cmp.Diff(want, folder))
	}

	subs, err := a.SubsForDist("C0DIGEST")
	if err != nil {
		tb.Fatal(err)
	}
	if len(subs) != 1 || subs[0].Tag != "infra" {
		tb.Errorf("subs = %v, want the infra subscription", subs)
	}
}

func TestEmptyFolderIsPruned(tb *testing.T) {
	file := filepath.Join(tb.TempDir(), "store.json")
	owner := t.OwnedBy("U0ALICE")

	a := openAdapter(tb, file)
	defer a.Close()

	if err := a.FolderAddChannel(owner, "infra", "C0DEV"); err != nil {
		tb.Fatal(err)
	}
	if err := a.FolderRemoveChannel(owner, "infra", "C0DEV"); err != nil {
		tb.Fatal(err)
	}

	if _, err := a.FolderGet(owner, "infra"); err != t.ErrNotFound {
		tb.Errorf("FolderGet after prune: err = %v, want ErrNotFound", err)
	}
	names, err := a.FoldersForOwner(owner)
	if err != nil {
		tb.Fatal(err)
	}
	if len(names) != 0 {
		tb.Errorf("names = %v, want none", names)
	}
}

func TestPublicOwnerEncoding(tb *testing.T) {
	file := filepath.Join(tb.TempDir(), "store.json")

	a := openAdapter(tb, file)
	defer a.Close()

	if err := a.FolderAddChannel(t.Public, "announce", "C0NEWS"); err != nil {
		tb.Fatal(err)
	}
	if err := a.SubsAdd("C0FEED", t.TagRef{Owner: t.Public, Tag: "announce"}); err != nil {
		tb.Fatal(err)
	}

	subs, err := a.SubsForDist("C0FEED")
	if err != nil {
		tb.Fatal(err)
	}
	if len(subs) != 1 || !subs[0].Owner.IsPublic() {
		tb.Errorf("subs = %v, want one public ref", subs)
	}

	dists, err := a.RouteTargets("C0NEWS", false)
	if err != nil {
		tb.Fatal(err)
	}
	if !cmp.Equal(dists, []t.ChannelID{"C0FEED"}) {
		tb.Errorf("targets = %v, want [C0FEED]", dists)
	}
}

func TestRouteBotFlag(tb *testing.T) {
	file := filepath.Join(tb.TempDir(), "store.json")
	owner := t.OwnedBy("U0ALICE")

	a := openAdapter(tb, file)
	defer a.Close()

	if err := a.FolderAddChannel(owner, "infra", "C0DEV"); err != nil {
		tb.Fatal(err)
	}
	if err := a.SubsAdd("C0DIGEST", t.TagRef{Owner: owner, Tag: "infra"}); err != nil {
		tb.Fatal(err)
	}

	if ok, _ := a.RouteExists("C0DEV", true); ok {
		tb.Error("bot route exists with usebot off")
	}
	if err := a.FolderSetRetrieveBot(owner, "infra", true); err != nil {
		tb.Fatal(err)
	}
	if ok, _ := a.RouteExists("C0DEV", true); !ok {
		tb.Error("bot route missing with usebot on")
	}
}

func TestFailedWriteLeavesDocumentUnchanged(tb *testing.T) {
	dir := filepath.Join(tb.TempDir(), "store")
	if err := os.Mkdir(dir, 0o700); err != nil {
		tb.Fatal(err)
	}
	owner := t.OwnedBy("U0ALICE")

	a := openAdapter(tb, filepath.Join(dir, "store.json"))
	defer a.Close()
	if err := a.FolderAddChannel(owner, "infra", "C0DEV"); err != nil {
		tb.Fatal(err)
	}

	// Take the directory away so the temp-file write fails.
	if err := os.RemoveAll(dir); err != nil {
		tb.Fatal(err)
	}

	if err := a.FolderAddChannel(owner, "infra", "C0WEB"); err != t.ErrUnavailable {
		tb.Fatalf("FolderAddChannel err = %v, want ErrUnavailable", err)
	}
	folder, err := a.FolderGet(owner, "infra")
	if err != nil {
		tb.Fatal(err)
	}
	want := &t.Folder{Channels: []t.ChannelID{"C0DEV"}}
	if !cmp.Equal(folder, want) {
		tb.Errorf("folder changed by a failed write: %s", cmp.Diff(want, folder))
	}

	if err := a.SubsAdd("C0DIGEST", t.TagRef{Owner: owner, Tag: "infra"}); err != t.ErrUnavailable {
		tb.Fatalf("SubsAdd err = %v, want ErrUnavailable", err)
	}
	if subs, _ := a.SubsForDist("C0DIGEST"); len(subs) != 0 {
		tb.Errorf("subs changed by a failed write: %v", subs)
	}
}

func TestCreateDbRefusesOverwrite(tb *testing.T) {
	file := filepath.Join(tb.TempDir(), "store.json")

	a := openAdapter(tb, file)
	defer a.Close()

	if err := a.CreateDb(false); err == nil {
		tb.Error("CreateDb overwrote an existing store without reset")
	}
	if err := a.CreateDb(true); err != nil {
		tb.Errorf("CreateDb with reset failed: %v", err)
	}
}
