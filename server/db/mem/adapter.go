// Package mem is a transient in-memory storage adapter. It exists for
// tests and for running the relay without durable state.
package mem

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/tagmux/relay/server/store"
	t "github.com/tagmux/relay/server/store/types"
)

// adapter holds the in-memory tables.
type adapter struct {
	mu   sync.Mutex
	open bool

	folders map[t.TagRef]*folder
	subs    map[t.ChannelID]map[t.TagRef]bool
}

type folder struct {
	channels map[t.ChannelID]bool
	usebot   bool
}

const (
	adpVersion  = 100
	adapterName = "mem"
)

// Open marks the adapter ready. There is nothing to connect to.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.open {
		return errors.New("mem adapter is already open")
	}
	a.folders = make(map[t.TagRef]*folder)
	a.subs = make(map[t.ChannelID]map[t.TagRef]bool)
	a.open = true
	return nil
}

// Close discards all data.
func (a *adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = false
	a.folders = nil
	a.subs = nil
	return nil
}

// IsOpen returns true if the adapter is ready for use.
func (a *adapter) IsOpen() bool {
	return a.open
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	return adpVersion, nil
}

// CheckDbVersion checks if the actual database version matches adapter version.
func (a *adapter) CheckDbVersion() error {
	return nil
}

// GetName returns the name of the adapter.
func (a *adapter) GetName() string {
	return adapterName
}

// CreateDb clears the tables.
func (a *adapter) CreateDb(reset bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.folders = make(map[t.TagRef]*folder)
	a.subs = make(map[t.ChannelID]map[t.TagRef]bool)
	return nil
}

// UpgradeDb is a no-op for the memory adapter.
func (a *adapter) UpgradeDb() error {
	return nil
}

// Version returns adapter version.
func (a *adapter) Version() int {
	return adpVersion
}

// Stats returns the table sizes.
func (a *adapter) Stats() interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]int{"folders": len(a.folders), "dists": len(a.subs)}
}

func (a *adapter) FolderAddChannel(owner t.Owner, tag string, ch t.ChannelID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return t.ErrUnavailable
	}

	ref := t.TagRef{Owner: owner, Tag: tag}
	f := a.folders[ref]
	if f == nil {
		f = &folder{channels: make(map[t.ChannelID]bool)}
		a.folders[ref] = f
	}
	f.channels[ch] = true
	return nil
}

func (a *adapter) FolderRemoveChannel(owner t.Owner, tag string, ch t.ChannelID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return t.ErrUnavailable
	}

	ref := t.TagRef{Owner: owner, Tag: tag}
	f := a.folders[ref]
	if f == nil {
		return t.ErrNotFound
	}
	delete(f.channels, ch)
	if len(f.channels) == 0 {
		// Empty folder means the tag is gone.
		delete(a.folders, ref)
	}
	return nil
}

func (a *adapter) FolderSetRetrieveBot(owner t.Owner, tag string, flag bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return t.ErrUnavailable
	}

	f := a.folders[t.TagRef{Owner: owner, Tag: tag}]
	if f == nil {
		return t.ErrNotFound
	}
	f.usebot = flag
	return nil
}

func (a *adapter) FolderGet(owner t.Owner, tag string) (*t.Folder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return nil, t.ErrUnavailable
	}

	f := a.folders[t.TagRef{Owner: owner, Tag: tag}]
	if f == nil {
		return nil, t.ErrNotFound
	}
	res := &t.Folder{RetrieveBot: f.usebot}
	for ch := range f.channels {
		res.Channels = append(res.Channels, ch)
	}
	return res, nil
}

func (a *adapter) FoldersForOwner(owner t.Owner) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return nil, t.ErrUnavailable
	}

	var names []string
	for ref := range a.folders {
		if ref.Owner == owner {
			names = append(names, ref.Tag)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (a *adapter) SubsAdd(dist t.ChannelID, ref t.TagRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return t.ErrUnavailable
	}

	refs := a.subs[dist]
	if refs == nil {
		refs = make(map[t.TagRef]bool)
		a.subs[dist] = refs
	}
	refs[ref] = true
	return nil
}

func (a *adapter) SubsDelete(dist t.ChannelID, ref t.TagRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return t.ErrUnavailable
	}

	refs := a.subs[dist]
	delete(refs, ref)
	if len(refs) == 0 {
		delete(a.subs, dist)
	}
	return nil
}

func (a *adapter) SubsForDist(dist t.ChannelID) ([]t.TagRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return nil, t.ErrUnavailable
	}

	var refs []t.TagRef
	for ref := range a.subs[dist] {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs, nil
}

// qualifies reports whether the tag relays from the source channel for
// this kind of sender.
func (a *adapter) qualifies(ref t.TagRef, src t.ChannelID, bot bool) bool {
	f := a.folders[ref]
	return f != nil && f.channels[src] && (!bot || f.usebot)
}

func (a *adapter) RouteTargets(src t.ChannelID, bot bool) ([]t.ChannelID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return nil, t.ErrUnavailable
	}

	var dists []t.ChannelID
	for dist, refs := range a.subs {
		for ref := range refs {
			if a.qualifies(ref, src, bot) {
				dists = append(dists, dist)
				break
			}
		}
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i] < dists[j] })
	return dists, nil
}

func (a *adapter) RouteExists(src t.ChannelID, bot bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return false, t.ErrUnavailable
	}

	for _, refs := range a.subs {
		for ref := range refs {
			if a.qualifies(ref, src, bot) {
				return true, nil
			}
		}
	}
	return false, nil
}

func init() {
	store.RegisterAdapter(&adapter{})
}
