// Package jsonfile is a storage adapter which keeps the whole state in a
// single JSON document. Every mutation rewrites the document through a
// temporary file and an atomic rename, so a concurrent crash never leaves
// a half-written store behind. A single mutex serializes read-modify-write
// cycles.
package jsonfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/tagmux/relay/server/store"
	t "github.com/tagmux/relay/server/store/types"
)

// adapter holds the document and its location.
type adapter struct {
	mu   sync.Mutex
	file string
	doc  *document
}

const (
	defaultFile = "relay-store.json"

	adpVersion  = 100
	adapterName = "jsonfile"
)

type configType struct {
	File string `json:"file,omitempty"`
}

// document is the on-disk layout. Owners are encoded with Owner.Key.
type document struct {
	Version int                              `json:"version"`
	Folders map[string]map[string]*docFolder `json:"folders"`
	Dists   map[string][]docTagRef           `json:"dists"`
}

type docFolder struct {
	Channels []t.ChannelID `json:"channels"`
	UseBot   bool          `json:"usebot,omitempty"`
}

type docTagRef struct {
	Owner string `json:"owner"`
	Tag   string `json:"tag"`
}

func newDocument() *document {
	return &document{
		Version: adpVersion,
		Folders: make(map[string]map[string]*docFolder),
		Dists:   make(map[string][]docTagRef),
	}
}

// clone makes a deep copy of the document. Mutations are applied to a copy
// which is installed only after a successful flush.
func (d *document) clone() *document {
	c := newDocument()
	c.Version = d.Version
	for owner, tags := range d.Folders {
		ct := make(map[string]*docFolder, len(tags))
		for tag, f := range tags {
			cf := &docFolder{UseBot: f.UseBot}
			cf.Channels = append(cf.Channels, f.Channels...)
			ct[tag] = cf
		}
		c.Folders[owner] = ct
	}
	for dist, refs := range d.Dists {
		c.Dists[dist] = append([]docTagRef(nil), refs...)
	}
	return c
}

// Open reads the document into memory, creating an empty one if the file
// does not exist yet.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.doc != nil {
		return errors.New("jsonfile adapter is already open")
	}

	var config configType
	if len(jsonconfig) > 0 {
		if err := json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("jsonfile adapter failed to parse config: " + err.Error())
		}
	}
	a.file = config.File
	if a.file == "" {
		a.file = defaultFile
	}

	raw, err := os.ReadFile(a.file)
	if os.IsNotExist(err) {
		a.doc = newDocument()
		if err = a.flush(); err != nil {
			a.doc = nil
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}

	var doc document
	if err = json.Unmarshal(raw, &doc); err != nil {
		return errors.New("jsonfile adapter failed to parse " + a.file + ": " + err.Error())
	}
	if doc.Folders == nil {
		doc.Folders = make(map[string]map[string]*docFolder)
	}
	if doc.Dists == nil {
		doc.Dists = make(map[string][]docTagRef)
	}
	a.doc = &doc
	return nil
}

// Close detaches from the file.
func (a *adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doc = nil
	return nil
}

// IsOpen returns true if the adapter is ready for use.
func (a *adapter) IsOpen() bool {
	return a.doc != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.doc == nil {
		return -1, t.ErrUnavailable
	}
	return a.doc.Version, nil
}

// CheckDbVersion checks if the actual database version matches adapter version.
func (a *adapter) CheckDbVersion() error {
	vers, err := a.GetDbVersion()
	if err != nil {
		return err
	}
	if vers != adpVersion {
		return errors.New("Invalid database version " + strconv.Itoa(vers) +
			". Expected " + strconv.Itoa(adpVersion))
	}
	return nil
}

// GetName returns the name of the adapter.
func (a *adapter) GetName() string {
	return adapterName
}

// CreateDb writes a fresh empty document. With reset it overwrites an
// existing one.
func (a *adapter) CreateDb(reset bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !reset {
		if _, err := os.Stat(a.file); err == nil {
			return errors.New("jsonfile: store file already exists, use reset to overwrite")
		}
	}
	return a.commit(newDocument())
}

// UpgradeDb upgrades the document to the current version. There is only
// one version so far.
func (a *adapter) UpgradeDb() error {
	return a.CheckDbVersion()
}

// Version returns adapter version.
func (a *adapter) Version() int {
	return adpVersion
}

// Stats returns object counts in the document.
func (a *adapter) Stats() interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.doc == nil {
		return nil
	}
	folders := 0
	for _, tags := range a.doc.Folders {
		folders += len(tags)
	}
	return map[string]int{"folders": folders, "dists": len(a.doc.Dists)}
}

// flush serializes the document to a temporary file in the same directory
// and renames it over the store file. Rename on the same filesystem is
// atomic. Callers must hold the mutex.
func (a *adapter) flush() error {
	raw, err := json.MarshalIndent(a.doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(a.file)
	tmp, err := os.CreateTemp(dir, ".relay-store-*")
	if err != nil {
		return t.ErrUnavailable
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(raw); err == nil {
		err = tmp.Sync()
	}
	if errc := tmp.Close(); err == nil {
		err = errc
	}
	if err == nil {
		err = os.Rename(tmpName, a.file)
	}
	if err != nil {
		os.Remove(tmpName)
		return t.ErrUnavailable
	}
	return nil
}

// commit flushes a mutated copy of the document and installs it. A failed
// flush leaves the in-memory document unchanged, so queries never observe
// a mutation the caller was told did not happen. Callers must hold the
// mutex.
func (a *adapter) commit(doc *document) error {
	prev := a.doc
	a.doc = doc
	if err := a.flush(); err != nil {
		a.doc = prev
		return err
	}
	return nil
}

func (a *adapter) FolderAddChannel(owner t.Owner, tag string, ch t.ChannelID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.doc == nil {
		return t.ErrUnavailable
	}

	doc := a.doc.clone()
	tags := doc.Folders[owner.Key()]
	if tags == nil {
		tags = make(map[string]*docFolder)
		doc.Folders[owner.Key()] = tags
	}
	f := tags[tag]
	if f == nil {
		f = &docFolder{}
		tags[tag] = f
	}
	for _, c := range f.Channels {
		if c == ch {
			// Already a member.
			return nil
		}
	}
	f.Channels = append(f.Channels, ch)
	sort.Slice(f.Channels, func(i, j int) bool { return f.Channels[i] < f.Channels[j] })
	return a.commit(doc)
}

func (a *adapter) FolderRemoveChannel(owner t.Owner, tag string, ch t.ChannelID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.doc == nil {
		return t.ErrUnavailable
	}

	doc := a.doc.clone()
	tags := doc.Folders[owner.Key()]
	f := tags[tag]
	if f == nil {
		return t.ErrNotFound
	}
	for i, c := range f.Channels {
		if c == ch {
			f.Channels = append(f.Channels[:i], f.Channels[i+1:]...)
			break
		}
	}
	if len(f.Channels) == 0 {
		// The last channel is gone, so is the tag.
		delete(tags, tag)
		if len(tags) == 0 {
			delete(doc.Folders, owner.Key())
		}
	}
	return a.commit(doc)
}

func (a *adapter) FolderSetRetrieveBot(owner t.Owner, tag string, flag bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.doc == nil {
		return t.ErrUnavailable
	}

	doc := a.doc.clone()
	f := doc.Folders[owner.Key()][tag]
	if f == nil {
		return t.ErrNotFound
	}
	f.UseBot = flag
	return a.commit(doc)
}

func (a *adapter) FolderGet(owner t.Owner, tag string) (*t.Folder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.doc == nil {
		return nil, t.ErrUnavailable
	}

	f := a.doc.Folders[owner.Key()][tag]
	if f == nil {
		return nil, t.ErrNotFound
	}
	res := &t.Folder{RetrieveBot: f.UseBot}
	res.Channels = append(res.Channels, f.Channels...)
	return res, nil
}

func (a *adapter) FoldersForOwner(owner t.Owner) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.doc == nil {
		return nil, t.ErrUnavailable
	}

	var names []string
	for tag := range a.doc.Folders[owner.Key()] {
		names = append(names, tag)
	}
	sort.Strings(names)
	return names, nil
}

func (a *adapter) SubsAdd(dist t.ChannelID, ref t.TagRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.doc == nil {
		return t.ErrUnavailable
	}

	rec := docTagRef{Owner: ref.Owner.Key(), Tag: ref.Tag}
	doc := a.doc.clone()
	refs := doc.Dists[string(dist)]
	for _, r := range refs {
		if r == rec {
			return nil
		}
	}
	doc.Dists[string(dist)] = append(refs, rec)
	return a.commit(doc)
}

func (a *adapter) SubsDelete(dist t.ChannelID, ref t.TagRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.doc == nil {
		return t.ErrUnavailable
	}

	rec := docTagRef{Owner: ref.Owner.Key(), Tag: ref.Tag}
	doc := a.doc.clone()
	refs := doc.Dists[string(dist)]
	for i, r := range refs {
		if r == rec {
			refs = append(refs[:i], refs[i+1:]...)
			break
		}
	}
	if len(refs) == 0 {
		delete(doc.Dists, string(dist))
	} else {
		doc.Dists[string(dist)] = refs
	}
	return a.commit(doc)
}

func (a *adapter) SubsForDist(dist t.ChannelID) ([]t.TagRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.doc == nil {
		return nil, t.ErrUnavailable
	}

	var refs []t.TagRef
	for _, r := range a.doc.Dists[string(dist)] {
		refs = append(refs, t.TagRef{Owner: t.ParseOwnerKey(r.Owner), Tag: r.Tag})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs, nil
}

// qualifies reports whether the referenced folder relays from the source
// channel for this kind of sender. Callers must hold the mutex.
func (a *adapter) qualifies(r docTagRef, src t.ChannelID, bot bool) bool {
	f := a.doc.Folders[r.Owner][r.Tag]
	if f == nil || (bot && !f.UseBot) {
		return false
	}
	for _, c := range f.Channels {
		if c == src {
			return true
		}
	}
	return false
}

func (a *adapter) RouteTargets(src t.ChannelID, bot bool) ([]t.ChannelID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.doc == nil {
		return nil, t.ErrUnavailable
	}

	var dists []t.ChannelID
	for dist, refs := range a.doc.Dists {
		for _, r := range refs {
			if a.qualifies(r, src, bot) {
				dists = append(dists, t.ChannelID(dist))
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
	if a.doc == nil {
		return false, t.ErrUnavailable
	}

	for _, refs := range a.doc.Dists {
		for _, r := range refs {
			if a.qualifies(r, src, bot) {
				return true, nil
			}
		}
	}
	return false, nil
}

func init() {
	store.RegisterAdapter(&adapter{})
}
