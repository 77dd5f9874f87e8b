// Package store provides methods for registering and accessing storage adapters.
package store

import (
	"encoding/json"
	"errors"

	sf "github.com/tinode/snowflake"

	adapter "github.com/tagmux/relay/server/db"
	"github.com/tagmux/relay/server/store/types"
)

var adp adapter.Adapter
var availableAdapters = make(map[string]adapter.Adapter)

// Unique ID generator. Used by relational adapters for folder record keys.
var uGen *sf.SnowFlake

type configType struct {
	// Snowflake worker ID, 0-1023.
	WorkerID int `json:"worker_id"`
	// Adapter name to use. Should be one of those specified in `Adapters`.
	UseAdapter string `json:"use_adapter"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

func openAdapter(jsonconf json.RawMessage) error {
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("store: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
	}

	if adp == nil {
		if len(config.UseAdapter) > 0 {
			// Adapter name specified explicitly.
			if ad, ok := availableAdapters[config.UseAdapter]; ok {
				adp = ad
			} else {
				return errors.New("store: " + config.UseAdapter + " adapter is not available in this binary")
			}
		} else if len(availableAdapters) == 1 {
			// Default to the only entry in availableAdapters.
			for _, v := range availableAdapters {
				adp = v
			}
		} else {
			return errors.New("store: adapter is not specified. Please set `store_config.use_adapter` in the config")
		}
	}

	if adp.IsOpen() {
		return errors.New("store: connection is already opened")
	}

	if config.WorkerID < 0 || config.WorkerID > 1023 {
		return errors.New("store: invalid worker ID")
	}

	var err error
	if uGen, err = sf.NewSnowFlake(uint32(config.WorkerID)); err != nil {
		return errors.New("store: failed to init snowflake: " + err.Error())
	}

	var adapterConfig json.RawMessage
	if config.Adapters != nil {
		adapterConfig = config.Adapters[adp.GetName()]
	}

	return adp.Open(adapterConfig)
}

// PersistentStorageInterface defines methods used for interaction with persistent storage.
type PersistentStorageInterface interface {
	Open(jsonconf json.RawMessage) error
	Close() error
	IsOpen() bool
	GetAdapterName() string
	GetAdapterVersion() int
	GetDbVersion() int
	InitDb(jsonconf json.RawMessage, reset bool) error
	UpgradeDb(jsonconf json.RawMessage) error
	GetUid() (int64, error)
	DbStats() func() interface{}
}

// Store is the main object for interacting with persistent storage.
var Store PersistentStorageInterface = storeObj{}

type storeObj struct{}

// Open initializes the persistence system. Adapter holds a connection pool
// for a database instance.
func (storeObj) Open(jsonconf json.RawMessage) error {
	if err := openAdapter(jsonconf); err != nil {
		return err
	}

	return adp.CheckDbVersion()
}

// Close terminates connection to persistent storage.
func (storeObj) Close() error {
	if adp.IsOpen() {
		return adp.Close()
	}

	return nil
}

// IsOpen checks if persistent storage connection has been initialized.
func (storeObj) IsOpen() bool {
	if adp != nil {
		return adp.IsOpen()
	}

	return false
}

// GetAdapterName returns the name of the current adapter.
func (storeObj) GetAdapterName() string {
	if adp != nil {
		return adp.GetName()
	}

	return ""
}

// GetAdapterVersion returns version of the current adapter.
func (storeObj) GetAdapterVersion() int {
	if adp != nil {
		return adp.Version()
	}

	return -1
}

// GetDbVersion returns version of the underlying database.
func (storeObj) GetDbVersion() int {
	if adp != nil {
		vers, _ := adp.GetDbVersion()
		return vers
	}

	return -1
}

// InitDb creates and configures a new database instance. If 'reset' is true it will
// first attempt to drop an existing database. If jsonconf is nil it will assume that
// the adapter is already open. If it's non-nil and the adapter is not open, it will
// use the config string to open the adapter first.
func (s storeObj) InitDb(jsonconf json.RawMessage, reset bool) error {
	if !s.IsOpen() {
		if err := openAdapter(jsonconf); err != nil {
			return err
		}
	}
	return adp.CreateDb(reset)
}

// UpgradeDb performs an upgrade of the database to the current adapter version.
func (s storeObj) UpgradeDb(jsonconf json.RawMessage) error {
	if !s.IsOpen() {
		if err := openAdapter(jsonconf); err != nil {
			return err
		}
	}
	return adp.UpgradeDb()
}

// GetUid generates a unique ID suitable for use as a primary key.
func (storeObj) GetUid() (int64, error) {
	id, err := uGen.Next()
	return int64(id), err
}

// DbStats returns a callback returning db connection stats object.
func (s storeObj) DbStats() func() interface{} {
	if !s.IsOpen() {
		return nil
	}
	return adp.Stats
}

// RegisterAdapter makes a persistence adapter available.
// If Register is called twice for the same adapter or if the adapter is nil,
// it panics.
func RegisterAdapter(a adapter.Adapter) {
	if a == nil {
		panic("store: Register adapter is nil")
	}

	adapterName := a.GetName()
	if _, ok := availableAdapters[adapterName]; ok {
		panic("store: adapter '" + adapterName + "' is already registered")
	}
	availableAdapters[adapterName] = a
}

// FoldersPersistenceInterface is an interface for persistence of tag folders.
type FoldersPersistenceInterface interface {
	AddChannel(owner types.Owner, tag string, ch types.ChannelID) error
	RemoveChannel(owner types.Owner, tag string, ch types.ChannelID) error
	SetRetrieveBot(owner types.Owner, tag string, flag bool) error
	Get(owner types.Owner, tag string) (*types.Folder, error)
	NamesForOwner(owner types.Owner) ([]string, error)
}

// Folders is the ready-to-use folder persistence mapper.
var Folders FoldersPersistenceInterface = foldersMapper{}

type foldersMapper struct{}

// AddChannel inserts a channel into the tag's folder, creating the folder if absent.
func (foldersMapper) AddChannel(owner types.Owner, tag string, ch types.ChannelID) error {
	return adp.FolderAddChannel(owner, tag, ch)
}

// RemoveChannel removes a channel; the folder is deleted when it empties.
func (foldersMapper) RemoveChannel(owner types.Owner, tag string, ch types.ChannelID) error {
	return adp.FolderRemoveChannel(owner, tag, ch)
}

// SetRetrieveBot toggles the folder's bot-retrieval flag.
func (foldersMapper) SetRetrieveBot(owner types.Owner, tag string, flag bool) error {
	return adp.FolderSetRetrieveBot(owner, tag, flag)
}

// Get loads a single folder.
func (foldersMapper) Get(owner types.Owner, tag string) (*types.Folder, error) {
	return adp.FolderGet(owner, tag)
}

// NamesForOwner lists tag names owned by the given owner.
func (foldersMapper) NamesForOwner(owner types.Owner) ([]string, error) {
	return adp.FoldersForOwner(owner)
}

// SubsPersistenceInterface is an interface for persistence of dist subscriptions.
type SubsPersistenceInterface interface {
	Add(dist types.ChannelID, ref types.TagRef) error
	Delete(dist types.ChannelID, ref types.TagRef) error
	ForDist(dist types.ChannelID) ([]types.TagRef, error)
}

// Subs is the ready-to-use subscription persistence mapper.
var Subs SubsPersistenceInterface = subsMapper{}

type subsMapper struct{}

// Add subscribes a dist channel to a tag.
func (subsMapper) Add(dist types.ChannelID, ref types.TagRef) error {
	return adp.SubsAdd(dist, ref)
}

// Delete removes a subscription.
func (subsMapper) Delete(dist types.ChannelID, ref types.TagRef) error {
	return adp.SubsDelete(dist, ref)
}

// ForDist returns all subscriptions of a dist channel.
func (subsMapper) ForDist(dist types.ChannelID) ([]types.TagRef, error) {
	return adp.SubsForDist(dist)
}

// RoutesPersistenceInterface is an interface for the read-time join of
// folders and subscriptions.
type RoutesPersistenceInterface interface {
	Targets(src types.ChannelID, bot bool) ([]types.ChannelID, error)
	Exists(src types.ChannelID, bot bool) (bool, error)
}

// Routes is the ready-to-use routing query mapper.
var Routes RoutesPersistenceInterface = routesMapper{}

type routesMapper struct{}

// Targets returns dist channels which receive messages from the source channel.
func (routesMapper) Targets(src types.ChannelID, bot bool) ([]types.ChannelID, error) {
	return adp.RouteTargets(src, bot)
}

// Exists reports whether any dist at all receives messages from the source channel.
func (routesMapper) Exists(src types.ChannelID, bot bool) (bool, error) {
	return adp.RouteExists(src, bot)
}
