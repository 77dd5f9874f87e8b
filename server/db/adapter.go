// Package adapter contains the interfaces to be implemented by the database adapter
package adapter

import (
	"encoding/json"

	t "github.com/tagmux/relay/server/store/types"
)

// Adapter is the interface that must be implemented by a storage
// adapter. The current schema supports a single connection by database type.
//
// Every mutation is atomic: a concurrent routing query never observes a
// folder with a channel added but the folder record missing, or vice versa.
type Adapter interface {
	// General

	// Open and configure the adapter
	Open(config json.RawMessage) error
	// Close the adapter
	Close() error
	// IsOpen checks if the adapter is ready for use
	IsOpen() bool
	// GetDbVersion returns current database version.
	GetDbVersion() (int, error)
	// CheckDbVersion checks if the actual database version matches adapter version.
	CheckDbVersion() error
	// GetName returns the name of the adapter
	GetName() string
	// CreateDb creates the database optionally dropping an existing database first.
	CreateDb(reset bool) error
	// UpgradeDb upgrades database to the current adapter version.
	UpgradeDb() error
	// Version returns adapter version
	Version() int
	// Stats returns a DB connection stats object.
	Stats() interface{}

	// Folders (tag -> source channels)

	// FolderAddChannel inserts a channel into the tag's folder, creating the
	// folder if absent. Adding a channel twice is a no-op.
	FolderAddChannel(owner t.Owner, tag string, ch t.ChannelID) error
	// FolderRemoveChannel removes a channel from the tag's folder. Removing
	// the last channel deletes the folder. Returns types.ErrNotFound if the
	// tag does not exist; removing an absent channel is a no-op.
	FolderRemoveChannel(owner t.Owner, tag string, ch t.ChannelID) error
	// FolderSetRetrieveBot sets the folder's bot-retrieval flag. Returns
	// types.ErrNotFound if the tag does not exist.
	FolderSetRetrieveBot(owner t.Owner, tag string, flag bool) error
	// FolderGet returns the folder of an existing tag or types.ErrNotFound.
	FolderGet(owner t.Owner, tag string) (*t.Folder, error)
	// FoldersForOwner returns the names of tags owned by the given owner.
	FoldersForOwner(owner t.Owner) ([]string, error)

	// Subscriptions (dist -> tags)

	// SubsAdd subscribes a dist channel to a tag. Idempotent. The tag does
	// not have to exist: a dangling subscription joins to nothing.
	SubsAdd(dist t.ChannelID, ref t.TagRef) error
	// SubsDelete removes a subscription. Removing an absent one is a no-op.
	SubsDelete(dist t.ChannelID, ref t.TagRef) error
	// SubsForDist returns all subscriptions of a dist channel.
	SubsForDist(dist t.ChannelID) ([]t.TagRef, error)

	// Routing. Both queries join folders and subscriptions in a single
	// consistent snapshot. 'bot' is true when the sender is a bot: folders
	// with RetrieveBot off do not qualify then.

	// RouteTargets returns the deduplicated set of dist channels subscribed
	// to at least one qualifying tag containing the source channel.
	RouteTargets(src t.ChannelID, bot bool) ([]t.ChannelID, error)
	// RouteExists reports whether RouteTargets would be non-empty.
	RouteExists(src t.ChannelID, bot bool) (bool, error)
}
