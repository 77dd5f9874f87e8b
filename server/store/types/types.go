// Package types defines the objects shared between the relay engine and
// the persistence adapters.
package types

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ChannelID is a platform channel identifier, e.g. "C024BE91L".
type ChannelID string

// UserID is a platform user identifier, e.g. "U2147483697".
type UserID string

// BotID is a platform bot identifier, e.g. "B0001".
type BotID string

// ZeroBot is the absent bot ID.
const ZeroBot BotID = ""

func (c ChannelID) IsZero() bool {
	return c == ""
}

func (c ChannelID) String() string {
	return string(c)
}

func (u UserID) IsZero() bool {
	return u == ""
}

func (u UserID) String() string {
	return string(u)
}

// Owner identifies who controls a tag: a concrete user or the shared
// public pseudo-owner. The zero value is not valid.
type Owner struct {
	user   UserID
	public bool
}

// Public is the shared pseudo-owner. It is never an authenticatable user.
var Public = Owner{public: true}

// OwnedBy returns the owner for a concrete user.
func OwnedBy(user UserID) Owner {
	return Owner{user: user}
}

func (o Owner) IsPublic() bool {
	return o.public
}

func (o Owner) IsZero() bool {
	return !o.public && o.user == ""
}

// User returns the owning user ID. Zero for the public owner.
func (o Owner) User() UserID {
	if o.public {
		return ""
	}
	return o.user
}

// publicKey is the storage encoding of the public owner. It cannot collide
// with a real user ID: those are validated to be strictly alphanumeric.
const publicKey = "*"

// Key returns the storage encoding of the owner.
func (o Owner) Key() string {
	if o.public {
		return publicKey
	}
	return string(o.user)
}

// ParseOwnerKey is the inverse of Owner.Key.
func ParseOwnerKey(s string) Owner {
	if s == publicKey {
		return Public
	}
	return Owner{user: UserID(s)}
}

func (o Owner) String() string {
	if o.public {
		return "public"
	}
	return string(o.user)
}

// TagRef names a tag: the (owner, tag name) pair.
type TagRef struct {
	Owner Owner
	Tag   string
}

func (tr TagRef) String() string {
	return tr.Owner.String() + "/" + tr.Tag
}

// Folder is the value a tag points at: the member source channels and the
// bot-retrieval policy. A folder with no channels does not exist.
type Folder struct {
	Channels    []ChannelID
	RetrieveBot bool
}

// HasChannel reports whether ch is a member source channel.
func (f *Folder) HasChannel(ch ChannelID) bool {
	for _, c := range f.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// SortChannels orders the channel list for deterministic output.
func (f *Folder) SortChannels() {
	sort.Slice(f.Channels, func(i, j int) bool { return f.Channels[i] < f.Channels[j] })
}

// Sender describes who posted an inbound message.
type Sender struct {
	User  UserID
	Bot   BotID
	IsBot bool
}

// StoreError satisfies the error interface while allowing constant values
// for direct comparison.
type StoreError string

func (s StoreError) Error() string {
	return string(s)
}

const (
	// ErrInternal means DB or other internal failure.
	ErrInternal = StoreError("internal")
	// ErrMalformed means the identifier or tag name cannot be used.
	ErrMalformed = StoreError("malformed")
	// ErrNotFound means the requested object was not found.
	ErrNotFound = StoreError("not found")
	// ErrPermissionDenied means the actor does not own the tag.
	ErrPermissionDenied = StoreError("denied")
	// ErrUnavailable means the persistence backend cannot be reached.
	ErrUnavailable = StoreError("unavailable")
)

func isAlnum(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func alnumOnly(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isAlnum(s[i]) {
			return false
		}
	}
	return true
}

// ValidateChannelID checks the channel identifier shape: "C" or "G"
// followed by alphanumerics.
func ValidateChannelID(ch ChannelID) error {
	s := string(ch)
	if len(s) < 2 || (s[0] != 'C' && s[0] != 'G') || !alnumOnly(s[1:]) {
		return ErrMalformed
	}
	return nil
}

// ValidateUserID checks the user identifier shape. Strictly alphanumeric,
// which keeps it disjoint from the public owner encoding.
func ValidateUserID(u UserID) error {
	if !alnumOnly(string(u)) {
		return ErrMalformed
	}
	return nil
}

// NormalizeTag brings a tag name to canonical form: NFKC-normalized,
// trimmed. Returns ErrMalformed for an empty result or a name which would
// collide with the public owner encoding.
func NormalizeTag(tag string) (string, error) {
	tag = strings.TrimSpace(norm.NFKC.String(tag))
	if tag == "" || tag == publicKey {
		return "", ErrMalformed
	}
	return tag, nil
}
