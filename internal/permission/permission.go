// ABOUTME: Fixed permission catalog and bit-set permission sets for API keys
// ABOUTME: Authorization checks are a single mask test against the set

package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// ErrUnknownPermission is returned when a name is not in the catalog.
var ErrUnknownPermission = errors.New("unknown permission")

// Permission is a single capability a tool can require.
type Permission uint8

// The permission catalog. Order is significant: it fixes the bit position
// of each permission in a Set and must only ever be appended to.
const (
	ViewChannels Permission = iota
	SendMessages
	ReadMessageHistory
	ManageMessages
	KickMembers
	BanMembers
	ViewGuild

	numPermissions
)

var names = [numPermissions]string{
	ViewChannels:       "view_channels",
	SendMessages:       "send_messages",
	ReadMessageHistory: "read_message_history",
	ManageMessages:     "manage_messages",
	KickMembers:        "kick_members",
	BanMembers:         "ban_members",
	ViewGuild:          "view_guild",
}

var byName = func() map[string]Permission {
	m := make(map[string]Permission, numPermissions)
	for p, n := range names {
		m[n] = Permission(p)
	}
	return m
}()

// All returns every permission in catalog order.
func All() []Permission {
	out := make([]Permission, numPermissions)
	for i := range out {
		out[i] = Permission(i)
	}
	return out
}

// Valid reports whether p is part of the catalog.
func (p Permission) Valid() bool {
	return p < numPermissions
}

// String returns the wire name of the permission.
func (p Permission) String() string {
	if !p.Valid() {
		return fmt.Sprintf("permission(%d)", uint8(p))
	}
	return names[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p Permission) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPermission, uint8(p))
	}
	return []byte(names[p]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Permission) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Parse resolves a permission by its wire name. Matching is case-insensitive.
func Parse(name string) (Permission, error) {
	p, ok := byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPermission, name)
	}
	return p, nil
}

// Set is a set of permissions stored as a bit mask.
type Set uint64

// NewSet builds a set from the given permissions.
func NewSet(perms ...Permission) Set {
	var s Set
	for _, p := range perms {
		s = s.With(p)
	}
	return s
}

// ParseSet builds a set from wire names, failing on the first unknown name.
func ParseSet(names []string) (Set, error) {
	var s Set
	for _, n := range names {
		p, err := Parse(n)
		if err != nil {
			return 0, err
		}
		s = s.With(p)
	}
	return s, nil
}

// With returns a copy of s that also contains p.
func (s Set) With(p Permission) Set {
	if !p.Valid() {
		return s
	}
	return s | 1<<p
}

// Without returns a copy of s with p removed.
func (s Set) Without(p Permission) Set {
	return s &^ (1 << p)
}

// Has reports whether p is in the set.
func (s Set) Has(p Permission) bool {
	return p.Valid() && s&(1<<p) != 0
}

// Len returns the number of permissions in the set.
func (s Set) Len() int {
	return bits.OnesCount64(uint64(s))
}

// Permissions returns the members of the set in catalog order.
func (s Set) Permissions() []Permission {
	out := make([]Permission, 0, s.Len())
	for p := Permission(0); p < numPermissions; p++ {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Names returns the wire names of the set, sorted.
func (s Set) Names() []string {
	perms := s.Permissions()
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	sort.Strings(out)
	return out
}

// String returns the comma-separated names of the set.
func (s Set) String() string {
	return strings.Join(s.Names(), ",")
}

// MarshalJSON encodes the set as a sorted array of names.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

// UnmarshalJSON decodes an array of names.
func (s *Set) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseSet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
