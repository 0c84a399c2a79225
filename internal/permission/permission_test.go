package permission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	p, err := Parse("ban_members")
	require.NoError(t, err)
	assert.Equal(t, BanMembers, p)

	p, err = Parse("  View_Channels ")
	require.NoError(t, err)
	assert.Equal(t, ViewChannels, p)

	_, err = Parse("administrator")
	assert.ErrorIs(t, err, ErrUnknownPermission)
}

func TestSet_Membership(t *testing.T) {
	s := NewSet(ViewChannels)

	assert.True(t, s.Has(ViewChannels))
	assert.False(t, s.Has(BanMembers))
	assert.Equal(t, 1, s.Len())

	s = s.With(BanMembers)
	assert.True(t, s.Has(BanMembers))
	assert.Equal(t, 2, s.Len())

	s = s.Without(ViewChannels)
	assert.False(t, s.Has(ViewChannels))
	assert.Equal(t, []Permission{BanMembers}, s.Permissions())
}

func TestSet_IgnoresInvalidPermission(t *testing.T) {
	s := NewSet(Permission(60))
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Has(Permission(60)))
}

func TestParseSet(t *testing.T) {
	s, err := ParseSet([]string{"send_messages", "view_channels", "send_messages"})
	require.NoError(t, err)
	assert.Equal(t, []string{"send_messages", "view_channels"}, s.Names())
	assert.Equal(t, "send_messages,view_channels", s.String())

	_, err = ParseSet([]string{"view_channels", "nope"})
	assert.ErrorIs(t, err, ErrUnknownPermission)
}

func TestSet_JSON(t *testing.T) {
	s := NewSet(KickMembers, ViewGuild)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `["kick_members","view_guild"]`, string(data))

	var decoded Set
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, s, decoded)

	assert.Error(t, json.Unmarshal([]byte(`["kick_members","root"]`), &decoded))
}

func TestAll_CoversCatalog(t *testing.T) {
	all := All()
	require.Len(t, all, int(numPermissions))
	for _, p := range all {
		assert.True(t, p.Valid())
		parsed, err := Parse(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
}
