// ABOUTME: Built-in chat platform tools and their parameter types
// ABOUTME: DefaultCatalog registers them in a stable order with their required permissions

package tools

import (
	"github.com/2389/toolgate/internal/permission"
)

// Tool names.
const (
	SendMessage    = "send_message"
	GetMessages    = "get_messages"
	GetChannelInfo = "get_channel_info"
	SearchMessages = "search_messages"
	DeleteMessage  = "delete_message"
	BanUser        = "ban_user"
	KickUser       = "kick_user"
	GetGuildInfo   = "get_guild_info"
)

// MaxMessageLength bounds send_message content.
const MaxMessageLength = 4000

// SendMessageParams are the arguments for send_message.
type SendMessageParams struct {
	ChannelID string `json:"channel_id" validate:"required" jsonschema:"minLength=1" jsonschema_description:"Channel (room) to post into"`
	Content   string `json:"content" validate:"required,min=1,max=4000" jsonschema:"minLength=1,maxLength=4000" jsonschema_description:"Message text"`
	ReplyTo   string `json:"reply_to,omitempty" jsonschema_description:"Message ID to reply to"`
	Embed     *Embed `json:"embed,omitempty" jsonschema_description:"Optional titled block shown below the content"`
}

// Embed is a titled block attached below a message. It is rendered as a
// quoted markdown section of the same event.
type Embed struct {
	Title       string `json:"title,omitempty" validate:"max=256" jsonschema:"maxLength=256" jsonschema_description:"Heading of the block"`
	Description string `json:"description,omitempty" validate:"max=4096" jsonschema:"maxLength=4096" jsonschema_description:"Markdown body of the block"`
	URL         string `json:"url,omitempty" validate:"omitempty,url" jsonschema:"format=uri" jsonschema_description:"Link the heading points to"`
}

// Empty reports whether e carries nothing to render.
func (e *Embed) Empty() bool {
	return e == nil || (e.Title == "" && e.Description == "" && e.URL == "")
}

// GetMessagesParams are the arguments for get_messages.
type GetMessagesParams struct {
	ChannelID string `json:"channel_id" validate:"required" jsonschema:"minLength=1" jsonschema_description:"Channel (room) to read"`
	Limit     int    `json:"limit,omitempty" validate:"min=1,max=100" jsonschema:"minimum=1,maximum=100,default=10" jsonschema_description:"Number of messages to return"`
	Before    string `json:"before,omitempty" jsonschema_description:"Pagination token; return messages before this point"`
}

// SetDefaults applies the default page size.
func (p *GetMessagesParams) SetDefaults() { p.Limit = 10 }

// ChannelParams identify a single channel.
type ChannelParams struct {
	ChannelID string `json:"channel_id" validate:"required" jsonschema:"minLength=1" jsonschema_description:"Channel (room) ID"`
}

// SearchMessagesParams are the arguments for search_messages.
type SearchMessagesParams struct {
	ChannelID string `json:"channel_id" validate:"required" jsonschema:"minLength=1" jsonschema_description:"Channel (room) to search"`
	Query     string `json:"query" validate:"required" jsonschema:"minLength=1" jsonschema_description:"Case-insensitive text to look for"`
	Limit     int    `json:"limit,omitempty" validate:"min=1,max=100" jsonschema:"minimum=1,maximum=100,default=50" jsonschema_description:"Number of recent messages to scan"`
}

// SetDefaults applies the default scan size.
func (p *SearchMessagesParams) SetDefaults() { p.Limit = 50 }

// DeleteMessageParams are the arguments for delete_message.
type DeleteMessageParams struct {
	ChannelID string `json:"channel_id" validate:"required" jsonschema:"minLength=1" jsonschema_description:"Channel (room) containing the message"`
	MessageID string `json:"message_id" validate:"required" jsonschema:"minLength=1" jsonschema_description:"Message (event) ID to delete"`
}

// BanUserParams are the arguments for ban_user.
type BanUserParams struct {
	GuildID string `json:"guild_id" validate:"required" jsonschema:"minLength=1" jsonschema_description:"Guild (space or room) to ban from"`
	UserID  string `json:"user_id" validate:"required" jsonschema:"minLength=1" jsonschema_description:"User to ban"`
	Reason  string `json:"reason,omitempty" jsonschema:"default=Banned via MCP" jsonschema_description:"Reason recorded with the ban"`
}

// SetDefaults applies the default ban reason.
func (p *BanUserParams) SetDefaults() { p.Reason = "Banned via MCP" }

// KickUserParams are the arguments for kick_user.
type KickUserParams struct {
	GuildID string `json:"guild_id" validate:"required" jsonschema:"minLength=1" jsonschema_description:"Guild (space or room) to kick from"`
	UserID  string `json:"user_id" validate:"required" jsonschema:"minLength=1" jsonschema_description:"User to kick"`
	Reason  string `json:"reason,omitempty" jsonschema:"default=Kicked via MCP" jsonschema_description:"Reason recorded with the kick"`
}

// SetDefaults applies the default kick reason.
func (p *KickUserParams) SetDefaults() { p.Reason = "Kicked via MCP" }

// GuildParams identify a single guild.
type GuildParams struct {
	GuildID string `json:"guild_id" validate:"required" jsonschema:"minLength=1" jsonschema_description:"Guild (space or room) ID"`
}

// DefaultCatalog returns the built-in chat tools.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		MustDefine(SendMessage, "Send a message to a channel", permission.SendMessages, SendMessageParams{}),
		MustDefine(GetMessages, "Get recent messages from a channel", permission.ReadMessageHistory, GetMessagesParams{}),
		MustDefine(GetChannelInfo, "Get information about a channel", permission.ViewChannels, ChannelParams{}),
		MustDefine(SearchMessages, "Search recent messages in a channel", permission.ReadMessageHistory, SearchMessagesParams{}),
		MustDefine(DeleteMessage, "Delete a message", permission.ManageMessages, DeleteMessageParams{}),
		MustDefine(BanUser, "Ban a user from a guild", permission.BanMembers, BanUserParams{}),
		MustDefine(KickUser, "Kick a user from a guild", permission.KickMembers, KickUserParams{}),
		MustDefine(GetGuildInfo, "Get information about a guild", permission.ViewGuild, GuildParams{}),
	)
	if err != nil {
		panic(err)
	}
	return c
}
