// ABOUTME: Matrix-backed executor mapping chat tools onto rooms, spaces, and events
// ABOUTME: Channels are rooms, guilds are spaces (or plain rooms), messages are events

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/2389/toolgate/internal/tools"
)

// ErrRoomNotAllowed is returned for rooms outside the configured allow list.
var ErrRoomNotAllowed = errors.New("room not allowed")

// defaultTimeout bounds each Matrix call when no timeout is configured.
const defaultTimeout = 30 * time.Second

// Result payloads.
type (
	SentMessage struct {
		MessageID string `json:"message_id"`
		ChannelID string `json:"channel_id"`
		ReplyTo   string `json:"reply_to,omitempty"`
	}

	Message struct {
		ID        string    `json:"id"`
		Author    string    `json:"author"`
		Content   string    `json:"content"`
		Timestamp time.Time `json:"timestamp"`
	}

	MessagesPage struct {
		ChannelID string    `json:"channel_id"`
		Messages  []Message `json:"messages"`
		// Next is the pagination token for older messages, passed back as "before".
		Next string `json:"next,omitempty"`
	}

	SearchResult struct {
		ChannelID string    `json:"channel_id"`
		Query     string    `json:"query"`
		Matches   []Message `json:"matches"`
		Scanned   int       `json:"scanned"`
	}

	ChannelInfo struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Topic       string `json:"topic,omitempty"`
		MemberCount int    `json:"member_count"`
	}

	GuildInfo struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		Topic       string   `json:"topic,omitempty"`
		MemberCount int      `json:"member_count"`
		Channels    []string `json:"channels"`
	}

	DeletedMessage struct {
		ChannelID string `json:"channel_id"`
		MessageID string `json:"message_id"`
		Deleted   bool   `json:"deleted"`
	}

	Moderation struct {
		GuildID string `json:"guild_id"`
		UserID  string `json:"user_id"`
		Action  string `json:"action"`
		Reason  string `json:"reason"`
	}
)

// RoomInfo is what the chat client reports about a room or space.
type RoomInfo struct {
	Name        string
	Topic       string
	MemberCount int
	// Children are the rooms of a space; empty for plain rooms.
	Children []string
}

// chatClient is the subset of a Matrix client the executor needs.
type chatClient interface {
	Whoami(ctx context.Context) (string, error)
	SendText(ctx context.Context, room, body, replyTo string) (string, error)
	Messages(ctx context.Context, room, from string, limit int) ([]Message, string, error)
	Redact(ctx context.Context, room, eventID string) error
	Ban(ctx context.Context, room, user, reason string) error
	Kick(ctx context.Context, room, user, reason string) error
	RoomInfo(ctx context.Context, room string) (RoomInfo, error)
	Close() error
}

// Matrix executes tools against a Matrix homeserver.
type Matrix struct {
	client       chatClient
	timeout      time.Duration
	allowedRooms []string
	logger       *slog.Logger
}

func newMatrix(client chatClient, timeout time.Duration, allowedRooms []string, logger *slog.Logger) *Matrix {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matrix{
		client:       client,
		timeout:      timeout,
		allowedRooms: allowedRooms,
		logger:       logger.With("component", "matrix"),
	}
}

// Name returns "matrix".
func (m *Matrix) Name() string {
	return "matrix"
}

// Ping checks that the homeserver accepts our credentials.
func (m *Matrix) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, err := m.client.Whoami(ctx)
	return err
}

// Close releases the client.
func (m *Matrix) Close() error {
	return m.client.Close()
}

// isRoomAllowed checks if the room is in the allowed list.
func (m *Matrix) isRoomAllowed(room string) bool {
	return len(m.allowedRooms) == 0 || slices.Contains(m.allowedRooms, room)
}

func (m *Matrix) checkRoom(room string) error {
	if !m.isRoomAllowed(room) {
		return fmt.Errorf("%w: %s", ErrRoomNotAllowed, room)
	}
	return nil
}

// Execute performs tool with its validated parameters.
func (m *Matrix) Execute(ctx context.Context, tool string, params any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	result, err := m.execute(ctx, tool, params)
	if err != nil {
		m.logger.Debug("matrix call failed", "tool", tool, "duration", time.Since(start), "error", err)
		return nil, err
	}
	m.logger.Debug("matrix call completed", "tool", tool, "duration", time.Since(start))
	return result, nil
}

func (m *Matrix) execute(ctx context.Context, tool string, params any) (any, error) {
	switch p := params.(type) {
	case *tools.SendMessageParams:
		return m.sendMessage(ctx, p)
	case *tools.GetMessagesParams:
		return m.getMessages(ctx, p)
	case *tools.ChannelParams:
		return m.channelInfo(ctx, p)
	case *tools.SearchMessagesParams:
		return m.searchMessages(ctx, p)
	case *tools.DeleteMessageParams:
		return m.deleteMessage(ctx, p)
	case *tools.BanUserParams:
		return m.moderate(ctx, "ban", p.GuildID, p.UserID, p.Reason, m.client.Ban)
	case *tools.KickUserParams:
		return m.moderate(ctx, "kick", p.GuildID, p.UserID, p.Reason, m.client.Kick)
	case *tools.GuildParams:
		return m.guildInfo(ctx, p)
	default:
		return nil, fmt.Errorf("%w: %s (%T)", ErrUnsupportedTool, tool, params)
	}
}

func (m *Matrix) sendMessage(ctx context.Context, p *tools.SendMessageParams) (any, error) {
	if err := m.checkRoom(p.ChannelID); err != nil {
		return nil, err
	}
	eventID, err := m.client.SendText(ctx, p.ChannelID, composeMessage(p.Content, p.Embed), p.ReplyTo)
	if err != nil {
		return nil, fmt.Errorf("sending message to %s: %w", p.ChannelID, err)
	}
	return SentMessage{MessageID: eventID, ChannelID: p.ChannelID, ReplyTo: p.ReplyTo}, nil
}

func (m *Matrix) getMessages(ctx context.Context, p *tools.GetMessagesParams) (any, error) {
	if err := m.checkRoom(p.ChannelID); err != nil {
		return nil, err
	}
	msgs, next, err := m.client.Messages(ctx, p.ChannelID, p.Before, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("reading messages from %s: %w", p.ChannelID, err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return MessagesPage{ChannelID: p.ChannelID, Messages: msgs, Next: next}, nil
}

func (m *Matrix) searchMessages(ctx context.Context, p *tools.SearchMessagesParams) (any, error) {
	if err := m.checkRoom(p.ChannelID); err != nil {
		return nil, err
	}
	msgs, _, err := m.client.Messages(ctx, p.ChannelID, "", p.Limit)
	if err != nil {
		return nil, fmt.Errorf("searching messages in %s: %w", p.ChannelID, err)
	}

	query := strings.ToLower(p.Query)
	matches := []Message{}
	for _, msg := range msgs {
		if strings.Contains(strings.ToLower(msg.Content), query) {
			matches = append(matches, msg)
		}
	}
	return SearchResult{ChannelID: p.ChannelID, Query: p.Query, Matches: matches, Scanned: len(msgs)}, nil
}

func (m *Matrix) channelInfo(ctx context.Context, p *tools.ChannelParams) (any, error) {
	if err := m.checkRoom(p.ChannelID); err != nil {
		return nil, err
	}
	info, err := m.client.RoomInfo(ctx, p.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("reading room %s: %w", p.ChannelID, err)
	}
	return ChannelInfo{ID: p.ChannelID, Name: info.Name, Topic: info.Topic, MemberCount: info.MemberCount}, nil
}

func (m *Matrix) guildInfo(ctx context.Context, p *tools.GuildParams) (any, error) {
	if err := m.checkRoom(p.GuildID); err != nil {
		return nil, err
	}
	info, err := m.client.RoomInfo(ctx, p.GuildID)
	if err != nil {
		return nil, fmt.Errorf("reading space %s: %w", p.GuildID, err)
	}
	channels := info.Children
	if channels == nil {
		channels = []string{}
	}
	return GuildInfo{ID: p.GuildID, Name: info.Name, Topic: info.Topic, MemberCount: info.MemberCount, Channels: channels}, nil
}

func (m *Matrix) deleteMessage(ctx context.Context, p *tools.DeleteMessageParams) (any, error) {
	if err := m.checkRoom(p.ChannelID); err != nil {
		return nil, err
	}
	if err := m.client.Redact(ctx, p.ChannelID, p.MessageID); err != nil {
		return nil, fmt.Errorf("redacting %s in %s: %w", p.MessageID, p.ChannelID, err)
	}
	return DeletedMessage{ChannelID: p.ChannelID, MessageID: p.MessageID, Deleted: true}, nil
}

func (m *Matrix) moderate(ctx context.Context, action, guild, user, reason string, do func(context.Context, string, string, string) error) (any, error) {
	if err := m.checkRoom(guild); err != nil {
		return nil, err
	}
	if err := do(ctx, guild, user, reason); err != nil {
		return nil, fmt.Errorf("%s %s from %s: %w", action, user, guild, err)
	}
	m.logger.Info("moderation action", "action", action, "room", guild, "user", user, "reason", reason)
	return Moderation{GuildID: guild, UserID: user, Action: action, Reason: reason}, nil
}
