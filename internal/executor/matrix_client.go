// ABOUTME: mautrix-backed chat client used by the Matrix executor
// ABOUTME: Handles login, optional end-to-end encryption, and event decoding

package executor

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixConfig configures the Matrix executor.
type MatrixConfig struct {
	Homeserver string
	// UserID and AccessToken authenticate directly. Otherwise Username and
	// Password are used to log in.
	UserID      string
	AccessToken string
	Username    string
	Password    string
	// RecoveryKey enables end-to-end encryption. The crypto store lives in DataDir.
	RecoveryKey string
	DataDir     string

	Timeout      time.Duration
	AllowedRooms []string
}

// Validate checks that required config fields are present and valid.
func (c *MatrixConfig) Validate() error {
	if c.Homeserver == "" {
		return fmt.Errorf("matrix homeserver is required")
	}
	u, err := url.Parse(c.Homeserver)
	if err != nil {
		return fmt.Errorf("matrix homeserver is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("matrix homeserver must use http or https scheme")
	}
	hasToken := c.AccessToken != ""
	hasPassword := c.Username != "" && c.Password != ""
	if !hasToken && !hasPassword {
		return fmt.Errorf("matrix needs access_token or username and password")
	}
	if hasToken && c.UserID == "" {
		return fmt.Errorf("matrix user_id is required with access_token")
	}
	if c.RecoveryKey != "" && c.DataDir == "" {
		return fmt.Errorf("matrix data_dir is required when encryption is enabled")
	}
	return nil
}

// NewMatrix connects to the homeserver and returns an executor.
func NewMatrix(ctx context.Context, cfg MatrixConfig, logger *slog.Logger) (*Matrix, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := dialMatrix(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return newMatrix(client, cfg.Timeout, cfg.AllowedRooms, logger), nil
}

// mautrixClient adapts *mautrix.Client to chatClient.
type mautrixClient struct {
	client *mautrix.Client
	crypto *cryptohelper.CryptoHelper
	logger *slog.Logger
}

func dialMatrix(ctx context.Context, cfg MatrixConfig, logger *slog.Logger) (*mautrixClient, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	if cfg.AccessToken == "" {
		_, err := client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: cfg.Username,
			},
			Password:                 cfg.Password,
			InitialDeviceDisplayName: "toolgate",
			StoreCredentials:         true,
		})
		if err != nil {
			return nil, fmt.Errorf("matrix login: %w", err)
		}
		logger.Info("logged in to matrix", "user_id", client.UserID.String(), "device_id", client.DeviceID.String())
	}

	mc := &mautrixClient{client: client, logger: logger}

	if cfg.RecoveryKey != "" {
		helper, err := setupCrypto(ctx, client, cfg.RecoveryKey, cfg.DataDir, logger)
		if err != nil {
			return nil, err
		}
		mc.crypto = helper
	}
	return mc, nil
}

// setupCrypto initializes E2EE and wires it into the client so outgoing
// messages to encrypted rooms are encrypted automatically.
func setupCrypto(ctx context.Context, client *mautrix.Client, recoveryKey, dataDir string, logger *slog.Logger) (*cryptohelper.CryptoHelper, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	userID := client.UserID.String()
	dbPath := filepath.Join(dataDir, fmt.Sprintf("matrix-crypto-%s.db", slugify(userID)))
	logger.Info("setting up encryption", "db", dbPath)

	storeKey, err := deriveStoreKey(recoveryKey, userID)
	if err != nil {
		return nil, err
	}
	helper, err := cryptohelper.NewCryptoHelper(client, storeKey, dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	if machine := helper.Machine(); machine != nil {
		if err := machine.VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
			// Encryption still works without cross-signing.
			logger.Warn("failed to verify with recovery key", "error", err)
		} else {
			logger.Info("encryption initialized with cross-signing verification")
		}
	}
	return helper, nil
}

// slugify converts a Matrix user ID to a filesystem-safe string.
// Example: @toolbot:matrix.org -> toolbot_matrix.org
func slugify(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_' {
			result = append(result, c)
		} else if c == ':' {
			result = append(result, '_')
		}
	}
	return string(result)
}

// deriveStoreKey derives the crypto store pickle key from the recovery key,
// bound to the user ID. The same inputs always yield the same key.
func deriveStoreKey(recoveryKey, userID string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(recoveryKey), nil, []byte("toolgate-matrix-crypto:"+userID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving store key: %w", err)
	}
	return key, nil
}

func (c *mautrixClient) Whoami(ctx context.Context) (string, error) {
	resp, err := c.client.Whoami(ctx)
	if err != nil {
		return "", err
	}
	return resp.UserID.String(), nil
}

func (c *mautrixClient) SendText(ctx context.Context, room, body, replyTo string) (string, error) {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
	formatted, err := formatMarkdown(body)
	if err != nil {
		c.logger.Warn("sending message unformatted", "room", room, "error", err)
	} else if formatted != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	if replyTo != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(replyTo)},
		}
	}

	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(room), event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID.String(), nil
}

func (c *mautrixClient) Messages(ctx context.Context, room, from string, limit int) ([]Message, string, error) {
	resp, err := c.client.Messages(ctx, id.RoomID(room), from, "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, "", err
	}

	msgs := make([]Message, 0, len(resp.Chunk))
	for _, evt := range resp.Chunk {
		evt = c.decrypt(ctx, evt)
		if evt.Type != event.EventMessage {
			continue
		}
		body, _ := evt.Content.Raw["body"].(string)
		msgs = append(msgs, Message{
			ID:        evt.ID.String(),
			Author:    evt.Sender.String(),
			Content:   body,
			Timestamp: time.UnixMilli(evt.Timestamp).UTC(),
		})
	}

	// An end token equal to the start token means there is nothing older.
	next := resp.End
	if next == resp.Start {
		next = ""
	}
	return msgs, next, nil
}

// decrypt returns the plaintext event for encrypted events when encryption
// is enabled, and the event unchanged otherwise.
func (c *mautrixClient) decrypt(ctx context.Context, evt *event.Event) *event.Event {
	if c.crypto == nil || evt.Type != event.EventEncrypted {
		return evt
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		c.logger.Debug("failed to parse encrypted event", "event_id", evt.ID.String(), "error", err)
		return evt
	}
	decrypted, err := c.crypto.Decrypt(ctx, evt)
	if err != nil {
		c.logger.Debug("failed to decrypt event", "event_id", evt.ID.String(), "error", err)
		return evt
	}
	return decrypted
}

func (c *mautrixClient) Redact(ctx context.Context, room, eventID string) error {
	_, err := c.client.RedactEvent(ctx, id.RoomID(room), id.EventID(eventID))
	return err
}

func (c *mautrixClient) Ban(ctx context.Context, room, user, reason string) error {
	_, err := c.client.BanUser(ctx, id.RoomID(room), &mautrix.ReqBanUser{Reason: reason, UserID: id.UserID(user)})
	return err
}

func (c *mautrixClient) Kick(ctx context.Context, room, user, reason string) error {
	_, err := c.client.KickUser(ctx, id.RoomID(room), &mautrix.ReqKickUser{Reason: reason, UserID: id.UserID(user)})
	return err
}

func (c *mautrixClient) RoomInfo(ctx context.Context, room string) (RoomInfo, error) {
	roomID := id.RoomID(room)

	state, err := c.client.State(ctx, roomID)
	if err != nil {
		return RoomInfo{}, err
	}

	var info RoomInfo
	if evt := state[event.StateRoomName][""]; evt != nil {
		info.Name, _ = evt.Content.Raw["name"].(string)
	}
	if evt := state[event.StateTopic][""]; evt != nil {
		info.Topic, _ = evt.Content.Raw["topic"].(string)
	}
	for child, evt := range state[event.StateSpaceChild] {
		// Removed children keep an empty state event.
		if evt != nil && len(evt.Content.Raw) > 0 {
			info.Children = append(info.Children, child)
		}
	}
	sort.Strings(info.Children)

	members, err := c.client.JoinedMembers(ctx, roomID)
	if err != nil {
		// Room state is still useful without the member count.
		c.logger.Debug("failed to list members", "room", room, "error", err)
		return info, nil
	}
	info.MemberCount = len(members.Joined)
	return info, nil
}

func (c *mautrixClient) Close() error {
	if c.crypto != nil {
		return c.crypto.Close()
	}
	return nil
}
