package identity

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that find no matching record.
var ErrNotFound = errors.New("identity: not found")

// Store is the abstract keyed document collection the spec describes:
// every operation is atomic with respect to concurrent callers, and
// contents survive process restarts. Implementations back it with
// whatever durable storage they like; bumper ships a SQLite-backed one
// in package store.
//
// Method names mirror the vendor source's db module (bot_*, client_*,
// user_*, token_*, authcode_*, oauth_*) so the mapping to the spec's
// operation list stays obvious.
type Store interface {
	UserUpsert(ctx context.Context, userID string) (User, error)
	UserGet(ctx context.Context, userID string) (User, error)
	UserByDeviceID(ctx context.Context, deviceID string) (User, error)
	UserAddDevice(ctx context.Context, userID, deviceID string) error
	UserRemoveDevice(ctx context.Context, userID, deviceID string) error
	UserAddBot(ctx context.Context, userID, botDID string) error
	UserRemoveBot(ctx context.Context, userID, botDID string) error

	TokenIssue(ctx context.Context, userID string, ttl time.Duration) (Token, error)
	TokenCheck(ctx context.Context, userID, token string) (bool, error)
	TokenRevoke(ctx context.Context, userID, token string) error
	TokenRevokeAllForUser(ctx context.Context, userID string) error

	AuthCodeAttach(ctx context.Context, userID, token, authCode string) error
	AuthCodeCheck(ctx context.Context, userID, authCode string) (bool, error)

	OAuthUpsert(ctx context.Context, userID string) (OAuth, error)

	BotUpsert(ctx context.Context, did, class, resource string) (Device, error)
	BotGet(ctx context.Context, did string) (Device, error)
	BotRemove(ctx context.Context, did string) error
	BotSetNick(ctx context.Context, did, nick string) error
	// BotSetMQTT / BotSetXMPP update the connection flag for a single bot
	// (did != "") or, when did == "", sweep the flag to connected=false for
	// every bot -- used on startup to recover from unclean shutdown.
	BotSetMQTT(ctx context.Context, did string, connected bool) error
	BotSetXMPP(ctx context.Context, did string, connected bool) error

	// ClientUpsert, like the rest of the client_* operations, is keyed by
	// resource rather than userID: the same account commonly holds more than
	// one concurrent session (two phones on one account), and each such
	// session has its own resource but shares a userID. Keying by userID
	// alone would let one session's connect/disconnect stomp another's
	// connection flags.
	ClientUpsert(ctx context.Context, userID, realm, resource string) (Client, error)
	ClientGet(ctx context.Context, resource string) (Client, error)
	ClientRemove(ctx context.Context, resource string) error
	// ClientSetMQTT / ClientSetXMPP update the connection flag for a single
	// session (resource != "") or, when resource == "", sweep the flag to
	// connected=false for every client session -- used on startup to
	// recover from unclean shutdown.
	ClientSetMQTT(ctx context.Context, resource string, connected bool) error
	ClientSetXMPP(ctx context.Context, resource string, connected bool) error

	// SweepExpired deletes tokens and OAuth grants whose expiration has
	// passed. Called periodically by the maintenance loop.
	SweepExpired(ctx context.Context) error

	Close() error
}
