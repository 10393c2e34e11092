package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecovacs-bumper/bumper/src/identity"
)

// openTestStore opens an in-memory SQLite-backed store, mirroring the
// ":memory:" pattern used elsewhere in the example pack for exercising a
// modernc.org/sqlite-backed storage layer without touching disk.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestBotUpsertAndConnectionFlags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dev, err := s.BotUpsert(ctx, "bot_serial", "ls1ok3", "wC3g")
	require.NoError(t, err)
	require.Equal(t, "bot_serial", dev.DID)
	require.False(t, dev.MQTTConnected)
	require.False(t, dev.XMPPConnected)

	require.NoError(t, s.BotSetMQTT(ctx, "bot_serial", true))
	dev, err = s.BotGet(ctx, "bot_serial")
	require.NoError(t, err)
	require.True(t, dev.MQTTConnected)

	require.NoError(t, s.BotSetXMPP(ctx, "bot_serial", true))
	dev, err = s.BotGet(ctx, "bot_serial")
	require.NoError(t, err)
	require.True(t, dev.XMPPConnected)

	// Re-upserting an existing did updates class/resource but must not
	// reset its connection flags.
	dev, err = s.BotUpsert(ctx, "bot_serial", "ls1ok3", "newRes")
	require.NoError(t, err)
	require.Equal(t, "newRes", dev.Resource)
	require.True(t, dev.MQTTConnected)
	require.True(t, dev.XMPPConnected)
}

func TestBotSetMQTTSweepResetsEveryDevice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.BotUpsert(ctx, "bot1", "ls1ok3", "r1")
	require.NoError(t, err)
	_, err = s.BotUpsert(ctx, "bot2", "ls1ok3", "r2")
	require.NoError(t, err)
	require.NoError(t, s.BotSetMQTT(ctx, "bot1", true))
	require.NoError(t, s.BotSetMQTT(ctx, "bot2", true))

	// An empty did is the startup sweep's "reset everything" call (spec
	// §4.5): every bot's mqtt_connected flag goes back to false.
	require.NoError(t, s.BotSetMQTT(ctx, "", false))

	bot1, err := s.BotGet(ctx, "bot1")
	require.NoError(t, err)
	require.False(t, bot1.MQTTConnected)
	bot2, err := s.BotGet(ctx, "bot2")
	require.NoError(t, err)
	require.False(t, bot2.MQTTConnected)
}

func TestBotGetUnknownReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.BotGet(context.Background(), "unknown-did")
	require.ErrorIs(t, err, identity.ErrNotFound)
}

func TestClientUpsertAndFlags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.ClientUpsert(ctx, "fuid_tmpuser", "ecouser.net", "IOSF53D07BA")
	require.NoError(t, err)
	require.Equal(t, "ecouser.net", c.Realm)

	require.NoError(t, s.ClientSetMQTT(ctx, "IOSF53D07BA", true))
	c, err = s.ClientGet(ctx, "IOSF53D07BA")
	require.NoError(t, err)
	require.True(t, c.MQTTConnected)
}

// TestClientFlagsAreKeyedByResourceNotUserID covers the same account running
// two concurrent sessions (two phones logged in at once): each has its own
// resource, and clearing one session's flag must not clear the other's.
func TestClientFlagsAreKeyedByResourceNotUserID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.ClientUpsert(ctx, "fuid_tmpuser", "ecouser.net", "phoneA")
	require.NoError(t, err)
	_, err = s.ClientUpsert(ctx, "fuid_tmpuser", "ecouser.net", "phoneB")
	require.NoError(t, err)

	require.NoError(t, s.ClientSetMQTT(ctx, "phoneA", true))
	require.NoError(t, s.ClientSetMQTT(ctx, "phoneB", true))

	require.NoError(t, s.ClientSetMQTT(ctx, "phoneA", false))

	a, err := s.ClientGet(ctx, "phoneA")
	require.NoError(t, err)
	require.False(t, a.MQTTConnected)

	b, err := s.ClientGet(ctx, "phoneB")
	require.NoError(t, err)
	require.True(t, b.MQTTConnected, "clearing phoneA's flag must not clear phoneB's")
}

func TestUserDeviceAndBotLists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UserUpsert(ctx, "user1")
	require.NoError(t, err)

	require.NoError(t, s.UserAddDevice(ctx, "user1", "dev1"))
	require.NoError(t, s.UserAddDevice(ctx, "user1", "dev1")) // idempotent
	require.NoError(t, s.UserAddBot(ctx, "user1", "bot1"))

	u, err := s.UserGet(ctx, "user1")
	require.NoError(t, err)
	require.Equal(t, []string{"dev1"}, u.DeviceIDs)
	require.Equal(t, []string{"bot1"}, u.BotDIDs)

	found, err := s.UserByDeviceID(ctx, "dev1")
	require.NoError(t, err)
	require.Equal(t, "user1", found.UserID)

	require.NoError(t, s.UserRemoveDevice(ctx, "user1", "dev1"))
	u, err = s.UserGet(ctx, "user1")
	require.NoError(t, err)
	require.Empty(t, u.DeviceIDs)

	_, err = s.UserByDeviceID(ctx, "dev1")
	require.ErrorIs(t, err, identity.ErrNotFound)
}

// TestTokenExpiredNeverPasses implements the quantified invariant from
// spec §8: a token whose expiration is in the past must not satisfy
// token_check even before the sweep removes it.
func TestTokenExpiredNeverPasses(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tok, err := s.TokenIssue(ctx, "user1", -time.Minute)
	require.NoError(t, err)

	ok, err := s.TokenCheck(ctx, "user1", tok.Token)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTokenCheckValidAndRevoke(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tok, err := s.TokenIssue(ctx, "user1", time.Hour)
	require.NoError(t, err)

	ok, err := s.TokenCheck(ctx, "user1", tok.Token)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.TokenRevoke(ctx, "user1", tok.Token))
	ok, err = s.TokenCheck(ctx, "user1", tok.Token)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAuthCodeAttachAndCheck(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tok, err := s.TokenIssue(ctx, "user1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.AuthCodeAttach(ctx, "user1", tok.Token, "authcode123"))

	ok, err := s.AuthCodeCheck(ctx, "user1", "authcode123")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AuthCodeCheck(ctx, "user1", "wrong-code")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSweepExpiredRemovesOnlyPastEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	expired, err := s.TokenIssue(ctx, "user1", -time.Second)
	require.NoError(t, err)
	fresh, err := s.TokenIssue(ctx, "user1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.SweepExpired(ctx))

	ok, err := s.TokenCheck(ctx, "user1", expired.Token)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.TokenCheck(ctx, "user1", fresh.Token)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestOAuthUpsertReissuesTokensForSameUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.OAuthUpsert(ctx, "user1")
	require.NoError(t, err)
	second, err := s.OAuthUpsert(ctx, "user1")
	require.NoError(t, err)

	require.NotEqual(t, first.AccessToken, second.AccessToken)
	require.Equal(t, "user1", second.UserID)
}
