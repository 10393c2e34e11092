// Package store provides a SQLite-backed implementation of identity.Store.
// Each identity collection (bots, clients, users, tokens, oauth) is kept as
// its own table; the pattern -- a small embedded database opened with
// database/sql and the pure-Go modernc.org/sqlite driver, schema ensured on
// open -- follows the idempotency store used elsewhere in this codebase's
// lineage for small, file-backed, process-local persistence.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	_ "modernc.org/sqlite"

	"github.com/ecovacs-bumper/bumper/src/identity"
)

// SQLiteStore implements identity.Store on top of a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and ensures all
// collection tables exist.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers across connections

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			did TEXT PRIMARY KEY,
			class TEXT NOT NULL DEFAULT '',
			resource TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			company TEXT NOT NULL DEFAULT '',
			nick TEXT NOT NULL DEFAULT '',
			mqtt_connected INTEGER NOT NULL DEFAULT 0,
			xmpp_connected INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS clients (
			resource TEXT PRIMARY KEY,
			userid TEXT NOT NULL DEFAULT '',
			realm TEXT NOT NULL DEFAULT '',
			mqtt_connected INTEGER NOT NULL DEFAULT 0,
			xmpp_connected INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			userid TEXT PRIMARY KEY,
			device_ids TEXT NOT NULL DEFAULT '[]',
			bot_dids TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			userid TEXT NOT NULL,
			token TEXT NOT NULL,
			expiration INTEGER NOT NULL,
			authcode TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (userid, token)
		)`,
		`CREATE TABLE IF NOT EXISTS oauth (
			userid TEXT PRIMARY KEY,
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			expire_at INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalIDs(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	b, _ := sonic.Marshal(ids)
	return string(b)
}

func unmarshalIDs(raw string) []string {
	var ids []string
	if raw == "" {
		return nil
	}
	if err := sonic.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}

// --- users -----------------------------------------------------------

func (s *SQLiteStore) UserUpsert(ctx context.Context, userID string) (identity.User, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (userid, device_ids, bot_dids) VALUES (?, '[]', '[]')
		 ON CONFLICT(userid) DO NOTHING`, userID)
	if err != nil {
		return identity.User{}, fmt.Errorf("store: user_upsert: %w", err)
	}
	return s.UserGet(ctx, userID)
}

func (s *SQLiteStore) UserGet(ctx context.Context, userID string) (identity.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT userid, device_ids, bot_dids FROM users WHERE userid = ?`, userID)
	var u identity.User
	var deviceIDs, botDIDs string
	if err := row.Scan(&u.UserID, &deviceIDs, &botDIDs); err != nil {
		if err == sql.ErrNoRows {
			return identity.User{}, identity.ErrNotFound
		}
		return identity.User{}, fmt.Errorf("store: user_get: %w", err)
	}
	u.DeviceIDs = unmarshalIDs(deviceIDs)
	u.BotDIDs = unmarshalIDs(botDIDs)
	return u, nil
}

func (s *SQLiteStore) UserByDeviceID(ctx context.Context, deviceID string) (identity.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT userid, device_ids, bot_dids FROM users`)
	if err != nil {
		return identity.User{}, fmt.Errorf("store: user_by_device_id: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u identity.User
		var deviceIDs, botDIDs string
		if err := rows.Scan(&u.UserID, &deviceIDs, &botDIDs); err != nil {
			return identity.User{}, err
		}
		u.DeviceIDs = unmarshalIDs(deviceIDs)
		u.BotDIDs = unmarshalIDs(botDIDs)
		for _, id := range u.DeviceIDs {
			if id == deviceID {
				return u, nil
			}
		}
	}
	return identity.User{}, identity.ErrNotFound
}

func (s *SQLiteStore) mutateUserList(ctx context.Context, userID string, mutate func(u *identity.User)) error {
	u, err := s.UserGet(ctx, userID)
	if err != nil {
		if err != identity.ErrNotFound {
			return err
		}
		u = identity.User{UserID: userID}
	}
	mutate(&u)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (userid, device_ids, bot_dids) VALUES (?, ?, ?)
		 ON CONFLICT(userid) DO UPDATE SET device_ids = excluded.device_ids, bot_dids = excluded.bot_dids`,
		u.UserID, marshalIDs(u.DeviceIDs), marshalIDs(u.BotDIDs))
	return err
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func removeFrom(list []string, v string) []string {
	out := list[:0:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func (s *SQLiteStore) UserAddDevice(ctx context.Context, userID, deviceID string) error {
	return s.mutateUserList(ctx, userID, func(u *identity.User) { u.DeviceIDs = appendUnique(u.DeviceIDs, deviceID) })
}

func (s *SQLiteStore) UserRemoveDevice(ctx context.Context, userID, deviceID string) error {
	return s.mutateUserList(ctx, userID, func(u *identity.User) { u.DeviceIDs = removeFrom(u.DeviceIDs, deviceID) })
}

func (s *SQLiteStore) UserAddBot(ctx context.Context, userID, botDID string) error {
	return s.mutateUserList(ctx, userID, func(u *identity.User) { u.BotDIDs = appendUnique(u.BotDIDs, botDID) })
}

func (s *SQLiteStore) UserRemoveBot(ctx context.Context, userID, botDID string) error {
	return s.mutateUserList(ctx, userID, func(u *identity.User) { u.BotDIDs = removeFrom(u.BotDIDs, botDID) })
}

// --- tokens / authcode -------------------------------------------------

func (s *SQLiteStore) TokenIssue(ctx context.Context, userID string, ttl time.Duration) (identity.Token, error) {
	tok := identity.Token{
		UserID:     userID,
		Token:      newRandomToken(),
		Expiration: time.Now().Add(ttl),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (userid, token, expiration, authcode) VALUES (?, ?, ?, '')`,
		tok.UserID, tok.Token, tok.Expiration.Unix())
	if err != nil {
		return identity.Token{}, fmt.Errorf("store: token_issue: %w", err)
	}
	return tok, nil
}

func (s *SQLiteStore) TokenCheck(ctx context.Context, userID, token string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT expiration FROM tokens WHERE userid = ? AND token = ?`, userID, token)
	var expUnix int64
	if err := row.Scan(&expUnix); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("store: token_check: %w", err)
	}
	return time.Unix(expUnix, 0).After(time.Now()), nil
}

func (s *SQLiteStore) TokenRevoke(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE userid = ? AND token = ?`, userID, token)
	return err
}

func (s *SQLiteStore) TokenRevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE userid = ?`, userID)
	return err
}

func (s *SQLiteStore) AuthCodeAttach(ctx context.Context, userID, token, authCode string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET authcode = ? WHERE userid = ? AND token = ?`, authCode, userID, token)
	if err != nil {
		return fmt.Errorf("store: authcode_attach: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AuthCodeCheck(ctx context.Context, userID, authCode string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT expiration FROM tokens WHERE userid = ? AND authcode = ? AND authcode != ''`, userID, authCode)
	var expUnix int64
	if err := row.Scan(&expUnix); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("store: authcode_check: %w", err)
	}
	return time.Unix(expUnix, 0).After(time.Now()), nil
}

// --- oauth --------------------------------------------------------------

func (s *SQLiteStore) OAuthUpsert(ctx context.Context, userID string) (identity.OAuth, error) {
	o := identity.OAuth{
		UserID:       userID,
		AccessToken:  newRandomToken(),
		RefreshToken: newRandomToken(),
		ExpireAt:     time.Now().Add(oauthTTL),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth (userid, access_token, refresh_token, expire_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(userid) DO UPDATE SET access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token, expire_at = excluded.expire_at`,
		o.UserID, o.AccessToken, o.RefreshToken, o.ExpireAt.Unix())
	if err != nil {
		return identity.OAuth{}, fmt.Errorf("store: oauth_upsert: %w", err)
	}
	return o, nil
}

// --- bots (devices) -------------------------------------------------------

func (s *SQLiteStore) BotUpsert(ctx context.Context, did, class, resource string) (identity.Device, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bots (did, class, resource) VALUES (?, ?, ?)
		 ON CONFLICT(did) DO UPDATE SET class = excluded.class, resource = excluded.resource`,
		did, class, resource)
	if err != nil {
		return identity.Device{}, fmt.Errorf("store: bot_upsert: %w", err)
	}
	return s.BotGet(ctx, did)
}

func (s *SQLiteStore) BotGet(ctx context.Context, did string) (identity.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT did, class, resource, name, company, nick, mqtt_connected, xmpp_connected FROM bots WHERE did = ?`, did)
	var d identity.Device
	if err := row.Scan(&d.DID, &d.Class, &d.Resource, &d.Name, &d.Company, &d.Nick, &d.MQTTConnected, &d.XMPPConnected); err != nil {
		if err == sql.ErrNoRows {
			return identity.Device{}, identity.ErrNotFound
		}
		return identity.Device{}, fmt.Errorf("store: bot_get: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) BotRemove(ctx context.Context, did string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE did = ?`, did)
	return err
}

func (s *SQLiteStore) BotSetNick(ctx context.Context, did, nick string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bots SET nick = ? WHERE did = ?`, nick, did)
	return err
}

func (s *SQLiteStore) BotSetMQTT(ctx context.Context, did string, connected bool) error {
	return s.setFlag(ctx, "bots", "did", "mqtt_connected", did, connected)
}

func (s *SQLiteStore) BotSetXMPP(ctx context.Context, did string, connected bool) error {
	return s.setFlag(ctx, "bots", "did", "xmpp_connected", did, connected)
}

// --- clients (app sessions) ------------------------------------------------

func (s *SQLiteStore) ClientUpsert(ctx context.Context, userID, realm, resource string) (identity.Client, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (resource, userid, realm) VALUES (?, ?, ?)
		 ON CONFLICT(resource) DO UPDATE SET userid = excluded.userid, realm = excluded.realm`,
		resource, userID, realm)
	if err != nil {
		return identity.Client{}, fmt.Errorf("store: client_upsert: %w", err)
	}
	return s.ClientGet(ctx, resource)
}

func (s *SQLiteStore) ClientGet(ctx context.Context, resource string) (identity.Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT userid, realm, resource, mqtt_connected, xmpp_connected FROM clients WHERE resource = ?`, resource)
	var c identity.Client
	if err := row.Scan(&c.UserID, &c.Realm, &c.Resource, &c.MQTTConnected, &c.XMPPConnected); err != nil {
		if err == sql.ErrNoRows {
			return identity.Client{}, identity.ErrNotFound
		}
		return identity.Client{}, fmt.Errorf("store: client_get: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ClientRemove(ctx context.Context, resource string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE resource = ?`, resource)
	return err
}

func (s *SQLiteStore) ClientSetMQTT(ctx context.Context, resource string, connected bool) error {
	return s.setFlag(ctx, "clients", "resource", "mqtt_connected", resource, connected)
}

func (s *SQLiteStore) ClientSetXMPP(ctx context.Context, resource string, connected bool) error {
	return s.setFlag(ctx, "clients", "resource", "xmpp_connected", resource, connected)
}

// setFlag updates a boolean column for a single keyed row, or for every row
// in the table when key == "" -- the broker/XMPP-server startup sweep.
func (s *SQLiteStore) setFlag(ctx context.Context, table, keyCol, flagCol, key string, val bool) error {
	v := 0
	if val {
		v = 1
	}
	var err error
	if key == "" {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s = ?`, table, flagCol), v)
	} else {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`, table, flagCol, keyCol), v, key)
	}
	return err
}

// SweepExpired deletes tokens and OAuth grants whose expiration has passed.
func (s *SQLiteStore) SweepExpired(ctx context.Context) error {
	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE expiration < ?`, now); err != nil {
		return fmt.Errorf("store: sweep tokens: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oauth WHERE expire_at > 0 AND expire_at < ?`, now); err != nil {
		return fmt.Errorf("store: sweep oauth: %w", err)
	}
	return nil
}

const oauthTTL = 30 * 24 * time.Hour
