package xmppserver

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ecovacs-bumper/bumper/src/identity"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is a minimal in-memory identity.Store for exercising session
// bookkeeping without a real database, mirroring the fakeStore pattern used
// in mqttbroker's tests.
type fakeStore struct {
	mu      sync.Mutex
	bots    map[string]identity.Device
	clients map[string]identity.Client
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bots:    make(map[string]identity.Device),
		clients: make(map[string]identity.Client),
	}
}

func (s *fakeStore) UserUpsert(context.Context, string) (identity.User, error) { return identity.User{}, nil }
func (s *fakeStore) UserGet(context.Context, string) (identity.User, error) {
	return identity.User{}, identity.ErrNotFound
}
func (s *fakeStore) UserByDeviceID(context.Context, string) (identity.User, error) {
	return identity.User{}, identity.ErrNotFound
}
func (s *fakeStore) UserAddDevice(context.Context, string, string) error    { return nil }
func (s *fakeStore) UserRemoveDevice(context.Context, string, string) error { return nil }
func (s *fakeStore) UserAddBot(context.Context, string, string) error       { return nil }
func (s *fakeStore) UserRemoveBot(context.Context, string, string) error    { return nil }

func (s *fakeStore) TokenIssue(context.Context, string, time.Duration) (identity.Token, error) {
	return identity.Token{}, nil
}
func (s *fakeStore) TokenCheck(context.Context, string, string) (bool, error) { return false, nil }
func (s *fakeStore) TokenRevoke(context.Context, string, string) error       { return nil }
func (s *fakeStore) TokenRevokeAllForUser(context.Context, string) error     { return nil }

func (s *fakeStore) AuthCodeAttach(context.Context, string, string, string) error { return nil }
func (s *fakeStore) AuthCodeCheck(context.Context, string, string) (bool, error)  { return false, nil }

func (s *fakeStore) OAuthUpsert(context.Context, string) (identity.OAuth, error) { return identity.OAuth{}, nil }

func (s *fakeStore) BotUpsert(_ context.Context, did, class, resource string) (identity.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := identity.Device{DID: did, Class: class, Resource: resource}
	s.bots[did] = d
	return d, nil
}
func (s *fakeStore) BotGet(_ context.Context, did string) (identity.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.bots[did]
	if !ok {
		return identity.Device{}, identity.ErrNotFound
	}
	return d, nil
}
func (s *fakeStore) BotRemove(context.Context, string) error         { return nil }
func (s *fakeStore) BotSetNick(context.Context, string, string) error { return nil }
func (s *fakeStore) BotSetMQTT(context.Context, string, bool) error   { return nil }
func (s *fakeStore) BotSetXMPP(_ context.Context, did string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if did == "" {
		for k, v := range s.bots {
			v.XMPPConnected = connected
			s.bots[k] = v
		}
		return nil
	}
	d := s.bots[did]
	d.XMPPConnected = connected
	s.bots[did] = d
	return nil
}

func (s *fakeStore) ClientUpsert(_ context.Context, userID, realm, resource string) (identity.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := identity.Client{UserID: userID, Realm: realm, Resource: resource}
	s.clients[resource] = c
	return c, nil
}
func (s *fakeStore) ClientGet(_ context.Context, resource string) (identity.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[resource]
	if !ok {
		return identity.Client{}, identity.ErrNotFound
	}
	return c, nil
}
func (s *fakeStore) ClientRemove(context.Context, string) error { return nil }
func (s *fakeStore) ClientSetMQTT(context.Context, string, bool) error { return nil }
func (s *fakeStore) ClientSetXMPP(_ context.Context, resource string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resource == "" {
		for k, v := range s.clients {
			v.XMPPConnected = connected
			s.clients[k] = v
		}
		return nil
	}
	c := s.clients[resource]
	c.XMPPConnected = connected
	s.clients[resource] = c
	return nil
}

func (s *fakeStore) SweepExpired(context.Context) error { return nil }
func (s *fakeStore) Close() error                       { return nil }
