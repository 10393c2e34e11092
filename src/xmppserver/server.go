package xmppserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ecovacs-bumper/bumper/src/identity"
)

// State is the server lifecycle state machine, mirroring mqttbroker's so
// both listeners present the same shutdown contract to bumperserver.Server.
type State int

const (
	NotStarted State = iota
	Starting
	Started
	Stopping
	Stopped
)

// Config configures the XMPP-like server.
type Config struct {
	// ListenAddr is the TCP address to listen on, e.g. ":5223".
	ListenAddr string
	// TLSConfig is used for the optional STARTTLS upgrade (spec §4.2);
	// connections are accepted in plaintext and upgraded in place, so this
	// must always be set even though the listener itself is not TLS.
	TLSConfig *tls.Config
}

// Server accepts plaintext TCP connections and drives each one through the
// per-connection stanza state machine in session.go. It owns the live
// client registry that stanza routing (spec §4.2's "READY" state) consults.
type Server struct {
	log   *slog.Logger
	store identity.Store
	cfg   Config

	mu       sync.Mutex
	state    State
	listener net.Listener
	wg       sync.WaitGroup

	clients *liveClients
}

// New constructs a Server. It does not listen until Start is called.
func New(log *slog.Logger, store identity.Store, cfg Config) *Server {
	return &Server{
		log:     log.With("component", "xmppserver"),
		store:   store,
		cfg:     cfg,
		state:   NotStarted,
		clients: newLiveClients(),
	}
}

func (srv *Server) State() State {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.state
}

func (srv *Server) setState(s State) {
	srv.mu.Lock()
	srv.state = s
	srv.mu.Unlock()
}

// Start resets every stored xmpp_connected flag to false (recovering from an
// unclean shutdown, per spec §4.5's startup sweep applying independently to
// each transport) and begins accepting connections.
func (srv *Server) Start(ctx context.Context) error {
	srv.setState(Starting)

	if err := srv.store.BotSetXMPP(ctx, "", false); err != nil {
		return fmt.Errorf("xmppserver: startup sweep: %w", err)
	}
	if err := srv.store.ClientSetXMPP(ctx, "", false); err != nil {
		return fmt.Errorf("xmppserver: startup sweep: %w", err)
	}

	ln, err := net.Listen("tcp", srv.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("xmppserver: listen %s: %w", srv.cfg.ListenAddr, err)
	}
	srv.listener = ln

	srv.wg.Add(1)
	go srv.acceptLoop(ctx)

	srv.setState(Started)
	srv.log.Info("xmpp server started", "addr", srv.cfg.ListenAddr)
	return nil
}

func (srv *Server) acceptLoop(ctx context.Context) {
	defer srv.wg.Done()
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if srv.State() >= Stopping {
				return
			}
			srv.log.Error("accept failed", "err", err)
			return
		}

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			sess := newSession(srv.log, srv.store, srv, conn, srv.cfg.TLSConfig)
			sess.run(ctx)
		}()
	}
}

// Stop closes the listener, then waits for every session task to complete,
// per spec §5's XMPP-server shutdown rule (the inverse order of the MQTT
// broker's drain-then-close, since a plain net.Listener has no equivalent
// to mochi-mqtt's per-session stop hook).
func (srv *Server) Stop(_ context.Context) error {
	srv.setState(Stopping)
	defer srv.setState(Stopped)

	if srv.listener != nil {
		if err := srv.listener.Close(); err != nil {
			return fmt.Errorf("xmppserver: close listener: %w", err)
		}
	}
	srv.wg.Wait()
	return nil
}

// register adds a READY session to the live client registry.
func (srv *Server) register(s *session) { srv.clients.add(s) }

// unregister removes a session from the live client registry.
func (srv *Server) unregister(s *session) { srv.clients.remove(s) }

// lookup finds a live session by full or bare JID, per spec §4.2's stanza
// routing rule.
func (srv *Server) lookup(jid string) *session { return srv.clients.find(jid) }
