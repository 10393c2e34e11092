package xmppserver

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ecovacs-bumper/bumper/src/bumpererr"
	"github.com/ecovacs-bumper/bumper/src/identity"
)

// SessionState is the per-connection state machine from spec §4.2:
// CONNECT -> (STARTTLS?) -> INIT -> BIND -> READY -> CLOSED.
type SessionState int

const (
	StateConnect SessionState = iota
	StateInit
	StateBind
	StateReady
	StateClosed
)

// JIDKind tags an authenticated identity as a robot or a controller app,
// derived from whether the bare JID's domain matches a numeric device-class
// pattern (spec §4.2).
type JIDKind int

const (
	KindUnknown JIDKind = iota
	KindBot
	KindController
)

// session is one accepted TCP connection and its XML stanza state machine.
type session struct {
	log    *slog.Logger
	store  identity.Store
	server *Server

	conn        net.Conn
	dec         *xml.Decoder
	tlsConfig   *tls.Config
	tlsUpgraded bool
	strict      bool // reject PLAIN-without-STARTTLS; always false, see design notes

	state SessionState
	kind  JIDKind

	bareJID  string
	fullJID  string
	resource string
	domain   string
}

func newSession(log *slog.Logger, store identity.Store, server *Server, conn net.Conn, tlsConfig *tls.Config) *session {
	s := &session{
		log:       log.With("component", "xmppserver", "remote", conn.RemoteAddr().String()),
		store:     store,
		server:    server,
		conn:      conn,
		tlsConfig: tlsConfig,
		state:     StateConnect,
	}
	s.dec = xml.NewDecoder(conn)
	return s
}

// run drives the session until the stream closes or an unrecoverable parse
// error occurs, per spec §4.2.
func (s *session) run(ctx context.Context) {
	defer s.cleanup()

	for {
		tok, err := s.dec.Token()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("stream closed", "err", err)
			}
			return
		}

		if end, isEnd := tok.(xml.EndElement); isEnd {
			// </stream:stream>: echo the close and tear the session down.
			if end.Name.Local == "stream" {
				s.write(streamCloseTag)
				return
			}
			continue
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "stream":
			s.handleStreamOpen(start)
		case "starttls":
			s.handleStartTLS()
		case "auth":
			var el authElem
			if err := s.dec.DecodeElement(&el, &start); err != nil {
				s.log.Debug("malformed auth stanza", "err", fmt.Errorf("xmppserver: %w: %w", bumpererr.ErrParseError, err))
				return
			}
			s.handleAuth(el)
		case "iq":
			var el iqElem
			if err := s.dec.DecodeElement(&el, &start); err != nil {
				s.log.Debug("malformed iq stanza", "err", fmt.Errorf("xmppserver: %w: %w", bumpererr.ErrParseError, err))
				continue
			}
			s.handleIQ(el)
		case "presence":
			var el presenceElem
			if err := s.dec.DecodeElement(&el, &start); err != nil {
				s.log.Debug("malformed presence stanza", "err", fmt.Errorf("xmppserver: %w: %w", bumpererr.ErrParseError, err))
				continue
			}
			s.handlePresence(el)
		case "message":
			var el messageElem
			if err := s.dec.DecodeElement(&el, &start); err != nil {
				s.log.Debug("malformed message stanza", "err", fmt.Errorf("xmppserver: %w: %w", bumpererr.ErrParseError, err))
				continue
			}
			s.handleMessage(el)
		default:
			s.log.Debug("ignoring unrecognized stanza", "name", start.Name.Local)
		}
	}
}

// handleStreamOpen implements the CONNECT state: emit the opening stream
// tag and feature advertisement. If TLS has already been negotiated,
// starttls is not re-advertised (the TLSUpgraded flag in spec §4.2).
func (s *session) handleStreamOpen(start xml.StartElement) {
	s.domain = attrValue(start, "to")
	if s.domain == "" {
		s.domain = "ecouser.net"
	}

	id := uuid.NewString()
	s.write(procInstAndStreamNS)
	s.write(streamOpenTag(id, s.domain))

	if s.tlsUpgraded {
		s.write(streamFeaturesBindOnly)
		s.state = StateInit
		return
	}
	s.write(streamFeaturesWithStartTLS)
	s.state = StateConnect
}

// handleStartTLS upgrades the transport in place and expects the client to
// re-open the stream afterward.
func (s *session) handleStartTLS() {
	s.write(tlsProceed)

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	s.conn = tlsConn
	s.dec = xml.NewDecoder(tlsConn)
	s.tlsUpgraded = true
}

// handleAuth implements spec §4.2's deliberately lenient PLAIN auth: STARTTLS
// is never required, even though it is advertised as such. Whether to
// reject this under a "strict" mode is left undetermined by the source
// (spec §9); this module never adds such a mode, see DESIGN.md.
func (s *session) handleAuth(el authElem) {
	if el.Mechanism != "PLAIN" {
		s.write(saslFailure)
		return
	}
	user, _, err := plainCredentials(el.Body)
	if err != nil {
		s.write(saslFailure)
		return
	}
	if !validJIDNode(user) {
		s.log.Debug("auth rejected: invalid jid node", "user", user)
		s.write(saslFailure)
		return
	}

	s.bareJID = user + "@" + s.domain
	s.kind = classifyJID(s.domain)
	s.write(saslSuccess)
	s.state = StateInit
}

// validJIDNode rejects characters that would let a bareJID built by simple
// string concatenation (user + "@" + domain) break out of an XML attribute
// or otherwise misrepresent the JID once it is interpolated into a stanza:
// quotes, angle brackets, '&', '@', '/' and whitespace/control characters.
// This is in addition to, not instead of, escaping at stanza-build time --
// it stops a hostile username from ever being accepted as an identity.
func validJIDNode(user string) bool {
	if user == "" {
		return false
	}
	for _, r := range user {
		switch {
		case r < 0x21, r == 0x7f:
			return false
		case strings.ContainsRune(`"'<>&@/`, r):
			return false
		}
	}
	return true
}

// classifyJID tags a session BOT if the stream's "to" domain looks like a
// numeric device-class subdomain (e.g. "159.ecorobot.net"), CONTROLLER
// otherwise, per spec §4.2.
func classifyJID(domain string) JIDKind {
	first, _, _ := strings.Cut(domain, ".")
	if first == "" {
		return KindController
	}
	for _, r := range first {
		if r < '0' || r > '9' {
			return KindController
		}
	}
	return KindBot
}

func (s *session) handleIQ(el iqElem) {
	switch {
	case s.state == StateInit && el.Type == "set" && el.Bind != nil:
		s.resource = el.Bind.Resource
		s.fullJID = s.bareJID + "/" + el.Bind.Resource
		s.write(bindResultIQ(el.ID, s.fullJID))
		s.state = StateBind
		s.persistIdentity()

	case s.state == StateBind && el.Type == "set" && el.Session != nil:
		s.write(emptyResultIQ(el.ID))
		s.state = StateReady
		s.server.register(s)
		s.persistConnected()

	case s.state == StateReady && el.Ping != nil && (el.To == "" || el.To == s.domain):
		s.write(pingResultIQ(el.ID, s.domain))

	case s.state == StateReady:
		s.routeStanza(el.To, forwardedIQ(el.ID, s.fullJID, el.To, el.Type, el.InnerXML))

	default:
		s.log.Debug("iq received outside expected state", "state", s.state, "type", el.Type)
	}
}

func (s *session) handlePresence(el presenceElem) {
	if s.state != StateReady {
		return
	}
	s.write(selfPresence(s.fullJID))
}

func (s *session) handleMessage(el messageElem) {
	if s.state != StateReady {
		return
	}
	s.routeStanza(el.To, forwardedMessage(s.fullJID, el.To, el.Type, el.InnerXML))
}

// routeStanza looks up the addressee by full JID then bare JID in the live
// client list and forwards raw. Requests with no living addressee are
// silently dropped -- devices retry (spec §4.2).
func (s *session) routeStanza(to, raw string) {
	target := s.server.lookup(to)
	if target == nil {
		s.log.Debug("no live session for addressee, dropping", "to", to)
		return
	}
	target.write(raw)
}

// persistIdentity upserts a Device or Client record for this JID's kind.
// Called once at BIND time once the full JID is known.
func (s *session) persistIdentity() {
	ctx := context.Background()
	switch s.kind {
	case KindBot:
		class, _, _ := strings.Cut(s.domain, ".")
		if _, err := s.store.BotUpsert(ctx, s.bareJID, class, resourceOf(s.fullJID)); err != nil {
			s.log.Error("bot upsert failed", "jid", s.bareJID, "err", err)
		}
	default:
		if _, err := s.store.ClientUpsert(ctx, s.bareJID, s.domain, resourceOf(s.fullJID)); err != nil {
			s.log.Error("client upsert failed", "jid", s.bareJID, "err", err)
		}
	}
}

func (s *session) persistConnected() {
	ctx := context.Background()
	switch s.kind {
	case KindBot:
		if err := s.store.BotSetXMPP(ctx, s.bareJID, true); err != nil {
			s.log.Error("bot_set_xmpp failed", "jid", s.bareJID, "err", err)
		}
	default:
		// Keyed by resource, not bareJID: the same account can hold more
		// than one live session (two phones on one account), each with its
		// own resource, and disconnecting one must not clear the other's
		// connection flag.
		if err := s.store.ClientSetXMPP(ctx, s.resource, true); err != nil {
			s.log.Error("client_set_xmpp failed", "jid", s.bareJID, "resource", s.resource, "err", err)
		}
	}
}

func resourceOf(fullJID string) string {
	_, res, _ := strings.Cut(fullJID, "/")
	return res
}

func (s *session) write(raw string) {
	if _, err := io.WriteString(s.conn, raw); err != nil {
		s.log.Debug("write failed", "err", err)
	}
}

// cleanup removes the session from the live list and clears the connection
// flag, per spec §4.2's "on any parse error or socket close" rule.
func (s *session) cleanup() {
	s.state = StateClosed
	s.server.unregister(s)

	ctx := context.Background()
	switch {
	case s.bareJID != "" && s.kind == KindBot:
		_ = s.store.BotSetXMPP(ctx, s.bareJID, false)
	case s.resource != "":
		// Guarded on resource, not bareJID: an empty resource would hit the
		// client_set_xmpp(resource="") sweep-all path and clear every live
		// client's flag, not just this session's.
		_ = s.store.ClientSetXMPP(ctx, s.resource, false)
	}
	_ = s.conn.Close()
}

func attrValue(start xml.StartElement, local string) string {
	for _, a := range start.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// liveClients is the shared, mutex-guarded registry of READY sessions,
// indexed by both full and bare JID (spec §4.2's "live-client list").
type liveClients struct {
	mu     sync.Mutex
	byFull map[string]*session
	byBare map[string][]*session
}

func newLiveClients() *liveClients {
	return &liveClients{
		byFull: make(map[string]*session),
		byBare: make(map[string][]*session),
	}
}

func (c *liveClients) add(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byFull[s.fullJID] = s
	c.byBare[s.bareJID] = append(c.byBare[s.bareJID], s)
}

func (c *liveClients) remove(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byFull[s.fullJID] == s {
		delete(c.byFull, s.fullJID)
	}
	list := c.byBare[s.bareJID]
	for i, x := range list {
		if x == s {
			c.byBare[s.bareJID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.byBare[s.bareJID]) == 0 {
		delete(c.byBare, s.bareJID)
	}
}

func (c *liveClients) find(jid string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.byFull[jid]; ok {
		return s
	}
	if list := c.byBare[jid]; len(list) > 0 {
		return list[0]
	}
	return nil
}
