// Package mqttbroker implements the MQTT broker from spec §4.1: an embedded
// MQTT 3.1.1 broker that accepts robots and app clients over TLS,
// authenticates them by client_id shape, and — in proxy mode — mirrors a
// robot's session to the real vendor cloud. The broker itself is
// github.com/mochi-mqtt/server/v2, the only embeddable MQTT broker anywhere
// in the example pack (see src/connectors/mqtt/testhelper_test.go in the
// teacher repo for the construction pattern this package generalizes).
package mqttbroker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/ecovacs-bumper/bumper/src/bumpererr"
	"github.com/ecovacs-bumper/bumper/src/identity"
	"github.com/ecovacs-bumper/bumper/src/mqtttopic"
	"github.com/ecovacs-bumper/bumper/src/proxyclient"
)

// State is the broker lifecycle state machine from spec §4.1.
type State int

const (
	NotStarted State = iota
	Starting
	Started
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Starting:
		return "Starting"
	case Started:
		return "Started"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Config configures the broker.
type Config struct {
	// ListenAddr is the TCP address to listen on, e.g. ":8883".
	ListenAddr string
	// TLSConfig is required: the broker never serves plaintext MQTT.
	TLSConfig *tls.Config

	// UseAuth, when false, bypasses the authcode check for app clients
	// (spec §4.1).
	UseAuth bool
	// Anonymous accepts any connection not otherwise recognized.
	Anonymous bool
	// PasswordFile is the optional bcrypt password-file fallback.
	PasswordFile *PasswordFile

	// ProxyMQTT enables proxy mode (spec §4.1/§4.4): robot sessions are
	// mirrored to the vendor cloud.
	ProxyMQTT bool
	// ResolveUpstreamBroker resolves the vendor broker URL for a given
	// device did. Spec §4.1 says this is "a hard-coded public DNS" in the
	// source; this module takes it as an injected function so it isn't
	// baked into library code that can't be tested without network access.
	ResolveUpstreamBroker func(did string) (string, error)
}

// Broker wraps an embedded mochi-mqtt server with bumper's auth and
// proxy-mode hooks.
type Broker struct {
	log    *slog.Logger
	store  identity.Store
	cfg    Config
	server *mqtt.Server

	mu    sync.Mutex
	state State

	proxies map[string]*proxyclient.ProxyClient // keyed by client_id
}

// New constructs a Broker. The broker is not listening until Start is called.
func New(log *slog.Logger, store identity.Store, cfg Config) *Broker {
	return &Broker{
		log:     log.With("component", "mqttbroker"),
		store:   store,
		cfg:     cfg,
		state:   NotStarted,
		proxies: make(map[string]*proxyclient.ProxyClient),
	}
}

// State returns the broker's current lifecycle state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Broker) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Start resets every stored MQTT connection flag, for bots and clients, to
// false (recovering from an
// unclean shutdown, per spec §4.1), then begins listening.
func (b *Broker) Start(ctx context.Context) error {
	b.setState(Starting)

	if err := b.store.BotSetMQTT(ctx, "", false); err != nil {
		return fmt.Errorf("mqttbroker: startup sweep: %w", err)
	}
	if err := b.store.ClientSetMQTT(ctx, "", false); err != nil {
		return fmt.Errorf("mqttbroker: startup sweep: %w", err)
	}

	b.server = mqtt.New(nil)

	hook := &authHook{broker: b}
	if err := b.server.AddHook(hook, nil); err != nil {
		return fmt.Errorf("mqttbroker: add auth hook: %w", err)
	}

	ln := listeners.NewTCP(listeners.Config{
		ID:        "bumper-mqtt",
		Address:   b.cfg.ListenAddr,
		TLSConfig: b.cfg.TLSConfig,
	})
	if err := b.server.AddListener(ln); err != nil {
		return fmt.Errorf("mqttbroker: add listener: %w", err)
	}

	go func() {
		if err := b.server.Serve(); err != nil {
			b.log.Error("mqtt server stopped", "err", err)
		}
	}()

	b.setState(Started)
	b.log.Info("mqtt broker started", "addr", b.cfg.ListenAddr)
	return nil
}

// Stop drains sessions and closes the listener. Per spec §4.1 this order
// matters: stopping session handlers before the listener closes is what
// lets devices reconnect cleanly on the next start.
func (b *Broker) Stop(ctx context.Context) error {
	for b.State() == Starting {
		time.Sleep(10 * time.Millisecond)
	}
	b.setState(Stopping)
	defer b.setState(Stopped)

	b.mu.Lock()
	for id, pc := range b.proxies {
		pc.Close()
		delete(b.proxies, id)
	}
	b.mu.Unlock()

	if b.server == nil {
		return nil
	}
	if err := b.server.Close(); err != nil {
		return fmt.Errorf("mqttbroker: close: %w", err)
	}
	return nil
}

// PublishLocal publishes a message as if it originated from inside the
// broker -- used by proxyclient to deliver a rewritten upstream message to
// local subscribers.
func (b *Broker) PublishLocal(topic string, payload []byte) {
	if err := b.server.Publish(topic, payload, false, 0); err != nil {
		b.log.Warn("local publish failed", "topic", topic, "err", err)
	}
}

// localPublisherAdapter adapts Broker to proxyclient.LocalPublisher.
type localPublisherAdapter struct{ b *Broker }

func (a localPublisherAdapter) Publish(topic string, payload []byte) { a.b.PublishLocal(topic, payload) }

// authHook is the mochi-mqtt hook implementing spec §4.1's CONNECT-time
// authentication decision table plus connection-status bookkeeping and
// proxy-mode session wiring.
type authHook struct {
	mqtt.HookBase
	broker *Broker

	mu       sync.Mutex
	byClient map[string]ParsedClientID // client_id -> decoded identity
}

func (h *authHook) ID() string { return "bumper-auth" }

func (h *authHook) Provides(b byte) bool {
	switch b {
	case mqtt.OnConnectAuthenticate, mqtt.OnSessionEstablished, mqtt.OnDisconnect, mqtt.OnSubscribed, mqtt.OnPublish:
		return true
	default:
		return false
	}
}

func (h *authHook) Init(_ any) error {
	h.byClient = make(map[string]ParsedClientID)
	return nil
}

// OnConnectAuthenticate implements the decision table in spec §4.1.
func (h *authHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	clientID := pk.Connect.ClientIdentifier
	parsed := ParseClientID(clientID, mqtttopic.HelperBotClientID)

	switch parsed.Kind {
	case KindHelperBot:
		h.remember(clientID, parsed)
		return true
	case KindRobot:
		h.remember(clientID, parsed)
		return true
	case KindAppClient:
		if !h.broker.cfg.UseAuth {
			h.remember(clientID, parsed)
			return true
		}
		token := string(pk.Connect.Password)
		ok, err := h.broker.store.AuthCodeCheck(context.Background(), parsed.DID, token)
		if err != nil {
			h.broker.log.Error("authcode check failed", "userid", parsed.DID, "err", err)
			return h.fallback(clientID, string(pk.Connect.Username), token)
		}
		if ok {
			h.remember(clientID, parsed)
			return true
		}
		h.broker.log.Info("authcode check failed", "err", fmt.Errorf("mqttbroker: %w", bumpererr.ErrAuthFailure), "userid", parsed.DID)
		return h.fallback(clientID, string(pk.Connect.Username), token)
	default:
		return h.fallback(clientID, string(pk.Connect.Username), string(pk.Connect.Password))
	}
}

// fallback implements the password-file and anonymous tiers for
// unrecognized client_id shapes and for app clients whose authcode check
// did not pass, per spec §4.1. Per spec §7's AuthFailure
// row, a connection that matches none of the fallback tiers is logged at
// INFO before the hook denies it.
func (h *authHook) fallback(clientID, username, password string) bool {
	if h.broker.cfg.PasswordFile != nil && h.broker.cfg.PasswordFile.Verify(username, password) {
		h.remember(clientID, ParsedClientID{Kind: KindUnknown})
		return true
	}
	if h.broker.cfg.Anonymous {
		h.remember(clientID, ParsedClientID{Kind: KindUnknown})
		return true
	}
	h.broker.log.Info("connect rejected", "err", fmt.Errorf("mqttbroker: %w", bumpererr.ErrAuthFailure), "client_id", clientID)
	return false
}

func (h *authHook) remember(clientID string, parsed ParsedClientID) {
	h.mu.Lock()
	h.byClient[clientID] = parsed
	h.mu.Unlock()
}

func (h *authHook) lookup(clientID string) (ParsedClientID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.byClient[clientID]
	return p, ok
}

// OnSessionEstablished runs the connection bookkeeping once mochi-mqtt has
// authenticated the client and sent CONNACK. mochi-mqtt calls its OnConnect
// hook before OnConnectAuthenticate, so the identity remembered during
// authentication is only available from this point on.
func (h *authHook) OnSessionEstablished(cl *mqtt.Client, pk packets.Packet) {
	_ = h.OnConnect(cl, pk)
}

// OnConnect updates the connection flag for the authenticated identity and,
// in proxy mode, instantiates a ProxyClient for robot sessions. It is called
// from OnSessionEstablished, not registered as mochi-mqtt's OnConnect hook.
func (h *authHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	ctx := context.Background()
	parsed, ok := h.lookup(cl.ID)
	if !ok {
		return nil
	}

	switch parsed.Kind {
	case KindRobot:
		if _, err := h.broker.store.BotUpsert(ctx, parsed.DID, parsed.Class, parsed.Resource); err != nil {
			h.broker.log.Error("bot upsert failed", "did", parsed.DID, "err", err)
		}
		if err := h.broker.store.BotSetMQTT(ctx, parsed.DID, true); err != nil {
			h.broker.log.Error("bot_set_mqtt failed", "did", parsed.DID, "err", err)
		}
		if h.broker.cfg.ProxyMQTT {
			h.startProxy(cl.ID, parsed.DID)
		}
	case KindAppClient:
		if _, err := h.broker.store.ClientUpsert(ctx, parsed.DID, parsed.Realm, parsed.Resource); err != nil {
			h.broker.log.Error("client upsert failed", "userid", parsed.DID, "err", err)
		}
		if err := h.broker.store.ClientSetMQTT(ctx, parsed.Resource, true); err != nil {
			h.broker.log.Error("client_set_mqtt failed", "userid", parsed.DID, "resource", parsed.Resource, "err", err)
		}
	}
	return nil
}

// OnDisconnect clears the connection flag and tears down any proxy session.
func (h *authHook) OnDisconnect(cl *mqtt.Client, _ error, _ bool) {
	ctx := context.Background()
	parsed, ok := h.lookup(cl.ID)
	if !ok {
		return
	}

	switch parsed.Kind {
	case KindRobot:
		if err := h.broker.store.BotSetMQTT(ctx, parsed.DID, false); err != nil {
			h.broker.log.Error("bot_set_mqtt failed", "did", parsed.DID, "err", err)
		}
		h.stopProxy(cl.ID)
	case KindAppClient:
		if err := h.broker.store.ClientSetMQTT(ctx, parsed.Resource, false); err != nil {
			h.broker.log.Error("client_set_mqtt failed", "userid", parsed.DID, "resource", parsed.Resource, "err", err)
		}
	}
}

// OnSubscribed mirrors a robot's subscriptions upward in proxy mode, per
// spec §4.4.
func (h *authHook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, _ []byte) {
	if !h.broker.cfg.ProxyMQTT {
		return
	}
	h.broker.mu.Lock()
	pc, ok := h.broker.proxies[cl.ID]
	h.broker.mu.Unlock()
	if !ok {
		return
	}
	for _, f := range pk.Filters {
		if err := pc.MirrorSubscribe(f.Filter, f.Qos); err != nil {
			h.broker.log.Warn("mirror subscribe failed", "filter", f.Filter, "err", err)
		}
	}
}

// OnPublish implements the symmetric half of the proxy rewrite rule from
// spec §4.4: a local device response addressed to "proxyhelper" is rewritten
// back to the original upstream sender and forwarded to the vendor cloud.
func (h *authHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if !h.broker.cfg.ProxyMQTT {
		return pk, nil
	}
	h.broker.mu.Lock()
	pc, ok := h.broker.proxies[cl.ID]
	h.broker.mu.Unlock()
	if !ok {
		return pk, nil
	}

	rewritten, ok := pc.Rewrite(pk.TopicName)
	if !ok {
		return pk, nil
	}
	pc.Publish(rewritten, pk.Payload)
	return pk, nil
}

func (h *authHook) startProxy(clientID, did string) {
	if h.broker.cfg.ResolveUpstreamBroker == nil {
		return
	}
	upstreamURL, err := h.broker.cfg.ResolveUpstreamBroker(did)
	if err != nil {
		h.broker.log.Error("resolve upstream broker failed", "did", did, "err", err)
		return
	}

	pc := proxyclient.New(h.broker.log, upstreamURL, clientID, localPublisherAdapter{h.broker})
	if err := pc.Connect(); err != nil {
		h.broker.log.Error("proxy client connect failed", "did", did, "err", err)
		return
	}

	h.broker.mu.Lock()
	h.broker.proxies[clientID] = pc
	h.broker.mu.Unlock()
}

func (h *authHook) stopProxy(clientID string) {
	h.broker.mu.Lock()
	pc, ok := h.broker.proxies[clientID]
	if ok {
		delete(h.broker.proxies, clientID)
	}
	h.broker.mu.Unlock()
	if ok {
		pc.Close()
	}
}
