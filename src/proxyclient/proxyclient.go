// Package proxyclient implements the per-device upstream MQTT client used
// in proxy mode (spec §4.4): it mirrors a robot's session to the real
// vendor cloud while the robot keeps talking to the local broker.
package proxyclient

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ecovacs-bumper/bumper/src/bumpererr"
	"github.com/ecovacs-bumper/bumper/src/mqtttopic"
)

// DefaultSenderTTL is how long a {request_id: original_sender} mapping is
// kept before it is considered aged out (spec §4.4).
const DefaultSenderTTL = 180 * time.Second

// LocalPublisher is the seam into the local broker: ProxyClient re-publishes
// rewritten upstream messages through it, and the broker calls Rewrite
// before forwarding a local device's response upstream.
type LocalPublisher interface {
	Publish(topic string, payload []byte)
}

// senderEntry is a single aged {request_id -> original sender} mapping.
type senderEntry struct {
	sender    string
	expiresAt time.Time
}

// ProxyClient is constructed once per device session in proxy mode.
type ProxyClient struct {
	log    *slog.Logger
	opts   *mqtt.ClientOptions
	client mqtt.Client
	local  LocalPublisher
	ttl    time.Duration

	mu      sync.Mutex
	senders map[string]senderEntry
}

// New builds a ProxyClient that will dial the vendor broker at brokerURL.
// Per spec §4.4/§9, certificate verification is deliberately disabled on
// this outbound socket only -- never on the inbound listeners -- because the
// vendor's certificate does not validate against the DNS name devices were
// redirected to bumper under.
func New(log *slog.Logger, brokerURL, clientID string, local LocalPublisher) *ProxyClient {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) // #nosec G402 -- vendor cert mismatch is expected, see package doc

	pc := &ProxyClient{
		log:     log.With("component", "proxyclient", "clientId", clientID),
		opts:    opts,
		local:   local,
		ttl:     DefaultSenderTTL,
		senders: make(map[string]senderEntry),
	}
	opts.SetDefaultPublishHandler(pc.onUpstreamMessage)
	return pc
}

// Connect dials the upstream vendor broker.
func (pc *ProxyClient) Connect() error {
	pc.client = mqtt.NewClient(pc.opts)
	if token := pc.client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("proxyclient: connect upstream: %w: %w", bumpererr.ErrUpstream, token.Error())
	}
	return nil
}

// Close disconnects from the upstream broker.
func (pc *ProxyClient) Close() {
	if pc.client != nil && pc.client.IsConnected() {
		pc.client.Disconnect(250)
	}
}

// MirrorSubscribe mirrors a device's SUBSCRIBE upward, per spec §4.4.
func (pc *ProxyClient) MirrorSubscribe(topic string, qos byte) error {
	token := pc.client.Subscribe(topic, qos, nil)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("proxyclient: mirror subscribe %q: %w", topic, token.Error())
	}
	return nil
}

// onUpstreamMessage handles every message read from the upstream broker.
// For P2P messages it remembers {request_id: original_sender}, rewrites the
// sender segment to the literal "proxyhelper", and republishes onto the
// local broker so the device sees what the cloud said.
func (pc *ProxyClient) onUpstreamMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	p, ok := mqtttopic.ParseP2P(topic)
	if !ok {
		pc.local.Publish(topic, msg.Payload())
		return
	}

	if p.SenderDid == mqtttopic.ProxyHelperSender {
		pc.log.Warn("rejecting upstream message with proxyhelper as sender", "topic", topic)
		return
	}

	pc.rememberSender(p.RequestID, p.SenderDid)
	p.SenderDid = mqtttopic.ProxyHelperSender
	pc.local.Publish(mqtttopic.BuildP2P(p), msg.Payload())
}

func (pc *ProxyClient) rememberSender(requestID, sender string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.senders[requestID] = senderEntry{sender: sender, expiresAt: time.Now().Add(pc.ttl)}
}

// Rewrite implements the symmetric half of spec §4.4: called from the local
// broker's on-message hook for this device's session. If topic's recipient
// segment is "proxyhelper", it pops the request_id mapping and rewrites that
// segment back to the original sender before the caller forwards upstream.
// ok is false if the topic isn't addressed to proxyhelper, or if the mapping
// is missing or has aged out; Rewrite logs a warning itself in the latter
// two cases, and the caller forwards nothing upstream.
func (pc *ProxyClient) Rewrite(topic string) (rewritten string, ok bool) {
	p, isP2P := mqtttopic.ParseP2P(topic)
	if !isP2P || p.RecvDid != mqtttopic.ProxyHelperSender {
		return "", false
	}

	pc.mu.Lock()
	entry, found := pc.senders[p.RequestID]
	if found {
		delete(pc.senders, p.RequestID)
	}
	pc.mu.Unlock()

	if !found {
		pc.log.Warn("dropping response with no known sender mapping", "topic", topic, "request_id", p.RequestID)
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		pc.log.Warn("dropping response whose sender mapping aged out", "topic", topic, "request_id", p.RequestID)
		return "", false
	}

	p.RecvDid = entry.sender
	return mqtttopic.BuildP2P(p), true
}

// Publish publishes a message upstream (used by the broker to forward a
// rewritten local response).
func (pc *ProxyClient) Publish(topic string, payload []byte) {
	pc.client.Publish(topic, 0, false, payload)
}
