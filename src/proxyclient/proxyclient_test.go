package proxyclient

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	topic   string
	payload []byte
}

func (r *recordingPublisher) Publish(topic string, payload []byte) {
	r.topic = topic
	r.payload = payload
}

// TestProxyRewriteRoundTrip covers the local half of scenario S7: with the
// {REQ1 -> UPSTREAM} mapping an upstream request would record (seeded here
// directly), a local response addressed to "proxyhelper" with the same
// request_id gets that segment rewritten back to the original upstream
// sender. The upstream half is TestOnUpstreamMessageRewritesSenderToProxyHelper.
func TestProxyRewriteRoundTrip(t *testing.T) {
	pub := &recordingPublisher{}
	pc := New(slog.Default(), "ssl://vendor.example:8883", "bot_did@ls1ok3/wC3g", pub)

	pc.rememberSender("REQ1", "UPSTREAM")

	rewritten, ok := pc.Rewrite("iot/p2p/GetStatus/bot_did/ls1ok3/wC3g/proxyhelper/bumper/helperbot/p/REQ1/j")
	require.True(t, ok)
	require.Equal(t, "iot/p2p/GetStatus/bot_did/ls1ok3/wC3g/UPSTREAM/bumper/helperbot/p/REQ1/j", rewritten)

	// the mapping is consumed: a second attempt must miss.
	_, ok = pc.Rewrite("iot/p2p/GetStatus/bot_did/ls1ok3/wC3g/proxyhelper/bumper/helperbot/p/REQ1/j")
	require.False(t, ok)
}

func TestProxyRewriteMissesWhenAged(t *testing.T) {
	pub := &recordingPublisher{}
	pc := New(slog.Default(), "ssl://vendor.example:8883", "bot_did@ls1ok3/wC3g", pub)
	pc.ttl = time.Millisecond

	pc.rememberSender("REQ2", "UPSTREAM")
	time.Sleep(5 * time.Millisecond)

	_, ok := pc.Rewrite("iot/p2p/GetStatus/bot_did/ls1ok3/wC3g/proxyhelper/bumper/helperbot/p/REQ2/j")
	require.False(t, ok)
}

func TestOnUpstreamMessageRejectsProxyHelperSender(t *testing.T) {
	pub := &recordingPublisher{}
	pc := New(slog.Default(), "ssl://vendor.example:8883", "bot_did@ls1ok3/wC3g", pub)

	topic := "iot/p2p/GetStatus/proxyhelper/bumper/helperbot/bot_did/ls1ok3/wC3g/p/REQ3/j"
	pc.onUpstreamMessage(nil, fakeMessage{topic: topic, payload: []byte("{}")})

	require.Empty(t, pub.topic)
	_, ok := pc.senders["REQ3"]
	require.False(t, ok)
}

func TestOnUpstreamMessageRewritesSenderToProxyHelper(t *testing.T) {
	pub := &recordingPublisher{}
	pc := New(slog.Default(), "ssl://vendor.example:8883", "bot_did@ls1ok3/wC3g", pub)

	topic := "iot/p2p/GetStatus/UPSTREAM/ls1ok3/cloud/bot_did/ls1ok3/wC3g/q/REQ1/j"
	pc.onUpstreamMessage(nil, fakeMessage{topic: topic, payload: []byte("{}")})

	require.Equal(t, "iot/p2p/GetStatus/proxyhelper/ls1ok3/cloud/bot_did/ls1ok3/wC3g/q/REQ1/j", pub.topic)
	entry, ok := pc.senders["REQ1"]
	require.True(t, ok)
	require.Equal(t, "UPSTREAM", entry.sender)
}

// fakeMessage is a minimal mqtt.Message for exercising onUpstreamMessage
// without a real broker connection.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}
