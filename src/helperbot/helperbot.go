// Package helperbot implements the in-process MQTT client that lets the
// (out-of-scope) HTTPS gateway issue request/response commands to any
// connected robot, as described in spec §4.3. It is a regular client of
// whatever broker it is pointed at, following the same paho connect/publish
// pattern the teacher's MQTT source/target connectors use.
package helperbot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bytedance/sonic"

	"github.com/ecovacs-bumper/bumper/src/bumpererr"
	"github.com/ecovacs-bumper/bumper/src/mqtttopic"
)

// DefaultTimeout is the default wait for a command response (spec §4.3).
const DefaultTimeout = 60 * time.Second

// Result is what SendCommand returns to its caller, shaped to match the
// {id, ret, resp, errno, debug} envelope from spec §4.3/§8.
type Result struct {
	ID    string `json:"id"`
	Ret   string `json:"ret"`
	Resp  any    `json:"resp,omitempty"`
	Errno int    `json:"errno,omitempty"`
	Debug string `json:"debug,omitempty"`
}

const errnoCommon = 500

// HelperBot is the single long-lived MQTT client described in spec §4.3.
type HelperBot struct {
	log     *slog.Logger
	opts    *mqtt.ClientOptions
	mu      sync.Mutex
	client  mqtt.Client
	pending *pendingMap
}

// New constructs a HelperBot that will dial the broker configured on the
// given paho client options (broker URL, TLS, etc. already set on opts by the
// caller -- mirrors the teacher's pattern of building *mqtt.ClientOptions in
// the connector constructor rather than hiding it behind this package).
func New(log *slog.Logger, opts *mqtt.ClientOptions) *HelperBot {
	opts.SetClientID(mqtttopic.HelperBotClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)

	hb := &HelperBot{
		log:     log.With("component", "helperbot"),
		opts:    opts,
		pending: newPendingMap(),
	}
	opts.SetOnConnectHandler(hb.onConnect)
	return hb
}

// Start connects the underlying MQTT client and subscribes to the
// HelperBot's response wildcard.
func (hb *HelperBot) Start(ctx context.Context) error {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	client := mqtt.NewClient(hb.opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("helperbot: connect: %w", token.Error())
	}
	hb.client = client
	return nil
}

// Stop disconnects the underlying client.
func (hb *HelperBot) Stop() {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	if hb.client != nil && hb.client.IsConnected() {
		hb.client.Disconnect(250)
	}
}

func (hb *HelperBot) onConnect(client mqtt.Client) {
	if token := client.Subscribe(mqtttopic.HelperBotSubscription, 0, hb.onMessage); token.Wait() && token.Error() != nil {
		hb.log.Error("failed to subscribe to helperbot response topic", "err", token.Error())
	}
}

// ensureConnected reconnects if the underlying client has dropped, per
// spec §4.3 step 1.
func (hb *HelperBot) ensureConnected() error {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	if hb.client != nil && hb.client.IsConnected() {
		return nil
	}
	if hb.client == nil {
		return fmt.Errorf("helperbot: not started")
	}
	if token := hb.client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("helperbot: reconnect: %w", token.Error())
	}
	return nil
}

// Command is the caller's description of an outbound device command.
type Command struct {
	CmdName     string
	ToDid       string
	ToType      string // device class
	ToRes       string
	PayloadType string // mqtttopic.PayloadJSON or mqtttopic.PayloadXML
	Payload     any    // marshaled to JSON if PayloadType is json; must be a string if xml
}

// SendCommand implements spec §4.3: publish the request, await the matching
// response on the pending map, and always clean up the pending entry,
// whether the response lands or the wait times out.
func (hb *HelperBot) SendCommand(ctx context.Context, cmd Command, requestID string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if err := hb.ensureConnected(); err != nil {
		return Result{ID: requestID, Ret: "fail", Errno: errnoCommon, Debug: err.Error()}
	}

	body, err := encodePayload(cmd.PayloadType, cmd.Payload)
	if err != nil {
		return Result{ID: requestID, Ret: "fail", Errno: errnoCommon, Debug: err.Error()}
	}

	topic := mqtttopic.BuildHelperBotRequest(cmd.CmdName, cmd.ToDid, cmd.ToType, cmd.ToRes, requestID, cmd.PayloadType)

	respCh := hb.pending.insert(requestID, cmd.PayloadType, timeout)
	defer hb.pending.remove(requestID)

	hb.mu.Lock()
	client := hb.client
	hb.mu.Unlock()

	token := client.Publish(topic, 0, false, body)
	if token.Wait() && token.Error() != nil {
		return Result{ID: requestID, Ret: "fail", Errno: errnoCommon, Debug: token.Error().Error()}
	}

	select {
	case payload, ok := <-respCh:
		if !ok {
			hb.log.Info("send command timed out", "request_id", requestID, "err", fmt.Errorf("helperbot: %w", bumpererr.ErrTimedOut))
			return Result{ID: requestID, Ret: "fail", Errno: errnoCommon, Debug: "wait for response timed out"}
		}
		resp, err := decodePayload(cmd.PayloadType, payload)
		if err != nil {
			return Result{ID: requestID, Ret: "fail", Errno: errnoCommon, Debug: err.Error()}
		}
		return Result{ID: requestID, Ret: "ok", Resp: resp}
	case <-ctx.Done():
		return Result{ID: requestID, Ret: "fail", Errno: errnoCommon, Debug: ctx.Err().Error()}
	case <-time.After(timeout):
		hb.log.Info("send command timed out", "request_id", requestID, "err", fmt.Errorf("helperbot: %w", bumpererr.ErrTimedOut))
		return Result{ID: requestID, Ret: "fail", Errno: errnoCommon, Debug: "wait for response timed out"}
	}
}

// onMessage is the inbound handler from spec §4.3: topic segment index 10
// (mqtttopic.IdxRequestID) is the request_id. Unmatched P2P messages are
// logged and dropped -- the device may be chatty, and per the design notes
// this "Received Message" fallback path is intentionally preserved rather
// than treated as unreachable.
func (hb *HelperBot) onMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()

	if !mqtttopic.IsP2P(topic) {
		if mqtttopic.IsATRErrors(topic) {
			hb.log.Error("broadcast error message", "topic", topic)
		} else {
			hb.log.Debug("broadcast message", "category", "Broadcast", "topic", topic)
		}
		return
	}

	p, _ := mqtttopic.ParseP2P(topic)
	if !mqtttopic.AddressedToHelperBot(p) {
		hb.log.Debug("received message not addressed to helperbot", "topic", topic)
		return
	}

	if hb.pending.deliver(p.RequestID, msg.Payload()) {
		return
	}
	hb.log.Debug("received message for unknown or expired request_id", "request_id", p.RequestID, "topic", topic)
}

func encodePayload(payloadType string, payload any) ([]byte, error) {
	switch payloadType {
	case mqtttopic.PayloadJSON:
		if payload == nil {
			return []byte("{}"), nil
		}
		return sonic.Marshal(payload)
	case mqtttopic.PayloadXML:
		switch v := payload.(type) {
		case string:
			return []byte(v), nil
		case []byte:
			return v, nil
		default:
			return nil, fmt.Errorf("helperbot: xml payload must be string or []byte, got %T", payload)
		}
	default:
		return nil, fmt.Errorf("helperbot: unknown payload type %q", payloadType)
	}
}

func decodePayload(payloadType string, raw []byte) (any, error) {
	switch payloadType {
	case mqtttopic.PayloadJSON:
		var v any
		if err := sonic.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("helperbot: decode json response: %w: %w", bumpererr.ErrParseError, err)
		}
		return v, nil
	case mqtttopic.PayloadXML:
		// XML responses are handed back verbatim; callers that need
		// structure (e.g. router.GetCleanLogs) decode it themselves.
		return string(raw), nil
	default:
		return nil, fmt.Errorf("helperbot: unknown payload type %q", payloadType)
	}
}
