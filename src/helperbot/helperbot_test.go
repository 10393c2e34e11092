package helperbot

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/ecovacs-bumper/bumper/src/mqtttopic"
)

func newTestHelperBot(t *testing.T, addr string) *HelperBot {
	t.Helper()
	opts := mqtt.NewClientOptions().AddBroker("tcp://" + addr)
	hb := New(slog.Default(), opts)
	require.NoError(t, hb.Start(context.Background()))
	t.Cleanup(hb.Stop)
	time.Sleep(50 * time.Millisecond) // let the subscribe in onConnect land
	return hb
}

// TestSendCommandTimeout covers scenario S2: a call with no matching
// response must fail with the documented debug string once its timeout
// elapses, and must not leave the request_id in the pending map.
func TestSendCommandTimeout(t *testing.T) {
	addr, cleanup := startMochi(t)
	defer cleanup()
	hb := newTestHelperBot(t, addr)

	res := hb.SendCommand(context.Background(), Command{
		CmdName:     "GetWKVer",
		ToDid:       "bot_serial",
		ToType:      "ls1ok3",
		ToRes:       "wC3g",
		PayloadType: mqtttopic.PayloadJSON,
		Payload:     map[string]any{},
	}, "testfail", 100*time.Millisecond)

	require.Equal(t, "testfail", res.ID)
	require.Equal(t, "fail", res.Ret)
	require.Equal(t, 500, res.Errno)
	require.Equal(t, "wait for response timed out", res.Debug)

	_, stillPending := hb.pending.entries["testfail"]
	require.False(t, stillPending)
}

// TestSendCommandSuccessJSON covers scenario S3.
func TestSendCommandSuccessJSON(t *testing.T) {
	addr, cleanup := startMochi(t)
	defer cleanup()
	hb := newTestHelperBot(t, addr)

	publisher := mqtt.NewClient(mqtt.NewClientOptions().AddBroker("tcp://" + addr).SetClientID("bot_serial@ls1ok3/wC3g"))
	require.True(t, publisher.Connect().WaitTimeout(5*time.Second))
	defer publisher.Disconnect(100)

	go func() {
		time.Sleep(50 * time.Millisecond)
		topic := "iot/p2p/GetWKVer/bot_serial/ls1ok3/wC3g/helperbot/bumper/helperbot/p/testgood/j"
		publisher.Publish(topic, 0, false, []byte(`{"ret":"ok","ver":"0.13.5"}`))
	}()

	res := hb.SendCommand(context.Background(), Command{
		CmdName:     "GetWKVer",
		ToDid:       "bot_serial",
		ToType:      "ls1ok3",
		ToRes:       "wC3g",
		PayloadType: mqtttopic.PayloadJSON,
		Payload:     map[string]any{},
	}, "testgood", 5*time.Second)

	require.Equal(t, "testgood", res.ID)
	require.Equal(t, "ok", res.Ret)
	require.Equal(t, map[string]any{"ret": "ok", "ver": "0.13.5"}, res.Resp)
}

// TestSendCommandSuccessXML covers scenario S4: the XML response is handed
// back to the caller verbatim.
func TestSendCommandSuccessXML(t *testing.T) {
	addr, cleanup := startMochi(t)
	defer cleanup()
	hb := newTestHelperBot(t, addr)

	publisher := mqtt.NewClient(mqtt.NewClientOptions().AddBroker("tcp://" + addr).SetClientID("bot_serial@ls1ok3/wC3g"))
	require.True(t, publisher.Connect().WaitTimeout(5*time.Second))
	defer publisher.Disconnect(100)

	const xmlBody = `<ctl ret='ok' type='Brush' left='4142' total='18000'/>`
	go func() {
		time.Sleep(50 * time.Millisecond)
		topic := "iot/p2p/GetLifeSpan/bot_serial/ls1ok3/wC3g/helperbot/bumper/helperbot/p/testxml/x"
		publisher.Publish(topic, 0, false, []byte(xmlBody))
	}()

	res := hb.SendCommand(context.Background(), Command{
		CmdName:     "GetLifeSpan",
		ToDid:       "bot_serial",
		ToType:      "ls1ok3",
		ToRes:       "wC3g",
		PayloadType: mqtttopic.PayloadXML,
		Payload:     "",
	}, "testxml", 5*time.Second)

	require.Equal(t, "ok", res.Ret)
	require.Equal(t, xmlBody, res.Resp)
}

// TestOnMessageBroadcastLogged covers scenario S1: an ATR broadcast is
// logged under the "Broadcast" category, errors ATR traffic at error level,
// and neither touches the pending map or emits a response.
func TestOnMessageBroadcastLogged(t *testing.T) {
	var buf bytes.Buffer
	hb := &HelperBot{
		log:     slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
		pending: newPendingMap(),
	}

	hb.onMessage(nil, fakeMessage{
		topic:   "iot/atr/DustCaseST/bot_serial/ls1ok3/wC3g/x",
		payload: []byte(`<ctl ts='1547822804960' td='DustCaseST' st='0'/>`),
	})
	require.Contains(t, buf.String(), "category=Broadcast")

	buf.Reset()
	hb.onMessage(nil, fakeMessage{topic: "iot/atr/errors/bot_serial/ls1ok3/wC3g/j", payload: []byte(`{}`)})
	require.Contains(t, buf.String(), "level=ERROR")

	require.Empty(t, hb.pending.entries)
}

// fakeMessage is a minimal mqtt.Message for driving onMessage without a
// broker connection.
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

func TestEncodePayloadRejectsUnknownType(t *testing.T) {
	_, err := encodePayload("z", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown payload type")
}
