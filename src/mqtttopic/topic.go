// Package mqtttopic implements the P2P and ATR topic grammar used by the
// robots and their companion apps, as parsed and built by HelperBot,
// ProxyClient and the broker's connection hook.
package mqtttopic

import (
	"fmt"
	"strings"
)

// Well-known identity segments for the in-process helper bot.
const (
	HelperBotDid = "helperbot"
	HelperBotCls = "bumper"
	HelperBotRes = "helperbot"

	// HelperBotClientID is the fixed MQTT client identifier the helper bot
	// connects with. It is recognized verbatim by the broker's auth hook.
	HelperBotClientID = "helperbot@bumper/helperbot"

	// ProxyHelperSender is the literal sender/receiver tag substituted by
	// proxy mode so a later local response can be matched back to the
	// upstream request it answers.
	ProxyHelperSender = "proxyhelper"
)

// Request/response markers (segment index 9).
const (
	DirectionRequest  = "q"
	DirectionResponse = "p"
)

// Payload type markers (last segment).
const (
	PayloadJSON = "j"
	PayloadXML  = "x"
)

// Segment indices within a topic already split on "/", counting the
// leading "iot" as index 0. These are the ones called out by the spec as
// load-bearing for P2P topics.
const (
	IdxRoot       = 0
	IdxKind       = 1
	IdxCmdName    = 2
	IdxSenderDid  = 3
	IdxSenderCls  = 4
	IdxSenderRes  = 5
	IdxRecvDid    = 6
	IdxRecvCls    = 7
	IdxRecvRes    = 8
	IdxDirection  = 9
	IdxRequestID  = 10
	IdxPayloadTyp = 11

	p2pSegmentCount = 12
)

// P2P holds the decoded fields of a point-to-point topic of the form:
//
//	iot/p2p/{cmd}/{senderDid}/{senderCls}/{senderRes}/{recvDid}/{recvCls}/{recvRes}/{q|p}/{requestId}/{j|x}
type P2P struct {
	CmdName     string
	SenderDid   string
	SenderCls   string
	SenderRes   string
	RecvDid     string
	RecvCls     string
	RecvRes     string
	Direction   string
	RequestID   string
	PayloadType string
}

// ParseP2P parses topic as a P2P topic. ok is false if topic does not have
// the expected 12-segment "iot/p2p/..." shape.
func ParseP2P(topic string) (p P2P, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != p2pSegmentCount {
		return P2P{}, false
	}
	if parts[IdxRoot] != "iot" || parts[IdxKind] != "p2p" {
		return P2P{}, false
	}
	return P2P{
		CmdName:     parts[IdxCmdName],
		SenderDid:   parts[IdxSenderDid],
		SenderCls:   parts[IdxSenderCls],
		SenderRes:   parts[IdxSenderRes],
		RecvDid:     parts[IdxRecvDid],
		RecvCls:     parts[IdxRecvCls],
		RecvRes:     parts[IdxRecvRes],
		Direction:   parts[IdxDirection],
		RequestID:   parts[IdxRequestID],
		PayloadType: parts[IdxPayloadTyp],
	}, true
}

// IsP2P reports whether topic has the P2P shape without fully decoding it.
func IsP2P(topic string) bool {
	_, ok := ParseP2P(topic)
	return ok
}

// BuildP2P assembles a P2P topic string from its parts.
func BuildP2P(p P2P) string {
	return fmt.Sprintf("iot/p2p/%s/%s/%s/%s/%s/%s/%s/%s/%s/%s",
		p.CmdName,
		p.SenderDid, p.SenderCls, p.SenderRes,
		p.RecvDid, p.RecvCls, p.RecvRes,
		p.Direction, p.RequestID, p.PayloadType)
}

// BuildHelperBotRequest builds the 12-segment topic HelperBot publishes a
// command request on, addressed to the given device.
func BuildHelperBotRequest(cmdName, toDid, toCls, toRes, requestID, payloadType string) string {
	return BuildP2P(P2P{
		CmdName:     cmdName,
		SenderDid:   HelperBotDid,
		SenderCls:   HelperBotCls,
		SenderRes:   HelperBotRes,
		RecvDid:     toDid,
		RecvCls:     toCls,
		RecvRes:     toRes,
		Direction:   DirectionRequest,
		RequestID:   requestID,
		PayloadType: payloadType,
	})
}

// HelperBotSubscription is the wildcard pattern HelperBot subscribes to in
// order to receive responses addressed back to it.
const HelperBotSubscription = "iot/p2p/+/+/+/+/helperbot/bumper/helperbot/+/+/+"

// AddressedToHelperBot reports whether a parsed P2P topic's receiver
// segments identify the in-process helper bot.
func AddressedToHelperBot(p P2P) bool {
	return p.RecvDid == HelperBotDid && p.RecvCls == HelperBotCls && p.RecvRes == HelperBotRes
}

// BuildATR assembles a broadcast/telemetry topic:
//
//	iot/atr/{event}/{botDid}/{botCls}/{botRes}/{j|x}
func BuildATR(event, botDid, botCls, botRes, payloadType string) string {
	return fmt.Sprintf("iot/atr/%s/%s/%s/%s/%s", event, botDid, botCls, botRes, payloadType)
}

// IsATRErrors reports whether an ATR topic carries the "errors" event,
// which the spec calls out as deserving error-level logging.
func IsATRErrors(topic string) bool {
	parts := strings.Split(topic, "/")
	return len(parts) > 2 && parts[0] == "iot" && parts[1] == "atr" && parts[2] == "errors"
}
