// Package router implements CommandRouter from spec §4.6: the glue the
// (out-of-scope) HTTPS gateway calls to dispatch a device command or fetch a
// robot's clean-run history, composed from HelperBot and IdentityStore.
package router

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ecovacs-bumper/bumper/src/helperbot"
	"github.com/ecovacs-bumper/bumper/src/identity"
	"github.com/ecovacs-bumper/bumper/src/mqtttopic"
)

// ErrCommon is the errno the HTTPS gateway's JSON envelope carries for any
// CommandRouter failure, per spec §4.6 ("Returns a failure JSON
// {errno: ERR_COMMON}").
const ErrCommon = 500

// requestIDAlphabet matches original_source's 6-character request_id
// generator: uppercase and lowercase ASCII letters, no digits (see
// SPEC_FULL.md's SUPPLEMENTED FEATURES).
const requestIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const requestIDLength = 6

// Response is the JSON envelope SendDeviceCommand returns to its HTTPS
// caller.
type Response struct {
	ID    string `json:"id,omitempty"`
	Ret   string `json:"ret,omitempty"`
	Resp  any    `json:"resp,omitempty"`
	Errno int    `json:"errno,omitempty"`
	Debug string `json:"debug,omitempty"`
}

// DeviceCommand is the caller's description of a command to dispatch,
// shaped after the HTTPS gateway's inbound JSON body.
type DeviceCommand struct {
	CmdName     string
	ToID        string
	ToType      string
	ToRes       string
	PayloadType string
	Payload     any
	Timeout     time.Duration
}

// CleanLogEntry is one parsed <clean> element from a GetCleanLogs response.
type CleanLogEntry struct {
	Timestamp string `json:"ts"`
	Area      string `json:"area"`
	Last      string `json:"last"`
	CleanType string `json:"cleanType"`
}

// Router composes HelperBot and identity.Store into the two operations the
// HTTPS layer calls, per spec §4.6.
type Router struct {
	log   *slog.Logger
	bot   *helperbot.HelperBot
	store identity.Store
}

// New constructs a Router.
func New(log *slog.Logger, bot *helperbot.HelperBot, store identity.Store) *Router {
	return &Router{log: log.With("component", "router"), bot: bot, store: store}
}

// SendDeviceCommand implements spec §4.6: look up the bot, verify it is
// MQTT-connected, generate a request_id and delegate to HelperBot.SendCommand.
func (r *Router) SendDeviceCommand(ctx context.Context, cmd DeviceCommand) Response {
	dev, err := r.store.BotGet(ctx, cmd.ToID)
	if err != nil {
		r.log.Info("send device command: unknown bot", "did", cmd.ToID, "err", err)
		return Response{Errno: ErrCommon, Ret: "fail"}
	}
	if !dev.MQTTConnected {
		r.log.Info("send device command: bot not connected", "did", cmd.ToID)
		return Response{Errno: ErrCommon, Ret: "fail"}
	}

	requestID := newRequestID()

	res := r.bot.SendCommand(ctx, helperbot.Command{
		CmdName:     cmd.CmdName,
		ToDid:       cmd.ToID,
		ToType:      cmd.ToType,
		ToRes:       cmd.ToRes,
		PayloadType: cmd.PayloadType,
		Payload:     cmd.Payload,
	}, requestID, cmd.Timeout)

	return Response{ID: res.ID, Ret: res.Ret, Resp: res.Resp, Errno: res.Errno, Debug: res.Debug}
}

// getCleanLogsCtl is the <ctl count="30"/> request body for GetCleanLogs.
const getCleanLogsCtl = `<ctl count="30"/>`

// cleanLogResponse decodes the vendor XML payload GetCleanLogs responds
// with: a <ctl> wrapper around zero or more <clean> elements.
type cleanLogResponse struct {
	XMLName xml.Name   `xml:"ctl"`
	Clean   []cleanXML `xml:"clean"`
}

type cleanXML struct {
	Timestamp string `xml:"s,attr"`
	Area      string `xml:"a,attr"`
	Last      string `xml:"l,attr"`
	CleanType string `xml:"t,attr"`
}

// GetCleanLogs implements spec §4.6: send a GetCleanLogs command with the
// fixed XML request body, parse the XML response and map each <clean>
// element to {ts, area, last, cleanType}.
func (r *Router) GetCleanLogs(ctx context.Context, did string, toType, toRes string, timeout time.Duration) ([]CleanLogEntry, error) {
	requestID := newRequestID()

	res := r.bot.SendCommand(ctx, helperbot.Command{
		CmdName:     "GetCleanLogs",
		ToDid:       did,
		ToType:      toType,
		ToRes:       toRes,
		PayloadType: mqtttopic.PayloadXML,
		Payload:     getCleanLogsCtl,
	}, requestID, timeout)

	if res.Ret != "ok" {
		return nil, fmt.Errorf("router: get clean logs: %s", res.Debug)
	}

	raw, ok := res.Resp.(string)
	if !ok {
		return nil, fmt.Errorf("router: get clean logs: unexpected response type %T", res.Resp)
	}

	var parsed cleanLogResponse
	if err := xml.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("router: get clean logs: parse response: %w", err)
	}

	logs := make([]CleanLogEntry, 0, len(parsed.Clean))
	for _, c := range parsed.Clean {
		logs = append(logs, CleanLogEntry{
			Timestamp: c.Timestamp,
			Area:      c.Area,
			Last:      c.Last,
			CleanType: c.CleanType,
		})
	}
	return logs, nil
}

// newRequestID mints a 6-letter request_id from requestIDAlphabet, per
// original_source's generator (see SPEC_FULL.md's SUPPLEMENTED FEATURES).
// The 6 letters are derived from a fresh uuid.UUID's random bytes rather
// than a second independent randomness source, matching store's own
// preference for google/uuid over hand-rolled entropy.
func newRequestID() string {
	id := uuid.New()
	out := make([]byte, requestIDLength)
	for i := 0; i < requestIDLength; i++ {
		out[i] = requestIDAlphabet[int(id[i])%len(requestIDAlphabet)]
	}
	return string(out)
}
