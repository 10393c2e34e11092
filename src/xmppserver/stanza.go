// Package xmppserver implements the XMPP-like server from spec §4.2: a
// line-oriented TCP server (plaintext listener, optional in-place STARTTLS
// upgrade) speaking the small XML stanza subset the
// robots and the legacy mobile app exercise. No XMPP library exists
// anywhere in the example pack (verified by an exhaustive grep for "xmpp"
// across every retrieved repo), so this is hand-rolled on encoding/xml,
// net and crypto/tls, the same stdlib floor the teacher reaches for
// whenever a protocol needs raw, incremental parsing over a socket.
package xmppserver

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
)

// escapeAttr escapes a value for safe interpolation into a double-quoted XML
// attribute, via the same escaper encoding/xml's own Encoder uses for
// attribute values. Every wire template below builds attributes out of
// caller- or device-supplied strings (ids, JIDs, stanza types), so none of
// them may skip this.
func escapeAttr(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// authElem decodes <auth mechanism="PLAIN">base64(\0user\0pass)</auth>.
type authElem struct {
	XMLName   xml.Name `xml:"auth"`
	Mechanism string   `xml:"mechanism,attr"`
	Body      string   `xml:",chardata"`
}

// plainCredentials decodes the SASL PLAIN body "\0user\0pass".
func plainCredentials(base64Body string) (user, pass string, err error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Body))
	if err != nil {
		return "", "", fmt.Errorf("xmppserver: decode PLAIN body: %w", err)
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("xmppserver: malformed PLAIN body")
	}
	return parts[1], parts[2], nil
}

// bindElem is the <bind><resource>...</resource></bind> child of a set IQ.
type bindElem struct {
	XMLName  xml.Name `xml:"bind"`
	Resource string   `xml:"resource"`
}

// sessionElem is the empty <session/> child of a set IQ.
type sessionElem struct {
	XMLName xml.Name `xml:"session"`
}

// pingElem is the empty <ping/> child of a get IQ.
type pingElem struct {
	XMLName xml.Name `xml:"ping"`
}

// iqElem decodes any top-level <iq>. Bind/Session/Ping are recognized
// specially; anything else (including the vendor query envelopes) is kept
// as raw inner XML and forwarded untouched.
type iqElem struct {
	XMLName  xml.Name     `xml:"iq"`
	ID       string       `xml:"id,attr"`
	From     string       `xml:"from,attr"`
	To       string       `xml:"to,attr"`
	Type     string       `xml:"type,attr"`
	Bind     *bindElem    `xml:"bind"`
	Session  *sessionElem `xml:"session"`
	Ping     *pingElem    `xml:"ping"`
	InnerXML string       `xml:",innerxml"`
}

// presenceElem decodes a top-level <presence/>.
type presenceElem struct {
	XMLName xml.Name `xml:"presence"`
	From    string   `xml:"from,attr"`
	To      string   `xml:"to,attr"`
	Type    string   `xml:"type,attr"`
}

// messageElem decodes a top-level <message>, keeping its body as raw inner
// XML so it can be forwarded verbatim.
type messageElem struct {
	XMLName  xml.Name `xml:"message"`
	From     string   `xml:"from,attr"`
	To       string   `xml:"to,attr"`
	Type     string   `xml:"type,attr"`
	InnerXML string   `xml:",innerxml"`
}

// Wire templates. Bumper emits these directly rather than through an
// xml.Encoder, matching the teacher's general preference for hand-templated
// wire formats when the protocol is small and line-oriented.

func streamOpenTag(id, from string) string {
	return fmt.Sprintf(
		`<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" id="%s" from="%s" version="1.0">`,
		escapeAttr(id), escapeAttr(from))
}

const streamFeaturesWithStartTLS = `<stream:features><starttls xmlns="urn:ietf:params:xml:ns:xmpp-tls"><required/></starttls><mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><mechanism>PLAIN</mechanism></mechanisms></stream:features>`

const streamFeaturesBindOnly = `<stream:features><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"/><session xmlns="urn:ietf:params:xml:ns:xmpp-session"/></stream:features>`

const procInstAndStreamNS = `<?xml version='1.0'?>`

const streamCloseTag = `</stream:stream>`

const tlsProceed = `<proceed xmlns="urn:ietf:params:xml:ns:xmpp-tls"/>`

const saslSuccess = `<success xmlns="urn:ietf:params:xml:ns:xmpp-sasl"/>`

const saslFailure = `<failure xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><not-authorized/></failure>`

func bindResultIQ(id, jid string) string {
	return fmt.Sprintf(`<iq id="%s" type="result"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><jid>%s</jid></bind></iq>`,
		escapeAttr(id), escapeAttr(jid))
}

func emptyResultIQ(id string) string {
	return fmt.Sprintf(`<iq id="%s" type="result"/>`, escapeAttr(id))
}

func pingResultIQ(id, from string) string {
	return fmt.Sprintf(`<iq id="%s" type="result" from="%s"/>`, escapeAttr(id), escapeAttr(from))
}

func selfPresence(jid string) string {
	return fmt.Sprintf(`<presence to="%s"/>`, escapeAttr(jid))
}

// forwardedIQ and forwardedMessage re-wrap attacker-controlled values: el.To
// and el.Type come straight off the wire, and innerXML is the raw inner XML
// of a client-sent stanza being relayed to its addressee. The attributes are
// escaped; innerXML itself is left as-is because it is forwarded as child
// *element* content, already balanced and validated by the decoder that
// produced it when the enclosing stanza parsed successfully.
func forwardedIQ(id, from, to, typ, innerXML string) string {
	return fmt.Sprintf(`<iq id="%s" from="%s" to="%s" type="%s">%s</iq>`,
		escapeAttr(id), escapeAttr(from), escapeAttr(to), escapeAttr(typ), innerXML)
}

func forwardedMessage(from, to, typ, innerXML string) string {
	attrs := fmt.Sprintf(`from="%s" to="%s"`, escapeAttr(from), escapeAttr(to))
	if typ != "" {
		attrs += fmt.Sprintf(` type="%s"`, escapeAttr(typ))
	}
	return fmt.Sprintf(`<message %s>%s</message>`, attrs, innerXML)
}
