package mqttbroker

import "strings"

// ClientIDKind classifies a parsed MQTT client_id per spec §4.1's table.
type ClientIDKind int

const (
	KindUnknown ClientIDKind = iota
	KindHelperBot
	KindRobot
	KindAppClient
)

// ParsedClientID is the decoded form of a CONNECT packet's client_id.
type ParsedClientID struct {
	Kind     ClientIDKind
	DID      string // robot: device id: Class: device class / App: userid
	Class    string // robot: device class
	Realm    string // app: realm (contains "ecouser" or "bumper", case-insensitively)
	Resource string
}

// ecouserRealmMarkers are the realm substrings original_source's multiple
// revisions use across the "bumper" vs "ecouser" shapes (spec §9 open
// question, preserved rather than resolved: this module accepts both).
var ecouserRealmMarkers = []string{"ecouser", "bumper"}

// ParseClientID parses clientID into one of the three recognized shapes from
// spec §4.1: the fixed helper-bot id, "{did}@{class}/{resource}" for a
// robot, or "{userid}@{realm}/{resource}" for an app client whose realm
// contains "ecouser" or "bumper" (case-insensitively). Returns KindUnknown if
// nothing matches.
func ParseClientID(clientID, helperBotClientID string) ParsedClientID {
	if clientID == helperBotClientID {
		return ParsedClientID{Kind: KindHelperBot}
	}

	at := strings.Index(clientID, "@")
	if at < 0 {
		return ParsedClientID{Kind: KindUnknown}
	}
	id := clientID[:at]
	rest := clientID[at+1:]

	slash := strings.Index(rest, "/")
	if slash < 0 {
		return ParsedClientID{Kind: KindUnknown}
	}
	middle := rest[:slash]
	resource := rest[slash+1:]

	if isEcouserRealm(middle) {
		return ParsedClientID{Kind: KindAppClient, DID: id, Realm: middle, Resource: resource}
	}

	return ParsedClientID{Kind: KindRobot, DID: id, Class: middle, Resource: resource}
}

func isEcouserRealm(realm string) bool {
	lower := strings.ToLower(realm)
	for _, marker := range ecouserRealmMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
