package protocol

// Action is the numeric tag identifying a ProtocolFrame kind, per spec.md
// §3. Numeric codes are authoritative; textual aliases are never accepted
// on decode (spec.md §4.1).
type Action int

const (
	ActionHeartbeat Action = iota // 0
	ActionAck                     // 1
	ActionNack                    // 2
	ActionConnect                 // 3
	ActionConnected                // 4
	ActionDisconnect               // 5
	ActionDisconnected             // 6
	ActionClose                     // 7
	ActionClosed                    // 8
	ActionError                    // 9
	ActionAttach                    // 10
	ActionAttached                  // 11
	ActionDetach                    // 12
	ActionDetached                  // 13
	ActionPresence                  // 14
	ActionMessage                   // 15
	ActionSync                      // 16
	ActionAuth                      // 17
	ActionActivate                  // 18
	ActionObject                    // 19
	ActionObjectSync                // 20
	ActionAnnotation                // 21
)

var actionNames = map[Action]string{
	ActionHeartbeat:    "HEARTBEAT",
	ActionAck:          "ACK",
	ActionNack:         "NACK",
	ActionConnect:      "CONNECT",
	ActionConnected:    "CONNECTED",
	ActionDisconnect:   "DISCONNECT",
	ActionDisconnected: "DISCONNECTED",
	ActionClose:        "CLOSE",
	ActionClosed:       "CLOSED",
	ActionError:        "ERROR",
	ActionAttach:       "ATTACH",
	ActionAttached:     "ATTACHED",
	ActionDetach:       "DETACH",
	ActionDetached:     "DETACHED",
	ActionPresence:     "PRESENCE",
	ActionMessage:      "MESSAGE",
	ActionSync:         "SYNC",
	ActionAuth:         "AUTH",
	ActionActivate:     "ACTIVATE",
	ActionObject:       "OBJECT",
	ActionObjectSync:   "OBJECT_SYNC",
	ActionAnnotation:   "ANNOTATION",
}

// String returns the action's textual name for logs/diagnostics only — the
// wire format always uses the numeric code (spec.md §4.1).
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether a is one of the 22 known action codes.
func (a Action) Valid() bool {
	_, ok := actionNames[a]
	return ok
}
