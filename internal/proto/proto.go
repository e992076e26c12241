package proto

const (
	// Service identifier advertised and browsed for. Peers with a different
	// identifier are invisible to each other.
	ServiceID = "by.arsy.wificonnector"

	// DNS-SD service type used for LAN advertising.
	ServiceType = "_nearchat._tcp"
	Domain      = "local."

	// Strategy name carried in the TXT record. Only the star topology is
	// implemented: one host, many guests.
	StrategyStar = "P2P_STAR"

	// libp2p stream protocol ID for connection negotiation and chat payloads
	ConnectProtoID = "/nearchat/connect/1.0.0"
)

// TXT record keys published with every advertisement.
const (
	TxtName     = "name"
	TxtService  = "svc"
	TxtStrategy = "strategy"
)

// Frame types on the connect protocol.
const (
	FrameRequest = "request" // opens a stream in both directions, carries the sender's Name
	FrameAccept  = "accept"
	FrameReject  = "reject"
	FramePayload = "payload" // opaque bytes for the chat layer
	FrameBye     = "bye"
)

// Frame is one newline-delimited JSON record on a connect stream.
type Frame struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	Data []byte `json:"data,omitempty"`
}
