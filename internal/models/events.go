package models

import "encoding/json"

// Channel event types pushed by the backend over the persistent connection,
// plus the one operation the client emits.
const (
	EventNewMessage  = "new-message"
	EventPeerOnline  = "peer-online"
	EventPeerOffline = "peer-offline"
	EventJoinChannel = "join-channel"
)

// Envelope is the wire frame exchanged on the persistent connection. Exactly
// one of the payload fields is set, according to Type.
type Envelope struct {
	Type           string   `json:"type"`
	ChannelID      string   `json:"channel_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	PeerID         string   `json:"peer_id,omitempty"`
	Message        *Message `json:"message,omitempty"`
}

// JoinChannelFrame builds the join-channel frame for a conversation channel.
func JoinChannelFrame(channelID string) ([]byte, error) {
	return json.Marshal(Envelope{Type: EventJoinChannel, ChannelID: channelID})
}
