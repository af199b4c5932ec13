// Package netmsg implements the peer-to-peer wire protocol: a typed,
// sequenced message envelope carried over websocket connections, with a
// Hub that tracks per-peer monotonic sequence numbers.
package netmsg

import "encoding/json"

// Type enumerates every message kind the wire protocol carries.
type Type string

const (
	Handshake          Type = "HANDSHAKE"
	Ping               Type = "PING"
	Pong               Type = "PONG"
	GetBlocks          Type = "GET_BLOCKS"
	Blocks             Type = "BLOCKS"
	GetTransactions    Type = "GET_TRANSACTIONS"
	Transactions       Type = "TRANSACTIONS"
	NewBlock           Type = "NEW_BLOCK"
	NewTransaction     Type = "NEW_TRANSACTION"
	PeerList           Type = "PEER_LIST"
	AddPeer            Type = "ADD_PEER"
	RemovePeer         Type = "REMOVE_PEER"
	MiningRequest      Type = "MINING_REQUEST"
	MiningResponse     Type = "MINING_RESPONSE"
	ConsensusRequest   Type = "CONSENSUS_REQUEST"
	ConsensusResponse  Type = "CONSENSUS_RESPONSE"
)

// ProtocolMagic and ProtocolVersion gate the handshake: a peer offering a
// different magic or version is rejected and the connection closed.
const (
	ProtocolMagic   = "NILOTIC"
	ProtocolVersion = 1
)

// Message is the envelope every peer exchange carries. Sender/Recipient
// are node ids (uuid strings); Recipient is empty for a broadcast.
// Sequence is monotonically increasing per Sender and must never be
// applied non-monotonically by the receiver.
type Message struct {
	Type      Type            `json:"type"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
	Data      json.RawMessage `json:"data,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// HandshakeData is the payload of a HANDSHAKE message.
type HandshakeData struct {
	Magic       string `json:"magic"`
	Version     int    `json:"version"`
	NodeID      string `json:"node_id"`
	ChainHeight uint64 `json:"chain_height"`
}

// Encode marshals a typed payload into Data.
func Encode(payload any) (json.RawMessage, error) {
	return json.Marshal(payload)
}

// Decode unmarshals Data into dst.
func (m Message) Decode(dst any) error {
	return json.Unmarshal(m.Data, dst)
}
