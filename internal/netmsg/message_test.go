package netmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrips(t *testing.T) {
	data, err := Encode(HandshakeData{Magic: ProtocolMagic, Version: ProtocolVersion, NodeID: "abc", ChainHeight: 5})
	require.NoError(t, err)

	msg := Message{Type: Handshake, Sender: "abc", Data: data}
	var hd HandshakeData
	require.NoError(t, msg.Decode(&hd))

	assert.Equal(t, ProtocolMagic, hd.Magic)
	assert.Equal(t, ProtocolVersion, hd.Version)
	assert.Equal(t, "abc", hd.NodeID)
	assert.Equal(t, uint64(5), hd.ChainHeight)
}

func TestHubNextSeqIsMonotonic(t *testing.T) {
	h := NewHub("node-a", testLog(), 0, 0)
	a := h.nextSeq()
	b := h.nextSeq()
	c := h.nextSeq()
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestPeerCountEmptyHub(t *testing.T) {
	h := NewHub("node-a", testLog(), 0, 0)
	assert.Equal(t, 0, h.PeerCount())
}
