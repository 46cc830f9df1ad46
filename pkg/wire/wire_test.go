package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeHeartbeatRoundTrip(t *testing.T) {
	msg := &Message{
		Type: TypeHeartbeat,
		Heartbeat: &Heartbeat{
			ID: "abc", Seq: 7, Hops: 0, Nonce: 99, Sig: "sig",
		},
	}
	encoded, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, TypeHeartbeat, decoded.Type)
	require.Equal(t, msg.Heartbeat, decoded.Heartbeat)
}

func TestEncodeDecodeChatRoundTrip(t *testing.T) {
	msg := &Message{
		Type: TypeChat,
		Chat: &Chat{
			Sender: "abc", Content: "hello", Timestamp: 1000,
			Scope: ScopeGlobal, Hops: 0, ID: "deadbeef", Sig: "sig",
		},
	}
	encoded, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, msg.Chat, decoded.Chat)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"BOGUS"}`))
	require.ErrorIs(t, err, errUnknownType)
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	huge := strings.Repeat("a", DefaultMaxMessageSize+1)
	_, err := Decode([]byte(huge))
	require.ErrorIs(t, err, errOversizedFrame)
}

func TestDecodeRejectsExtraFields(t *testing.T) {
	_, err := Decode([]byte(`{"type":"LEAVE","id":"abc","hops":0,"sig":"s","extra":"nope"}`))
	require.ErrorIs(t, err, errBadFields)
}

func TestDecodeRejectsMissingRequiredField(t *testing.T) {
	_, err := Decode([]byte(`{"type":"HEARTBEAT","seq":1,"hops":0,"nonce":1,"sig":"s"}`))
	require.ErrorIs(t, err, errBadFields)
}

func TestDecodeRejectsOverlongChatContent(t *testing.T) {
	content := strings.Repeat("x", MaxChatContentLen+1)
	frame := `{"type":"CHAT","sender":"a","content":"` + content + `","timestamp":1,"scope":"LOCAL","hops":0}`
	_, err := Decode([]byte(frame))
	require.ErrorIs(t, err, errBadFields)
}

func TestDecodeAcceptsBoundaryChatContent(t *testing.T) {
	content := strings.Repeat("x", MaxChatContentLen)
	frame := `{"type":"CHAT","sender":"a","content":"` + content + `","timestamp":1,"scope":"LOCAL","hops":0}`
	msg, err := Decode([]byte(frame))
	require.NoError(t, err)
	require.Len(t, msg.Chat.Content, MaxChatContentLen)
}

func TestReaderDropsMalformedLineAndContinues(t *testing.T) {
	in := strings.NewReader("not json\n" + `{"type":"LEAVE","id":"a","hops":0,"sig":"s"}` + "\n")
	r := NewReader(in)

	msg, err := r.Next()
	require.NoError(t, err)
	require.Nil(t, msg)

	msg, err = r.Next()
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, TypeLeave, msg.Type)
}
