package castprotocol_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go2tv.app/castremote/castprotocol"
	"go2tv.app/castremote/castprotocol/casttest"
)

func TestChannelSendInjectsRequestID(t *testing.T) {
	conn := casttest.NewFakeConn()
	ch := castprotocol.NewChannel(conn, "sender-0", "receiver-0", castprotocol.NamespaceReceiver)

	payload := castprotocol.Payload{"type": "GET_STATUS"}
	require.NoError(t, ch.Send(payload))
	require.NoError(t, ch.Send(payload))
	require.Equal(t, 2, ch.RequestID())

	// The caller's payload is not modified.
	_, ok := payload["requestId"]
	require.False(t, ok)

	sent := conn.Sent()
	require.Len(t, sent, 2)
	for i, m := range sent {
		require.Equal(t, i, m.RequestID)
		require.EqualValues(t, i, m.Payload["requestId"])
		require.Equal(t, "sender-0", m.Source)
		require.Equal(t, "receiver-0", m.Destination)
		require.Equal(t, castprotocol.NamespaceReceiver, m.Namespace)
		require.Equal(t, "GET_STATUS", m.Type())
	}
}

func TestChannelClosed(t *testing.T) {
	conn := casttest.NewFakeConn()
	ch := castprotocol.NewChannel(conn, "sender-0", "T1", castprotocol.NamespaceMedia)
	require.NoError(t, ch.Send(castprotocol.Payload{"type": "GET_STATUS"}))

	ch.Close()
	require.True(t, ch.Closed())
	require.ErrorIs(t, ch.Send(castprotocol.Payload{"type": "PLAY"}), castprotocol.ErrChannelUnavailable)
	require.Equal(t, 1, ch.RequestID())
	require.Len(t, conn.Sent(), 1)

	var nilChannel *castprotocol.Channel
	require.ErrorIs(t, nilChannel.Send(castprotocol.Payload{"type": "PLAY"}), castprotocol.ErrChannelUnavailable)
}

func TestParseAddr(t *testing.T) {
	tt := []struct {
		input string
		host  string
		port  int
	}{
		{"http://192.168.1.20:8009", "192.168.1.20", 8009},
		{"192.168.1.20:8010", "192.168.1.20", 8010},
		{"192.168.1.20", "192.168.1.20", castprotocol.DefaultPort},
	}

	for _, tc := range tt {
		host, port, err := castprotocol.ParseAddr(tc.input)
		require.NoError(t, err, tc.input)
		require.Equal(t, tc.host, host, tc.input)
		require.Equal(t, tc.port, port, tc.input)
	}

	_, _, err := castprotocol.ParseAddr("http://:8009")
	require.Error(t, err)
}

func TestIdentityDisplayName(t *testing.T) {
	require.Equal(t, "Kitchen", castprotocol.Identity{ID: "Chromecast-1", Name: "Kitchen"}.DisplayName())
	require.Equal(t, "Chromecast-1", castprotocol.Identity{ID: "Chromecast-1"}.DisplayName())
	require.Equal(t, "10.0.0.2:8009", castprotocol.Identity{Host: "10.0.0.2"}.Addr())
}
