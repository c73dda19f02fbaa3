package punch

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveSTUN answers binding requests with the sender's address.
func serveSTUN(t *testing.T, reply func(*stun.Message, *net.UDPAddr) *stun.Message) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if !stun.IsMessage(buf[:n]) {
				continue
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil || req.Type != stun.BindingRequest {
				continue
			}
			if resp := reply(req, raddr); resp != nil {
				conn.WriteToUDP(resp.Raw, raddr)
			}
		}
	}()
	return conn.LocalAddr().String()
}

func bindingSuccess(req *stun.Message, ip net.IP, port int) *stun.Message {
	return stun.MustBuild(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: ip, Port: port},
	)
}

func TestDiscoverReturnsMappedAddress(t *testing.T) {
	server := serveSTUN(t, func(req *stun.Message, from *net.UDPAddr) *stun.Message {
		return bindingSuccess(req, net.IPv4(203, 0, 113, 7), 40000)
	})

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	mapped, err := Discover(context.Background(), pc, server)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7:40000", mapped.String())
}

func TestDiscoverIgnoresForeignTransactions(t *testing.T) {
	server := serveSTUN(t, func(req *stun.Message, from *net.UDPAddr) *stun.Message {
		return stun.MustBuild(stun.TransactionID, stun.BindingSuccess,
			&stun.XORMappedAddress{IP: from.IP, Port: from.Port})
	})

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 700*time.Millisecond)
	defer cancel()
	_, err = Discover(ctx, pc, server)
	assert.Error(t, err)
}

func TestOpenReturnsUsableSocket(t *testing.T) {
	server := serveSTUN(t, func(req *stun.Message, from *net.UDPAddr) *stun.Message {
		return bindingSuccess(req, from.IP, from.Port)
	})

	pc, mapped, err := Open(context.Background(), server, 0)
	require.NoError(t, err)
	defer pc.Close()

	local := pc.LocalAddr().(*net.UDPAddr)
	assert.Equal(t, uint16(local.Port), mapped.Port())

	// The read deadline used for STUN is cleared.
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err = pc.ReadFrom(make([]byte, 16))
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func TestOpenFailsOnSilentServer(t *testing.T) {
	silent, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	pc, _, err := Open(ctx, silent.LocalAddr().String(), 0)
	assert.Error(t, err)
	assert.Nil(t, pc)
}

func TestRoomCodeRoundTrip(t *testing.T) {
	ep := netip.MustParseAddrPort("192.168.1.5:4000")
	code, err := EncodeRoomCode(ep)
	require.NoError(t, err)
	assert.Equal(t, "c0a801050fa0", code)
	assert.Len(t, code, RoomCodeLen)

	back, err := DecodeRoomCode(code)
	require.NoError(t, err)
	assert.Equal(t, ep, back)

	upper, err := DecodeRoomCode("C0A801050FA0")
	require.NoError(t, err)
	assert.Equal(t, ep, upper)
}

func TestRoomCodeRejectsInvalid(t *testing.T) {
	_, err := EncodeRoomCode(netip.MustParseAddrPort("[2001:db8::1]:4000"))
	assert.Error(t, err)
	_, err = EncodeRoomCode(netip.MustParseAddrPort("10.0.0.1:0"))
	assert.Error(t, err)

	for _, code := range []string{"", "c0a80105", "c0a801050fa0ff", "zza801050fa0", "c0a801050000"} {
		_, err := DecodeRoomCode(code)
		assert.Error(t, err, code)
	}
}
