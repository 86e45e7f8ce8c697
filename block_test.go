package aresolve

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewBlockMixedFamilies(t *testing.T) {
	addrs := []netip.Addr{
		netip.MustParseAddr("127.0.0.1"),
		netip.MustParseAddr("::1"),
		netip.MustParseAddr("10.0.0.1"),
	}
	b, err := newBlock("mixed.local", addrs, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, b.ipv4, 2)
	require.Len(t, b.ipv6, 1)
}

func TestNewBlockEmptyAddrsInvalid(t *testing.T) {
	_, err := newBlock("empty.local", nil, time.Now().Add(time.Minute))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNewBlockNameLength(t *testing.T) {
	_, err := newBlock("", []netip.Addr{netip.MustParseAddr("127.0.0.1")}, time.Now())
	require.ErrorIs(t, err, ErrInvalid)

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	_, err = newBlock(string(long), []netip.Addr{netip.MustParseAddr("127.0.0.1")}, time.Now())
	require.ErrorIs(t, err, ErrInvalid)

	ok := make([]byte, 255)
	for i := range ok {
		ok[i] = 'a'
	}
	_, err = newBlock(string(ok), []netip.Addr{netip.MustParseAddr("127.0.0.1")}, time.Now().Add(time.Minute))
	require.NoError(t, err)
}

func TestBlockRefcount(t *testing.T) {
	b, err := newBlock("x.local", []netip.Addr{netip.MustParseAddr("127.0.0.1")}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, b.refcount())
	b.acquire()
	require.EqualValues(t, 2, b.refcount())
	b.release()
	b.release()
	require.EqualValues(t, 0, b.refcount())
}

func TestSelectEndpointOrder(t *testing.T) {
	v4 := []netip.Addr{netip.MustParseAddr("192.0.2.1")}
	v6 := []netip.Addr{netip.MustParseAddr("2001:db8::1")}

	ep, err := selectEndpoint(v4, v6, "80", false)
	require.NoError(t, err)
	require.True(t, ep.Addr().Is4())

	ep, err = selectEndpoint(v4, v6, "80", true)
	require.NoError(t, err)
	require.True(t, ep.Addr().Is6())

	ep, err = selectEndpoint(nil, v6, "80", false)
	require.NoError(t, err)
	require.True(t, ep.Addr().Is6())

	_, err = selectEndpoint(nil, nil, "80", false)
	require.ErrorIs(t, err, ErrInvalid)
}
