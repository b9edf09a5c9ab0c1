package connectivity

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialProber_LossFromFailedTargets(t *testing.T) {
	p := &DialProber{
		Targets: []string{"ok:443", "bad:443"},
		Timeout: time.Second,
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if addr == "bad:443" {
				return nil, errors.New("refused")
			}
			c1, c2 := net.Pipe()
			c2.Close()
			return c1, nil
		},
	}
	res, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Reachable)
	require.NotNil(t, res.Signal)
	assert.InDelta(t, 0.5, res.Signal.Loss, 0.001)
}

func TestDialProber_AllFail(t *testing.T) {
	p := &DialProber{
		Targets: []string{"a:1", "b:1"},
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, errors.New("unreachable")
		},
	}
	res, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Reachable)
}

func TestDialProber_RealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	res, err := (&DialProber{Targets: []string{ln.Addr().String()}}).Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Reachable)
	assert.Zero(t, res.Signal.Loss)
}

func TestInterfaceProber(t *testing.T) {
	up := &InterfaceProber{List: func(context.Context) (psnet.InterfaceStatList, error) {
		return psnet.InterfaceStatList{
			{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
			{Name: "eth0", Flags: []string{"up", "broadcast"}, Addrs: psnet.InterfaceAddrList{{Addr: "10.0.0.2/24"}}},
		}, nil
	}}
	res, err := up.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Reachable)

	down := &InterfaceProber{List: func(context.Context) (psnet.InterfaceStatList, error) {
		return psnet.InterfaceStatList{
			{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
			{Name: "eth0", Flags: []string{"broadcast"}},
		}, nil
	}}
	res, err = down.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Reachable)
}

func TestChain_StopsAtFirstUnreachable(t *testing.T) {
	called := false
	p := Chain(
		ProberFunc(func(context.Context) (ProbeResult, error) { return ProbeResult{Reachable: false}, nil }),
		ProberFunc(func(context.Context) (ProbeResult, error) {
			called = true
			return ProbeResult{Reachable: true}, nil
		}),
	)
	res, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Reachable)
	assert.False(t, called)
}

func TestChain_KeepsLastSignal(t *testing.T) {
	sig := &Signal{Latency: 200 * time.Millisecond}
	p := Chain(
		ProberFunc(func(context.Context) (ProbeResult, error) { return ProbeResult{Reachable: true}, nil }),
		ProberFunc(func(context.Context) (ProbeResult, error) { return ProbeResult{Reachable: true, Signal: sig}, nil }),
	)
	res, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sig, res.Signal)
}
