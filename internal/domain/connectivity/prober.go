package connectivity

import (
	"context"
	"net"
	"slices"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// ProbeResult is one reachability observation. Signal is nil when the prober
// cannot measure link quality.
type ProbeResult struct {
	Reachable bool
	Signal    *Signal
}

type Prober interface {
	Probe(ctx context.Context) (ProbeResult, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (ProbeResult, error)

func (f ProberFunc) Probe(ctx context.Context) (ProbeResult, error) { return f(ctx) }

// DialProber opens TCP connections to a set of targets. The link is reachable
// when any dial succeeds; latency is the fastest successful dial and loss is
// the share of failed dials.
type DialProber struct {
	Targets []string
	Timeout time.Duration
	Dial    func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (p *DialProber) Probe(ctx context.Context) (ProbeResult, error) {
	if len(p.Targets) == 0 {
		return ProbeResult{Reachable: true}, nil
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dial := p.Dial
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		failures  int
		latencies []time.Duration
	)
	for _, target := range p.Targets {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			conn, err := dial(dctx, "tcp", addr)
			elapsed := time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				return
			}
			conn.Close()
			latencies = append(latencies, elapsed)
		}(target)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return ProbeResult{}, err
	}
	if len(latencies) == 0 {
		return ProbeResult{Reachable: false}, nil
	}
	return ProbeResult{
		Reachable: true,
		Signal: &Signal{
			Latency: slices.Min(latencies),
			Loss:    float64(failures) / float64(len(p.Targets)),
		},
	}, nil
}

// InterfaceProber reports the link as unreachable when no non-loopback
// interface is up with an address.
type InterfaceProber struct {
	List func(ctx context.Context) (psnet.InterfaceStatList, error)
}

func (p *InterfaceProber) Probe(ctx context.Context) (ProbeResult, error) {
	list := p.List
	if list == nil {
		list = psnet.InterfacesWithContext
	}
	ifaces, err := list(ctx)
	if err != nil {
		return ProbeResult{}, err
	}
	for _, iface := range ifaces {
		if slices.Contains(iface.Flags, "loopback") || !slices.Contains(iface.Flags, "up") {
			continue
		}
		if len(iface.Addrs) > 0 {
			return ProbeResult{Reachable: true}, nil
		}
	}
	return ProbeResult{Reachable: false}, nil
}

// Chain runs probers in order and stops at the first unreachable result. The
// last measured signal wins.
func Chain(probers ...Prober) Prober {
	return ProberFunc(func(ctx context.Context) (ProbeResult, error) {
		res := ProbeResult{Reachable: true}
		for _, p := range probers {
			r, err := p.Probe(ctx)
			if err != nil {
				return ProbeResult{}, err
			}
			if !r.Reachable {
				return r, nil
			}
			if r.Signal != nil {
				res.Signal = r.Signal
			}
		}
		return res, nil
	})
}
