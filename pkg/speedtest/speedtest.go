// Package speedtest runs a single bandwidth measurement against nearby
// speedtest.net servers. It picks candidates by distance, keeps the
// lowest-latency ones and averages full download/upload passes over them.
package speedtest

import (
	"context"
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

// Config controls one measurement run. The zero value is usable.
type Config struct {
	// Servers is how many nearby servers to consider. Default 5.
	Servers int
	// FullTests is how many of the lowest-latency candidates get a full
	// download/upload pass. Full passes run sequentially to keep peak
	// memory down. Default 1.
	FullTests int

	SavingMode     bool
	MaxConnections int // default 4

	// PingConcurrency caps concurrent latency probes. Default 4.
	PingConcurrency int

	// PacketLoss enables a loss probe against the chosen server.
	PacketLoss        bool
	PacketLossTimeout time.Duration // default 3s
}

// Result is a single measurement.
type Result struct {
	Timestamp     time.Time `json:"timestamp"`
	DownloadMbps  float64   `json:"download_mbps"`
	UploadMbps    float64   `json:"upload_mbps"`
	PingMs        float64   `json:"ping_ms"`
	JitterMs      float64   `json:"jitter_ms"`
	PacketLoss    float64   `json:"packet_loss"`
	ISP           string    `json:"isp"`
	ServerName    string    `json:"server_name"`
	ServerCountry string    `json:"server_country"`

	Duration time.Duration `json:"-"`
}

// Summary renders the one-line form used in logs and event descriptions.
func (r *Result) Summary() string {
	return fmt.Sprintf("down %.1f Mbit/s, up %.1f Mbit/s, ping %.0f ms via %s (%s)",
		r.DownloadMbps, r.UploadMbps, r.PingMs, r.ServerName, r.ServerCountry)
}

// Runner executes measurements. Safe for reuse; runs do not share state.
type Runner struct {
	cfg Config
}

func New(cfg Config) *Runner {
	if cfg.Servers <= 0 {
		cfg.Servers = 5
	}
	if cfg.FullTests <= 0 {
		cfg.FullTests = 1
	}
	if cfg.FullTests > cfg.Servers {
		cfg.FullTests = cfg.Servers
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	if cfg.PingConcurrency <= 0 {
		cfg.PingConcurrency = 4
	}
	if cfg.PacketLossTimeout <= 0 {
		cfg.PacketLossTimeout = 3 * time.Second
	}
	return &Runner{cfg: cfg}
}

type measurement struct {
	server   *st.Server
	download float64
	upload   float64
	ping     time.Duration
}

// Run executes one measurement. It honors ctx throughout; a canceled run
// returns ctx's error.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := r.cfg
	start := time.Now()

	// A fresh client per run; speedtest-go keeps snapshots and counters on
	// the instance and reusing one across runs leaks both.
	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     cfg.SavingMode,
		MaxConnections: cfg.MaxConnections,
	}))
	stc.SetNThread(cfg.MaxConnections)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	n := cfg.Servers
	if n > len(servers) {
		n = len(servers)
	}

	pinged := pingServers(ctx, servers[:n], cfg.PingConcurrency)
	if len(pinged) == 0 {
		return nil, fmt.Errorf("all latency probes failed")
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })
	full := cfg.FullTests
	if full > len(pinged) {
		full = len(pinged)
	}

	runs := make([]measurement, 0, full)
	for _, s := range pinged[:full] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.DownloadTestContext(ctx); err != nil {
			continue
		}
		dl := s.DLSpeed.Mbps()
		if err := s.UploadTestContext(ctx); err != nil {
			continue
		}
		runs = append(runs, measurement{
			server:   s,
			download: dl,
			upload:   s.ULSpeed.Mbps(),
			ping:     s.Latency,
		})
		// Drop per-pass snapshots before the next server.
		stc.Snapshots().Clean()
		stc.Reset()
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("full test failed for all servers")
	}

	avg := mean(runs)
	chosen := best(runs)

	loss := 0.0
	if cfg.PacketLoss {
		host := chosen.server.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		plCtx, cancel := context.WithTimeout(ctx, cfg.PacketLossTimeout)
		loss = packetLoss(plCtx, host)
		cancel()
	}

	jitterMs := float64(chosen.server.Jitter.Milliseconds())
	if jitterMs <= 0 {
		// Rough estimate when the probe reported none.
		jitterMs = math.Max(0.1, float64(avg.ping.Milliseconds())*0.1)
	}

	return &Result{
		Timestamp:     time.Now(),
		DownloadMbps:  avg.download,
		UploadMbps:    avg.upload,
		PingMs:        float64(avg.ping.Milliseconds()),
		JitterMs:      jitterMs,
		PacketLoss:    loss,
		ISP:           user.Isp,
		ServerName:    chosen.server.Sponsor,
		ServerCountry: chosen.server.Country,
		Duration:      time.Since(start),
	}, nil
}

func pingServers(ctx context.Context, servers []*st.Server, concurrency int) []*st.Server {
	sem := make(chan struct{}, concurrency)
	out := make(chan *st.Server, len(servers))
	var wg sync.WaitGroup

	for _, s := range servers {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()
			if err := s.PingTestContext(ctx, nil); err != nil {
				return
			}
			out <- s
		}()
	}
	wg.Wait()
	close(out)

	pinged := make([]*st.Server, 0, len(servers))
	for s := range out {
		if s.Latency > 0 {
			pinged = append(pinged, s)
		}
	}
	return pinged
}

func mean(runs []measurement) measurement {
	if len(runs) == 0 {
		return measurement{}
	}
	var m measurement
	for _, r := range runs {
		m.download += r.download
		m.upload += r.upload
		m.ping += r.ping
	}
	n := len(runs)
	m.download /= float64(n)
	m.upload /= float64(n)
	m.ping /= time.Duration(n)
	return m
}

// best prefers lower ping, then higher download.
func best(runs []measurement) *measurement {
	b := &runs[0]
	for i := 1; i < len(runs); i++ {
		if runs[i].ping < b.ping || (runs[i].ping == b.ping && runs[i].download > b.download) {
			b = &runs[i]
		}
	}
	return b
}

func packetLoss(ctx context.Context, host string) float64 {
	if host == "" {
		return 0
	}
	pla := st.NewPacketLossAnalyzer(nil)
	pl, err := pla.RunMultiWithContext(ctx, []string{host})
	if err != nil || pl == nil {
		return 0
	}
	return pl.LossPercent()
}
