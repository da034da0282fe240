// Package config implements the CLI + optional INI configuration
// surface: bind addresses, the upstream pool, probing cadence, and the
// log level, merged per spec.md §6.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/ini.v1"

	"hedgeproxy/internal/upstream"
)

// ErrConfig reports a fatal startup configuration problem: bad flags,
// no upstreams configured, or an unreadable or malformed INI file.
// Addresses are not validated here.
type ErrConfig struct {
	Msg string
}

func (e *ErrConfig) Error() string { return "config: " + e.Msg }

// Config is the fully resolved process configuration.
type Config struct {
	ListenAddr    string
	ProbeIP       string
	StatusAddr    string
	ProbeInterval time.Duration
	Keepalive     time.Duration
	MaxParallel   int
	LogLevel      string
	Fingerprint   bool

	Upstreams []*upstream.Upstream
}

// upstreamSpec is an upstream entry before it's turned into a live
// *upstream.Upstream with its own atomic counters.
type upstreamSpec struct {
	tag       string
	protocol  upstream.Protocol
	addr      string
	scoreBase int
	testIP    string
}

// Parse builds a Config from CLI arguments (cobra/pflag) merged with an
// optional INI file. INI entries are loaded first (if --config is
// given), then --socks5/--http repeatable flags append more upstreams.
// At least one upstream across both sources is required.
func Parse(args []string) (*Config, error) {
	var (
		listenAddr    string
		probeIP       string
		statusAddr    string
		configPath    string
		probeInterval time.Duration
		keepalive     time.Duration
		maxParallel   int
		logLevel      string
		fingerprint   bool
		socks5Addrs   []string
		httpAddrs     []string
	)

	cmd := &cobra.Command{
		Use:           "hedgeproxyd",
		Short:         "transparent TCP forwarding proxy with hedged upstream connect",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.Flags()
	flags.StringVar(&listenAddr, "listen", "0.0.0.0:1080", "bind host:port for the intercepting listener")
	flags.StringVar(&probeIP, "probe-ip", "", "default probe IP for health-checking upstreams")
	flags.StringVar(&statusAddr, "status-addr", "", "bind address for the status/admin HTTP endpoint (disabled if empty)")
	flags.StringVar(&configPath, "config", "", "path to an INI configuration file")
	flags.DurationVar(&probeInterval, "probe-interval", 10*time.Second, "upstream health probe interval")
	flags.DurationVar(&keepalive, "keepalive", 300*time.Second, "TCP keepalive idle timer on the committed client/upstream pair")
	flags.IntVar(&maxParallel, "parallel", 2, "max upstreams raced concurrently when hedging is allowed")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.BoolVar(&fingerprint, "fingerprint", false, "extract ALPN/cipher-count fingerprint fields from ClientHello (log-only)")
	flags.StringArrayVar(&socks5Addrs, "socks5", nil, "upstream SOCKS5 proxy address (host:port); repeatable")
	flags.StringArrayVar(&httpAddrs, "http", nil, "upstream HTTP CONNECT proxy address (host:port); repeatable")

	cmd.RunE = func(*cobra.Command, []string) error { return nil }
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		if err == pflag.ErrHelp {
			return nil, err
		}
		return nil, &ErrConfig{Msg: err.Error()}
	}

	var specs []upstreamSpec
	if configPath != "" {
		fromINI, err := loadINI(configPath, probeIP)
		if err != nil {
			return nil, err
		}
		specs = append(specs, fromINI...)
	}
	for _, addr := range socks5Addrs {
		specs = append(specs, upstreamSpec{tag: addr, protocol: upstream.SOCKS5, addr: addr, testIP: probeIP})
	}
	for _, addr := range httpAddrs {
		specs = append(specs, upstreamSpec{tag: addr, protocol: upstream.HTTPConnect, addr: addr, testIP: probeIP})
	}
	if len(specs) == 0 {
		return nil, &ErrConfig{Msg: "no upstreams configured; at least one -socks5, -http, or INI [section] is required"}
	}

	ups := make([]*upstream.Upstream, 0, len(specs))
	for _, s := range specs {
		probeAddr := s.testIP
		if probeAddr != "" {
			probeAddr = probeAddr + ":80"
		}
		ups = append(ups, &upstream.Upstream{
			Tag:       s.tag,
			Protocol:  s.protocol,
			Addr:      s.addr,
			ScoreBase: s.scoreBase,
			ProbeAddr: probeAddr,
		})
	}

	return &Config{
		ListenAddr:    listenAddr,
		ProbeIP:       probeIP,
		StatusAddr:    statusAddr,
		ProbeInterval: probeInterval,
		Keepalive:     keepalive,
		MaxParallel:   maxParallel,
		LogLevel:      resolveLogLevel(logLevel),
		Fingerprint:   fingerprint,
		Upstreams:     ups,
	}, nil
}

// resolveLogLevel honors an HEDGEPROXY_LOG environment variable ahead
// of the CLI-supplied level, matching spec.md §6's "environment"
// override note.
func resolveLogLevel(flagLevel string) string {
	if v := os.Getenv("HEDGEPROXY_LOG"); v != "" {
		return v
	}
	return flagLevel
}

// loadINI parses one section per upstream. Recognized keys:
// address (required), protocol (required, socks5|http), tag
// (optional, defaults to the section name), score base (optional
// integer), test ip (optional, defaults to globalProbeIP).
func loadINI(path, globalProbeIP string) ([]upstreamSpec, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, &ErrConfig{Msg: fmt.Sprintf("reading INI file %s: %v", path, err)}
	}

	var specs []upstreamSpec
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		addr := sec.Key("address").String()
		if addr == "" {
			return nil, &ErrConfig{Msg: fmt.Sprintf("[%s]: address is required", sec.Name())}
		}
		protoStr := sec.Key("protocol").String()
		var proto upstream.Protocol
		switch protoStr {
		case "socks5":
			proto = upstream.SOCKS5
		case "http":
			proto = upstream.HTTPConnect
		default:
			return nil, &ErrConfig{Msg: fmt.Sprintf("[%s]: protocol must be socks5 or http, got %q", sec.Name(), protoStr)}
		}

		tag := sec.Key("tag").String()
		if tag == "" {
			tag = sec.Name()
		}
		scoreBase, err := sec.Key("score base").Int()
		if err != nil && sec.Key("score base").String() != "" {
			return nil, &ErrConfig{Msg: fmt.Sprintf("[%s]: score base must be an integer", sec.Name())}
		}
		testIP := sec.Key("test ip").String()
		if testIP == "" {
			testIP = globalProbeIP
		}

		specs = append(specs, upstreamSpec{
			tag: tag, protocol: proto, addr: addr, scoreBase: scoreBase, testIP: testIP,
		})
	}
	return specs, nil
}
