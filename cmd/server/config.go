package main

import (
	"flag"
	"time"
)

// Config holds all runtime configuration derived from flags.
type Config struct {
	ControlAddr string
	DataAddr    string
	VHTTPAddr   string
	MetricsAddr string
	BaseDomain  string

	PortMin int
	PortMax int

	FlowTimeout      time.Duration
	KeepaliveTimeout time.Duration
	GraceDeadline    time.Duration
	UDPIdleTimeout   time.Duration
	MaxHeaderSize    int
	AddXFF           bool

	GlobalFlowRate int
	FlowRate       int
	FlowBurst      int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	Debug   bool
	LogFile string
}

var cfg Config

func init() {
	flag.StringVar(&cfg.ControlAddr, "control", ":6610", "address for client control connections")
	flag.StringVar(&cfg.VHTTPAddr, "vhttp", ":6611", "shared public listener for host-routed http tunnels")
	flag.StringVar(&cfg.DataAddr, "data", ":6612", "data connection listener address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address")
	flag.StringVar(&cfg.BaseDomain, "domain", "", "base domain for subdomain entrypoints (e.g. tunnels.example.com); empty disables subdomains")
	flag.IntVar(&cfg.PortMin, "port-min", 20000, "lower bound of the ephemeral entrypoint port range")
	flag.IntVar(&cfg.PortMax, "port-max", 50000, "upper bound of the ephemeral entrypoint port range")
	flag.DurationVar(&cfg.FlowTimeout, "flow-timeout", 10*time.Second, "time limit for a client to establish the data connection")
	flag.DurationVar(&cfg.KeepaliveTimeout, "keepalive-timeout", 30*time.Second, "control session read deadline; dead clients are dropped after this")
	flag.DurationVar(&cfg.GraceDeadline, "grace", 10*time.Second, "drain bound for in-flight flows during teardown")
	flag.DurationVar(&cfg.UDPIdleTimeout, "udp-idle-timeout", 60*time.Second, "inactivity bound before a udp flow is reclaimed")
	flag.IntVar(&cfg.MaxHeaderSize, "max-header-size", 32*1024, "maximum allowed initial HTTP header bytes on the vhttp port")
	flag.BoolVar(&cfg.AddXFF, "add-xff", true, "append X-Forwarded-For with the caller IP on the vhttp port")
	flag.IntVar(&cfg.GlobalFlowRate, "global-flow-rate", 0, "new public flows per second across all tunnels (0 = unlimited)")
	flag.IntVar(&cfg.FlowRate, "flow-rate", 0, "new public flows per second per tunnel (0 = unlimited)")
	flag.IntVar(&cfg.FlowBurst, "flow-burst", 16, "burst capacity for flow rate limiting")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for lifecycle event publishing (empty = off)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database")
	flag.StringVar(&cfg.RedisChannel, "redis-channel", "castle:events", "redis pub/sub channel for lifecycle events")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.LogFile, "log-file", "", "also write logs to this rotating file")
}
