package main

import (
	"flag"
	"net"
	"time"
)

// Config holds client runtime configuration.
type Config struct {
	ServerAddr string
	DataAddr   string
	Host       string // convenience host; fills server/data unless set explicitly

	Name            string
	Type            string
	LocalAddr       string
	RemotePort      int
	Domain          string
	Subdomain       string
	RandomSubdomain bool

	Keepalive   time.Duration
	Grace       time.Duration
	DialTimeout time.Duration
	Reconnect   bool
	Debug       bool
}

var cfg Config

func init() {
	flag.StringVar(&cfg.ServerAddr, "server", "127.0.0.1:6610", "server control address")
	flag.StringVar(&cfg.DataAddr, "data", "127.0.0.1:6612", "server data address")
	flag.StringVar(&cfg.Host, "host", "", "server host; fills -server and -data with the default ports when they are not given")
	flag.StringVar(&cfg.Name, "name", "castle", "tunnel name, for display and server logs")
	flag.StringVar(&cfg.Type, "type", "tcp", "tunnel type: tcp, udp or http")
	flag.StringVar(&cfg.LocalAddr, "local", "127.0.0.1:3000", "local backend address to expose")
	flag.IntVar(&cfg.RemotePort, "remote-port", 0, "explicit public port (0 = server picks)")
	flag.StringVar(&cfg.Domain, "domain", "", "explicit public domain (http only)")
	flag.StringVar(&cfg.Subdomain, "subdomain", "", "subdomain under the server base domain (http only)")
	flag.BoolVar(&cfg.RandomSubdomain, "random-subdomain", false, "ask for a random subdomain (http only)")
	flag.DurationVar(&cfg.Keepalive, "keepalive", 10*time.Second, "keepalive interval")
	flag.DurationVar(&cfg.Grace, "grace", 10*time.Second, "drain bound for in-flight flows on shutdown")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 3*time.Second, "bound on backend and server dials")
	flag.BoolVar(&cfg.Reconnect, "reconnect", true, "reconnect after a lost control session")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

// applyHost fills -server and -data from -host when they were left at their
// defaults.
func applyHost() {
	if cfg.Host == "" {
		return
	}
	var serverSet, dataSet bool
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			serverSet = true
		case "data":
			dataSet = true
		}
	})
	if !serverSet {
		cfg.ServerAddr = net.JoinHostPort(cfg.Host, "6610")
	}
	if !dataSet {
		cfg.DataAddr = net.JoinHostPort(cfg.Host, "6612")
	}
}
