package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openosaka/castle/internal/client"
	"github.com/openosaka/castle/internal/obs"
	"github.com/openosaka/castle/internal/proto"
)

func main() {
	flag.Parse()
	applyHost()
	if cfg.Debug {
		obs.EnableDebug(true)
	}

	spec := client.TunnelSpec{
		Name:      cfg.Name,
		Type:      cfg.Type,
		LocalAddr: cfg.LocalAddr,
		Remote: proto.RemoteSpec{
			Port:            uint16(cfg.RemotePort),
			Domain:          cfg.Domain,
			Subdomain:       cfg.Subdomain,
			RandomSubdomain: cfg.RandomSubdomain,
		},
	}
	agent := client.New(client.Config{
		ServerAddr:        cfg.ServerAddr,
		DataAddr:          cfg.DataAddr,
		Tunnels:           []client.TunnelSpec{spec},
		KeepaliveInterval: cfg.Keepalive,
		GraceDeadline:     cfg.Grace,
		DialTimeout:       cfg.DialTimeout,
		OnEntrypoint:      printEntrypoint,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.Info("client.start", obs.Fields{"name": cfg.Name, "type": cfg.Type, "local": cfg.LocalAddr, "server": cfg.ServerAddr})
	for {
		err := agent.Run(ctx)
		switch {
		case err == nil:
			return // graceful close
		case errors.Is(err, client.ErrRegistration):
			obs.Error("client.registration", obs.Fields{"err": err.Error()})
			os.Exit(1)
		case !cfg.Reconnect || ctx.Err() != nil:
			obs.Error("client.fatal", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
		obs.Error("client.session", obs.Fields{"err": err.Error()})
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
		obs.Info("client.reconnect", obs.Fields{})
	}
}

// printEntrypoint surfaces the assigned entrypoint to the operator. Port-only
// entrypoints come back as ":NNNN"; prefix them with the server host.
func printEntrypoint(spec client.TunnelSpec, tunnelID, entrypoint string) {
	display := entrypoint
	if strings.HasPrefix(display, ":") {
		if host, _, err := net.SplitHostPort(cfg.ServerAddr); err == nil {
			display = host + display
		}
	}
	obs.Info("tunnel.available", obs.Fields{"name": spec.Name, "tunnel": tunnelID, "entrypoint": display})
}
