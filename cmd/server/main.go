package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/openosaka/castle/internal/obs"
	"github.com/openosaka/castle/internal/server"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if cfg.LogFile != "" {
		obs.LogToFile(cfg.LogFile)
		defer obs.CloseFile()
	}
	obs.Info("server.start", obs.Fields{
		"control": cfg.ControlAddr, "vhttp": cfg.VHTTPAddr, "data": cfg.DataAddr,
		"metrics": cfg.MetricsAddr, "domain": cfg.BaseDomain,
	})

	sink, err := server.NewEventSink(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisChannel)
	if err != nil {
		obs.Error("events.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	srv := server.New(server.Config{
		ControlAddr:      cfg.ControlAddr,
		DataAddr:         cfg.DataAddr,
		VHTTPAddr:        cfg.VHTTPAddr,
		BaseDomain:       cfg.BaseDomain,
		PortMin:          uint16(cfg.PortMin),
		PortMax:          uint16(cfg.PortMax),
		FlowTimeout:      cfg.FlowTimeout,
		KeepaliveTimeout: cfg.KeepaliveTimeout,
		GraceDeadline:    cfg.GraceDeadline,
		UDPIdleTimeout:   cfg.UDPIdleTimeout,
		MaxHeaderSize:    cfg.MaxHeaderSize,
		AddXFF:           cfg.AddXFF,
		GlobalFlowRate:   cfg.GlobalFlowRate,
		FlowRate:         cfg.FlowRate,
		FlowBurst:        cfg.FlowBurst,
		Sink:             sink,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go startMetricsServer(cfg.MetricsAddr, srv)

	if err := srv.Run(ctx); err != nil {
		obs.Error("server.run", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}
