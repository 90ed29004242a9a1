package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/samsamfire/gocandriver/pkg/can/virtual"
	"github.com/samsamfire/gocandriver/pkg/config"
	log "github.com/sirupsen/logrus"
)

const mdnsServiceType = "_virtualcan._tcp"

// startMDNS advertises the broker and returns a cleanup function
func startMDNS(ctx context.Context, instance string, port int) (func(), error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("vcanbroker-%s", host)
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, []string{"protocol=virtualcan"}, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register : %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}

func main() {
	configPath := flag.String("c", "", "configuration file path")
	listen := flag.String("l", "", "listen address, overrides configuration e.g. :18888")
	mdns := flag.Bool("mdns", false, "advertise the broker with mDNS")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load configuration : %v", err)
		}
	}
	if *listen != "" {
		cfg.Broker.Listen = *listen
	}
	if *mdns {
		cfg.Broker.Mdns = true
	}
	logger := cfg.NewLogger()
	log.SetLevel(cfg.Log.Level)
	log.SetFormatter(logger.Formatter)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	broker := virtual.NewBroker(virtual.WithClientQueueSize(cfg.Broker.QueueSize))
	if err := broker.Listen(cfg.Broker.Listen); err != nil {
		logger.Fatalf("failed to listen on %v : %v", cfg.Broker.Listen, err)
	}

	if cfg.Broker.Mdns {
		port := 0
		if addr, ok := broker.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
		cleanup, err := startMDNS(ctx, cfg.Broker.MdnsName, port)
		if err != nil {
			logger.Warnf("mdns disabled : %v", err)
		} else {
			defer cleanup()
			logger.Infof("advertising %v on port %v", mdnsServiceType, port)
		}
	}

	<-ctx.Done()
	forwarded, dropped := broker.Stats()
	logger.Infof("shutting down, forwarded %v frames, dropped %v", forwarded, dropped)
	if err := broker.Close(); err != nil {
		logger.Warnf("failed to close broker : %v", err)
	}
}
