package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	candriver "github.com/samsamfire/gocandriver"
	"github.com/samsamfire/gocandriver/pkg/can"
	_ "github.com/samsamfire/gocandriver/pkg/can/loopback"
	_ "github.com/samsamfire/gocandriver/pkg/can/slcan"
	_ "github.com/samsamfire/gocandriver/pkg/can/socketcan"
	_ "github.com/samsamfire/gocandriver/pkg/can/socketcanv2"
	_ "github.com/samsamfire/gocandriver/pkg/can/virtual"
	"github.com/samsamfire/gocandriver/pkg/config"
	"github.com/samsamfire/gocandriver/pkg/metrics"
	log "github.com/sirupsen/logrus"
)

func main() {
	// Command line arguments
	configPath := flag.String("c", "", "configuration file path")
	canInterface := flag.String("i", "", "bus interface, overrides configuration e.g. socketcan, virtual, slcan")
	channel := flag.String("ch", "", "bus channel, overrides configuration e.g. can0, localhost:18888, /dev/ttyACM0")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load configuration : %v", err)
		}
	}
	if *canInterface != "" {
		cfg.Bus.Interface = *canInterface
	}
	if *channel != "" {
		cfg.Bus.Channel = *channel
	}
	logger := cfg.NewLogger()
	log.SetLevel(cfg.Log.Level)
	log.SetFormatter(logger.Formatter)

	bus, err := can.NewBus(cfg.Bus.Interface, cfg.Bus.Channel, cfg.Bus.Bitrate)
	if err != nil {
		logger.Fatalf("failed to create bus, available %v : %v", can.Interfaces(), err)
	}
	if err := bus.Connect(); err != nil {
		logger.Fatalf("failed to connect to %v : %v", cfg.Bus.Channel, err)
	}

	registry := prometheus.NewRegistry()
	mt := metrics.New(registry)
	module, err := candriver.NewModule(
		bus,
		make([]candriver.RxBuffer, cfg.Module.RxSize),
		make([]candriver.TxBuffer, cfg.Module.TxSize),
		candriver.WithLogger(logger),
		candriver.WithMetrics(mt),
		candriver.WithTxTimeout(cfg.Module.TxTimeout),
		candriver.WithRxFilters(cfg.Module.HwFilters),
	)
	if err != nil {
		logger.Fatal(err)
	}

	for _, filter := range cfg.RxFilter {
		index := filter.Index
		listener := can.FrameListenerFunc(func(frame can.Frame) {
			logger.Infof("rx[%d] %v", index, frame)
		})
		if err := module.RegisterReceiveFilter(index, filter.Ident, filter.Mask, filter.Rtr, listener); err != nil {
			logger.Fatalf("failed to register rx.%d : %v", index, err)
		}
	}
	slots := make(map[*candriver.TxBuffer]time.Duration)
	for _, slot := range cfg.TxSlot {
		buffer := module.RegisterTransmitSlot(slot.Index, slot.Ident, slot.Rtr, slot.Length, slot.Sync)
		if buffer == nil {
			logger.Fatalf("failed to register tx.%d", slot.Index)
		}
		if slot.Period > 0 {
			slots[buffer] = slot.Period
		}
	}
	if err := bus.Subscribe(module); err != nil {
		logger.Fatal(err)
	}
	if err := module.SetNormalMode(); err != nil {
		logger.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics.Listen != "" {
		srv := metrics.StartHTTP(cfg.Metrics.Listen, registry, module.IsNormal)
		defer srv.Close()
	}

	var wg sync.WaitGroup
	for buffer, period := range slots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(period)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					buffer.Data[0]++
					if err := module.Send(buffer); err != nil {
						logger.Warnf("tx x%x : %v", buffer.Ident(), err)
					}
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = module.Run(ctx, cfg.Module.ProcessPeriod)
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	if err := module.Disable(); err != nil {
		logger.Warnf("failed to disconnect : %v", err)
	}
}
