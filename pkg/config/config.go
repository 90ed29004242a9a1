// Package config loads the driver configuration from an INI file.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	DefaultInterface     = "socketcanv2"
	DefaultChannel       = "can0"
	DefaultBitrate       = 500000
	DefaultRxSize        = 32
	DefaultTxSize        = 16
	DefaultTxTimeout     = 10 * time.Millisecond
	DefaultProcessPeriod = 10 * time.Millisecond
	DefaultMetricsListen = ":9100"
	DefaultBrokerListen  = ":18888"
)

type BusConfig struct {
	Interface string
	Channel   string
	Bitrate   int
}

type ModuleConfig struct {
	RxSize        int
	TxSize        int
	TxTimeout     time.Duration
	ProcessPeriod time.Duration
	HwFilters     bool
}

type LogConfig struct {
	Level  log.Level
	Format string
}

type MetricsConfig struct {
	// Empty disables the metrics server
	Listen string
}

type BrokerConfig struct {
	Listen    string
	Mdns      bool
	MdnsName  string
	QueueSize int
}

// A receive filter, rx.N section
type RxFilter struct {
	Index int
	Ident uint16
	Mask  uint16
	Rtr   bool
}

// A transmit slot, tx.N section
type TxSlot struct {
	Index  int
	Ident  uint16
	Rtr    bool
	Length uint8
	Sync   bool
	// Send period, 0 means never sent cyclically
	Period time.Duration
}

type Config struct {
	Bus      BusConfig
	Module   ModuleConfig
	Log      LogConfig
	Metrics  MetricsConfig
	Broker   BrokerConfig
	RxFilter []RxFilter
	TxSlot   []TxSlot
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Bus: BusConfig{Interface: DefaultInterface, Channel: DefaultChannel, Bitrate: DefaultBitrate},
		Module: ModuleConfig{
			RxSize:        DefaultRxSize,
			TxSize:        DefaultTxSize,
			TxTimeout:     DefaultTxTimeout,
			ProcessPeriod: DefaultProcessPeriod,
		},
		Log:     LogConfig{Level: log.InfoLevel, Format: "text"},
		Metrics: MetricsConfig{Listen: DefaultMetricsListen},
		Broker:  BrokerConfig{Listen: DefaultBrokerListen},
	}
}

var (
	matchRxSection = regexp.MustCompile(`^rx\.(\d+)$`)
	matchTxSection = regexp.MustCompile(`^tx\.(\d+)$`)
)

// Load a configuration file
// source can be either a path or an *os.File or []byte
// Keys that are missing keep their default value.
func Load(source any) (*Config, error) {
	file, err := ini.Load(source)
	if err != nil {
		return nil, err
	}
	config := Default()

	bus := file.Section("bus")
	config.Bus.Interface = bus.Key("interface").MustString(config.Bus.Interface)
	config.Bus.Channel = bus.Key("channel").MustString(config.Bus.Channel)
	config.Bus.Bitrate = bus.Key("bitrate").MustInt(config.Bus.Bitrate)

	module := file.Section("module")
	config.Module.RxSize = module.Key("rx_size").MustInt(config.Module.RxSize)
	config.Module.TxSize = module.Key("tx_size").MustInt(config.Module.TxSize)
	config.Module.TxTimeout = module.Key("tx_timeout").MustDuration(config.Module.TxTimeout)
	config.Module.ProcessPeriod = module.Key("process_period").MustDuration(config.Module.ProcessPeriod)
	config.Module.HwFilters = module.Key("hw_filters").MustBool(config.Module.HwFilters)

	logSection := file.Section("log")
	if logSection.HasKey("level") {
		level, err := log.ParseLevel(logSection.Key("level").String())
		if err != nil {
			return nil, fmt.Errorf("%w : %v", ErrInvalidConfig, err)
		}
		config.Log.Level = level
	}
	config.Log.Format = logSection.Key("format").In(config.Log.Format, []string{"text", "json"})

	config.Metrics.Listen = file.Section("metrics").Key("listen").MustString(config.Metrics.Listen)

	broker := file.Section("broker")
	config.Broker.Listen = broker.Key("listen").MustString(config.Broker.Listen)
	config.Broker.Mdns = broker.Key("mdns").MustBool(false)
	config.Broker.MdnsName = broker.Key("mdns_name").String()
	config.Broker.QueueSize = broker.Key("queue_size").MustInt(0)

	for _, section := range file.Sections() {
		name := section.Name()
		if match := matchRxSection.FindStringSubmatch(name); match != nil {
			filter, err := parseRxFilter(section, match[1])
			if err != nil {
				return nil, err
			}
			config.RxFilter = append(config.RxFilter, filter)
		} else if match := matchTxSection.FindStringSubmatch(name); match != nil {
			slot, err := parseTxSlot(section, match[1])
			if err != nil {
				return nil, err
			}
			config.TxSlot = append(config.TxSlot, slot)
		}
	}
	sort.Slice(config.RxFilter, func(i, j int) bool { return config.RxFilter[i].Index < config.RxFilter[j].Index })
	sort.Slice(config.TxSlot, func(i, j int) bool { return config.TxSlot[i].Index < config.TxSlot[j].Index })

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// parseUint accepts decimal and 0x prefixed hexadecimal values
func parseUint(section *ini.Section, key string, bitSize int, required bool) (uint64, error) {
	if !section.HasKey(key) {
		if required {
			return 0, fmt.Errorf("%w : [%v] missing %v", ErrInvalidConfig, section.Name(), key)
		}
		return 0, nil
	}
	raw := strings.TrimSpace(section.Key(key).String())
	value, err := strconv.ParseUint(raw, 0, bitSize)
	if err != nil {
		return 0, fmt.Errorf("%w : [%v] %v : %v", ErrInvalidConfig, section.Name(), key, err)
	}
	return value, nil
}

func parseRxFilter(section *ini.Section, index string) (RxFilter, error) {
	filter := RxFilter{}
	// Regexp guarantees digits
	filter.Index, _ = strconv.Atoi(index)
	ident, err := parseUint(section, "ident", 11, true)
	if err != nil {
		return filter, err
	}
	filter.Ident = uint16(ident)
	filter.Mask = 0x7FF
	if section.HasKey("mask") {
		mask, err := parseUint(section, "mask", 11, false)
		if err != nil {
			return filter, err
		}
		filter.Mask = uint16(mask)
	}
	filter.Rtr = section.Key("rtr").MustBool(false)
	return filter, nil
}

func parseTxSlot(section *ini.Section, index string) (TxSlot, error) {
	slot := TxSlot{}
	slot.Index, _ = strconv.Atoi(index)
	ident, err := parseUint(section, "ident", 11, true)
	if err != nil {
		return slot, err
	}
	slot.Ident = uint16(ident)
	length, err := parseUint(section, "length", 8, false)
	if err != nil {
		return slot, err
	}
	if length > 8 {
		return slot, fmt.Errorf("%w : [%v] length %v", ErrInvalidConfig, section.Name(), length)
	}
	slot.Length = uint8(length)
	slot.Rtr = section.Key("rtr").MustBool(false)
	slot.Sync = section.Key("sync").MustBool(false)
	slot.Period = section.Key("period").MustDuration(0)
	return slot, nil
}

// Validate checks the consistency of the configuration
func (c *Config) Validate() error {
	if c.Bus.Interface == "" {
		return fmt.Errorf("%w : empty bus interface", ErrInvalidConfig)
	}
	if c.Module.RxSize < 0 || c.Module.TxSize < 0 {
		return fmt.Errorf("%w : negative slot count", ErrInvalidConfig)
	}
	if c.Module.TxTimeout <= 0 || c.Module.ProcessPeriod <= 0 {
		return fmt.Errorf("%w : durations should be positive", ErrInvalidConfig)
	}
	for _, filter := range c.RxFilter {
		if filter.Index >= c.Module.RxSize {
			return fmt.Errorf("%w : rx.%v out of range, rx_size is %v", ErrInvalidConfig, filter.Index, c.Module.RxSize)
		}
	}
	for _, slot := range c.TxSlot {
		if slot.Index >= c.Module.TxSize {
			return fmt.Errorf("%w : tx.%v out of range, tx_size is %v", ErrInvalidConfig, slot.Index, c.Module.TxSize)
		}
	}
	return nil
}

// NewLogger creates a logger configured from the log section
func (c *Config) NewLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(c.Log.Level)
	if c.Log.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return logger
}
