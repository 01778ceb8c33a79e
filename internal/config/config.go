// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// SimulatorDevice selects the built-in virtual RTU slave instead of a serial device.
const SimulatorDevice = "sim"

// Config is the bootstrap configuration of the process. Settings an operator
// changes at runtime (baud rate, serial format, TCP port...) live in the
// settings store instead, see Store.
type Config struct {
	Serial SerialConfig `mapstructure:"serial"`
	Bridge BridgeConfig `mapstructure:"bridge"`
	Web    WebConfig    `mapstructure:"web"`
	Store  StoreConfig  `mapstructure:"store"`
	Log    LogConfig    `mapstructure:"log"`

	// ListPorts prints the serial ports of the host and exits.
	ListPorts bool `mapstructure:"list_ports"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	File   string `mapstructure:"file"`   // Log file path
	Serial string `mapstructure:"serial"` // Debug console serial device
}

// SerialConfig defines the RTU line. BaudRate, DataBits, Parity and StopBits
// are overridden by the persisted settings.
type SerialConfig struct {
	Device      string        `mapstructure:"device"` // "/dev/ttyUSB0", "tcp://host:port" or "sim"
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	Parity      string        `mapstructure:"parity"`
	StopBits    int           `mapstructure:"stop_bits"`
	Timeout     time.Duration `mapstructure:"timeout"`    // Response timeout
	RqstPause   time.Duration `mapstructure:"rqst_pause"` // Pause between requests
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	QueueSize   int           `mapstructure:"queue_size"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// BridgeConfig defines the Modbus TCP side. The port comes from the settings.
type BridgeConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`   // Bind address without port, e.g. "0.0.0.0"
	SlaveIDs string `mapstructure:"slave_ids"` // Routed unit ids: "1", "1,2", "1-247"
}

// WebConfig defines the HTTP control plane.
type WebConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`     // e.g. ":8080"
	UpdatePath string `mapstructure:"update_path"` // Where uploaded firmware images are stored
}

// StoreConfig defines where runtime settings are persisted.
type StoreConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap", "sql"
	Path string `mapstructure:"path"` // File path for "file", "mmap" and "sql"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.device", "/dev/ttyUSB0")
	v.SetDefault("serial.timeout", 5*time.Second)
	v.SetDefault("serial.rqst_pause", 0)
	v.SetDefault("serial.idle_timeout", 60*time.Second)
	v.SetDefault("serial.queue_size", 32)
	v.SetDefault("bridge.enabled", true)
	v.SetDefault("bridge.address", "0.0.0.0")
	v.SetDefault("bridge.slave_ids", "1-247")
	v.SetDefault("web.enabled", true)
	v.SetDefault("web.address", ":8080")
	v.SetDefault("web.update_path", "firmware.bin")
	v.SetDefault("store.type", "file")
	v.SetDefault("store.path", "settings.yaml")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.serial", "")
}

// Flags returns the command line flags understood by Load.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Configuration file path.")
	fs.StringP("serial.device", "p", "", "Serial port device name, tcp://host:port or 'sim'.")
	fs.DurationP("serial.timeout", "W", 0, "Response wait time.")
	fs.DurationP("serial.rqst_pause", "R", 0, "Pause between requests.")
	fs.StringP("web.address", "H", "", "HTTP listen address.")
	fs.String("store.type", "", "Settings store type (memory, file, mmap, sql).")
	fs.String("store.path", "", "Settings store path.")
	fs.StringP("log.level", "v", "", "Log verbosity level (debug, info, warn, error).")
	fs.StringP("log.file", "L", "", "Log file name ('-' for logging to STDOUT only).")
	fs.Bool("list_ports", false, "List serial ports and exit.")
	return fs
}

// Load parses args and reads the configuration file. Flags override the
// file, the file overrides the defaults. A missing file is not an error.
func Load(args []string) (*Config, error) {
	fs := Flags("modbus-rtu-gw")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	// Only flags given on the command line override the file.
	var bindErr error
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		if err := v.BindPFlag(f.Name, f); err != nil {
			bindErr = errors.Join(bindErr, err)
		}
	})
	if bindErr != nil {
		return nil, fmt.Errorf("failed to bind pflags: %w", bindErr)
	}

	configFile, _ := fs.GetString("config")
	return load(v, configFile)
}

// LoadConfig loads configuration from file
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return load(v, configFile)
}

func load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbusgw/")
		v.AddConfigPath("$HOME/.modbusgw")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	fixupSerial(&config.Serial)
	if config.Store.Type == "" {
		config.Store.Type = "memory"
	}

	return &config, nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Timeout <= 0 {
		s.Timeout = 5 * time.Second
	}
	if s.QueueSize <= 0 {
		s.QueueSize = 32
	}
}
