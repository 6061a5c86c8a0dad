// Copyright 2016 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/tinymesh/util/typeutil"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the service host configuration.
type Config struct {
	*flag.FlagSet `json:"-"`

	Version bool `json:"-"`

	ConfigCheck bool `json:"-"`

	// Name is only used in logs and the status API.
	Name string `toml:"name" json:"name"`
	// ListenHost is the interface the request socket binds to.
	ListenHost string `toml:"listen-host" json:"listen-host"`
	Port       int    `toml:"port" json:"port"`
	// AdvertiseHost is the address gateways forward requests to.
	AdvertiseHost string `toml:"advertise-host" json:"advertise-host"`
	// StatusAddr serves the HTTP status API, empty disables it.
	StatusAddr string `toml:"status-addr" json:"status-addr"`

	Gateways []GatewayAddress `toml:"gateways" json:"gateways"`

	// ShutdownTimeout bounds the wait for in-flight requests on shutdown.
	ShutdownTimeout typeutil.Duration `toml:"shutdown-timeout" json:"shutdown-timeout"`

	Log log.Config `toml:"log" json:"log"`

	Transaction TransactionConfig `toml:"transaction" json:"transaction"`
	Gateway     GatewayConfig     `toml:"gateway" json:"gateway"`
	Reception   ReceptionConfig   `toml:"reception" json:"reception"`

	// WarningMsgs contains all warnings during parsing.
	WarningMsgs []string `json:"-"`

	configFile   string
	gatewaysFlag string

	logger   *zap.Logger
	logProps *log.ZapProperties
}

// GatewayAddress is one gateway the host registers with.
type GatewayAddress struct {
	Host     string `toml:"host" json:"host"`
	Port     int    `toml:"port" json:"port"`
	IsMaster bool   `toml:"is-master" json:"is-master"`
}

func (a GatewayAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// TransactionConfig configures the lock table and the transaction center.
type TransactionConfig struct {
	// DefaultLockTimeout is used when an invoke request doesn't ask for a lock timeout.
	DefaultLockTimeout typeutil.Duration `toml:"default-lock-timeout" json:"default-lock-timeout"`
	// MaxLockTimeout caps the lock timeout an invoke request may ask for.
	MaxLockTimeout typeutil.Duration `toml:"max-lock-timeout" json:"max-lock-timeout"`
	// FinalizedCapacity is how many finalized transaction ids are remembered to answer retries.
	FinalizedCapacity int `toml:"finalized-capacity" json:"finalized-capacity"`
}

// GatewayConfig configures the gateway connections.
type GatewayConfig struct {
	HeartbeatInterval typeutil.Duration `toml:"heartbeat-interval" json:"heartbeat-interval"`
	DialTimeout       typeutil.Duration `toml:"dial-timeout" json:"dial-timeout"`
	RequestTimeout    typeutil.Duration `toml:"request-timeout" json:"request-timeout"`
	// RetryInterval is the first reconnect delay, doubled after every failure up to MaxRetryInterval.
	RetryInterval    typeutil.Duration `toml:"retry-interval" json:"retry-interval"`
	MaxRetryInterval typeutil.Duration `toml:"max-retry-interval" json:"max-retry-interval"`
}

// ReceptionConfig configures the request socket.
type ReceptionConfig struct {
	// ReadTimeout bounds reading the request frame.
	ReadTimeout typeutil.Duration `toml:"read-timeout" json:"read-timeout"`
	// WriteTimeout bounds writing the response frame.
	WriteTimeout      typeutil.Duration `toml:"write-timeout" json:"write-timeout"`
	MaxFrameSize      typeutil.ByteSize `toml:"max-frame-size" json:"max-frame-size"`
	CompressThreshold typeutil.ByteSize `toml:"compress-threshold" json:"compress-threshold"`
	// RateLimit is the number of requests served per second, 0 means unlimited.
	RateLimit float64 `toml:"rate-limit" json:"rate-limit"`
	RateBurst int     `toml:"rate-burst" json:"rate-burst"`
}

// NewConfig creates a new config.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.FlagSet = flag.NewFlagSet("tinymesh", flag.ContinueOnError)
	fs := cfg.FlagSet

	fs.BoolVar(&cfg.Version, "V", false, "print version information and exit")
	fs.BoolVar(&cfg.Version, "version", false, "print version information and exit")
	fs.StringVar(&cfg.configFile, "config", "", "Config file")
	fs.BoolVar(&cfg.ConfigCheck, "config-check", false, "check config file validity and exit")

	fs.StringVar(&cfg.Name, "name", "", "human-readable name for this host")
	fs.StringVar(&cfg.ListenHost, "listen-host", "", "interface to accept requests on (default '0.0.0.0')")
	fs.IntVar(&cfg.Port, "port", 0, fmt.Sprintf("port to accept requests on (default %d)", defaultPort))
	fs.StringVar(&cfg.AdvertiseHost, "advertise-host", "", "host advertised to the gateways (default '127.0.0.1')")
	fs.StringVar(&cfg.StatusAddr, "status-addr", "", "address of the HTTP status API")
	fs.StringVar(&cfg.gatewaysFlag, "gateways", "", "comma separated gateway addresses, the first one is the master, e.g. 127.0.0.1:9900,127.0.0.1:9901")

	fs.StringVar(&cfg.Log.Level, "L", "", "log level: debug, info, warn, error, fatal (default 'info' or $LOG_LEVEL)")
	fs.StringVar(&cfg.Log.File.Filename, "log-file", "", "log file path")

	return cfg
}

const (
	defaultName            = "tinymesh"
	defaultListenHost      = "0.0.0.0"
	defaultPort            = 9800
	defaultAdvertiseHost   = "127.0.0.1"
	defaultShutdownTimeout = 10 * time.Second
	defaultLogLevel        = "info"

	defaultLockTimeout       = 10 * time.Second
	defaultMaxLockTimeout    = time.Minute
	defaultFinalizedCapacity = 4096

	defaultHeartbeatInterval = 5 * time.Second
	defaultDialTimeout       = 3 * time.Second
	defaultRequestTimeout    = 5 * time.Second
	defaultRetryInterval     = 500 * time.Millisecond
	defaultMaxRetryInterval  = 10 * time.Second

	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultMaxFrameSize      = 16 << 20
	defaultCompressThreshold = 4 << 10
	defaultRateBurst         = 64
)

// LogLevelEnv is read for the log level when neither the flag nor the file sets it.
const LogLevelEnv = "LOG_LEVEL"

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *typeutil.Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

func adjustByteSize(v *typeutil.ByteSize, defValue typeutil.ByteSize) {
	if *v == 0 {
		*v = defValue
	}
}

// Parse parses flag definitions from the argument list.
func (c *Config) Parse(arguments []string) error {
	// Parse first to get config file.
	err := c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	// Load config file if specified.
	var meta *toml.MetaData
	if c.configFile != "" {
		meta, err = c.configFromFile(c.configFile)
		if err != nil {
			return err
		}
	}

	// Parse again to replace with command line options.
	err = c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	if len(c.FlagSet.Args()) != 0 {
		return errors.Errorf("'%s' is an invalid flag", c.FlagSet.Arg(0))
	}

	if c.gatewaysFlag != "" {
		if c.Gateways, err = ParseGatewayAddresses(c.gatewaysFlag); err != nil {
			return err
		}
	}

	err = c.Adjust(meta)
	return err
}

// ParseGatewayAddresses parses "host:port,host:port". The first address is the master.
func ParseGatewayAddresses(s string) ([]GatewayAddress, error) {
	var addrs []GatewayAddress
	for i, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(item)
		if err != nil {
			return nil, errors.Annotatef(err, "gateway address %q", item)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, errors.Annotatef(err, "gateway port %q", portStr)
		}
		addrs = append(addrs, GatewayAddress{Host: host, Port: port, IsMaster: i == 0})
	}
	return addrs, nil
}

// Utility to test if a configuration is defined.
type configMetaData struct {
	meta *toml.MetaData
	path []string
}

func newConfigMetadata(meta *toml.MetaData) *configMetaData {
	return &configMetaData{meta: meta}
}

func (m *configMetaData) IsDefined(key string) bool {
	if m.meta == nil {
		return false
	}
	keys := append([]string(nil), m.path...)
	keys = append(keys, key)
	return m.meta.IsDefined(keys...)
}

func (m *configMetaData) Child(path ...string) *configMetaData {
	newPath := append([]string(nil), m.path...)
	newPath = append(newPath, path...)
	return &configMetaData{
		meta: m.meta,
		path: newPath,
	}
}

func (m *configMetaData) CheckUndecoded() error {
	if m.meta == nil {
		return nil
	}
	undecoded := m.meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	errInfo := "Config contains undefined item: "
	for _, key := range undecoded {
		errInfo += key.String() + ", "
	}
	return errors.New(errInfo[:len(errInfo)-2])
}

// Adjust is used to adjust the host configurations.
func (c *Config) Adjust(meta *toml.MetaData) error {
	configMetaData := newConfigMetadata(meta)
	if err := configMetaData.CheckUndecoded(); err != nil {
		c.WarningMsgs = append(c.WarningMsgs, err.Error())
	}

	if c.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return errors.WithStack(err)
		}
		adjustString(&c.Name, fmt.Sprintf("%s-%s", defaultName, hostname))
	}
	adjustString(&c.ListenHost, defaultListenHost)
	adjustInt(&c.Port, defaultPort)
	adjustString(&c.AdvertiseHost, defaultAdvertiseHost)
	adjustDuration(&c.ShutdownTimeout, defaultShutdownTimeout)

	adjustString(&c.Log.Level, os.Getenv(LogLevelEnv))
	adjustString(&c.Log.Level, defaultLogLevel)

	c.Transaction.adjust()
	c.Gateway.adjust()
	if err := c.Reception.adjust(configMetaData.Child("reception")); err != nil {
		return err
	}
	return c.Validate()
}

// Validate is used to validate if some configurations are right. The gateway list itself is checked when the host
// is built.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("port %d out of range", c.Port)
	}
	for _, gw := range c.Gateways {
		if gw.Host == "" || gw.Port <= 0 || gw.Port > 65535 {
			return errors.Errorf("invalid gateway address %s", gw)
		}
	}
	if c.Gateway.MaxRetryInterval.Duration < c.Gateway.RetryInterval.Duration {
		return errors.Errorf("max-retry-interval %s is less than retry-interval %s",
			c.Gateway.MaxRetryInterval.Duration, c.Gateway.RetryInterval.Duration)
	}
	if c.Transaction.MaxLockTimeout.Duration < c.Transaction.DefaultLockTimeout.Duration {
		return errors.Errorf("max-lock-timeout %s is less than default-lock-timeout %s",
			c.Transaction.MaxLockTimeout.Duration, c.Transaction.DefaultLockTimeout.Duration)
	}
	if c.Reception.CompressThreshold > c.Reception.MaxFrameSize {
		return errors.Errorf("compress-threshold %d is larger than max-frame-size %d",
			c.Reception.CompressThreshold, c.Reception.MaxFrameSize)
	}
	return nil
}

func (c *TransactionConfig) adjust() {
	adjustDuration(&c.DefaultLockTimeout, defaultLockTimeout)
	adjustDuration(&c.MaxLockTimeout, defaultMaxLockTimeout)
	adjustInt(&c.FinalizedCapacity, defaultFinalizedCapacity)
}

func (c *GatewayConfig) adjust() {
	adjustDuration(&c.HeartbeatInterval, defaultHeartbeatInterval)
	adjustDuration(&c.DialTimeout, defaultDialTimeout)
	adjustDuration(&c.RequestTimeout, defaultRequestTimeout)
	adjustDuration(&c.RetryInterval, defaultRetryInterval)
	adjustDuration(&c.MaxRetryInterval, defaultMaxRetryInterval)
}

func (c *ReceptionConfig) adjust(meta *configMetaData) error {
	adjustDuration(&c.ReadTimeout, defaultReadTimeout)
	adjustDuration(&c.WriteTimeout, defaultWriteTimeout)
	adjustByteSize(&c.MaxFrameSize, defaultMaxFrameSize)
	// A threshold explicitly set to 0 disables compression.
	if !meta.IsDefined("compress-threshold") {
		adjustByteSize(&c.CompressThreshold, defaultCompressThreshold)
	}
	if c.RateLimit < 0 {
		return errors.Errorf("rate-limit %v must not be negative", c.RateLimit)
	}
	adjustInt(&c.RateBurst, defaultRateBurst)
	return nil
}

// Clone returns a cloned configuration.
func (c *Config) Clone() *Config {
	cfg := &Config{}
	*cfg = *c
	cfg.Gateways = append([]GatewayAddress(nil), c.Gateways...)
	return cfg
}

func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "<nil>"
	}
	return string(data)
}

// configFromFile loads config from file.
func (c *Config) configFromFile(path string) (*toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, c)
	return &meta, errors.WithStack(err)
}

// SetupLogger setup the logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	c.logger = lg
	c.logProps = p
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

// GetZapLogProperties gets properties of the zap logger.
func (c *Config) GetZapLogProperties() *log.ZapProperties {
	return c.logProps
}
