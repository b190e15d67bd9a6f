package configuration

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the filetracker server configuration, provided by a yaml
// file and overridden by command-line flags.
type Configuration struct {
	// Log supports setting various parameters related to the logging
	// subsystem.
	Log Log `yaml:"log,omitempty"`

	// Storage configures the data directory holding blobs, staging and the
	// link database.
	Storage Storage `yaml:"storage"`

	// HTTP contains configuration parameters for the server's http
	// interface.
	HTTP HTTP `yaml:"http,omitempty"`

	// Fallback configures the optional read-through legacy origin.
	Fallback Fallback `yaml:"fallback,omitempty"`
}

// Log holds logging configuration.
type Log struct {
	// Level is the granularity at which server operations are logged
	// ("debug", "info", "warn", "error").
	Level string `yaml:"level,omitempty"`

	// Formatter selects the log output format ("text" or "json").
	Formatter string `yaml:"formatter,omitempty"`

	// File, when set, receives the log output instead of stderr.
	File string `yaml:"file,omitempty"`

	// AccessLog configures the HTTP access log.
	AccessLog AccessLog `yaml:"accesslog,omitempty"`
}

// AccessLog configures the HTTP access log.
type AccessLog struct {
	Disabled bool `yaml:"disabled,omitempty"`
}

// Storage configures the on-disk layout.
type Storage struct {
	// RootDirectory contains blobs/, staging/ and db/.
	RootDirectory string `yaml:"rootdirectory"`

	// Sweep enables the startup walk that removes blob files with no
	// committed reference.
	Sweep bool `yaml:"sweep,omitempty"`
}

// HTTP configures the listening side.
type HTTP struct {
	// Addr is the host:port the server binds.
	Addr string `yaml:"addr,omitempty"`

	// DebugAddr, when set, serves pprof, expvar and prometheus metrics on a
	// separate listener. It should not be exposed externally.
	DebugAddr string `yaml:"debugaddr,omitempty"`

	// DrainTimeout bounds how long in-flight requests may take to finish on
	// shutdown.
	DrainTimeout time.Duration `yaml:"draintimeout,omitempty"`
}

// Fallback configures the read-through legacy origin consulted on GET and
// HEAD misses.
type Fallback struct {
	// URL is the origin base; empty disables the fallback.
	URL string `yaml:"url,omitempty"`

	// Passthrough streams the origin response instead of answering with a
	// 307 redirect.
	Passthrough bool `yaml:"passthrough,omitempty"`
}

// Default returns the configuration used when no file and no flags are
// given.
func Default() *Configuration {
	config := &Configuration{}
	config.Log.Level = "info"
	config.Log.Formatter = "text"
	config.HTTP.Addr = "127.0.0.1:9999"
	config.HTTP.DrainTimeout = 10 * time.Second
	config.Storage.RootDirectory = "/var/lib/filetracker"
	return config
}

// Parse parses a yaml configuration over the defaults.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	config := Default()
	if err := yaml.UnmarshalStrict(in, config); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ParseFile parses the yaml configuration at path over the defaults.
func ParseFile(path string) (*Configuration, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	return config, nil
}

// Validate checks the configuration for values the server cannot start
// with.
func (config *Configuration) Validate() error {
	if config.Storage.RootDirectory == "" {
		return fmt.Errorf("storage.rootdirectory is required")
	}

	_, port, err := net.SplitHostPort(config.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("invalid http.addr %q: %w", config.HTTP.Addr, err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid http.addr port %q", port)
	}

	switch config.Log.Formatter {
	case "", "text", "json":
	default:
		return fmt.Errorf("unsupported log formatter %q", config.Log.Formatter)
	}

	return nil
}
