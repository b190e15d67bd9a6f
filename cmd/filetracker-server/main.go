package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sio2project/filetracker/configuration"
	"github.com/sio2project/filetracker/internal/dcontext"
	"github.com/sio2project/filetracker/server"
	"github.com/sio2project/filetracker/version"
)

// daemonEnv marks the re-executed child of a -D invocation.
const daemonEnv = "FILETRACKER_DAEMONIZED"

var (
	configPath          string
	listenHost          string
	listenPort          int
	dataDir             string
	logFile             string
	logLevel            string
	daemonize           bool
	sweep               bool
	fallbackURL         string
	fallbackPassthrough bool
	debugAddr           string
	showVersion         bool
)

var rootCmd = &cobra.Command{
	Use:           "filetracker-server",
	Short:         "filetracker-server stores versioned files for distributed judging systems",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			version.PrintVersion()
			return nil
		}

		config, err := resolveConfiguration(cmd)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		if daemonize && os.Getenv(daemonEnv) == "" {
			return runDetached()
		}

		if err := configureLogging(config); err != nil {
			return fmt.Errorf("error configuring logger: %w", err)
		}

		ctx := context.WithValue(context.Background(), "version", version.Version())
		ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx, "version"))

		srv, err := server.New(ctx, config)
		if err != nil {
			return err
		}
		return srv.ListenAndServe()
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a yaml configuration file")
	flags.StringVarP(&listenHost, "listen", "l", "", "host to bind")
	flags.IntVarP(&listenPort, "port", "p", 0, "port to bind")
	flags.StringVarP(&dataDir, "dir", "d", "", "data directory root")
	flags.StringVarP(&logFile, "log", "L", "", "log file (default stderr)")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVarP(&daemonize, "daemonize", "D", false, "detach from the terminal and run in the background")
	flags.BoolVar(&sweep, "sweep", false, "remove unreferenced blob files on startup")
	flags.StringVar(&fallbackURL, "fallback-url", "", "legacy origin consulted on GET/HEAD misses")
	flags.BoolVar(&fallbackPassthrough, "fallback-passthrough", false, "stream fallback responses instead of redirecting")
	flags.StringVar(&debugAddr, "debug-addr", "", "debug server address (pprof, expvar, metrics)")
	flags.BoolVar(&showVersion, "version", false, "show the version and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// resolveConfiguration loads the optional yaml file and lays explicitly set
// flags over it.
func resolveConfiguration(cmd *cobra.Command) (*configuration.Configuration, error) {
	var (
		config *configuration.Configuration
		err    error
	)
	if configPath != "" {
		config, err = configuration.ParseFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		config = configuration.Default()
	}

	if listenHost != "" || listenPort != 0 {
		host, port, splitErr := net.SplitHostPort(config.HTTP.Addr)
		if splitErr != nil {
			return nil, splitErr
		}
		if listenHost != "" {
			host = listenHost
		}
		if listenPort != 0 {
			port = strconv.Itoa(listenPort)
		}
		config.HTTP.Addr = net.JoinHostPort(host, port)
	}
	if dataDir != "" {
		config.Storage.RootDirectory = dataDir
	}
	if sweep {
		config.Storage.Sweep = true
	}
	if logFile != "" {
		config.Log.File = logFile
	}
	if logLevel != "" {
		config.Log.Level = logLevel
	}
	if fallbackURL != "" {
		config.Fallback.URL = fallbackURL
	}
	if fallbackPassthrough {
		config.Fallback.Passthrough = true
	}
	if debugAddr != "" {
		config.HTTP.DebugAddr = debugAddr
	}

	return config, config.Validate()
}

// configureLogging prepares the process logger from the configuration.
func configureLogging(config *configuration.Configuration) error {
	level, err := logrus.ParseLevel(config.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
		logrus.Warnf("error parsing level %q: %v, using %q", config.Log.Level, err, level)
	}
	logrus.SetLevel(level)

	switch config.Log.Formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{})
	default:
		return fmt.Errorf("unsupported logging formatter: %q", config.Log.Formatter)
	}

	if config.Log.File != "" {
		fp, err := os.OpenFile(config.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		logrus.SetOutput(fp)
	}

	return nil
}

// runDetached re-executes the binary in a new session with the daemon
// marker set and lets the parent exit cleanly.
func runDetached() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	child := exec.Command(exe, os.Args[1:]...)
	child.Env = append(os.Environ(), daemonEnv+"=1")
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return err
	}

	fmt.Printf("filetracker-server running, pid %d\n", child.Process.Pid)
	return nil
}
