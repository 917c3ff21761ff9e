// Command rpcmuxd serves multiplexed RPC transactions over TCP.
//
// It either loads a configuration file (-config) or, for quick local use,
// serves a document root (-root) with the bundled handlers:
//
//	service 1 v1 procedure 1: echo
//	service 2 v1 procedure 1: blob (read)
//	service 2 v1 procedure 2: blob (stat)
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"example.com/rpcmux/internal/config"
	"example.com/rpcmux/internal/handlers/blob"
	"example.com/rpcmux/internal/handlers/echo"
	"example.com/rpcmux/internal/logger"
	"example.com/rpcmux/internal/router"
	"example.com/rpcmux/internal/server"
)

// Routes served in -root mode.
const (
	EchoService  uint16 = 1
	BlobService  uint16 = 2
	ProcEcho     uint16 = 1
	ProcBlobRead uint16 = 1
	ProcBlobStat uint16 = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// options are the parsed command line flags.
type options struct {
	configPath string
	listen     string
	root       string
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	fs := flag.NewFlagSet("rpcmuxd", flag.ContinueOnError)
	fs.SetOutput(output)
	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "Path to the configuration file (JSON or TOML)")
	fs.StringVar(&opts.listen, "listen", "", "Listen address; overrides server.address")
	fs.StringVar(&opts.root, "root", "", "Document root to serve with the default routes when no -config is given")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, errors.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.configPath == "" && opts.root == "" {
		return nil, errors.New("either -config or -root must be provided")
	}
	if opts.configPath != "" && opts.root != "" {
		return nil, errors.New("-config and -root are mutually exclusive")
	}
	return opts, nil
}

// loadConfig builds the configuration described by opts.
func loadConfig(opts *options) (*config.Config, error) {
	var cfg *config.Config
	if opts.configPath != "" {
		absConfigPath, err := filepath.Abs(opts.configPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve config path %s", opts.configPath)
		}
		cfg, err = config.LoadConfig(absConfigPath)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		cfg, err = defaultConfig(opts.root)
		if err != nil {
			return nil, err
		}
	}

	if opts.listen != "" {
		listen := opts.listen
		cfg.Server.Address = &listen
	}
	if err := config.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// defaultConfig serves root with the echo and blob handlers.
func defaultConfig(root string) (*config.Config, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve document root %s", root)
	}

	cfg := &config.Config{
		Routing: &config.RoutingConfig{
			Routes: []config.Route{
				{Service: EchoService, VersionMajor: 1, Procedure: ProcEcho, HandlerType: "echo"},
				{
					Service: BlobService, VersionMajor: 1, Procedure: ProcBlobRead, HandlerType: "blob",
					HandlerConfig: map[string]interface{}{"document_root": absRoot, "mode": blob.ModeRead},
				},
				{
					Service: BlobService, VersionMajor: 1, Procedure: ProcBlobStat, HandlerType: "blob",
					HandlerConfig: map[string]interface{}{"document_root": absRoot, "mode": blob.ModeStat},
				},
			},
		},
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	config.ApplyDefaults(cfg)
	return cfg, nil
}

// newHandlerRegistry registers every bundled handler type.
func newHandlerRegistry() (*server.HandlerRegistry, error) {
	registry := server.NewHandlerRegistry()
	if err := registry.Register("echo", echo.New); err != nil {
		return nil, err
	}
	if err := registry.Register("blob", blob.New); err != nil {
		return nil, err
	}
	return registry, nil
}

// newServer wires the router and server for cfg.
func newServer(cfg *config.Config, lg *logger.Logger) (*server.Server, error) {
	registry, err := newHandlerRegistry()
	if err != nil {
		return nil, errors.Wrap(err, "failed to register handlers")
	}

	appRouter, err := router.NewRouter(cfg.Routing.Routes, registry, lg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize router")
	}
	encoder, err := server.NewErrorEncoder(*cfg.Session.ErrorFormat, lg)
	if err != nil {
		return nil, err
	}
	appRouter.WithErrorEncoder(encoder)
	lg.Info("Router initialized", logger.LogFields{"routes": appRouter.Len()})

	return server.NewServer(cfg, lg, appRouter, registry)
}

func run(args []string, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 2
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Printf("Failed to initialize logger: %v", err)
		return 1
	}
	defer appLogger.CloseLogFiles()

	srv, err := newServer(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize server", logger.LogFields{"error": err.Error()})
		return 1
	}

	appLogger.Info("Starting server", logger.LogFields{"address": *cfg.Server.Address})
	if err := srv.Start(); err != nil {
		appLogger.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		return 1
	}
	appLogger.Info("Server has shut down gracefully", nil)
	return 0
}
