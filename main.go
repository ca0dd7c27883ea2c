package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	go2tvadapters "go2tv.app/mcp-avctl/internal/adapters/go2tv"
	"go2tv.app/mcp-avctl/internal/adapters/ssdp"
	"go2tv.app/mcp-avctl/internal/buildinfo"
	"go2tv.app/mcp-avctl/internal/config"
	"go2tv.app/mcp-avctl/internal/diagnostics"
	"go2tv.app/mcp-avctl/internal/discovery"
	"go2tv.app/mcp-avctl/internal/httpapi"
	"go2tv.app/mcp-avctl/internal/lifecycle"
	"go2tv.app/mcp-avctl/internal/logging"
	"go2tv.app/mcp-avctl/internal/mcpserver"
	"go2tv.app/mcp-avctl/internal/receiver"
	"go2tv.app/mcp-avctl/internal/session"
	"go2tv.app/mcp-avctl/internal/soap"
)

const (
	serverName    = "mcp-avctl"
	httpDrainWait = 6 * time.Second
)

type selfTestOutput struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
	Wiring struct {
		DiscoveryWired bool     `json:"discovery_wired"`
		Go2TVScan      bool     `json:"go2tv_scan"`
		Vendors        []string `json:"vendors"`
	} `json:"wiring"`
	ConfigPath string `json:"config_path"`
	HTTPListen string `json:"http_listen,omitempty"`
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	httpListen := flag.String("http", "", "serve the REST API on this address instead of MCP stdio")
	probeLocation := flag.String("probe", "", "probe a device description URL then exit")
	selfTest := flag.Bool("self-test", false, "print wiring diagnostics then exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.Version)
		return
	}

	path, explicit := config.ResolvePath(*configPath)
	cfg, err := config.Load(path, explicit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if v := strings.TrimSpace(*httpListen); v != "" {
		cfg.HTTP.Listen = v
	}

	logLevel, levelErr := logging.ParseLevel(cfg.Log.Level)
	logger := logging.New(os.Stderr, logLevel, cfg.Log.Format)
	if levelErr != nil {
		logger.Warn("config_log_level", slog.String("error", levelErr.Error()))
	}

	bundle := go2tvadapters.NewBundle(ssdp.Options{
		DescriptionTimeout: cfg.Discovery.DescriptionTimeout,
		CacheTTL:           cfg.Discovery.DescriptionCacheTTL,
		FetchRate:          cfg.Discovery.DescriptionRate,
		Logger:             logger,
	}, cfg.Discovery.Go2TVScan)
	vendors := receiver.NewRegistry(receiver.YamahaVendor(cfg.Vendors.Yamaha.ManufacturerMatch...))

	if *selfTest {
		out := selfTestOutput{ConfigPath: path, HTTPListen: cfg.HTTP.Listen}
		out.Server.Name = serverName
		out.Server.Version = buildinfo.Version
		out.Wiring.DiscoveryWired = bundle.Discovery != nil
		out.Wiring.Go2TVScan = bundle.Scanner != nil
		out.Wiring.Vendors = vendors.Names()
		printJSON(out)
		return
	}

	runCtx, stopSignals := lifecycle.WithTermination(context.Background())
	defer stopSignals()

	if location := strings.TrimSpace(*probeLocation); location != "" {
		printJSON(diagnostics.ProbeDevice(runCtx, location))
		return
	}

	logger.Info(
		"mcp_server_start",
		slog.String("server", serverName),
		slog.String("version", buildinfo.Version),
		slog.String("log_level", logLevel.String()),
		slog.String("config", path),
	)

	registry := discovery.NewRegistry(bundle.Discovery, cfg.Discovery.WaitSeconds, logger)
	transport := soap.New(soap.Options{
		BaseTimeout:     cfg.SOAP.BaseTimeout,
		ExtendedTimeout: cfg.SOAP.ExtendedTimeout,
		ProbeTimeout:    cfg.SOAP.ProbeTimeout,
		Attempts:        cfg.SOAP.Attempts,
		RetryDelay:      cfg.SOAP.RetryDelay,
		Logger:          logger,
	})
	media := session.New(session.Options{
		Devices:        registry,
		Invoker:        transport,
		Describer:      bundle.Discovery,
		Vendors:        vendors,
		RequestedCount: cfg.Browse.RequestedCount,
		Logger:         logger,
	})

	runErrCh := make(chan error, 1)
	go func() {
		if cfg.HTTP.Listen != "" {
			api := httpapi.New(httpapi.Config{
				Session: media,
				Finder:  registry,
				Logger:  logger,
				Version: buildinfo.Version,
			})
			runErrCh <- api.ListenAndServe(runCtx, cfg.HTTP.Listen)
			return
		}
		srv := mcpserver.New(os.Stdin, os.Stdout, mcpserver.Config{
			ServerName:    serverName,
			ServerVersion: buildinfo.Version,
			Logger:        logger,
			Session:       media,
			Finder:        registry,
		})
		runErrCh <- srv.Run(runCtx)
	}()

	var runErr error
	select {
	case runErr = <-runErrCh:
	case <-runCtx.Done():
		runErr = runCtx.Err()
		if cfg.HTTP.Listen != "" {
			// The REST server drains in-flight requests on cancellation.
			select {
			case <-runErrCh:
			case <-time.After(httpDrainWait):
			}
		}
	}
	if runErr != nil {
		logger.Warn("mcp_server_stopping", slog.String("reason", runErr.Error()))
	} else {
		logger.Info("mcp_server_stopping", slog.String("reason", "clean_eof"))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}

func printJSON(v any) {
	encoded, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(encoded))
}
