package main

import (
	"context"
	"fmt"
	"os"

	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/logging/zaplogging"
	"github.com/core-tools/hsu-monitor/pkg/monitor"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config       string `long:"config" short:"c" description:"Configuration file path (YAML)" required:"true"`
	LogLevel     string `long:"log-level" description:"Log level override: debug, info, warn, error"`
	RunDuration  int    `long:"run-duration" description:"Duration in seconds to run (debug feature)"`
	ValidateOnly bool   `long:"validate" description:"Validate the configuration file and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	config, err := monitor.LoadConfigFromFile(opts.Config)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := monitor.ValidateConfig(config); err != nil {
		fmt.Printf("Configuration validation failed: %v\n", err)
		os.Exit(1)
	}
	if opts.ValidateOnly {
		fmt.Printf("Configuration %s is valid\n", opts.Config)
		return
	}

	level := config.Monitor.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logFuncs, syncLogs, err := zaplogging.NewZapLogFuncs(level)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer syncLogs()

	logger := logging.NewLogger(logPrefix("hsu-monitor"), logFuncs)

	err = monitor.RunWithConfig(context.Background(), opts.RunDuration, config, logger)
	if err != nil {
		logger.Errorf("Failed to run: %v", err)
		_ = syncLogs()
		os.Exit(1)
	}
}
