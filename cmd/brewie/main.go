package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/gwillem/brewie/pkg/config"
	"github.com/gwillem/brewie/pkg/logging"
	"github.com/gwillem/brewie/pkg/robot"
)

type Options struct {
	Config   string `short:"c" long:"config" default:"brewie.json" description:"Configuration file (.json or .yaml)"`
	LogLevel string `long:"log-level" description:"Override the configured log level"`

	Setup       SetupCommand       `command:"setup" description:"Configure the robot connection and calibrate the leader arm"`
	Teleoperate TeleoperateCommand `command:"teleoperate" alias:"teleop" description:"Drive the robot from the leader arm or its joystick"`
	Info        InfoCommand        `command:"info" description:"Connect and print robot features and observations"`
	Bench       BenchCommand       `command:"bench" description:"Measure observation latency"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "Brewie - control a Brewie humanoid over rosbridge"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

// loadConfig reads the configured file, or the defaults if it does not
// exist.
func loadConfig() (*config.File, error) {
	if !config.ConfigExists(opts.Config) {
		return config.Default(), nil
	}
	cfg, err := config.LoadConfigFrom(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", opts.Config, err)
	}
	return cfg, nil
}

// newLogger builds the logger for a command. Full-screen commands log to
// a file so records do not tear the display.
func newLogger(cfg *config.File, fullscreen bool) (*slog.Logger, io.Closer, error) {
	lc := cfg.Log
	if opts.LogLevel != "" {
		lc.Level = opts.LogLevel
	}
	if fullscreen && lc.File == "" {
		lc.File = "brewie.log"
	}
	logger, closer, err := logging.New(lc)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

// connectRobot creates the robot and connects it.
func connectRobot(ctx context.Context, cfg robot.Config, logger *slog.Logger) (*robot.Robot, error) {
	r, err := robot.New(cfg, robot.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	fmt.Printf("Connecting to %s...\n", r)
	if err := r.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", r, err)
	}
	return r, nil
}
