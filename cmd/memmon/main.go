// memmon launches a target program and monitors its memory for
// pointer-looking values, optionally injecting bit-level faults into
// them under a configurable policy.
//
// Usage:
//
//	memmon periodic [options] PROGRAM [args...]
//	memmon command [options] PROGRAM [args...]
//
// The subcommand and options must appear before the program to launch;
// everything after the program name is forwarded to it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.com/stephen-fox/faultkit/checkpoint"
	"gitlab.com/stephen-fox/faultkit/cmdchan"
	"gitlab.com/stephen-fox/faultkit/monitor"
	"gitlab.com/stephen-fox/faultkit/process"
	"gitlab.com/stephen-fox/faultkit/proctrace"
	"gitlab.com/stephen-fox/faultkit/scankit"
)

const usage = `please specify one of the following subcommands:
  periodic [options] PROGRAM [args...] - scan the target on a fixed interval
  command  [options] PROGRAM [args...] - idle and service requests from the target`

func main() {
	err := mainWithError()
	if err != nil {
		logrus.SetOutput(os.Stderr)
		logrus.Fatalln("fatal:", err)
	}
}

type commonOptions struct {
	verbose        bool
	logFile        string
	logLevel       string
	numThreads     int
	errorType      string
	pointerRate    float64
	nonPointerRate float64
	errorLimit     uint64
	errorSeed      uint64
	heapQuota      uint64
	stackQuota     uint64
	staticQuota    uint64
	criu           bool
}

func addCommonOptions(flagSet *flag.FlagSet, options *commonOptions) {
	flagSet.BoolVar(&options.verbose, "v", false, "Enable verbose console output")
	flagSet.BoolVar(&options.verbose, "verbose", false, "Enable verbose console output")

	flagSet.StringVar(&options.logFile, "l", "memory_scanner.log", "Log file path")
	flagSet.StringVar(&options.logFile, "log-file", "memory_scanner.log", "Log file path")

	flagSet.StringVar(&options.logLevel, "log-level", "info",
		"Log level (trace, debug, info, warn, error, critical)")

	flagSet.IntVar(&options.numThreads, "threads", 12, "Number of scanner threads")

	flagSet.StringVar(&options.errorType, "error-type", "bitflip",
		"Error injection type (bitflip, zero, one)")

	flagSet.Float64Var(&options.pointerRate, "pointer-error-rate", 0,
		"Pointer error injection rate (0.0-1.0)")

	flagSet.Float64Var(&options.nonPointerRate, "non-pointer-error-rate", 0,
		"Non-pointer error injection rate (0.0-1.0)")

	flagSet.Uint64Var(&options.errorLimit, "error-limit", math.MaxUint64,
		"Maximum number of errors to inject")

	flagSet.Uint64Var(&options.errorSeed, "error-seed", 0,
		"RNG seed for error injection (0 for random)")

	flagSet.Uint64Var(&options.heapQuota, "heap-quota", 0,
		"Error budget reserved for heap words")

	flagSet.Uint64Var(&options.stackQuota, "stack-quota", 0,
		"Error budget reserved for stack words")

	flagSet.Uint64Var(&options.staticQuota, "static-quota", 0,
		"Error budget reserved for static-image words")

	flagSet.BoolVar(&options.criu, "criu", false,
		"Checkpoint with the external criu backend instead of in-process snapshots")
}

var logLevels = map[string]logrus.Level{
	"trace":    logrus.TraceLevel,
	"debug":    logrus.DebugLevel,
	"info":     logrus.InfoLevel,
	"warn":     logrus.WarnLevel,
	"error":    logrus.ErrorLevel,
	"critical": logrus.FatalLevel,
}

func setupLogging(options commonOptions) (*logrus.Logger, error) {
	level, known := logLevels[options.logLevel]
	if !known {
		return nil, fmt.Errorf("unknown log level: %q", options.logLevel)
	}

	// The file sink is always enabled; the console joins in verbose
	// mode.
	logFile, err := os.OpenFile(options.logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file - %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if options.verbose {
		logger.SetOutput(io.MultiWriter(logFile, os.Stderr))
	} else {
		logger.SetOutput(logFile)
	}

	return logger, nil
}

func (o commonOptions) validate() error {
	if o.numThreads < 1 || o.numThreads > 256 {
		return fmt.Errorf("threads must be in [1, 256] - got %d", o.numThreads)
	}

	if o.pointerRate < 0 || o.pointerRate > 1 {
		return fmt.Errorf("pointer error rate must be in [0, 1] - got %f", o.pointerRate)
	}

	if o.nonPointerRate < 0 || o.nonPointerRate > 1 {
		return fmt.Errorf("non-pointer error rate must be in [0, 1] - got %f", o.nonPointerRate)
	}

	return nil
}

func mainWithError() error {
	if len(os.Args) < 2 {
		return errors.New(usage)
	}

	mode := os.Args[1]
	switch mode {
	case "periodic", "command":
	default:
		return fmt.Errorf("unknown subcommand: %q - %s", mode, usage)
	}

	var options commonOptions
	var intervalMs uint
	var initialDelayMs uint
	var maxIterations uint64

	flagSet := flag.NewFlagSet(mode, flag.ContinueOnError)
	addCommonOptions(flagSet, &options)

	if mode == "periodic" {
		flagSet.UintVar(&intervalMs, "i", 1000, "Scan interval in milliseconds")
		flagSet.UintVar(&intervalMs, "interval", 1000, "Scan interval in milliseconds")

		flagSet.UintVar(&initialDelayMs, "d", 1000,
			"Initial delay before first scan in milliseconds")
		flagSet.UintVar(&initialDelayMs, "delay", 1000,
			"Initial delay before first scan in milliseconds")

		flagSet.Uint64Var(&maxIterations, "max-iterations", 0,
			"Stop after this many scans (0 for unlimited)")
	}

	err := flagSet.Parse(os.Args[2:])
	if err != nil {
		return err
	}

	if flagSet.NArg() == 0 {
		return errors.New("please specify the program to monitor after the options")
	}

	err = options.validate()
	if err != nil {
		return err
	}

	errorType, err := scankit.ParseErrorType(options.errorType)
	if err != nil {
		return err
	}

	logger, err := setupLogging(options)
	if err != nil {
		return err
	}

	programName := flagSet.Arg(0)
	programArgs := flagSet.Args()[1:]

	logger.Infof("starting memory monitor for program: %s %v", programName, programArgs)

	strategy, err := scankit.NewErrorInjection(scankit.ErrorInjectionConfig{
		Type:           errorType,
		PointerRate:    options.pointerRate,
		NonPointerRate: options.nonPointerRate,
		Quota: scankit.Quota{
			HeapLimit:     options.heapQuota,
			StackLimit:    options.stackQuota,
			StaticLimit:   options.staticQuota,
			WildcardLimit: options.errorLimit,
		},
		Seed:      options.errorSeed,
		OptLogger: logger,
	})
	if err != nil {
		return err
	}

	child, err := process.Start(exec.Command(programName, programArgs...))
	if err != nil {
		return err
	}
	child.SetLogger(logger)

	tracer, err := proctrace.NewController(child.Pid(), logger)
	if err != nil {
		child.Kill()
		return err
	}

	var store checkpoint.Checkpointer
	if options.criu {
		store = checkpoint.NewFullProcessStore(tracer, checkpoint.CriuBackend{
			OptLogger: logger,
		}, logger)
	} else {
		store = checkpoint.NewStore(tracer, logger)
	}

	config := monitor.Config{
		Child:  child,
		Tracer: tracer,
		Scanner: monitor.ScanRunner{
			Controller: tracer,
			NumWorkers: options.numThreads,
			OptLogger:  logger,
		},
		InjectStrategy: strategy,
		Checkpoint:     store,
		InitialDelay:   time.Duration(initialDelayMs) * time.Millisecond,
		Interval:       time.Duration(intervalMs) * time.Millisecond,
		MaxIterations:  maxIterations,
		OptLogger:      logger,
	}

	var receiver *cmdchan.Receiver
	if mode == "command" {
		receiver = cmdchan.NewReceiver(child.Pid(), logger)
		defer receiver.Close()

		config.Commands = receiver
	}

	controller, err := monitor.NewController(config)
	if err != nil {
		child.Kill()
		return err
	}

	switch mode {
	case "periodic":
		err = controller.RunPeriodic()
	case "command":
		err = controller.RunCommand()
	}

	logger.Infof("monitoring complete; terminating target process")

	killErr := child.Kill()
	if killErr != nil {
		logger.Errorf("failed to terminate target process - %v", killErr)
	}

	return err
}
