// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/524D/mzalign/internal/adduct"
	"github.com/524D/mzalign/internal/config"
	"github.com/524D/mzalign/internal/mzml"
	"github.com/524D/mzalign/internal/pipeline"
	"github.com/524D/mzalign/internal/progress"
	"github.com/524D/mzalign/internal/store"
	"github.com/524D/mzalign/internal/synth"
)

// Program name and version, written to synthetic mzML output
const progName = "mzalign"

// progVersion is set at build time with -ldflags "-X main.progVersion=..."
var progVersion = `Unknown`

// Exit codes
const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitCancelled = 130
)

type options struct {
	Config   string `short:"c" long:"config" value-name:"FILE" description:"YAML configuration file"`
	Workers  int    `short:"w" long:"workers" value-name:"N" description:"Runs processed in parallel (default: number of CPUs)"`
	Out      string `short:"o" long:"out" value-name:"FILE" description:"Output; a .sqlite or .db suffix selects SQLite, - writes JSON lines to stdout"`
	Seed     int64  `long:"seed" description:"Random seed for ion type assignment"`
	SpillDir string `long:"spill-dir" value-name:"DIR" description:"Directory for spill files (default: system temp directory)"`
	Metrics  string `long:"metrics" value-name:"ADDR" description:"Serve Prometheus progress metrics on this address, e.g. :9100"`
	Simulate int    `long:"simulate" value-name:"N" description:"Write N synthetic runs into the directory given as argument and exit"`
	Verbose  bool   `short:"v" long:"verbose" description:"Print more verbose progress information"`
	Quiet    bool   `short:"q" long:"quiet" description:"Don't print any output except for errors"`
	JSONLog  bool   `long:"json-log" description:"Log in JSON format"`
	Version  bool   `long:"version" description:"Show software version"`

	Args struct {
		Runs []string `positional-arg-name:"run.mzML"`
	} `positional-args:"yes"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = progName
	parser.Usage = "[options] <run.mzML>..."
	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(stderr, err)
			return exitOK
		}
		fmt.Fprintf(stderr, "%v\nType %s --help for usage\n", err, progName)
		return exitUsage
	}
	if opts.Version {
		fmt.Fprintf(stderr, "%s version %s\n", progName, progVersion)
		return exitOK
	}
	log := newLogger(opts, stderr)

	cfg, err := loadConfig(opts, parser)
	if err != nil {
		log.WithError(err).Error("invalid configuration")
		return exitUsage
	}
	if opts.Simulate > 0 {
		if len(opts.Args.Runs) != 1 {
			log.Error("--simulate needs exactly one output directory")
			return exitUsage
		}
		if err := simulate(opts.Args.Runs[0], opts.Simulate, cfg, log); err != nil {
			log.WithError(err).Error("simulation failed")
			return exitFailure
		}
		return exitOK
	}
	if len(opts.Args.Runs) == 0 {
		fmt.Fprintf(stderr, "No input runs.\nType %s --help for usage\n", progName)
		return exitUsage
	}

	if err := align(ctx, opts, cfg, log); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("cancelled, no output written")
			return exitCancelled
		}
		log.WithError(err).Error("alignment failed")
		return exitFailure
	}
	return exitOK
}

func newLogger(opts options, w io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	if opts.JSONLog {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	switch {
	case opts.Quiet:
		log.SetLevel(logrus.ErrorLevel)
	case opts.Verbose:
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

// loadConfig reads the configuration file, if any, and applies the
// command line overrides
func loadConfig(opts options, parser *flags.Parser) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil {
			return nil, err
		}
	}
	if opts.Workers != 0 {
		cfg.Workers = opts.Workers
	}
	if opts.Out != "" {
		cfg.Store.Path = opts.Out
	}
	if opts.SpillDir != "" {
		cfg.SpillDir = opts.SpillDir
	}
	if o := parser.FindOptionByLongName("seed"); o != nil && o.IsSet() {
		cfg.Adduct.Seed = opts.Seed
	}
	return cfg, cfg.Validate()
}

func align(ctx context.Context, opts options, cfg *config.Config, log *logrus.Logger) error {
	sinks := []progress.Sink{progress.LogSink{Log: log}}
	if opts.Metrics != "" {
		reg := prometheus.NewRegistry()
		ps, err := progress.NewPrometheusSink(reg)
		if err != nil {
			return err
		}
		sinks = append(sinks, ps)
		srv := &http.Server{Addr: opts.Metrics, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server failed")
			}
		}()
		defer srv.Close()
	}

	st, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		return err
	}
	engine, err := pipeline.New(cfg, mzml.RunParser{AcceptProfile: cfg.Detection.AcceptProfile},
		st, progress.Multi(sinks...), log)
	if err != nil {
		st.Abort()
		return err
	}
	if _, err := engine.Run(ctx, opts.Args.Runs); err != nil {
		if aerr := st.Abort(); aerr != nil {
			log.WithError(aerr).Warn("discarding output failed")
		}
		return err
	}
	return st.Close()
}

// simulate writes n synthetic runs into dir. The analytes are observed as
// the configured ion types.
func simulate(dir string, n int, cfg *config.Config, log logrus.FieldLogger) error {
	types, err := adduct.ParseIonTypes(cfg.Adduct.IonTypes)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	for i, spec := range synth.Batch(n, 20, types[:min(2, len(types))], cfg.Adduct.Seed) {
		path := filepath.Join(dir, progName+"-sim"+strconv.Itoa(i+1)+".mzML")
		if err := synth.WriteMzML(path, spec); err != nil {
			return errors.Wrap(err, path)
		}
		log.WithField("path", path).Info("synthetic run written")
	}
	return nil
}
