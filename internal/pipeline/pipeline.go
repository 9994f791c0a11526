// Package pipeline runs a batch of LC-MS runs through detection,
// alignment, gap filling, ion type assignment and consensus building.
//
// Runs are parsed and detected in parallel on a bounded worker pool. The
// pool is the only barrier: every later stage is single threaded and sees
// all surviving samples at once.
package pipeline

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/524D/mzalign/internal/adduct"
	"github.com/524D/mzalign/internal/align"
	"github.com/524D/mzalign/internal/config"
	"github.com/524D/mzalign/internal/consensus"
	"github.com/524D/mzalign/internal/detect"
	"github.com/524D/mzalign/internal/gapfill"
	"github.com/524D/mzalign/internal/lcms"
	"github.com/524D/mzalign/internal/progress"
	"github.com/524D/mzalign/internal/spill"
	"github.com/524D/mzalign/internal/store"
)

// Parser reads one input file into a run whose peak arrays are allocated
// in buf. Errors for malformed or unsupported files must match
// lcms.ErrInvalidInput.
type Parser interface {
	Parse(ctx context.Context, path string, buf *spill.Buffer) (*lcms.Run, error)
}

// Result of a batch
type Result struct {
	// Samples that passed detection, ordered by path
	Samples []*lcms.ProcessedSample
	// Skipped lists runs rejected as invalid input
	Skipped []string
	// Dropped lists runs lost to spill buffer failures
	Dropped []string

	Graph      *align.Graph
	GapFill    gapfill.Stats
	Hypotheses []adduct.Hypothesis
	Features   []*consensus.Feature
	Consensus  consensus.Stats
	// IDs assigned by the store, parallel to Features
	IDs []int64
}

// Engine holds the configured stages. An Engine can run several batches
// but not concurrently.
type Engine struct {
	parser   Parser
	workers  int
	spillDir string
	gapFill  bool

	detector *detect.Detector
	aligner  *align.Aligner
	filler   *gapfill.Filler
	sampler  *adduct.Sampler
	builder  *consensus.Builder

	store   store.Store
	tracker *progress.Tracker
	log     logrus.FieldLogger
}

// New creates an engine from cfg. Features are written to st; a nil st
// keeps them in the Result only.
func New(cfg *config.Config, parser Parser, st store.Store, sink progress.Sink,
	log logrus.FieldLogger) (*Engine, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	tol := lcms.Tolerance{
		MzPPM:     cfg.Tolerances.MzPPM,
		MzAbs:     cfg.Tolerances.MzAbs,
		RTSeconds: cfg.Tolerances.RTSeconds,
	}

	dopts := detect.Options{
		MinIntensity:   cfg.Detection.MinIntensity,
		NoiseQuantile:  cfg.Detection.NoiseQuantile,
		SketchAccuracy: cfg.Detection.SketchAccuracy,
		MinSNR:         cfg.Detection.MinSNR,
		GoodSNR:        cfg.Detection.GoodSNR,
		MinScans:       cfg.Detection.MinScans,
		MaxGapScans:    cfg.Detection.MaxGapScans,
		Tolerance:      tol,
	}
	var err error
	if dopts.RTMin, dopts.RTMax, err = cfg.Detection.RTWindow(); err != nil {
		return nil, errors.Wrap(err, "rt_range")
	}
	if dopts.MzMin, dopts.MzMax, err = cfg.Detection.MzWindow(); err != nil {
		return nil, errors.Wrap(err, "mz_range")
	}

	types, err := adduct.ParseIonTypes(cfg.Adduct.IonTypes)
	if err != nil {
		return nil, err
	}
	sampler, err := adduct.New(adduct.Options{
		IonTypes:     types,
		Tolerance:    tol,
		Seed:         cfg.Adduct.Seed,
		Iterations:   cfg.Adduct.Iterations,
		BurnIn:       cfg.Adduct.BurnIn,
		CompatWeight: cfg.Adduct.CompatWeight,
	}, log)
	if err != nil {
		return nil, err
	}

	return &Engine{
		parser:   parser,
		workers:  cfg.Workers,
		spillDir: cfg.SpillDir,
		gapFill:  cfg.GapFill.Enabled,
		detector: detect.New(dopts, log),
		aligner: align.New(align.Options{
			Tolerance:  tol,
			MinAnchors: cfg.Alignment.MinAnchors,
			MaxDrift:   cfg.Alignment.MaxDrift,
		}, log),
		filler: gapfill.New(gapfill.Options{
			Tolerance:       tol,
			IntensityFactor: cfg.GapFill.IntensityFactor,
			MinScans:        cfg.GapFill.MinScans,
		}, log),
		sampler: sampler,
		builder: consensus.New(consensus.Options{RequireMS2: cfg.Consensus.RequireMS2}, log),
		store:   st,
		tracker: progress.NewTracker(sink),
		log:     log,
	}, nil
}

// Run processes the runs at paths. Invalid runs are skipped and runs whose
// spill buffer fails are dropped; any other error aborts the batch. When
// ctx is cancelled during detection all spill files are removed and
// ctx.Err() is returned without output.
func (e *Engine) Run(ctx context.Context, paths []string) (*Result, error) {
	res := &Result{}
	samples, err := e.detectAll(ctx, paths, res)
	if err != nil {
		return nil, err
	}
	defer e.removeAll(samples)
	res.Samples = samples
	if len(samples) == 0 {
		e.summary(res)
		return res, nil
	}
	lcms.SortSamples(samples)

	e.tracker.Start(progress.PhaseAlign, len(samples))
	res.Graph, err = e.aligner.Align(ctx, samples, e.tracker.Inc)
	if err != nil {
		return nil, errors.Wrap(err, "align")
	}

	if e.gapFill {
		e.tracker.Start(progress.PhaseGapFill, len(samples))
		res.GapFill, err = e.filler.Fill(ctx, res.Graph, samples, e.tracker.Inc)
		if err != nil {
			return nil, errors.Wrap(err, "gap fill")
		}
		if len(res.GapFill.Dropped) > 0 {
			samples = without(samples, res.GapFill.Dropped)
			res.Samples = samples
			res.Dropped = append(res.Dropped, res.GapFill.Dropped...)
		}
	}

	e.tracker.Start(progress.PhaseAdduct, 1)
	res.Hypotheses, err = e.sampler.Assign(ctx, res.Graph.Clusters)
	if err != nil {
		return nil, errors.Wrap(err, "assign ion types")
	}
	e.tracker.Inc()
	hyps := make(map[int]adduct.Hypothesis, len(res.Hypotheses))
	for _, h := range res.Hypotheses {
		hyps[h.Cluster] = h
	}

	e.tracker.Start(progress.PhaseConsensus, len(res.Graph.Clusters))
	res.Features, res.Consensus, err = e.builder.Build(ctx, res.Graph, samples, hyps, e.tracker.Inc)
	if err != nil {
		return nil, errors.Wrap(err, "build consensus")
	}

	if e.store != nil {
		e.tracker.Start(progress.PhaseWrite, len(res.Features))
		for _, f := range res.Features {
			id, err := e.store.Put(ctx, f)
			if err != nil {
				return nil, errors.Wrap(err, "store feature")
			}
			res.IDs = append(res.IDs, id)
			e.tracker.Inc()
		}
	}
	e.summary(res)
	return res, nil
}

// detectAll parses and detects every run on the worker pool
func (e *Engine) detectAll(ctx context.Context, paths []string, res *Result) ([]*lcms.ProcessedSample, error) {
	type outcome struct {
		sample  *lcms.ProcessedSample
		skipped bool
		dropped bool
	}
	out := make([]outcome, len(paths))

	e.tracker.Start(progress.PhaseDetect, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, path := range paths {
		g.Go(func() error {
			s, err := e.process(gctx, path)
			switch {
			case err == nil:
				out[i].sample = s
			case errors.Is(err, lcms.ErrInvalidInput):
				e.log.WithError(err).WithField("path", path).Warn("skipping invalid run")
				out[i].skipped = true
			case errors.Is(err, spill.ErrIOFailure):
				e.log.WithError(err).WithField("path", path).Error("dropping run after spill failure")
				out[i].dropped = true
			default:
				return err
			}
			e.tracker.Inc()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	var samples []*lcms.ProcessedSample
	for i, o := range out {
		switch {
		case o.sample != nil:
			samples = append(samples, o.sample)
		case o.skipped:
			res.Skipped = append(res.Skipped, paths[i])
		case o.dropped:
			res.Dropped = append(res.Dropped, paths[i])
		}
	}
	if err != nil {
		if rerr := removeBuffers(samples); rerr != nil {
			e.log.WithError(rerr).Error("spill cleanup failed")
		}
		return nil, err
	}
	return samples, nil
}

// process is one unit of work: parse, detect, then move the peak arrays
// to disk. On error the buffer is removed.
func (e *Engine) process(ctx context.Context, path string) (*lcms.ProcessedSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := spill.New(e.spillDir, e.log)
	s, err := e.processBuffer(ctx, path, buf)
	if err != nil {
		if rerr := buf.Remove(); rerr != nil {
			e.log.WithError(rerr).WithField("path", path).Warn("spill cleanup failed")
		}
		return nil, err
	}
	return s, nil
}

func (e *Engine) processBuffer(ctx context.Context, path string, buf *spill.Buffer) (*lcms.ProcessedSample, error) {
	run, err := e.parser.Parse(ctx, path, buf)
	if err != nil {
		return nil, err
	}
	s, err := e.detector.Process(ctx, 0, run)
	if err != nil {
		return nil, err
	}
	if err := buf.FlushToDisk(); err != nil {
		return nil, err
	}
	if err := buf.ReleaseMemory(); err != nil {
		return nil, err
	}
	st := buf.Stats()
	e.log.WithFields(logrus.Fields{
		"path":     path,
		"features": len(s.Features),
		"scans":    st.Scans,
		"spill":    st.Path,
	}).Debug("run detected")
	return s, nil
}

// without returns a new slice of the samples whose path is not in paths
func without(samples []*lcms.ProcessedSample, paths []string) []*lcms.ProcessedSample {
	drop := make(map[string]bool, len(paths))
	for _, p := range paths {
		drop[p] = true
	}
	var out []*lcms.ProcessedSample
	for _, s := range samples {
		if !drop[s.Path] {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) removeAll(samples []*lcms.ProcessedSample) {
	if err := removeBuffers(samples); err != nil {
		e.log.WithError(err).Warn("spill cleanup failed")
	}
}

func removeBuffers(samples []*lcms.ProcessedSample) error {
	var result *multierror.Error
	for _, s := range samples {
		if s.Run == nil || s.Run.Buffer == nil {
			continue
		}
		if err := s.Run.Buffer.Remove(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, s.Path))
		}
	}
	return result.ErrorOrNil()
}

func (e *Engine) summary(res *Result) {
	fields := logrus.Fields{
		"samples": len(res.Samples),
		"skipped": len(res.Skipped),
		"dropped": len(res.Dropped),
	}
	if res.Graph != nil {
		fields["clusters"] = len(res.Graph.Clusters)
		fields["gap_filled"] = res.GapFill.Filled
		fields["consensus_total"] = res.Consensus.Total
		fields["consensus_retained"] = res.Consensus.Retained
		fields["consensus_rejected"] = res.Consensus.Rejected()
	}
	e.log.WithFields(fields).Info("batch complete")
}
