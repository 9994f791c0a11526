package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	flags "github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunVersionAndUsage(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, exitOK, run(context.Background(), []string{"--version"}, &stderr))
	assert.Contains(t, stderr.String(), "mzalign version")

	stderr.Reset()
	assert.Equal(t, exitOK, run(context.Background(), []string{"--help"}, &stderr))
	assert.Contains(t, stderr.String(), "--workers")

	assert.Equal(t, exitUsage, run(context.Background(), []string{"--bogus"}, &stderr))
	assert.Equal(t, exitUsage, run(context.Background(), nil, &stderr))
	assert.Equal(t, exitUsage, run(context.Background(), []string{"--workers=-1", "a.mzML"}, &stderr))
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mzalign.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 3\nadduct:\n  seed: 5\n"), 0o644))

	parse := func(args ...string) (options, *flags.Parser) {
		var opts options
		p := flags.NewParser(&opts, flags.HelpFlag)
		_, err := p.ParseArgs(args)
		require.NoError(t, err)
		return opts, p
	}

	opts, p := parse("--config", path)
	cfg, err := loadConfig(opts, p)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, int64(5), cfg.Adduct.Seed)

	opts, p = parse("--config", path, "--workers", "1", "--seed", "0", "--out", "x.sqlite")
	cfg, err = loadConfig(opts, p)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, int64(0), cfg.Adduct.Seed, "an explicit zero seed overrides the file")
	assert.Equal(t, "x.sqlite", cfg.Store.Path)
}

func TestSimulateAndAlign(t *testing.T) {
	dir := t.TempDir()
	runs := filepath.Join(dir, "runs")
	var stderr bytes.Buffer
	require.Equal(t, exitOK, run(context.Background(), []string{"--simulate", "3", runs}, &stderr), stderr.String())

	paths, err := filepath.Glob(filepath.Join(runs, "*.mzML"))
	require.NoError(t, err)
	require.Len(t, paths, 3)

	out := filepath.Join(dir, "features.jsonl")
	args := append([]string{"--quiet", "--workers", "2", "--spill-dir", t.TempDir(), "--out", out}, paths...)
	require.Equal(t, exitOK, run(context.Background(), args, &stderr), stderr.String())

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	n := 0
	for sc.Scan() {
		var rec struct {
			ID         int64             `json:"id"`
			Abundances []json.RawMessage `json:"abundances"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		n++
		assert.Equal(t, int64(n), rec.ID)
		assert.Len(t, rec.Abundances, 3)
	}
	require.NoError(t, sc.Err())
	assert.Greater(t, n, 0)
}

func TestRunCancelledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	var stderr bytes.Buffer
	require.Equal(t, exitOK, run(context.Background(), []string{"--simulate", "1", dir}, &stderr))
	paths, err := filepath.Glob(filepath.Join(dir, "*.mzML"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := filepath.Join(dir, "features.jsonl")
	args := append([]string{"--quiet", "--spill-dir", t.TempDir(), "--out", out}, paths...)
	assert.Equal(t, exitCancelled, run(ctx, args, &stderr))
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}
