package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/docopt/docopt-go"
	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cshim"
)

func init() {
	parser.HelpHandler = docopt.NoHelpHandler
}

func runJSON(t *testing.T, args ...string) report {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, run(context.Background(), append(args, "--json"), &buf))

	var rep report
	require.NoError(t, gojson.Unmarshal(buf.Bytes(), &rep))
	return rep
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]string{"--backend=arena", "--workers=8", "--max-size=1024", "--json"})
	require.NoError(t, err)
	assert.Equal(t, "arena", cfg.Backend)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 100000, cfg.Ops)
	assert.Equal(t, 1024, cfg.MaxSize)
	assert.Equal(t, 4711, cfg.Seed)
	assert.Equal(t, "zstd", cfg.Codec)
	assert.True(t, cfg.JSON)
	assert.Empty(t, cfg.Trace)
}

func TestRun_Backends(t *testing.T) {
	for _, name := range []string{"heap", "mmalloc", "arena", "checked"} {
		t.Run(name, func(t *testing.T) {
			rep := runJSON(t, "--backend="+name, "--ops=3000", "--max-size=4096")
			require.NotNil(t, rep.Workload)
			assert.Equal(t, 3000, rep.Workload.Ops)
			assert.Empty(t, rep.Leaks)
			assert.Positive(t, rep.Facade.AllocCount)
			assert.Zero(t, rep.Facade.FreeErrors)
		})
	}
}

func TestRun_Limit(t *testing.T) {
	rep := runJSON(t, "--workers=1", "--ops=3000", "--max-live=512", "--limit=32768")
	require.NotNil(t, rep.Workload)
	assert.Positive(t, rep.Workload.OutOfMemory)
	assert.Equal(t, int64(rep.Workload.OutOfMemory), rep.Facade.OutOfMemory)

	require.NotNil(t, rep.Budget)
	assert.Equal(t, int64(32768), rep.Budget.Limit)
	assert.Zero(t, rep.Budget.Used)
	assert.LessOrEqual(t, rep.Budget.Peak, int64(32768))
	assert.Equal(t, rep.Facade.OutOfMemory, rep.Budget.Rejections)
}

func TestRun_TraceAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stress.trace")

	rec := runJSON(t, "--backend=mmalloc", "--ops=2000", "--seed=9", "--trace="+path, "--codec=lz4")
	require.NotNil(t, rec.Workload)
	assert.Positive(t, rec.TraceEvents)

	rep := runJSON(t, "--replay="+path, "--backend=checked")
	require.NotNil(t, rep.Replay)
	assert.Equal(t, int(rec.TraceEvents), rep.Replay.Events)
	assert.Zero(t, rep.Replay.Mismatched)
	assert.Zero(t, rep.Replay.Skipped)
	assert.Zero(t, rep.Replay.Live)
	assert.Empty(t, rep.Leaks)
	assert.Equal(t, rec.Facade.FreeCount, int64(rep.Replay.ByOp[cshim.OpFree]))
}

func TestRun_TextReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--ops=500"}, &buf))
	assert.Contains(t, buf.String(), "Backend: heap")
	assert.Contains(t, buf.String(), "malloc")
}

func TestRun_Errors(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, run(context.Background(), []string{"--backend=tcmalloc"}, &buf))
	assert.Error(t, run(context.Background(), []string{"--trace=" + filepath.Join(t.TempDir(), "x"), "--codec=snappy"}, &buf))
	assert.Error(t, run(context.Background(), []string{"--bogus"}, &buf))
}
