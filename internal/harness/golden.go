package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// GoldenDir is where RunWithGolden keeps its fixtures, relative to the
// test's package directory.
const GoldenDir = "testdata/golden"

type snapshotHeader struct {
	Scenario string `json:"scenario"`
	Events   int    `json:"events"`
}

// Snapshot renders a trace as JSON lines: a header naming the scenario,
// then one event per line. Field order follows TraceEvent so the output is
// byte-stable.
func Snapshot(name string, r *Result) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(snapshotHeader{Scenario: name, Events: len(r.Trace)}); err != nil {
		return nil, err
	}
	for _, ev := range r.Trace {
		if err := enc.Encode(ev); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// RunWithGolden runs s and compares its trace with
// testdata/golden/{s.Name}.golden. Regenerate fixtures with
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario) *Result {
	t.Helper()
	result, err := Run(context.Background(), s)
	if err != nil {
		t.Fatalf("run %s: %v", s.Name, err)
	}
	AssertGolden(t, s.Name, result)
	return result
}

// AssertGolden compares a trace that was already produced with its golden
// file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()
	data, err := Snapshot(name, result)
	if err != nil {
		t.Fatalf("snapshot %s: %v", name, err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
