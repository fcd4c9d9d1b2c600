package harness

import (
	"testing"

	"github.com/sanity-io/litter"
	"github.com/sebdah/goldie/v2"

	"github.com/slatedraw/slate/internal/wire"
)

// RunWithGolden executes a scenario, fails the test on any assertion
// error, and compares the canonical transcript against the golden file in
// testdata/golden/{scenario.Name}.golden.
//
// Regenerate golden files with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, sc *Scenario) *Result {
	t.Helper()

	result, err := Run(sc)
	if err != nil {
		t.Fatalf("scenario %s: %v", sc.Name, err)
	}
	if !result.Pass {
		t.Errorf("scenario %s failed:", sc.Name)
		for _, msg := range result.Errors {
			t.Errorf("  %s", msg)
		}
		t.Log(litter.Sdump(result.Transcript))
	}

	transcript := make([]any, len(result.Transcript))
	for i, entry := range result.Transcript {
		transcript[i] = entry
	}
	data, err := wire.MarshalCanonical(map[string]any{
		"scenario":   sc.Name,
		"transcript": transcript,
	})
	if err != nil {
		t.Fatalf("scenario %s: marshal transcript: %v", sc.Name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, sc.Name, data)
	return result
}
