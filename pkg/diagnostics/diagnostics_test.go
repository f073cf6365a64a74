package diagnostics

import (
	"errors"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

type fakeEvaluator struct {
	dialogOpen bool
	evalResult json.RawMessage
	evalErr    error
	lastScript string
}

func (f *fakeEvaluator) DialogOpen() bool { return f.dialogOpen }

func (f *fakeEvaluator) EvalJS(js string) (json.RawMessage, error) {
	f.lastScript = js
	return f.evalResult, f.evalErr
}

func TestEnsureSkipsWhenDialogOpen(t *testing.T) {
	e := &fakeEvaluator{dialogOpen: true}
	r := Ensure(e)
	require.True(t, r.Skipped)
	require.Equal(t, "dialog_open", r.Reason)
	require.Empty(t, e.lastScript)
}

func TestEnsureReportsAvailableOnSuccess(t *testing.T) {
	e := &fakeEvaluator{evalResult: json.RawMessage(`true`)}
	r := Ensure(e)
	require.True(t, r.Available)
	require.Contains(t, e.lastScript, "__chromesessionDiag")
}

func TestEnsureReportsUnavailableOnTransportError(t *testing.T) {
	e := &fakeEvaluator{evalErr: errors.New("boom")}
	r := Ensure(e)
	require.False(t, r.Available)
	require.Equal(t, "boom", r.Reason)
}

func TestSnapshotFallsBackWhenDialogOpen(t *testing.T) {
	e := &fakeEvaluator{dialogOpen: true}
	_, _, ok := Snapshot(e)
	require.False(t, ok)
}

func TestSnapshotParsesVitalsAndResources(t *testing.T) {
	e := &fakeEvaluator{evalResult: json.RawMessage(`{
		"vitals": {"cls": 0.2, "lcp": {"startTime": 3000, "element": "IMG"}, "longTasks": {"maxDuration": 80, "count": 2}},
		"resources": {"totalTransferSize": 123456, "largest": [{"url": "https://example.com/a.js", "transferSize": 100000}]}
	}`)}
	vitals, resources, ok := Snapshot(e)
	require.True(t, ok)
	require.NotNil(t, vitals.CLS)
	require.InDelta(t, 0.2, *vitals.CLS, 0.0001)
	require.Equal(t, "IMG", vitals.LCP.Element)
	require.Equal(t, int64(123456), resources.TotalTransferSize)
	require.Len(t, resources.Largest, 1)
}

func TestFullSnapshotFallsBackWhenDialogOpen(t *testing.T) {
	e := &fakeEvaluator{dialogOpen: true}
	_, ok := FullSnapshot(e)
	require.False(t, ok)
}

func TestFullSnapshotParsesAccumulators(t *testing.T) {
	e := &fakeEvaluator{evalResult: json.RawMessage(`{
		"vitals": {"cls": 0, "lcp": null, "longTasks": {"maxDuration": 0, "count": 0}},
		"resources": {"totalTransferSize": 0},
		"console": [{"level": "warn", "args": ["hi"]}],
		"errors": [{"message": "boom", "filename": "app.js", "line": 1, "column": 2}],
		"rejections": [{"message": "rejected"}]
	}`)}
	snap, ok := FullSnapshot(e)
	require.True(t, ok)
	require.Len(t, snap.Console, 1)
	require.Equal(t, "warn", snap.Console[0].Level)
	require.Len(t, snap.Errors, 1)
	require.Equal(t, "boom", snap.Errors[0].Message)
	require.Len(t, snap.Rejections, 1)
	require.Contains(t, e.lastScript, "snapshot()")
}

func TestGetSummaryParsesCounts(t *testing.T) {
	e := &fakeEvaluator{evalResult: json.RawMessage(`{
		"consoleCount": 3, "errorCount": 1, "rejectionCount": 0, "cls": 0.05, "longTasksCount": 2
	}`)}
	summary, ok := GetSummary(e)
	require.True(t, ok)
	require.Equal(t, 3, summary.ConsoleCount)
	require.Equal(t, 1, summary.ErrorCount)
	require.Equal(t, 2, summary.LongTasksCount)
}

func TestGetSummaryFallsBackWhenDialogOpen(t *testing.T) {
	e := &fakeEvaluator{dialogOpen: true}
	_, ok := GetSummary(e)
	require.False(t, ok)
}

func TestLocatorsEncodesOptsAndParsesResult(t *testing.T) {
	e := &fakeEvaluator{evalResult: json.RawMessage(`{
		"items": [{"tag": "button", "text": "Submit", "rect": {"x": 1, "y": 2, "w": 3, "h": 4}}],
		"total": 1
	}`)}
	result, ok := Locators(e, "button", 0, 10)
	require.True(t, ok)
	require.Equal(t, 1, result.Total)
	require.Len(t, result.Items, 1)
	require.Equal(t, "button", result.Items[0].Tag)
	require.Contains(t, e.lastScript, `"kind":"button"`)
	require.Contains(t, e.lastScript, `"limit":10`)
}

func TestLocatorsDefaultsKindAndLimit(t *testing.T) {
	e := &fakeEvaluator{evalResult: json.RawMessage(`{"items": [], "total": 0}`)}
	_, ok := Locators(e, "", 0, 0)
	require.True(t, ok)
	require.Contains(t, e.lastScript, `"kind":"all"`)
	require.Contains(t, e.lastScript, `"limit":50`)
}

func TestLocatorsFallsBackWhenDialogOpen(t *testing.T) {
	e := &fakeEvaluator{dialogOpen: true}
	_, ok := Locators(e, "all", 0, 10)
	require.False(t, ok)
}

func TestClearReportsCollectorResult(t *testing.T) {
	e := &fakeEvaluator{evalResult: json.RawMessage(`true`)}
	require.True(t, Clear(e))
	require.Contains(t, e.lastScript, "clear()")
}

func TestClearFallsBackWhenDialogOpen(t *testing.T) {
	e := &fakeEvaluator{dialogOpen: true}
	require.False(t, Clear(e))
}
