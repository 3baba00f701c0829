package twosync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestResult_JSONShape(t *testing.T) {
	id := uuid.MustParse("7f0c2b8e-8d6f-4a43-9a3e-1b2c3d4e5f60")
	r := newResult()
	r.stats("address").Fetched = 2
	r.stats("address").Inserted = 2
	r.Issues = append(r.Issues, Issue{Direction: PullDown, EntityType: "account", GlobalID: id, Reason: ReasonValidationFailed})
	r.Elapsed = 1500 * time.Millisecond
	r.CompletedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, float64(1500), raw["elapsedMs"])
	require.Equal(t, "2025-03-01T12:00:00Z", raw["completedAt"])
	issue := raw["issues"].([]any)[0].(map[string]any)
	require.Equal(t, "account", issue["entityType"])
	require.Equal(t, id.String(), issue["globalId"])
	require.Equal(t, "validation_failed", issue["reason"])
	require.NotContains(t, issue, "detail")
	stats := raw["stats"].(map[string]any)["address"].(map[string]any)
	require.Equal(t, float64(2), stats["inserted"])

	var back Result
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, r.Issues, back.Issues)
	require.Equal(t, r.StatsFor("address"), back.StatsFor("address"))
	require.Equal(t, r.Elapsed, back.Elapsed)
}

func TestResult_EmptyIssuesRenderAsArray(t *testing.T) {
	data, err := json.Marshal(newResult())
	require.NoError(t, err)
	require.Contains(t, string(data), `"issues":[]`)
}

func TestResult_TotalsAndIssuesFor(t *testing.T) {
	r := newResult()
	r.stats("address").Inserted = 1
	r.stats("account").Updated = 2
	r.stats("account").Skipped = 1
	r.Issues = []Issue{{EntityType: "account"}, {EntityType: "address"}, {EntityType: "account"}}

	totals := r.Totals()
	require.Equal(t, 3, totals.Applied())
	require.Equal(t, 1, totals.Skipped)
	require.Len(t, r.IssuesFor("account"), 2)
	require.Equal(t, []EntityType{"account", "address"}, r.Types())
	require.Equal(t, TypeStats{}, r.StatsFor("missing"))
}
