package store

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestJSONBColumnsRoundTrip(t *testing.T) {
	participants := ParticipantMap{
		"droslean":    {"author", "committer"},
		"petr-muller": {"reviewer"},
	}
	value, err := participants.Value()
	if err != nil {
		t.Fatalf("value failed: %v", err)
	}
	var scanned ParticipantMap
	if err := scanned.Scan(value); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if diff := cmp.Diff(participants, scanned); diff != "" {
		t.Errorf("participants differ after round trip: %s", diff)
	}
}

func TestNilJSONBColumnsSerializeAsEmpty(t *testing.T) {
	var labels StringList
	value, err := labels.Value()
	if err != nil {
		t.Fatalf("value failed: %v", err)
	}
	if string(value.([]byte)) != "[]" {
		t.Errorf("expected a nil list stored as [], got %s", value)
	}

	var breakdown CommitBreakdown
	value, err = breakdown.Value()
	if err != nil {
		t.Fatalf("value failed: %v", err)
	}
	if string(value.([]byte)) != "[]" {
		t.Errorf("expected a nil breakdown stored as [], got %s", value)
	}
}

func TestJSONBScanToleratesNull(t *testing.T) {
	var labels StringList
	if err := labels.Scan(nil); err != nil {
		t.Errorf("expected a NULL column to scan cleanly, got %v", err)
	}
	if labels != nil {
		t.Errorf("expected the destination untouched, got %v", labels)
	}
}

func TestIsFrozen(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	grace := 14 * 24 * time.Hour
	old := now.Add(-15 * 24 * time.Hour)
	recent := now.Add(-13 * 24 * time.Hour)

	testCases := []struct {
		name     string
		pr       PullRequest
		expected bool
	}{
		{
			name:     "merged past grace",
			pr:       PullRequest{State: PRStateMerged, CloseDate: &old},
			expected: true,
		},
		{
			name:     "merged inside grace",
			pr:       PullRequest{State: PRStateMerged, CloseDate: &recent},
			expected: false,
		},
		{
			name:     "open is never frozen",
			pr:       PullRequest{State: PRStateOpen},
			expected: false,
		},
		{
			name:     "merged without close date stays writable",
			pr:       PullRequest{State: PRStateMerged},
			expected: false,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if actual := tc.pr.IsFrozen(now, grace); actual != tc.expected {
				t.Errorf("expected frozen=%t, got %t", tc.expected, actual)
			}
		})
	}
}
