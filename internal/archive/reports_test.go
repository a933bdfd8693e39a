package archive

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestSearchMatchesContent(t *testing.T) {
	service := newTestService(t, nil, nil)
	mustPublish(t, service, "the quick red fox", "alice")
	mustPublish(t, service, "a slow blue bird", "bob")
	mustPublish(t, service, "another fox sighting", "alice")

	results, err := service.Search(context.Background(), regexp.MustCompile(`\bfox\b`))
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(results))
	}
	if results[0].ID != 1 || results[1].ID != 3 {
		t.Fatalf("expected matches in id order, got %d then %d", results[0].ID, results[1].ID)
	}
	if !strings.Contains(results[0].Text, "red fox") {
		t.Fatalf("unexpected match text: %q", results[0].Text)
	}
}

func TestStatsAggregatesByCanonicalCreator(t *testing.T) {
	service := newTestService(t, nil, nil)
	mustPublish(t, service, "first by alice", "alice@example.com")
	mustPublish(t, service, "second by alice", "alice")
	mustPublish(t, service, "one by bob", "bob")

	if err := service.db.Model(&Item{}).Where("id = ?", 1).Update("score", 3).Error; err != nil {
		t.Fatalf("failed to seed score: %v", err)
	}
	if err := service.db.Model(&Item{}).Where("id = ?", 2).Update("score", -1).Error; err != nil {
		t.Fatalf("failed to seed score: %v", err)
	}

	canonical := func(id string) string {
		return strings.SplitN(id, "@", 2)[0]
	}
	stats, err := service.Stats(context.Background(), canonical)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 creators, got %d", len(stats))
	}
	alice := stats[0]
	if alice.Creator != "alice" || alice.Count != 2 {
		t.Fatalf("expected alice first with 2 items, got %+v", alice)
	}
	if alice.MeanScore != 1 {
		t.Fatalf("expected mean score 1, got %v", alice.MeanScore)
	}
	// (27 + -1) / 2
	if alice.MeanCubedScore != 13 {
		t.Fatalf("expected mean cubed score 13, got %v", alice.MeanCubedScore)
	}
	if stats[1].Creator != "bob" || stats[1].Count != 1 {
		t.Fatalf("expected bob second with 1 item, got %+v", stats[1])
	}
}

func TestActivityGroupsByYear(t *testing.T) {
	clock := newTestClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	service := newTestService(t, clock, nil)
	mustPublish(t, service, "from the first year", "alice")
	mustPublish(t, service, "also from the first year", "bob")
	clock.Advance(366 * 24 * time.Hour)
	mustPublish(t, service, "from the second year", "alice")

	activity, err := service.Activity(context.Background())
	if err != nil {
		t.Fatalf("activity failed: %v", err)
	}
	if len(activity) != 2 {
		t.Fatalf("expected 2 years, got %d", len(activity))
	}
	if activity[0].Year != 2025 || activity[0].Count != 2 {
		t.Fatalf("unexpected first year row: %+v", activity[0])
	}
	if activity[1].Year != 2026 || activity[1].Count != 1 {
		t.Fatalf("unexpected second year row: %+v", activity[1])
	}
}
