package archive

import (
	"context"
	"regexp"
	"sort"
)

// SearchResult is one matching item from a content scan.
type SearchResult struct {
	ID    int64
	Score int64
	Text  string
}

// Search scans item content for the pattern and returns matches in id order.
// A literal scan over the archive is sufficient here; ids beyond the current
// maximum are never consulted, so orphaned blobs left by retraction are
// invisible.
func (s *Service) Search(ctx context.Context, pattern *regexp.Regexp) ([]SearchResult, error) {
	const operation = "archive.search"

	var rows []Item
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, newServiceError(operation, "row_scan_failed", err)
	}

	results := make([]SearchResult, 0)
	for _, row := range rows {
		text, err := s.content.Read(row.ID)
		if err != nil {
			// A row without content violates the write ordering contract.
			return nil, newServiceError(operation, "content_missing", err)
		}
		if pattern.MatchString(text) {
			results = append(results, SearchResult{ID: row.ID, Score: row.Score, Text: text})
		}
	}
	return results, nil
}

// CreatorStats aggregates one creator's archive contributions.
type CreatorStats struct {
	Creator        string
	Count          int64
	MeanScore      float64
	MeanCubedScore float64
}

// Stats returns per-creator contribution counts with mean and mean-cubed
// scores, ordered by contribution count descending.
func (s *Service) Stats(ctx context.Context, canonical func(string) string) ([]CreatorStats, error) {
	const operation = "archive.stats"
	if canonical == nil {
		canonical = func(id string) string { return id }
	}

	var rows []Item
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, newServiceError(operation, "row_scan_failed", err)
	}

	counts := map[string]int64{}
	scoreSums := map[string]int64{}
	cubedSums := map[string]int64{}
	for _, row := range rows {
		creator := canonical(row.CreatedBy)
		counts[creator]++
		scoreSums[creator] += row.Score
		cubedSums[creator] += row.Score * row.Score * row.Score
	}

	stats := make([]CreatorStats, 0, len(counts))
	for creator, count := range counts {
		stats = append(stats, CreatorStats{
			Creator:        creator,
			Count:          count,
			MeanScore:      float64(scoreSums[creator]) / float64(count),
			MeanCubedScore: float64(cubedSums[creator]) / float64(count),
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Creator < stats[j].Creator
	})
	return stats, nil
}

// YearActivity is the number of items published in one calendar year.
type YearActivity struct {
	Year  int
	Count int64
}

// Activity returns per-year publication counts in ascending year order.
func (s *Service) Activity(ctx context.Context) ([]YearActivity, error) {
	const operation = "archive.activity"

	var rows []struct {
		Year  int
		Count int64
	}
	err := s.db.WithContext(ctx).
		Model(&Item{}).
		Select(`CAST(strftime('%Y', created_at_s, 'unixepoch') AS INTEGER) AS year, COUNT(*) AS count`).
		Group("year").
		Order("year ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, newServiceError(operation, "aggregate_failed", err)
	}

	activity := make([]YearActivity, 0, len(rows))
	for _, row := range rows {
		activity = append(activity, YearActivity{Year: row.Year, Count: row.Count})
	}
	return activity, nil
}
