package session

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"wakesafe/internal/db"
	"wakesafe/internal/model"
)

// Stats aggregates the completed analyses of one session the caller owns.
func (m *Manager) Stats(ctx context.Context, sessionID, userID string) (*model.SessionStats, error) {
	s, err := db.GetDriverSession(m.DB, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return nil, ErrNotFound
	}
	if s.UserID != userID {
		return nil, ErrForbidden
	}

	total, uploaded, completed, failed, err := db.SessionPhotoCounts(m.DB, sessionID)
	if err != nil {
		return nil, fmt.Errorf("photo counts: %w", err)
	}

	predictions, confidences, ears, processingMs, err := db.SessionAnalysisSamples(m.DB, sessionID)
	if err != nil {
		return nil, fmt.Errorf("analysis samples: %w", err)
	}

	out := &model.SessionStats{
		SessionID:   s.ID,
		Status:      s.Status,
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
		PhotoCount:  total,
		Uploaded:    uploaded,
		Completed:   completed,
		Failed:      failed,
		Predictions: make(map[string]int),
	}

	fatigued := 0
	for _, p := range predictions {
		out.Predictions[p]++
		if p == model.PredictionDrowsy || p == model.PredictionSleeping {
			fatigued++
		}
	}
	if len(predictions) > 0 {
		out.FatigueRatio = float64(fatigued) / float64(len(predictions))
	}

	if len(confidences) > 0 {
		out.MeanConfidence = stat.Mean(confidences, nil)
	}
	if len(confidences) > 1 {
		out.StdDevConfidence = stat.StdDev(confidences, nil)
	}
	if len(ears) > 0 {
		out.MeanEAR = stat.Mean(ears, nil)
	}
	if len(processingMs) > 0 {
		// Quantile wants the samples sorted.
		sort.Float64s(processingMs)
		out.P50ProcessingMs = stat.Quantile(0.5, stat.Empirical, processingMs, nil)
		out.P90ProcessingMs = stat.Quantile(0.9, stat.Empirical, processingMs, nil)
	}

	return out, nil
}
