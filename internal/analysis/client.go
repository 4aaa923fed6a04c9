// Package analysis runs uploaded photos through the fatigue analyzer. Work
// arrives on a bounded in-memory queue with one FIFO lane per user, a worker
// pool drains it with bounded retries, and exhausted items land in the
// durable dead letter table.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"wakesafe/internal/model"
)

// Analyzer scores one photo for driver fatigue.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*Result, error)
}

// AnalyzeRequest is the POST body sent to the analyzer service. The image
// travels as a presigned read URL, never as bytes through this server.
type AnalyzeRequest struct {
	PhotoID        string `json:"photo_id"`
	ImageURL       string `json:"image_url"`
	SequenceNumber int    `json:"sequence_number"`
	CaptureTime    string `json:"capture_timestamp"`
}

type HeadPose struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

type Signals struct {
	EAR          *float64  `json:"ear"`
	HeadPose     *HeadPose `json:"head_pose"`
	FaceDetected bool      `json:"face_detected"`
	EyesDetected bool      `json:"eyes_detected"`
}

type Result struct {
	Prediction   string  `json:"prediction"`
	Confidence   float64 `json:"confidence"`
	ProcessingMs int64   `json:"processing_time_ms"`
	Signals      Signals `json:"signals"`
}

// HTTPAnalyzer talks to the analyzer service over HTTP with a service
// bearer token.
type HTTPAnalyzer struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

var _ Analyzer = (*HTTPAnalyzer)(nil)

func NewHTTPAnalyzer(baseURL, token string) *HTTPAnalyzer {
	return &HTTPAnalyzer{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, req AnalyzeRequest) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.Token)
	}

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analyzer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("analyzer returned %d: %s", resp.StatusCode, snippet)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode analyzer response: %w", err)
	}
	res.Prediction = normalizePrediction(res.Prediction)
	return &res, nil
}

// normalizePrediction maps anything outside the known verdict set to
// unknown, so a misbehaving analyzer cannot invent states downstream.
func normalizePrediction(p string) string {
	switch p {
	case model.PredictionAlert, model.PredictionDrowsy, model.PredictionSleeping:
		return p
	default:
		return model.PredictionUnknown
	}
}
