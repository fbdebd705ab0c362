// Package ml provides the machine-learning risk scorer.
package ml

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// Result is one scoring outcome.
type Result struct {
	Score        float64
	Confidence   float64
	ModelVersion string
	Fallback     bool
	LatencyMs    int64
}

// Scorer runs the loaded model under a bounded inference deadline. On
// timeout or model error it returns the neutral 0.5 score with confidence
// 0.1; the engine weights it into the final score like any other ML
// score, so on its own it does not force a review.
type Scorer struct {
	model    Model
	fallback bool
	cfg      domain.MLConfig
}

// NewScorer loads the model per policy: primary (with hash validation),
// then the fallback path, then the built-in rule-based model.
func NewScorer(cfg domain.MLConfig) *Scorer {
	model, fallback := loadModel(cfg)
	return &Scorer{model: model, fallback: fallback, cfg: cfg}
}

// NewScorerWithModel injects a model directly. Used by tests.
func NewScorerWithModel(model Model, cfg domain.MLConfig) *Scorer {
	return &Scorer{model: model, cfg: cfg}
}

func loadModel(cfg domain.MLConfig) (Model, bool) {
	if cfg.ModelPath != "" {
		expected := ""
		if cfg.HashValidation {
			expected = cfg.ExpectedSHA256
		}
		model, err := LoadModelFile(cfg.ModelPath, expected)
		if err == nil {
			slog.Info("ml model loaded", "path", cfg.ModelPath, "version", model.Version())
			return model, false
		}
		slog.Error("failed to load primary model", "path", cfg.ModelPath, "error", err)
	}

	if cfg.FallbackModelPath != "" {
		model, err := LoadModelFile(cfg.FallbackModelPath, "")
		if err == nil {
			slog.Warn("serving fallback model", "path", cfg.FallbackModelPath, "version", model.Version())
			return model, true
		}
		slog.Error("failed to load fallback model", "path", cfg.FallbackModelPath, "error", err)
	}

	slog.Warn("no model file available, serving rule-based model")
	return RuleBasedModel{}, true
}

// ModelVersion returns the active model's version.
func (s *Scorer) ModelVersion() string {
	return s.model.Version()
}

// Fallback reports whether the active model is a fallback.
func (s *Scorer) Fallback() bool {
	return s.fallback
}

// Score runs inference bounded by the configured timeout.
func (s *Scorer) Score(ctx context.Context, features *FeatureVector) *Result {
	start := time.Now()

	timeout := s.cfg.InferenceTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	inferCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		score float64
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		score, err := s.model.Score(features)
		done <- outcome{score: score, err: err}
	}()

	select {
	case <-inferCtx.Done():
		slog.Warn("ml inference timed out", "model", s.model.Version())
		return s.errorResult(start)
	case out := <-done:
		if out.err != nil {
			slog.Warn("ml inference failed", "model", s.model.Version(), "error", out.err)
			return s.errorResult(start)
		}
		return &Result{
			Score:        clamp01(out.score),
			Confidence:   s.model.Confidence(),
			ModelVersion: s.model.Version(),
			Fallback:     s.fallback,
			LatencyMs:    time.Since(start).Milliseconds(),
		}
	}
}

// errorResult is the neutral outcome for timeouts and model errors.
func (s *Scorer) errorResult(start time.Time) *Result {
	base := s.cfg.ModelVersion
	if base == "" {
		base = s.model.Version()
	}
	return &Result{
		Score:        0.5,
		Confidence:   0.1,
		ModelVersion: base + "-error",
		Fallback:     true,
		LatencyMs:    time.Since(start).Milliseconds(),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
