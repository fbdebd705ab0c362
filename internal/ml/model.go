package ml

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
)

// Model scores a feature vector. Implementations must be deterministic for
// the same (model, features) pair and safe for concurrent use.
type Model interface {
	Version() string
	Confidence() float64
	Score(f *FeatureVector) (float64, error)
}

// linearModel is a serialized logistic model: score = sigmoid(bias + w·x).
type linearModel struct {
	spec modelSpec
}

type modelSpec struct {
	Version    string      `json:"version"`
	Confidence float64     `json:"confidence"`
	Bias       float64     `json:"bias"`
	Weights    [26]float64 `json:"weights"`
}

// LoadModelFile reads and validates a serialized model. When expectedHash
// is non-empty the file's SHA-256 must match; a mismatch is a refusal to
// load, not a fallback.
func LoadModelFile(path, expectedHash string) (Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model %s: %w", path, err)
	}

	if expectedHash != "" {
		sum := sha256.Sum256(data)
		got := hex.EncodeToString(sum[:])
		if !strings.EqualFold(got, expectedHash) {
			return nil, fmt.Errorf("model hash mismatch for %s: got %s", path, got)
		}
	}

	var spec modelSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse model %s: %w", path, err)
	}
	if spec.Version == "" {
		return nil, fmt.Errorf("model %s has no version", path)
	}
	if spec.Confidence <= 0 {
		spec.Confidence = 0.8
	}

	return &linearModel{spec: spec}, nil
}

func (m *linearModel) Version() string     { return m.spec.Version }
func (m *linearModel) Confidence() float64 { return m.spec.Confidence }

func (m *linearModel) Score(f *FeatureVector) (float64, error) {
	x := f.Values()
	sum := m.spec.Bias
	for i, w := range m.spec.Weights {
		sum += w * x[i]
	}
	return 1 / (1 + math.Exp(-sum)), nil
}

// RuleBasedModel is the built-in last-resort scorer used when no model
// file can be loaded.
type RuleBasedModel struct{}

// RuleBasedVersion identifies the built-in model.
const RuleBasedVersion = "rule-based-v1"

func (RuleBasedModel) Version() string     { return RuleBasedVersion }
func (RuleBasedModel) Confidence() float64 { return 0.7 }

func (RuleBasedModel) Score(f *FeatureVector) (float64, error) {
	var score float64

	if f.TxCountFiveMin > 3 {
		score += 0.15
	}
	if f.TxCountOneHour > 10 {
		score += 0.10
	}
	if f.AmountRatioToAvg > 5 {
		score += 0.20
	}
	if f.ImpossibleTravel > 0 {
		score += 0.30
	}
	if f.IsNewRecipient > 0 {
		score += 0.10
	}
	if f.IsNewDevice > 0 {
		score += 0.10
	}
	score += 0.15 * math.Min(f.PreviousFraudFlags, 3)

	if score > 0.95 {
		score = 0.95
	}
	return score, nil
}
