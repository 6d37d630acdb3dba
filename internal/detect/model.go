package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// Token cap for the sequence classifier. Inputs are truncated client-side
// at roughly four characters per token before they reach the sidecar.
const (
	modelMaxTokens   = 256
	modelMinTextLen  = 5
	modelCharsPerTok = 4
)

// ModelClassifierConfig locates the fine-tuned artefacts and the inference
// sidecar that serves them.
type ModelClassifierConfig struct {
	ArtefactDir string  // must contain tokenizer.json and model.onnx
	Endpoint    string  // sidecar base URL
	Threshold   float64 // injection probability floor, default 0.95
	Timeout     time.Duration
}

// ModelClassifier wraps the fine-tuned binary sequence classifier. When the
// artefact directory or sidecar is unavailable at startup the classifier
// self-disables and Classify returns no threats.
type ModelClassifier struct {
	cfg     ModelClassifierConfig
	client  *http.Client
	enabled bool
}

// Artefact files the sidecar needs on disk.
var requiredArtefacts = []string{"tokenizer.json", "model.onnx"}

// NewModelClassifier verifies the artefacts and probes the sidecar once.
// Any missing dependency disables the component instead of failing startup.
func NewModelClassifier(cfg ModelClassifierConfig) *ModelClassifier {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.95
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}

	mc := &ModelClassifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}

	if cfg.ArtefactDir == "" {
		logrus.Info("[ModelClassifier] No artefact directory configured, classifier disabled")
		return mc
	}
	for _, name := range requiredArtefacts {
		if _, err := os.Stat(filepath.Join(cfg.ArtefactDir, name)); err != nil {
			logrus.Warnf("[ModelClassifier] Missing artefact %s: %v — classifier disabled", name, err)
			return mc
		}
	}
	if err := mc.probe(); err != nil {
		logrus.Warnf("[ModelClassifier] Inference sidecar unreachable: %v — classifier disabled", err)
		return mc
	}

	mc.enabled = true
	logrus.Infof("[ModelClassifier] Enabled (artefacts=%s threshold=%.2f)", cfg.ArtefactDir, cfg.Threshold)
	return mc
}

// Enabled reports whether the classifier loaded successfully.
func (mc *ModelClassifier) Enabled() bool {
	return mc != nil && mc.enabled
}

func (mc *ModelClassifier) probe() error {
	resp, err := mc.client.Get(mc.cfg.Endpoint + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar health returned %d", resp.StatusCode)
	}
	return nil
}

type inferenceRequest struct {
	Text      string `json:"text"`
	MaxTokens int    `json:"max_tokens"`
}

type inferenceResponse struct {
	Logits []float64 `json:"logits"` // [benign, injection]
}

// Classify truncates, runs a forward pass through the sidecar, softmaxes
// the logits and emits a single threat when the injection-class probability
// clears the configured threshold.
func (mc *ModelClassifier) Classify(ctx context.Context, text string) []models.Threat {
	if !mc.Enabled() || len(text) < modelMinTextLen {
		return nil
	}

	truncated := text
	if maxChars := modelMaxTokens * modelCharsPerTok; len(truncated) > maxChars {
		truncated = truncated[:maxChars]
	}

	body, err := json.Marshal(inferenceRequest{Text: truncated, MaxTokens: modelMaxTokens})
	if err != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mc.cfg.Endpoint+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := mc.client.Do(req)
	if err != nil {
		logrus.WithError(err).Debug("[ModelClassifier] Inference call failed, skipping")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logrus.Debugf("[ModelClassifier] Sidecar returned %d, skipping", resp.StatusCode)
		return nil
	}

	var out inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out.Logits) != 2 {
		logrus.Debug("[ModelClassifier] Malformed sidecar response, skipping")
		return nil
	}

	prob := softmax2(out.Logits[0], out.Logits[1])
	if prob < mc.cfg.Threshold {
		return nil
	}

	return []models.Threat{{
		Type:        "injection",
		Subtype:     "model_injection",
		SourceID:    "model_classifier",
		Span:        [2]int{0, len(text)},
		Confidence:  prob,
		Severity:    severityForScore(prob),
		Description: fmt.Sprintf("Sequence classifier flagged injection (p=%.3f)", prob),
	}}
}

// softmax2 returns the class-1 probability of a two-logit output.
func softmax2(l0, l1 float64) float64 {
	m := math.Max(l0, l1)
	e0 := math.Exp(l0 - m)
	e1 := math.Exp(l1 - m)
	return e1 / (e0 + e1)
}
