package detect

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Detection Fusion
//
// Composites the four classifier sources into a single risk verdict per
// scanned input. This is the verdict the Runtime Guard gates on.
//
// Execution order:
//   1. Pattern catalogue runs synchronously (CPU-only, microseconds)
//   2. Semantic, model and intent classifiers run concurrently
//   3. risk_score = max of the sources' contributions
//   4. Any critical signature match floors the score at 1.0
//   5. Benign intent can veto weak role/encoding signals
//
// After the verdict is computed the input is queued for background
// ingestion into the Knowledge Store, tagged with the verdict. The guard
// path never waits on ingestion.

// SampleSink receives scanned inputs for background ingestion. Enqueue
// must never block; it reports false when the sample was dropped.
type SampleSink interface {
	Enqueue(sample models.AttackSample) bool
}

// FusionConfig carries the two calibration thresholds. Both are exposed as
// configuration because different call sites historically disagreed on them.
type FusionConfig struct {
	BlockThreshold float64 // verdict unsafe at or above this score (default 0.8)
	WarnThreshold  float64 // elevated-risk logging floor (default 0.6)
}

// Fusion joins the classifier sources. Semantic and model classifiers may
// be nil or self-disabled; fusion degrades to the remaining sources.
type Fusion struct {
	patterns *PatternClassifier
	semantic *SemanticClassifier
	model    *ModelClassifier
	intent   *IntentClassifier
	sink     SampleSink
	cfg      FusionConfig
}

// NewFusion wires the classifier set. sink may be nil (ingestion disabled).
func NewFusion(patterns *PatternClassifier, semantic *SemanticClassifier, model *ModelClassifier, intent *IntentClassifier, sink SampleSink, cfg FusionConfig) *Fusion {
	if cfg.BlockThreshold <= 0 {
		cfg.BlockThreshold = 0.8
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = 0.6
	}
	return &Fusion{
		patterns: patterns,
		semantic: semantic,
		model:    model,
		intent:   intent,
		sink:     sink,
		cfg:      cfg,
	}
}

// Scan produces the fused verdict for one input.
func (f *Fusion) Scan(ctx context.Context, text string) models.ScanVerdict {
	start := time.Now()

	// ─── 1. Pattern catalogue (synchronous) ──────────────────────────
	threats := f.patterns.Detect(text)
	criticalSignature := false
	for _, t := range threats {
		if t.Severity == models.SeverityCritical {
			criticalSignature = true
			break
		}
	}

	// ─── 2. Concurrent classifiers ───────────────────────────────────
	var (
		semanticThreats []models.Threat
		modelThreats    []models.Threat
		benignIntent    bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		semanticThreats = f.semantic.Classify(gctx, text)
		return nil
	})
	g.Go(func() error {
		modelThreats = f.model.Classify(gctx, text)
		return nil
	})
	g.Go(func() error {
		benignIntent = f.intent.BenignIntent(text)
		return nil
	})
	_ = g.Wait() // classifiers swallow their own errors

	threats = append(threats, semanticThreats...)
	threats = append(threats, modelThreats...)

	// ─── 3. Benign-intent veto ───────────────────────────────────────
	// Only weak role-manipulation and encoding signals are vetoable; a
	// critical signature or any other subtype keeps the verdict intact.
	intentBypass := false
	if benignIntent && !criticalSignature && len(threats) > 0 && allVetoable(threats) {
		logrus.Debugf("[Fusion] Benign intent vetoed %d weak threat(s)", len(threats))
		threats = nil
		intentBypass = true
	}

	// ─── 4. Risk composition: max of contributions ───────────────────
	// A threat contributes its own confidence, or the stored risk of the
	// graph sample it matched when that is higher. Semantic confidence is
	// capped at 0.75 but a 0.95-risk stored attack must still block.
	risk := 0.0
	for _, t := range threats {
		contribution := t.Confidence
		if t.SourceRisk > contribution {
			contribution = t.SourceRisk
		}
		if contribution > risk {
			risk = contribution
		}
	}
	if criticalSignature {
		risk = 1.0
	}

	verdict := models.ScanVerdict{
		Safe:         risk < f.cfg.BlockThreshold,
		RiskScore:    risk,
		RiskLevel:    riskLevel(risk),
		Threats:      threats,
		IntentBypass: intentBypass,
		LatencyMS:    time.Since(start).Milliseconds(),
	}

	if !verdict.Safe {
		logrus.WithFields(logrus.Fields{
			"risk":    verdict.RiskScore,
			"level":   verdict.RiskLevel,
			"threats": len(verdict.Threats),
		}).Warn("[Fusion] Input blocked")
	} else if risk >= f.cfg.WarnThreshold {
		logrus.WithFields(logrus.Fields{
			"risk":  verdict.RiskScore,
			"level": verdict.RiskLevel,
		}).Info("[Fusion] Elevated risk below block threshold")
	}

	// ─── 5. Background ingestion (post-verdict, never blocking) ──────
	// Clean traffic stays out of the graph so it cannot grow unboundedly.
	if f.sink != nil && (risk > 0 || len(threats) > 0) {
		f.sink.Enqueue(sampleFromVerdict(text, verdict))
	}

	return verdict
}

// ScanResponse runs the signature catalogue against model output before it
// leaves the gateway. Response scanning is synchronous and pattern-only:
// the semantic graph, the model sidecar and the intent heuristic all score
// operator-addressed inputs, and completions are never ingested as samples.
func (f *Fusion) ScanResponse(text string) models.ScanVerdict {
	start := time.Now()

	threats := f.patterns.Detect(text)
	risk := ScoreThreats(threats)

	verdict := models.ScanVerdict{
		Safe:      risk < f.cfg.BlockThreshold,
		RiskScore: risk,
		RiskLevel: riskLevel(risk),
		Threats:   threats,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if !verdict.Safe {
		logrus.WithFields(logrus.Fields{
			"risk":    verdict.RiskScore,
			"threats": len(verdict.Threats),
		}).Warn("[Fusion] Response failed leak scan")
	}
	return verdict
}

// ScoreThreats folds a signature threat list into a single risk score.
// Each threat contributes its confidence, or the stored source risk when
// higher; any critical match floors the score at 1.0.
func ScoreThreats(threats []models.Threat) float64 {
	risk := 0.0
	for _, t := range threats {
		contribution := t.Confidence
		if t.SourceRisk > contribution {
			contribution = t.SourceRisk
		}
		if contribution > risk {
			risk = contribution
		}
		if t.Severity == models.SeverityCritical {
			risk = 1.0
		}
	}
	if risk > 1.0 {
		risk = 1.0
	}
	return risk
}

// allVetoable reports whether every threat is a weak role/encoding signal.
func allVetoable(threats []models.Threat) bool {
	for _, t := range threats {
		if t.Confidence >= 0.8 {
			return false
		}
		if t.Subtype != string(models.CategoryRoleManipulation) && t.Subtype != string(models.CategoryEncoding) {
			return false
		}
	}
	return true
}

// riskLevel maps the fused score onto the severity ladder.
func riskLevel(score float64) models.Severity {
	switch {
	case score >= 0.9:
		return models.SeverityCritical
	case score >= 0.8:
		return models.SeverityHigh
	case score >= 0.6:
		return models.SeverityMedium
	case score > 0:
		return models.SeverityLow
	default:
		return models.SeverityNone
	}
}

// sampleFromVerdict tags a scanned input with its verdict for ingestion.
func sampleFromVerdict(text string, verdict models.ScanVerdict) models.AttackSample {
	now := time.Now().UTC()
	return models.AttackSample{
		Text:      text,
		Category:  dominantCategory(verdict.Threats),
		Source:    "runtime_scan",
		RiskScore: verdict.RiskScore,
		RiskLevel: verdict.RiskLevel,
		Detected:  len(verdict.Threats) > 0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// dominantCategory picks the highest-confidence threat's category. Graph
// subtypes carry a "graph_rag_" prefix that is stripped back to the stored
// category; classifier-specific subtypes fall back to unknown.
func dominantCategory(threats []models.Threat) models.AttackCategory {
	best := models.CategoryUnknown
	bestConf := -1.0
	for _, t := range threats {
		if t.Confidence <= bestConf {
			continue
		}
		sub := strings.TrimPrefix(t.Subtype, "graph_rag_")
		switch cat := models.AttackCategory(sub); cat {
		case models.CategoryInstructionOverride, models.CategoryRoleManipulation,
			models.CategorySystemExtraction, models.CategoryJailbreak,
			models.CategoryPrivilegeEscalation, models.CategoryEncoding,
			models.CategoryDataExtraction:
			best = cat
			bestConf = t.Confidence
		default:
			if bestConf < 0 {
				best = models.CategoryUnknown
			}
		}
	}
	return best
}
