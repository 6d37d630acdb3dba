package shadow

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/internal/alert"
	"github.com/tracevault/promptguard-engine/internal/db"
	"github.com/tracevault/promptguard-engine/internal/detect"
	"github.com/tracevault/promptguard-engine/internal/knowledge"
	"github.com/tracevault/promptguard-engine/internal/metrics"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// scoreDelta is the risk-score gap that counts as a divergence even when
// both catalogues agree on the block verdict.
const scoreDelta = 0.2

// Evaluator runs a candidate signature catalogue beside the live one. No
// candidate affects live verdicts: every scanned prompt is copied onto a
// bounded queue, scored off the request path, and disagreements are
// persisted so a catalogue change can be watched for an observation window
// before promotion.
type Evaluator struct {
	live           *detect.PatternClassifier
	candidate      *detect.PatternClassifier
	blockThreshold float64

	queue   chan string
	store   db.Store
	alerts  *alert.Manager
	metrics *metrics.GatewayMetrics
	log     *logrus.Entry

	evaluated atomic.Int64
	diverged  atomic.Int64
	dropped   atomic.Int64
}

// Report is the point-in-time summary served on the admin surface.
type Report struct {
	Evaluated      int64   `json:"evaluated"`
	Diverged       int64   `json:"diverged"`
	Dropped        int64   `json:"dropped"`
	QueueDepth     int     `json:"queueDepth"`
	BlockThreshold float64 `json:"blockThreshold"`
}

// New builds an evaluator comparing live against candidate at the given
// block threshold. Returns nil when there is no candidate to evaluate, so
// callers can wire the result directly and skip shadow mode entirely.
func New(live, candidate *detect.PatternClassifier, blockThreshold float64, queueSize int, store db.Store, alerts *alert.Manager, m *metrics.GatewayMetrics) *Evaluator {
	if live == nil || candidate == nil {
		return nil
	}
	if blockThreshold <= 0 {
		blockThreshold = 0.8
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if m == nil {
		m = metrics.Default
	}
	return &Evaluator{
		live:           live,
		candidate:      candidate,
		blockThreshold: blockThreshold,
		queue:          make(chan string, queueSize),
		store:          store,
		alerts:         alerts,
		metrics:        m,
		log:            logrus.WithField("component", "shadow"),
	}
}

// Observe copies one scanned prompt onto the evaluation queue. It never
// blocks the request path: when the queue is full the sample is dropped
// and counted. Safe on a nil evaluator.
func (e *Evaluator) Observe(text string) bool {
	if e == nil || text == "" {
		return false
	}
	select {
	case e.queue <- text:
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

// Run drains the queue until ctx is cancelled. One worker is enough; the
// pattern pass is microseconds per sample.
func (e *Evaluator) Run(ctx context.Context) {
	e.log.WithField("blockThreshold", e.blockThreshold).Info("[Shadow] Candidate catalogue evaluation started")
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-e.queue:
			e.evaluate(ctx, text)
		}
	}
}

// evaluate scores one sample with both catalogues and records any
// disagreement. Divergence kinds: "verdict" when the block decision flips,
// "score" when the risk gap exceeds scoreDelta.
func (e *Evaluator) evaluate(ctx context.Context, text string) {
	liveRisk := detect.ScoreThreats(e.live.Detect(text))
	shadowRisk := detect.ScoreThreats(e.candidate.Detect(text))
	e.evaluated.Add(1)

	liveBlocked := liveRisk >= e.blockThreshold
	shadowBlocked := shadowRisk >= e.blockThreshold

	var kind string
	switch {
	case liveBlocked != shadowBlocked:
		kind = "verdict"
	case math.Abs(liveRisk-shadowRisk) >= scoreDelta:
		kind = "score"
	default:
		return
	}
	e.diverged.Add(1)
	e.metrics.ShadowDivergences.WithLabelValues(kind).Inc()

	d := models.ShadowDivergence{
		Timestamp:     time.Now().UTC(),
		SampleID:      knowledge.SampleID(knowledge.Normalize(text)),
		Text:          text,
		LiveRisk:      liveRisk,
		ShadowRisk:    shadowRisk,
		LiveBlocked:   liveBlocked,
		ShadowBlocked: shadowBlocked,
		Detail:        fmt.Sprintf("%s: live %.2f (blocked=%t) vs shadow %.2f (blocked=%t)", kind, liveRisk, liveBlocked, shadowRisk, shadowBlocked),
	}

	e.log.WithFields(logrus.Fields{
		"sampleId":   d.SampleID,
		"kind":       kind,
		"liveRisk":   liveRisk,
		"shadowRisk": shadowRisk,
	}).Warn("[Shadow] DIVERGENCE between live and candidate catalogues")

	if e.store != nil {
		saveCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := e.store.SaveDivergence(saveCtx, d); err != nil {
			e.log.WithError(err).Warn("[Shadow] Failed to persist divergence")
		}
		cancel()
	}
	if e.alerts != nil {
		e.alerts.EmitDivergence(d)
	}
}

// Report summarizes evaluator state. Safe on a nil evaluator.
func (e *Evaluator) Report() Report {
	if e == nil {
		return Report{}
	}
	return Report{
		Evaluated:      e.evaluated.Load(),
		Diverged:       e.diverged.Load(),
		Dropped:        e.dropped.Load(),
		QueueDepth:     len(e.queue),
		BlockThreshold: e.blockThreshold,
	}
}
