package knowledge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/internal/detect"
	"github.com/tracevault/promptguard-engine/internal/metrics"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// Ingestor feeds scanned samples into the graph off the request path.
// Enqueue never blocks: when the queue is full the sample is dropped and
// counted, trading corpus completeness for request latency.
type Ingestor struct {
	graph      Graph
	patterns   *detect.PatternClassifier
	queue      chan models.AttackSample
	minOverlap float64

	ingested atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64

	log *logrus.Entry
}

const (
	similarityFanout = 5
	sampleTimeout    = 10 * time.Second
)

func NewIngestor(graph Graph, patterns *detect.PatternClassifier, queueSize int, minOverlap float64) *Ingestor {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Ingestor{
		graph:      graph,
		patterns:   patterns,
		queue:      make(chan models.AttackSample, queueSize),
		minOverlap: minOverlap,
		log:        logrus.WithField("component", "ingest"),
	}
}

// Enqueue hands a sample to the background worker. Returns false when the
// queue is saturated and the sample was dropped.
func (in *Ingestor) Enqueue(sample models.AttackSample) bool {
	select {
	case in.queue <- sample:
		metrics.Default.IngestQueueSize.Set(float64(len(in.queue)))
		return true
	default:
		n := in.dropped.Add(1)
		metrics.Default.SamplesDropped.Inc()
		if n%100 == 1 {
			in.log.WithField("dropped_total", n).Warn("[Ingest] queue saturated, dropping samples")
		}
		return false
	}
}

// Run consumes the queue until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context) {
	in.log.WithField("queue_cap", cap(in.queue)).Info("[Ingest] worker started")
	for {
		select {
		case <-ctx.Done():
			in.log.WithFields(logrus.Fields{
				"ingested": in.ingested.Load(),
				"dropped":  in.dropped.Load(),
			}).Info("[Ingest] worker stopped")
			return
		case sample := <-in.queue:
			in.process(ctx, sample)
		}
	}
}

func (in *Ingestor) process(parent context.Context, sample models.AttackSample) {
	ctx, cancel := context.WithTimeout(parent, sampleTimeout)
	defer cancel()

	sample.NormalizedText = Normalize(sample.Text)
	sample.SampleID = SampleID(sample.NormalizedText)

	if err := in.graph.UpsertSample(ctx, sample); err != nil {
		in.failed.Add(1)
		metrics.Default.SamplesFailed.Inc()
		in.log.WithError(err).WithField("sample_id", sample.SampleID).Warn("[Ingest] sample upsert failed")
		return
	}

	keywords := detect.ExtractKeywords(sample.Text)
	for pos, kw := range keywords {
		if err := in.graph.LinkKeyword(ctx, sample.SampleID, kw, pos); err != nil {
			in.log.WithError(err).Debug("[Ingest] keyword link failed")
		}
	}

	if sample.Category != "" && sample.Category != models.CategoryUnknown {
		if err := in.graph.LinkTechnique(ctx, sample.SampleID, string(sample.Category)); err != nil {
			in.log.WithError(err).Debug("[Ingest] technique link failed")
		}
	}

	if in.patterns != nil {
		for _, threat := range in.patterns.Detect(sample.Text) {
			if err := in.graph.LinkDetection(ctx, sample.SampleID, threat.SourceID, threat.Confidence); err != nil {
				in.log.WithError(err).Debug("[Ingest] detection link failed")
			}
		}
	}

	// Wire the sample into its neighborhood so future lookups can walk
	// SIMILAR_TO edges instead of recomputing overlaps.
	if len(keywords) > 0 {
		similars, err := in.graph.FindSimilarByKeywords(ctx, keywords, in.minOverlap, similarityFanout)
		if err != nil {
			in.log.WithError(err).Debug("[Ingest] similarity lookup failed")
		}
		for _, sim := range similars {
			if sim.Sample.SampleID == sample.SampleID {
				continue
			}
			if err := in.graph.LinkSimilarity(ctx, sample.SampleID, sim.Sample.SampleID, sim.Similarity); err != nil {
				in.log.WithError(err).Debug("[Ingest] similarity link failed")
			}
		}
	}

	in.ingested.Add(1)
	metrics.Default.SamplesIngested.Inc()
	metrics.Default.IngestQueueSize.Set(float64(len(in.queue)))
}

// Ingested reports how many samples reached the graph.
func (in *Ingestor) Ingested() int64 { return in.ingested.Load() }

// Dropped reports how many samples were discarded at the queue.
func (in *Ingestor) Dropped() int64 { return in.dropped.Load() }

// Failed reports how many samples errored during graph writes.
func (in *Ingestor) Failed() int64 { return in.failed.Load() }

// QueueDepth reports the samples waiting for the worker.
func (in *Ingestor) QueueDepth() int { return len(in.queue) }
