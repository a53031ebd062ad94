package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"adventure-server/internal/model"
)

// Определяем метрики Prometheus
var (
	chaptersGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_chapters_generated_total",
			Help: "Total number of chapters generated, by chapter type.",
		},
		[]string{"type"},
	)
	chapterErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_chapter_generation_errors_total",
			Help: "Total number of failed chapter generation attempts, by chapter type.",
		},
		[]string{"type"},
	)
	chapterDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "adventure_chapter_generation_duration_seconds",
		Help:    "Duration of full chapter generation (narrative critical path).",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	imageRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adventure_image_generation_retries_total",
		Help: "Total number of failed image generation attempts that were retried.",
	})
	imageFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adventure_image_generation_failures_total",
		Help: "Total number of chapters finalized without an image after exhausting attempts.",
	})
)

func labelsForType(t model.ChapterType) prometheus.Labels {
	return prometheus.Labels{"type": string(t)}
}
