package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-gauntlet/internal/cache"
	"github.com/23skdu/longbow-gauntlet/internal/client"
	"github.com/23skdu/longbow-gauntlet/internal/saliency"
	"github.com/23skdu/longbow-gauntlet/internal/wrapper"
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gauntlet_request_duration_seconds",
		Help:    "Time spent processing probe requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gauntlet_score_cache_hits_total",
		Help: "The number of predict requests served entirely from cache",
	})
)

// ProbeInterface is the wrapper surface the server consumes.
type ProbeInterface interface {
	Predict(texts []string) (wrapper.Output, error)
	GetGradients(texts []string) (*wrapper.GradientResult, error)
}

// FlightClientInterface abstracts the collector connection.
type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.Record) error
	Close() error
}

type Server struct {
	probe        ProbeInterface
	flightClient FlightClientInterface
	datasetName  string
	builder      *client.ReportBuilder
	scores       cache.ScoreCache
	breaker      *client.CircuitBreaker
	sem          *semaphore.Weighted

	// GetGradients flips the model in and out of train mode; it holds the
	// write side while predictions share the read side, so no forward can
	// observe a half-restored model.
	gradMu sync.RWMutex
}

func NewServer(probe ProbeInterface, fc FlightClientInterface, dataset string, maxConcurrent int) *Server {
	return &Server{
		probe:        probe,
		flightClient: fc,
		datasetName:  dataset,
		builder:      client.NewReportBuilder(memory.NewGoAllocator()),
		scores:       cache.NewMapCache(),
		breaker:      client.NewCircuitBreaker(5, 30*time.Second),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func startServer(addr string, probe ProbeInterface, fc FlightClientInterface, dataset string, maxConcurrent int) {
	srv := NewServer(probe, fc, dataset, maxConcurrent)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/predict", srv.handlePredict)
	http.HandleFunc("/gradients", srv.handleGradients)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting Gauntlet Server")
	if fc != nil {
		log.Info().Str("dataset", dataset).Msg("Forwarding saliency reports to collector")
	}

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("gauntlet-server")

type predictResponse struct {
	Scores  [][]float32 `cbor:"scores,omitempty"`
	Strings []string    `cbor:"strings,omitempty"`
}

type textSaliency struct {
	Tokens []string  `cbor:"tokens"`
	Scores []float64 `cbor:"scores"`
}

type gradientsResponse struct {
	Loss     float32        `cbor:"loss"`
	Saliency []textSaliency `cbor:"saliency"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlePredict")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("predict").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var texts []string
	if err := cbor.NewDecoder(r.Body).Decode(&texts); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	if len(texts) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	span.SetAttributes(attribute.Int("text_count", len(texts)))

	// All-or-nothing cache lookup keeps result order trivially right.
	if rows, ok := s.cachedScores(texts); ok {
		cacheHits.Inc()
		writeCBOR(w, predictResponse{Scores: rows})
		return
	}

	weight := int64(len(texts))
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	s.gradMu.RLock()
	out, err := s.probe.Predict(texts)
	s.gradMu.RUnlock()
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Predict failed: %v", err), http.StatusInternalServerError)
		return
	}

	switch v := out.(type) {
	case wrapper.Scores:
		rows := tensorRows(v)
		for i, text := range texts {
			s.scores.Put(text, rows[i])
		}
		writeCBOR(w, predictResponse{Scores: rows})
	case wrapper.Strings:
		writeCBOR(w, predictResponse{Strings: v})
	default:
		http.Error(w, fmt.Sprintf("unknown output kind %T", out), http.StatusInternalServerError)
	}
}

func (s *Server) handleGradients(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleGradients")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("gradients").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var texts []string
	if err := cbor.NewDecoder(r.Body).Decode(&texts); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	if len(texts) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	span.SetAttributes(attribute.Int("text_count", len(texts)))

	weight := int64(len(texts))
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	s.gradMu.Lock()
	res, err := s.probe.GetGradients(texts)
	s.gradMu.Unlock()
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Gradient probe failed: %v", err), http.StatusInternalServerError)
		return
	}

	reports, err := saliency.FromGradients(res)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Saliency scoring failed: %v", err), http.StatusInternalServerError)
		return
	}

	if s.flightClient != nil {
		if err := s.forwardSaliency(ctx, reports); err != nil {
			// Export failures degrade to local-only results.
			log.Error().Err(err).Msg("Error forwarding saliency report to collector")
		}
	}

	resp := gradientsResponse{Loss: res.Loss, Saliency: make([]textSaliency, len(reports))}
	for i, rep := range reports {
		resp.Saliency[i] = textSaliency{Tokens: rep.Tokens, Scores: rep.Scores}
	}
	writeCBOR(w, resp)
}

// forwardSaliency ships one saliency record to the collector behind the
// circuit breaker.
func (s *Server) forwardSaliency(ctx context.Context, reports []saliency.TextSaliency) error {
	if !s.breaker.Allow() {
		return fmt.Errorf("collector circuit open")
	}

	rec, err := s.builder.BuildSaliencyRecord(reports)
	if err != nil {
		return err
	}
	defer rec.Release()

	if err := s.flightClient.DoPut(ctx, s.datasetName, rec); err != nil {
		s.breaker.Failure()
		return err
	}
	s.breaker.Success()
	return nil
}

// cachedScores returns the cached score rows when every text is present.
func (s *Server) cachedScores(texts []string) ([][]float32, bool) {
	rows := make([][]float32, len(texts))
	for i, text := range texts {
		row, ok := s.scores.Get(text)
		if !ok {
			return nil, false
		}
		rows[i] = row
	}
	return rows, true
}

func tensorRows(scores wrapper.Scores) [][]float32 {
	r, c := scores.Tensor.Dims()
	flat := scores.Tensor.ToHost()

	rows := make([][]float32, r)
	for i := 0; i < r; i++ {
		rows[i] = flat[i*c : (i+1)*c]
	}
	return rows
}

func writeCBOR(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
