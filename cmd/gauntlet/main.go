package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-gauntlet/internal/client"
	"github.com/23skdu/longbow-gauntlet/internal/device"
	"github.com/23skdu/longbow-gauntlet/internal/model"
	"github.com/23skdu/longbow-gauntlet/internal/model/weights"
	"github.com/23skdu/longbow-gauntlet/internal/saliency"
	"github.com/23skdu/longbow-gauntlet/internal/tokenizer"
	"github.com/23skdu/longbow-gauntlet/internal/wrapper"
)

var (
	vocabPath     = flag.String("vocab", "vocab.txt", "Path to vocab file")
	weightsPath   = flag.String("weights", "", "Path to weights file (random init if empty)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	modelType     = flag.String("model", "classifier", "Model type (classifier, seq2seq)")
	numLabels     = flag.Int("labels", 2, "Number of classifier output labels")
	batchSize     = flag.Int("batch-size", 32, "Prediction batch size")
	serverAddr    = flag.String("collector", "", "Longbow collector address (e.g. localhost:3000)")
	datasetName   = flag.String("dataset", "gauntlet_saliency", "Target dataset name on the collector")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP server (e.g. :8080)")
	maxConcurrent = flag.Int("max-concurrent", 4096, "Maximum number of concurrent texts to process")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	probe, err := buildProbe()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build probe")
	}

	// Server mode
	if *listenAddr != "" {
		var fc FlightClientInterface
		if *serverAddr != "" {
			c, err := client.NewFlightClient(*serverAddr)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create flight client")
			}
			log.Info().Str("addr", *serverAddr).Msg("Connected to Longbow collector")
			fc = c
		}
		startServer(*listenAddr, probe, fc, *datasetName, *maxConcurrent)
		return
	}

	texts := flag.Args()
	if len(texts) == 0 {
		texts = []string{
			"a thoroughly enjoyable film",
			"the plot makes no sense at all",
			"gauntlet probes models the way an attacker would",
		}
	}

	if *duration > 0 {
		runSoak(probe, texts, *duration)
		return
	}

	runOnce(probe, texts)
}

// buildProbe assembles the tokenizer, the model and the wrapper from flags.
func buildProbe() (*wrapper.ModelWrapper, error) {
	tok, err := tokenizer.NewWordPieceTokenizer(*vocabPath)
	if err != nil {
		return nil, fmt.Errorf("load vocab: %w", err)
	}

	cfg := model.TinyConfig()
	cfg.VocabSize = tok.VocabSize()
	cfg.NumLabels = *numLabels
	backend := device.NewCPUBackend()

	var m wrapper.Model
	switch *modelType {
	case "classifier":
		cls := model.NewClassifier(cfg, backend)
		if *weightsPath != "" {
			if err := weights.NewLoader(cls).LoadFromRawBinary(*weightsPath); err != nil {
				return nil, fmt.Errorf("load weights: %w", err)
			}
			log.Info().Str("path", *weightsPath).Msg("Loaded classifier weights")
		} else {
			log.Warn().Msg("No weights file given, using random initialization")
		}
		m = cls
	case "seq2seq":
		sepID := 0
		if enc := tok.Encode(""); enc.Len() == 2 {
			sepID = enc[tokenizer.FieldInputIDs][1]
		}
		m = model.NewSeq2Seq(cfg, backend, tok, sepID)
	default:
		return nil, fmt.Errorf("unknown model type %q", *modelType)
	}

	return wrapper.New(m, tok, nil, *batchSize)
}

// runOnce predicts, probes gradients and emits a saliency report.
func runOnce(probe *wrapper.ModelWrapper, texts []string) {
	start := time.Now()
	out, err := probe.Predict(texts)
	if err != nil {
		log.Fatal().Err(err).Msg("Predict failed")
	}
	log.Info().
		Int("count", len(texts)).
		Dur("elapsed", time.Since(start)).
		Msg("Predicted")

	if strs, ok := out.(wrapper.Strings); ok {
		for i, s := range strs {
			log.Info().Int("text", i).Str("generated", s).Msg("Generation result")
		}
		return
	}

	res, err := probe.GetGradients(texts)
	if err != nil {
		log.Fatal().Err(err).Msg("Gradient probe failed")
	}
	log.Info().Float32("loss", res.Loss).Msg("Probed gradients")

	reports, err := saliency.FromGradients(res)
	if err != nil {
		log.Fatal().Err(err).Msg("Saliency scoring failed")
	}
	for i, rep := range reports {
		top := rep.Ranked[0]
		log.Info().
			Int("text", i).
			Str("top_token", top.Token).
			Float64("score", top.Score).
			Msg("Most attackable token")
	}

	rec, err := client.NewReportBuilder(memory.NewGoAllocator()).BuildSaliencyRecord(reports)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build saliency record")
	}
	defer rec.Release()

	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to collector")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := fc.DoPut(ctx, *datasetName, rec); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Str("dataset", *datasetName).Msg("Sent saliency report to collector")
		return
	}

	if err := writeArrowStream(os.Stdout, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

// runSoak hammers the probe loop for the given duration and reports
// throughput.
func runSoak(probe *wrapper.ModelWrapper, texts []string, d time.Duration) {
	log.Info().Str("duration", d.String()).Msg("Starting soak test")

	startTime := time.Now()
	endTime := startTime.Add(d)
	var totalTexts int64
	var iter int

	for time.Now().Before(endTime) {
		if _, err := probe.Predict(texts); err != nil {
			log.Fatal().Err(err).Msg("Predict failed during soak")
		}
		if _, err := probe.GetGradients(texts); err != nil {
			log.Fatal().Err(err).Msg("Gradient probe failed during soak")
		}

		totalTexts += int64(len(texts))
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_texts", totalTexts).
				Float64("tps", float64(totalTexts)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_texts", totalTexts).
		Dur("total_time", totalElapsed).
		Float64("avg_tps", float64(totalTexts)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func writeArrowStream(w *os.File, rec arrow.Record) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("gauntlet"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
