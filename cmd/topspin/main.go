// Command topspin runs the table-tennis video analysis pipeline: perception
// over precomputed detections, rule-based evaluation, model-driven diagnosis
// and coaching, with fingerprint-keyed caching and resumable sessions.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/topspinlab/topspin/cache"
	cachefile "github.com/topspinlab/topspin/cache/file"
	cacheredis "github.com/topspinlab/topspin/cache/redis"
	"github.com/topspinlab/topspin/config"
	"github.com/topspinlab/topspin/orchestrator"
	"github.com/topspinlab/topspin/pipeline"
	"github.com/topspinlab/topspin/runner"
	"github.com/topspinlab/topspin/session"
	sessionfile "github.com/topspinlab/topspin/session/file"
	sessionmongo "github.com/topspinlab/topspin/session/mongo"
	"github.com/topspinlab/topspin/stages"
	"github.com/topspinlab/topspin/telemetry"
	"github.com/topspinlab/topspin/toolreg"
)

func main() {
	var (
		configF  = flag.String("config", "", "Path to the YAML configuration file")
		videoF   = flag.String("video", "", "Path to the source video (a <video>.detections.json sidecar must exist)")
		sessionF = flag.String("session", "", "Session id to resume (empty creates a new session)")
		resumeF  = flag.Bool("resume", true, "Prefer cached stage artifacts over recomputation")
		levelF   = flag.String("level", "intermediate", "Player skill level for the user profile")
		goalsF   = flag.String("goals", "", "Free-form training goals for the user profile")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if *videoF == "" {
		log.Fatal(ctx, fmt.Errorf("-video is required"))
	}

	cfg := config.Default()
	if *configF != "" {
		var err error
		if cfg, err = config.Load(*configF); err != nil {
			log.Fatal(ctx, err)
		}
	}
	resume := cfg.Resume
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "resume" {
			resume = *resumeF
		}
	})

	checksum, err := fileChecksum(*videoF)
	if err != nil {
		log.Fatal(ctx, err)
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	sink := telemetry.NewTraceSink(logger, telemetry.NewOTELTracer())

	sessions, err := newSessionStore(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}
	artifacts, fileCache, err := newCacheStore(cfg, logger)
	if err != nil {
		log.Fatal(ctx, err)
	}

	reg := toolreg.New(toolreg.WithSink(sink))
	if err := toolreg.RegisterBuiltins(reg); err != nil {
		log.Fatal(ctx, err)
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		log.Fatal(ctx, fmt.Errorf("ANTHROPIC_API_KEY is not set"))
	}
	model, err := stages.NewAnthropicClientFromAPIKey(apiKey, stages.ModelOptions{
		Model:       cfg.Model.Name,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	diagnosis, err := stages.NewDiagnosis(model, reg)
	if err != nil {
		log.Fatal(ctx, err)
	}
	coaching, err := stages.NewCoaching(model, reg)
	if err != nil {
		log.Fatal(ctx, err)
	}
	handlers := map[pipeline.Stage]pipeline.Handler{
		pipeline.StagePerception: stages.Perception{},
		pipeline.StageEvaluation: stages.Evaluation{},
		pipeline.StageDiagnosis:  diagnosis,
		pipeline.StageCoaching:   coaching,
	}

	run := runner.New(
		runner.WithSink(sink),
		runner.WithLogger(logger),
		runner.WithMetrics(metrics),
		runner.WithTimeout(cfg.StageTimeout),
		runner.WithRetry(cfg.Retry),
	)
	orc, err := orchestrator.New(sessions, artifacts, run, handlers,
		orchestrator.WithSink(sink),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
	)
	if err != nil {
		log.Fatal(ctx, err)
	}

	// SIGINT and SIGTERM cancel the run between stages; completed stages
	// stay cached and the session resumes.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile := pipeline.Profile{"level": *levelF}
	if *goalsF != "" {
		profile["goals"] = *goalsF
	}
	result, err := orc.Run(ctx, orchestrator.RunRequest{
		SessionID:     *sessionF,
		VideoPath:     *videoF,
		VideoChecksum: checksum,
		Profile:       profile,
		Resume:        resume,
	})
	if err != nil {
		if result != nil {
			log.Error(ctx, err, log.KV{K: "session_id", V: result.SessionID},
				log.KV{K: "completed_stages", V: len(result.Results)})
		}
		log.Fatal(ctx, err)
	}

	if fileCache != nil && cfg.CacheMaxAge > 0 {
		if _, err := fileCache.Sweep(ctx, cfg.CacheMaxAge); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "cache sweep failed"})
		}
	}

	out, err := json.MarshalIndent(struct {
		SessionID string                 `json:"session_id"`
		Status    session.Status         `json:"status"`
		Skipped   []pipeline.Stage       `json:"skipped,omitempty"`
		Plan      *pipeline.CoachingPlan `json:"plan"`
	}{result.SessionID, result.Status, result.Skipped, result.Plan}, "", "  ")
	if err != nil {
		log.Fatal(ctx, err)
	}
	fmt.Println(string(out))
}

// fileChecksum computes the sha256 content checksum used as the raw input
// reference for fingerprinting.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open video %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum video %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func newSessionStore(ctx context.Context, cfg config.Config) (session.Store, error) {
	if cfg.Mongo.URI != "" {
		client, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		coll := cfg.Mongo.Collection
		if coll == "" {
			coll = "sessions"
		}
		log.Printf(ctx, "using mongo session store db=%s collection=%s", cfg.Mongo.Database, coll)
		return sessionmongo.New(client.Database(cfg.Mongo.Database).Collection(coll)), nil
	}
	return sessionfile.New(cfg.StoreRoot)
}

func newCacheStore(cfg config.Config, logger telemetry.Logger) (cache.Store, *cachefile.Store, error) {
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		return cacheredis.New(client,
			cacheredis.WithTTL(cfg.Redis.TTL),
			cacheredis.WithLogger(logger),
		), nil, nil
	}
	store, err := cachefile.New(cfg.CacheRoot, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}
