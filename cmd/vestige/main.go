// Vestige main entry point: wires every component (graph store, queue,
// resolver, batch processor, graph builder, scheduler jobs, agent loop)
// for one primary user and drives them from a line-oriented console
// rather than an HTTP surface (out of core scope per the spec).
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vestige-memory/vestige/internal/agentloop"
	"github.com/vestige-memory/vestige/internal/batch"
	"github.com/vestige-memory/vestige/internal/cache"
	"github.com/vestige-memory/vestige/internal/entity"
	"github.com/vestige-memory/vestige/internal/graph"
	"github.com/vestige-memory/vestige/internal/graphbuilder"
	"github.com/vestige-memory/vestige/internal/llm"
	"github.com/vestige-memory/vestige/internal/queue"
	"github.com/vestige-memory/vestige/internal/scheduler"
)

// config is the env-var-driven wiring configuration, following
// cmd/kernel's getEnv(key, default) convention.
type config struct {
	User          string
	UserEntityID  int64
	DGraphAddress string
	NATSAddress   string
	RedisAddress  string
	AIServicesURL string
	TuningPath    string
	L1MaxCost     int64
	L1TTL         time.Duration
	CheckInterval time.Duration
}

func loadConfig() config {
	userEntityID, err := strconv.ParseInt(getEnv("USER_ENTITY_ID", "1"), 10, 64)
	if err != nil {
		userEntityID = 1
	}
	return config{
		User:          getEnv("VESTIGE_USER", "primary"),
		UserEntityID:  userEntityID,
		DGraphAddress: getEnv("DGRAPH_URL", "localhost:9080"),
		NATSAddress:   getEnv("NATS_URL", "nats://localhost:4222"),
		RedisAddress:  getEnv("REDIS_URL", "localhost:6379"),
		AIServicesURL: getEnv("AI_SERVICES_URL", "http://localhost:8000"),
		TuningPath:    getEnv("VESTIGE_TUNING_FILE", ""),
		L1MaxCost:     10_000,
		L1TTL:         5 * time.Minute,
		CheckInterval: scheduler.DefaultCheckInterval,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := loadConfig()
	logger.Info("starting vestige", zap.String("user", cfg.User))

	tuning, err := scheduler.LoadTuning(cfg.TuningPath)
	if err != nil {
		logger.Fatal("failed to load tuning overrides", zap.Error(err))
	}
	if tuning.CheckInterval <= 0 {
		tuning.CheckInterval = cfg.CheckInterval
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	graphCfg := graph.DefaultConfig()
	graphCfg.Address = cfg.DGraphAddress
	store, err := graph.NewStore(ctx, graphCfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to graph store", zap.Error(err))
	}
	defer store.Close()

	queueCfg := queue.DefaultConfig()
	queueCfg.Address = cfg.NATSAddress
	q, err := queue.Connect(queueCfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to queue", zap.Error(err))
	}
	defer q.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	defer rdb.Close()

	l1, err := cache.NewL1Cache(cfg.L1MaxCost, cfg.L1TTL, rdb, logger)
	if err != nil {
		logger.Fatal("failed to build l1 cache", zap.Error(err))
	}

	embedder, err := llm.NewEmbedder(cfg.AIServicesURL, logger)
	if err != nil {
		logger.Fatal("failed to build embedder", zap.Error(err))
	}
	llmCfg := llm.DefaultConfig()
	llmCfg.BaseURL = cfg.AIServicesURL
	llmSvc := llm.New(llmCfg, logger)

	resolver, err := entity.New(logger)
	if err != nil {
		logger.Fatal("failed to build resolver", zap.Error(err))
	}
	if err := resolver.Hydrate(ctx, store); err != nil {
		logger.Fatal("failed to hydrate resolver", zap.Error(err))
	}
	logger.Info("resolver hydrated", zap.Int("known_entities", resolver.Count()))

	recent := batch.NewRecentMessages()
	buffer := queue.NewIngestBuffer(rdb)
	dlq := queue.NewDLQ(rdb)
	emotions := queue.NewEmotionQueue(rdb)

	processor := batch.New(
		batch.DefaultConfig(),
		cfg.User, cfg.UserEntityID,
		resolver, store, llmSvc, embedder,
		buffer, q, dlq, emotions, recent,
		logger,
	)
	go processor.Run(ctx)

	builder := graphbuilder.New(store, q, rdb, cfg.User, logger)
	if err := builder.Start(ctx); err != nil {
		logger.Fatal("failed to start graph builder", zap.Error(err))
	}
	defer builder.Stop()

	state := scheduler.NewState(rdb)
	activity := scheduler.NewActivityTracker(rdb, cfg.User)
	dirty := scheduler.NewDirtySet(rdb, cfg.User)

	sched := scheduler.New(cfg.User, state, activity, tuning.CheckInterval, logger)
	sched.Register(scheduler.NewDLQReplayJob(cfg.User, dlq, logger))
	sched.Register(scheduler.NewMoodCheckpointJob(cfg.User, cfg.UserEntityID, emotions, store, logger))
	sched.Register(scheduler.NewProfileRefinementJob(
		cfg.User, cfg.UserEntityID, dirty, resolver, llmSvc, embedder, recent, q, state, tuning, logger,
	))
	sched.Register(scheduler.NewMergeDetectionJob(
		cfg.User, resolver, store, llmSvc, processor, state, rdb, tuning, logger,
	))
	sched.Start(ctx)
	defer sched.Shutdown(context.Background())

	cachedStore := agentloop.NewCachedStore(store, l1)
	tools := agentloop.NewTools(cfg.User, cachedStore, resolver, recent, nil, logger)
	runner := agentloop.NewRunner(cfg.User, llmSvc, resolver, tools, logger)

	logger.Info("vestige ready",
		zap.String("graph", cfg.DGraphAddress),
		zap.String("nats", cfg.NATSAddress),
		zap.String("redis", cfg.RedisAddress),
	)

	repl(ctx, cfg, runner, buffer, activity, logger)

	logger.Info("shutting down")
}

var messageSeq atomic.Int64

// repl drives a line-oriented console: plain lines are ingested as
// messages, "ask: <question>" runs one agent query synchronously and
// prints the answer. Exits when ctx is cancelled or stdin closes.
func repl(ctx context.Context, cfg config, runner *agentloop.Runner, buffer *queue.IngestBuffer, activity *scheduler.ActivityTracker, logger *zap.Logger) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println("vestige ready. Type a message to ingest it, or \"ask: <question>\" to query.")
	var history []agentloop.ConversationTurn

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if question, isAsk := strings.CutPrefix(line, "ask:"); isAsk {
				question = strings.TrimSpace(question)
				result, _ := runner.Run(ctx, question, history, nil, nil, "")
				fmt.Println(result.Response)
				if result.Question != "" {
					fmt.Println(result.Question)
				}
				history = append(history, agentloop.ConversationTurn{Role: "user", Content: question})
				history = append(history, agentloop.ConversationTurn{Role: "assistant", Content: result.Response})
				continue
			}

			msg := queue.RawMessage{ID: messageSeq.Add(1), Text: line, Timestamp: time.Now().Unix()}
			if err := buffer.Push(ctx, cfg.User, msg); err != nil {
				logger.Error("failed to buffer message", zap.Error(err))
				continue
			}
			if err := activity.Touch(ctx); err != nil {
				logger.Warn("failed to touch activity", zap.Error(err))
			}
		}
	}
}
