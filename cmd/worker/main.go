package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/tracelight-io/tracelight/internal/config"
	"github.com/tracelight-io/tracelight/internal/db"
	"github.com/tracelight-io/tracelight/internal/queue"
	"github.com/tracelight-io/tracelight/internal/report"
	"github.com/tracelight-io/tracelight/internal/util"
	"github.com/tracelight-io/tracelight/pkg/graph"
	"github.com/tracelight-io/tracelight/pkg/leaselock"
	"github.com/tracelight-io/tracelight/pkg/logger"
	"github.com/tracelight-io/tracelight/pkg/logger/console"
	"github.com/tracelight-io/tracelight/pkg/memory"
	"github.com/tracelight-io/tracelight/pkg/pipeline"
	storepgx "github.com/tracelight-io/tracelight/pkg/store/pgx"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.New(console.Params{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	// database
	databaseURL := util.GetEnv("DATABASE_URL")
	if err := db.Migrate(databaseURL); err != nil {
		logger.Fatal("Migrations failed", "err", err)
	}
	pgConn, err := db.Connect(ctx, databaseURL)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	// pipeline wiring
	graphStore := storepgx.NewGraphDBStorage(pgConn)
	memoryStore := storepgx.NewMemoryDBStorage(pgConn)
	engine := graph.New(graphStore, *cfg)
	memClient := memory.New(memoryStore, cfg.Memory)
	locker := leaselock.New(pgConn)
	pipe := pipeline.New(cfg, engine, memClient, locker)

	// report archival
	s3Client := report.NewS3Client(ctx)
	var archiver *report.Archiver
	if s3Client != nil {
		archiver = report.NewArchiver(s3Client)
	} else {
		logger.Warn("S3 unavailable, report archival disabled")
	}

	// rabbitmq
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, queue.Queues); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	// Prefetch matches the run concurrency limit so the broker never
	// hands us more than we can work on.
	if err := consumerCh.Qos(cfg.ParallelRuns, 0, true); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	logger.Info("Listening for messages", "parallel_runs", cfg.ParallelRuns)

	type queuedMessage struct {
		msg       amqp.Delivery
		queueName string
	}

	messageChan := make(chan queuedMessage)

	for _, queueName := range queue.Queues {
		go func(qName string) {
			consumerTag := fmt.Sprintf("%s_consumer", qName)
			msgs, err := consumerCh.Consume(
				qName,
				consumerTag,
				false, // autoAck
				false, // exclusive
				false, // noLocal
				false, // noWait
				nil,   // args
			)
			if err != nil {
				logger.Fatal("Failed to start consuming", "queue", qName, "err", err)
			}

			for {
				select {
				case <-ctx.Done():
					logger.Info("Stopping consumer", "queue", qName)
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("Message channel closed", "queue", qName)
						return
					}
					messageChan <- queuedMessage{msg: msg, queueName: qName}
				}
			}
		}(queueName)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.ParallelRuns)

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case qm := <-messageChan:
				g.Go(func() error {
					startTime := time.Now()
					logger.Info("Received message", "queue", qm.queueName)

					var processingErr error
					switch qm.queueName {
					case queue.AnalyzeQueue:
						processingErr = queue.ProcessAnalyzeMessage(gctx, pipe, archiver, ch, string(qm.msg.Body))
					case queue.PruneQueue:
						processingErr = queue.ProcessPruneMessage(gctx, engine, string(qm.msg.Body))
					}

					if processingErr != nil {
						logger.Error("Error processing message", "queue", qm.queueName, "err", processingErr)
						queue.HandleProcessingError(consumerCh, qm.msg, qm.queueName)
					} else {
						if err := qm.msg.Ack(false); err != nil {
							logger.Error("Failed to ack message", "err", err)
						}
						logger.Info("Message processed", "queue", qm.queueName, "took", time.Since(startTime).Round(time.Millisecond))
					}
					return nil
				})
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining in-flight runs...")
	_ = g.Wait()
}
