package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/docpipe/docpipe/pkg/api"
	"github.com/docpipe/docpipe/pkg/config"
	"github.com/docpipe/docpipe/pkg/logging"
	"github.com/docpipe/docpipe/pkg/metrics"
	"github.com/docpipe/docpipe/pkg/models"
	"github.com/docpipe/docpipe/pkg/ratelimit"
	"github.com/docpipe/docpipe/pkg/resources"
	"github.com/docpipe/docpipe/pkg/scheduler"
	"github.com/docpipe/docpipe/pkg/shutdown"
	"github.com/docpipe/docpipe/pkg/store"
	"github.com/docpipe/docpipe/pkg/taskqueue"
	"github.com/docpipe/docpipe/pkg/tracing"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "path to config file")
		ocrURL   = flag.String("ocr-url", os.Getenv("DOCPIPE_OCR_URL"), "external OCR provider endpoint")
		llmURL   = flag.String("llm-url", os.Getenv("DOCPIPE_LLM_URL"), "LLM provider endpoint")
		logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger, err := logging.NewFileLogger("server", logging.ParseLevel(*logLevel), false)
	if err != nil {
		logger = logging.NewLogger(logging.ParseLevel(*logLevel), false)
		logger.Warn(fmt.Sprintf("File logging unavailable: %v", err))
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal(fmt.Sprintf("Failed to load config: %v", err))
	}

	st, err := store.NewStore(cfg.StoreConfig())
	if err != nil {
		logger.Fatal(fmt.Sprintf("Failed to open job store: %v", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	queue, err := taskqueue.Dial(ctx, cfg.RedisConfig())
	cancel()
	if err != nil {
		logger.Fatal(fmt.Sprintf("Failed to connect to redis: %v", err))
	}
	dlq := taskqueue.NewDeadLetters(queue.Client())

	monitor, err := resources.NewMonitor(cfg.ResourceLimits())
	if err != nil {
		logger.Fatal(fmt.Sprintf("Failed to start resource monitor: %v", err))
	}

	exporter := metrics.NewExporter(st, queue, monitor)

	pool := scheduler.NewWorkerPool(st, queue, dlq, monitor,
		ocrProcessor(*ocrURL), llmProcessor(*llmURL), cfg.PoolConfig())
	pool.SetRecorder(exporter)
	if cfg.Workers.Enabled {
		pool.Start()
	} else {
		// API-only instance: jobs queue up for a worker-enabled peer
		logger.Warn("Workers disabled by configuration, serving API only")
	}

	tp, err := tracing.Init(cfg.TracingConfig())
	if err != nil {
		logger.Fatal(fmt.Sprintf("Failed to initialize tracing: %v", err))
	}

	handler := api.NewHandler(st, queue, dlq, monitor)
	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(tp))
	if cfg.RateLimit.RPS > 0 {
		limiter := ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		router.Use(limiter.Middleware(ratelimit.ClientKey))
	}
	handler.RegisterRoutes(router)
	router.Handle("/metrics", exporter.Handler()).Methods("GET")

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	mgr := shutdown.New(45 * time.Second)
	mgr.Register(tp.Shutdown)
	mgr.Register(shutdown.CloseResource(st, "job store"))
	mgr.Register(shutdown.CloseResource(queue, "task queue"))
	if cfg.Workers.Enabled {
		mgr.Register(shutdown.StopWorkers(pool.Stop, "worker pool"))
	}
	mgr.Register(shutdown.StopHTTPServer(server, "api"))

	go func() {
		logger.Info(fmt.Sprintf("API listening on %s", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(fmt.Sprintf("HTTP server failed: %v", err))
		}
	}()

	if err := mgr.WaitWithContext(context.Background()); err != nil {
		logger.Error(fmt.Sprintf("Shutdown error: %v", err))
	}
	logger.Close()
}

// ocrProcessor triggers the external OCR provider synchronously. With
// no provider configured, jobs are completed with a stub payload so the
// pipeline can run end to end in development.
func ocrProcessor(url string) scheduler.OCRProcessor {
	if url == "" {
		return func(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
			return map[string]interface{}{
				"document_id": job.DocumentID,
				"provider":    job.Provider,
				"stub":        true,
			}, nil
		}
	}

	client := &http.Client{}
	return func(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
		payload, err := json.Marshal(map[string]interface{}{
			"document_id":    job.DocumentID,
			"provider":       job.Provider,
			"transaction_id": job.TransactionID,
			"request_id":     job.RequestID,
		})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("ocr provider call: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("ocr provider returned %d: %s", resp.StatusCode, body)
		}

		var result map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("ocr provider response: %w", err)
		}
		return result, nil
	}
}

// llmProcessor calls the LLM provider for one task
func llmProcessor(url string) scheduler.TaskProcessor {
	if url == "" {
		return func(ctx context.Context, task *models.Task) (string, error) {
			return fmt.Sprintf("stub %s output for document %s", task.Type, task.DocumentID), nil
		}
	}

	client := &http.Client{}
	return func(ctx context.Context, task *models.Task) (string, error) {
		payload, err := json.Marshal(map[string]interface{}{
			"type":   task.Type,
			"text":   task.Text,
			"schema": task.Schema,
		})
		if err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("llm provider call: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return "", fmt.Errorf("llm provider returned %d: %s", resp.StatusCode, body)
		}

		var out struct {
			Result string `json:"result"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("llm provider response: %w", err)
		}
		return out.Result, nil
	}
}
