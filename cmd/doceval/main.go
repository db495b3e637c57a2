// doceval drives a single documentation evaluation run end to end from the
// command line, in lieu of the HTTP/form surface (out of scope for this
// module): flags describe a CreateRunRequest, the run is created and
// executed against in-process collaborators, and the Event Log is tailed to
// stdout until the run reaches a terminal status.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/doceval/internal/agentloop"
	"github.com/codeready-toolchain/doceval/internal/budget"
	"github.com/codeready-toolchain/doceval/internal/config"
	"github.com/codeready-toolchain/doceval/internal/events"
	"github.com/codeready-toolchain/doceval/internal/ingest"
	"github.com/codeready-toolchain/doceval/internal/judge"
	"github.com/codeready-toolchain/doceval/internal/modelclient"
	"github.com/codeready-toolchain/doceval/internal/orchestrator"
	"github.com/codeready-toolchain/doceval/internal/phase"
	"github.com/codeready-toolchain/doceval/internal/runstate"
	"github.com/codeready-toolchain/doceval/internal/store/memstore"
	"github.com/codeready-toolchain/doceval/internal/workerpool"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	docsURL := flag.String("docs-url", "", "Base URL of the documentation site to evaluate")
	modelAddr := flag.String("model-addr", getEnv("MODEL_SERVICE_ADDR", "localhost:9090"), "Address of the model-serving sidecar")
	maxTasks := flag.Int("max-tasks", 0, "Override the default max task count (0 uses the config default)")
	enableOptimization := flag.Bool("enable-skill-optimization", false, "Run the optimization phase after baseline")
	workerDefaultsPath := flag.String("worker-assignments-file", "", "Optional YAML file of static worker assignments (provider/model/quantity)")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	if *docsURL == "" {
		log.Fatal("doceval: -docs-url is required")
	}

	grpcBackend, err := modelclient.NewGRPCClient(*modelAddr)
	if err != nil {
		log.Fatalf("doceval: failed to dial model service at %s: %v", *modelAddr, err)
	}
	defer grpcBackend.Close()
	client := modelclient.NewSchemaRetryClient(grpcBackend)

	req := config.CreateRunRequest{
		DocsURL:                 *docsURL,
		MaxTasks:                *maxTasks,
		EnableSkillOptimization: *enableOptimization,
	}
	if *workerDefaultsPath != "" {
		workers, err := config.LoadWorkerDefaults(*workerDefaultsPath)
		if err != nil {
			log.Fatalf("doceval: load worker defaults: %v", err)
		}
		req.Workers = workers
	}
	cfg, err := config.Normalize(req)
	if err != nil {
		log.Fatalf("doceval: invalid run request: %v", err)
	}

	st := memstore.New()
	evLog := events.New(st)
	rs := runstate.New(st, evLog)
	acct := budget.New(st, nil)
	loop := agentloop.New(st, evLog, acct, client)
	j := judge.New(client, cfg.JudgeModel, cfg.TieBreakEnabled)
	pool := workerpool.New(st, evLog, loop, j)
	ex := phase.New(st, evLog, rs, pool, client, cfg.JudgeModel)
	entry := orchestrator.New(st, evLog, rs, nilIngestor{}, client, ex, cfg.RunModel)

	ctx := context.Background()
	run, err := entry.CreateRun(ctx, *docsURL, cfg)
	if err != nil {
		log.Fatalf("doceval: create run: %v", err)
	}
	log.Printf("Created run %s for %s", run.ID, *docsURL)

	entry.StartRunInBackground(run.ID)
	tailEvents(ctx, entry, run.ID)
}

// nilIngestor is a placeholder Ingestor for the CLI entrypoint: the real
// crawler implementation is out of scope for this module and wired in by
// whatever deployment assembles one (an HTTP crawler, a sitemap walker, …).
type nilIngestor struct{}

func (nilIngestor) Ingest(_ context.Context, docsURL string, _ ingest.Options) (*ingest.Result, error) {
	return nil, fmt.Errorf("doceval: no Ingestor wired for %s; this binary only demonstrates orchestration wiring", docsURL)
}

// tailEvents polls the Event Log from afterID=0 until the run reaches a
// terminal status, printing each event as one JSON line.
func tailEvents(ctx context.Context, entry *orchestrator.Entry, runID string) {
	var afterID int64
	for {
		evs, err := entry.StreamEvents(ctx, runID, afterID, 100)
		if err != nil {
			log.Fatalf("doceval: stream events: %v", err)
		}
		for _, ev := range evs {
			line, _ := json.Marshal(ev)
			fmt.Println(string(line))
			afterID = ev.ID
		}

		run, err := entry.GetRunDetail(ctx, runID)
		if err != nil {
			log.Fatalf("doceval: get run detail: %v", err)
		}
		if run.Status.Terminal() {
			log.Printf("Run %s finished with status %s", runID, run.Status)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}
