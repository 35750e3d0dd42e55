package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/omophub/harmonizer/internal/duckdb"
	"github.com/omophub/harmonizer/internal/engine"
	"github.com/omophub/harmonizer/internal/model"
	"github.com/omophub/harmonizer/internal/objectstore"
)

// The binary executes exactly one harmonization step per invocation and
// exits zero on success. The orchestration layer (the workflow engine that
// schedules steps) passes all arguments through the environment and reads
// the step result from stdout.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	cancel()
	os.Exit(exitCode)
}

func run(ctx context.Context) int {
	conf := config.Default
	logFactory := logger.NewFactory(conf)
	defer logFactory.Sync()
	log := logFactory.NewLogger().Child("harmonizer")

	conn, err := duckdb.New(conf, log)
	if err != nil {
		log.Errorw("opening relational substrate", "error", err)
		return 1
	}
	defer func() { _ = conn.Close() }()

	stores, err := storeFactory(ctx, conf)
	if err != nil {
		log.Errorw("configuring object storage", "error", err)
		return 1
	}

	eng, err := engine.New(conf, log, stats.Default, conn, stores)
	if err != nil {
		log.Errorw("building engine", "error", err)
		return 1
	}

	req, err := requestFromEnv(conf)
	if err != nil {
		log.Errorw("reading step arguments", "error", err)
		return 1
	}

	result, err := eng.ExecuteStep(ctx, req)
	if err != nil {
		log.Errorw("executing step", "step", string(req.Step), "error", err)
		return 1
	}

	if err := emit(conf, result); err != nil {
		log.Errorw("writing step result", "error", err)
		return 1
	}
	if result.Kind == model.StepErrored {
		log.Errorw("step failed",
			"step", string(req.Step), "errorKind", result.ErrorKind, "message", result.Message)
		return 1
	}
	return 0
}

func storeFactory(ctx context.Context, conf *config.Config) (objectstore.Factory, error) {
	switch backend := conf.GetString("Harmonizer.Storage.backend", "gcs"); backend {
	case "gcs":
		return objectstore.NewGCSFactory(ctx, conf), nil
	case "local":
		return objectstore.NewLocalFactory(conf.GetString("Harmonizer.Storage.localRoot", ".")), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// requestFromEnv reads the step contract: STEP selects the step, FILE_PATH
// and JOB_ID address per-file steps, BUCKET and DELIVERY_DATE the
// site-level ones, and TABLE_CONFIG carries one discovered dedup unit.
func requestFromEnv(conf *config.Config) (engine.Request, error) {
	req := engine.Request{
		Step:         model.StepKind(conf.GetString("STEP", "")),
		FilePath:     conf.GetString("FILE_PATH", ""),
		JobID:        conf.GetString("JOB_ID", ""),
		Site:         conf.GetString("SITE", ""),
		VocabVersion: conf.GetString("VOCAB_VERSION", ""),
		CDMVersion:   conf.GetString("OMOP_VERSION", ""),
		ProjectID:    conf.GetString("PROJECT_ID", ""),
		DatasetID:    conf.GetString("DATASET_ID", ""),
		Bucket:       conf.GetString("BUCKET", ""),
		DeliveryDate: conf.GetString("DELIVERY_DATE", ""),
	}

	if raw := conf.GetString("TABLE_CONFIG", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Table); err != nil {
			return engine.Request{}, fmt.Errorf("decoding TABLE_CONFIG: %w", err)
		}
	}
	if req.Step == "" {
		return engine.Request{}, fmt.Errorf("STEP is required")
	}
	return req, nil
}

// emit writes the step result to stdout, and the discovered table configs
// to OUTPUT_PATH when set, so the orchestration layer can fan them out
// without parsing logs.
func emit(conf *config.Config, result model.StepResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding step result: %w", err)
	}
	fmt.Println(string(data))

	outputPath := conf.GetString("OUTPUT_PATH", "")
	if outputPath == "" || len(result.TableConfigs) == 0 {
		return nil
	}
	configs, err := json.Marshal(result.TableConfigs)
	if err != nil {
		return fmt.Errorf("encoding table configs: %w", err)
	}
	return os.WriteFile(outputPath, configs, 0o644)
}
