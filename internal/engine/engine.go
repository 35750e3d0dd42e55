// Package engine is the top-level entry point of the harmonizer. Each
// invocation executes exactly one step; the orchestration layer sequences
// invocations and threads discovery output into dedup invocations. The
// engine never retries a step itself, it only reports a typed outcome.
package engine

import (
	"context"
	"fmt"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/omophub/harmonizer/internal/consolidate"
	"github.com/omophub/harmonizer/internal/dedup"
	"github.com/omophub/harmonizer/internal/duckdb"
	"github.com/omophub/harmonizer/internal/jobs"
	"github.com/omophub/harmonizer/internal/layout"
	"github.com/omophub/harmonizer/internal/model"
	"github.com/omophub/harmonizer/internal/objectstore"
	"github.com/omophub/harmonizer/internal/route"
	bqsink "github.com/omophub/harmonizer/internal/sink/bigquery"
	"github.com/omophub/harmonizer/internal/step"
	"github.com/omophub/harmonizer/internal/vocab"
)

// Request carries the arguments of one step invocation. Per-file steps
// address a source file; site-level steps address a delivery; the dedup
// step addresses one discovered table.
type Request struct {
	Step model.StepKind

	// Per-file steps. FilePath is the full file reference; JobID resumes
	// an existing job, empty starts a new one on the first step.
	FilePath     string
	JobID        string
	Site         string
	VocabVersion string
	CDMVersion   string
	ProjectID    string
	DatasetID    string

	// Site-level steps.
	Bucket       string
	DeliveryDate string

	// Dedup step.
	Table model.TableConfig
}

type Engine struct {
	conf         *config.Config
	log          logger.Logger
	statsFactory stats.Stats

	conn     *duckdb.Conn
	stores   objectstore.Factory
	vocab    *vocab.Manager
	executor *step.Executor
	cons     *consolidate.Consolidator
	deduper  *dedup.Deduper
	sink     *bqsink.Loader

	config struct {
		warehouseLoad bool
	}
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, conn *duckdb.Conn, stores objectstore.Factory) (*Engine, error) {
	routes, err := route.New()
	if err != nil {
		return nil, fmt.Errorf("building routing catalog: %w", err)
	}

	vocabStore, err := stores(conf.GetString("Harmonizer.Vocab.bucket", "vocab"))
	if err != nil {
		return nil, fmt.Errorf("opening vocabulary bucket: %w", err)
	}
	vocabManager, err := vocab.New(conf, log, statsFactory, conn, vocabStore)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		conf:         conf,
		log:          log.Child("engine"),
		statsFactory: statsFactory,
		conn:         conn,
		stores:       stores,
		vocab:        vocabManager,
		executor:     step.New(conf, log, statsFactory, conn, routes),
		cons:         consolidate.New(conf, log, statsFactory, conn),
		deduper:      dedup.New(conf, log, statsFactory, conn),
		sink:         bqsink.New(conf, log),
	}
	e.config.warehouseLoad = conf.GetBool("Harmonizer.BigQuery.load", false)
	return e, nil
}

// ExecuteStep runs one step and reports its outcome. Failures are folded
// into the result rather than returned, so the caller can always persist
// and surface the outcome; only argument errors return err.
func (e *Engine) ExecuteStep(ctx context.Context, req Request) (model.StepResult, error) {
	if !req.Step.Valid() {
		return model.StepResult{}, fmt.Errorf("unknown step %q", req.Step)
	}

	if req.Step.PerFile() {
		return e.executeFileStep(ctx, req)
	}

	switch req.Step {
	case model.StepConsolidate:
		return e.executeConsolidate(ctx, req)
	case model.StepDiscoverDedupTargets:
		return e.executeDiscover(ctx, req)
	case model.StepDeduplicateTable:
		return e.executeDedup(ctx, req)
	}
	return model.StepResult{}, fmt.Errorf("unhandled step %q", req.Step)
}

func (e *Engine) executeFileStep(ctx context.Context, req Request) (model.StepResult, error) {
	if req.FilePath == "" {
		return model.StepResult{}, fmt.Errorf("%w: step %q needs a file path", model.ErrMissingRequiredField, req.Step)
	}

	bucket, deliveryDate, err := layout.ParseDeliveryPath(req.FilePath)
	if err != nil {
		return model.StepResult{}, err
	}
	store, err := e.stores(bucket)
	if err != nil {
		return model.StepResult{}, fmt.Errorf("opening delivery bucket %q: %w", bucket, err)
	}
	mgr := jobs.NewManager(jobs.NewStatusStore(store), e.log)

	job, err := e.resolveJob(ctx, mgr, req, deliveryDate)
	if err != nil {
		return model.Errored(model.ErrorKind(err), err.Error()), nil
	}

	current, ok := job.CurrentStep()
	if !ok || current != req.Step {
		err := fmt.Errorf("%w: job %q expects step %q, got %q",
			model.ErrStepOutOfOrder, job.ID, current, req.Step)
		return model.Errored(model.ErrorKind(err), err.Error()), nil
	}

	idx, err := e.vocab.Ensure(ctx, job.VocabVersion)
	if err != nil {
		_ = mgr.Fail(ctx, job, err)
		return model.Errored(model.ErrorKind(err), err.Error()), nil
	}

	if err := e.executor.Execute(ctx, store, job, idx, req.Step); err != nil {
		_ = mgr.Fail(ctx, job, err)
		return model.Errored(model.ErrorKind(err), err.Error()), nil
	}

	if err := mgr.Advance(ctx, job, job.CurrentStepIndex); err != nil {
		return model.Errored(model.ErrorKind(err), err.Error()), nil
	}
	return model.Advanced(job.CurrentStepIndex, job.Status == model.JobCompleted), nil
}

// resolveJob resumes the referenced job, or creates one when the first
// step arrives without a job id.
func (e *Engine) resolveJob(ctx context.Context, mgr *jobs.Manager, req Request, deliveryDate string) (*model.Job, error) {
	if req.JobID != "" {
		job, err := mgr.Resume(ctx, deliveryDate, req.JobID)
		if err != nil {
			return nil, err
		}
		return job, nil
	}

	if req.Step != model.StepSourceTargetRemap {
		return nil, fmt.Errorf("%w: step %q needs a job id", model.ErrJobNotFound, req.Step)
	}
	job, err := jobs.NewJob(req.FilePath, req.Site, req.VocabVersion, req.CDMVersion, req.ProjectID, req.DatasetID)
	if err != nil {
		return nil, err
	}
	if err := mgr.Start(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (e *Engine) executeConsolidate(ctx context.Context, req Request) (model.StepResult, error) {
	store, mgr, err := e.deliveryContext(req)
	if err != nil {
		return model.StepResult{}, err
	}

	pending, err := mgr.Incomplete(ctx, req.DeliveryDate)
	if err != nil {
		return model.Errored(model.ErrorKind(err), err.Error()), nil
	}
	if len(pending) > 0 {
		err := fmt.Errorf("%w: %d jobs of delivery %q have not completed",
			model.ErrStepOutOfOrder, len(pending), req.DeliveryDate)
		return model.Errored(model.ErrorKind(err), err.Error()), nil
	}

	if err := e.cons.Run(ctx, store, req.DeliveryDate); err != nil {
		return model.Errored(model.ErrorKind(err), err.Error()), nil
	}
	return model.Advanced(0, true), nil
}

func (e *Engine) executeDiscover(ctx context.Context, req Request) (model.StepResult, error) {
	store, _, err := e.deliveryContext(req)
	if err != nil {
		return model.StepResult{}, err
	}

	configs, err := e.deduper.Discover(ctx, store, &model.Job{
		Bucket:       req.Bucket,
		DeliveryDate: req.DeliveryDate,
		Site:         req.Site,
		CDMVersion:   req.CDMVersion,
		ProjectID:    req.ProjectID,
		DatasetID:    req.DatasetID,
	})
	if err != nil {
		return model.Errored(model.ErrorKind(err), err.Error()), nil
	}

	result := model.Advanced(0, true)
	result.TableConfigs = configs
	return result, nil
}

func (e *Engine) executeDedup(ctx context.Context, req Request) (model.StepResult, error) {
	if req.Table.TableName == "" || req.Table.Bucket == "" {
		return model.StepResult{}, fmt.Errorf("%w: step %q needs a table config", model.ErrMissingRequiredField, req.Step)
	}
	store, err := e.stores(req.Table.Bucket)
	if err != nil {
		return model.StepResult{}, fmt.Errorf("opening delivery bucket %q: %w", req.Table.Bucket, err)
	}

	if err := e.deduper.DeduplicateTable(ctx, store, req.Table); err != nil {
		return model.Errored(model.ErrorKind(err), err.Error()), nil
	}

	if e.config.warehouseLoad {
		sourceURI := store.URI(req.Table.FilePath)
		if err := e.sink.Load(ctx, req.Table, sourceURI); err != nil {
			return model.Errored(model.ErrorKind(err), err.Error()), nil
		}
	}
	return model.Advanced(0, true), nil
}

func (e *Engine) deliveryContext(req Request) (objectstore.Store, *jobs.Manager, error) {
	if req.Bucket == "" || req.DeliveryDate == "" {
		return nil, nil, fmt.Errorf("%w: step %q needs bucket and delivery date", model.ErrMissingRequiredField, req.Step)
	}
	store, err := e.stores(req.Bucket)
	if err != nil {
		return nil, nil, fmt.Errorf("opening delivery bucket %q: %w", req.Bucket, err)
	}
	return store, jobs.NewManager(jobs.NewStatusStore(store), e.log), nil
}
