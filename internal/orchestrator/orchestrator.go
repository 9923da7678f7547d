// Package orchestrator is the modal driver: it wires the Catalog Store,
// Scanner, Hasher, Classifier Chain, AI Classifier Client, and Planner
// together for one of five modes (scan, hash, classify, plan, all), owns
// their worker pools, and propagates shutdown.
//
// Stage-to-stage handoff is NOT over NATS: each stage's worker pool is
// already the queue-with-backpressure the pipeline needs (the conc pools
// inside Scanner/Hasher/Chain, and the Catalog Store's own bounded
// batched-write channel). The Orchestrator additionally embeds an
// in-process NATS server purely as a coarse stage-progress event bus: it
// publishes "stage starting/complete" events to progressSubject and
// subscribes to its own subject to log them, so an operator tailing logs
// sees the same progress an external observer subscribed to the embedded
// server would. This is an observability convenience, not the bounded
// queue the concurrency model relies on for backpressure.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/sortkeep/curator/internal/aiclient"
	"github.com/sortkeep/curator/internal/apperr"
	"github.com/sortkeep/curator/internal/catalog"
	"github.com/sortkeep/curator/internal/classifier"
	"github.com/sortkeep/curator/internal/config"
	"github.com/sortkeep/curator/internal/hasher"
	"github.com/sortkeep/curator/internal/planner"
	"github.com/sortkeep/curator/internal/probe"
	"github.com/sortkeep/curator/internal/rules"
	"github.com/sortkeep/curator/internal/scanner"
)

// progressSubject is the NATS subject this process's stages publish
// coarse progress events to; Orchestrator itself subscribes to log them.
const progressSubject = "curator.progress"

// Orchestrator owns every stage and the embedded message bus that carries
// progress events for one run.
type Orchestrator struct {
	cfg     *config.Config
	log     *zap.Logger
	natsSrv *server.Server
	nc      *nats.Conn
	progSub *nats.Subscription

	store *catalog.Store
}

// New opens the catalog, starts the embedded NATS server, and constructs
// an Orchestrator ready to Run. Callers must call Close when done.
func New(cfg *config.Config, log *zap.Logger) (*Orchestrator, error) {
	store, err := catalog.Open(catalog.Config{
		Path:      cfg.Catalog.Path,
		BatchSize: cfg.Catalog.BatchSize,
	})
	if err != nil {
		return nil, err
	}

	natsSrv, nc, err := startEmbeddedBus()
	if err != nil {
		store.Close()
		return nil, apperr.NewConfigError("starting embedded message bus", err)
	}

	o := &Orchestrator{cfg: cfg, log: log, natsSrv: natsSrv, nc: nc, store: store}

	sub, err := nc.Subscribe(progressSubject, func(msg *nats.Msg) {
		o.log.Info("progress", zap.String("event", string(msg.Data)))
	})
	if err != nil {
		nc.Close()
		natsSrv.Shutdown()
		store.Close()
		return nil, apperr.NewConfigError("subscribing to progress subject", err)
	}
	o.progSub = sub

	return o, nil
}

func startEmbeddedBus() (*server.Server, *nats.Conn, error) {
	opts := &server.Options{
		DontListen: true, // in-process only; no TCP port is opened
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, nil, err
	}
	srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, nil, fmt.Errorf("embedded message bus did not become ready")
	}

	nc, err := nats.Connect("", nats.InProcessServer(srv))
	if err != nil {
		srv.Shutdown()
		return nil, nil, err
	}
	return srv, nc, nil
}

// Catalog exposes the underlying store for callers that need to inspect
// results after Run (the CLI's --json and --expect-* flags).
func (o *Orchestrator) Catalog() *catalog.Store {
	return o.store
}

// Close shuts down the message bus and catalog, in that order.
func (o *Orchestrator) Close() error {
	if o.progSub != nil {
		_ = o.progSub.Unsubscribe()
	}
	if o.nc != nil {
		o.nc.Close()
	}
	if o.natsSrv != nil {
		o.natsSrv.Shutdown()
	}
	return o.store.Close()
}

func (o *Orchestrator) publish(stage, message string) {
	if o.nc == nil {
		return
	}
	_ = o.nc.Publish(progressSubject, []byte(stage+": "+message))
}

// Run executes o.cfg.Mode. Modes compose: "all" runs scan, hash, classify,
// and plan in sequence against the same catalog snapshot.
func (o *Orchestrator) Run(ctx context.Context) error {
	switch o.cfg.Mode {
	case config.ModeScan:
		return o.runScan(ctx)
	case config.ModeHash:
		return o.runHash(ctx)
	case config.ModeClassify:
		return o.runClassify(ctx)
	case config.ModePlan:
		return o.runPlan(ctx)
	case config.ModeAll:
		if err := o.runScan(ctx); err != nil {
			return err
		}
		if err := o.runHash(ctx); err != nil {
			return err
		}
		if err := o.runClassify(ctx); err != nil {
			return err
		}
		return o.runPlan(ctx)
	default:
		return apperr.NewConfigError(fmt.Sprintf("unknown mode %q", o.cfg.Mode), nil)
	}
}

func (o *Orchestrator) runScan(ctx context.Context) error {
	o.publish("scan", "starting")
	sc := scanner.New(o.store, probe.NewDefaultProbe(), scanner.Config{
		RunID:       runID(ctx),
		Roots:       o.cfg.Scan.Roots,
		Workers:     o.cfg.Scan.Workers,
		IgnoreFiles: o.cfg.Scan.IgnoreFiles,
	})
	if err := sc.Run(ctx); err != nil {
		return err
	}
	o.publish("scan", "complete")
	return nil
}

func (o *Orchestrator) runHash(ctx context.Context) error {
	o.publish("hash", "starting")
	h := hasher.New(o.store, hasher.Config{
		Algorithm: o.cfg.Hash.Algorithm,
		Workers:   o.cfg.Hash.Workers,
	})
	if err := h.Run(ctx, o.cfg.Scan.Roots); err != nil {
		return err
	}
	o.publish("hash", "complete")
	return nil
}

func (o *Orchestrator) runClassify(ctx context.Context) error {
	o.publish("classify", "starting")

	engine, warnings, err := rules.Load(o.cfg.Classify.RulesFile)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		o.log.Warn("rules warning", zap.String("warning", w))
	}

	var ai aiclient.Client
	if o.cfg.Classify.AIEnabled && len(o.cfg.AI.Endpoints) > 0 {
		var endpoints []aiclient.EndpointSpec
		for _, raw := range o.cfg.AI.Endpoints {
			parsed, err := aiclient.ParseEndpoints(raw)
			if err != nil {
				return err
			}
			endpoints = append(endpoints, parsed...)
		}
		client, err := aiclient.New(aiclient.Config{
			Endpoints:      endpoints,
			RequestTimeout: o.cfg.AI.RequestTimeout,
			MaxRetries:     o.cfg.AI.MaxRetries,
			BaseBackoff:    o.cfg.AI.BaseBackoff,
			BatchSize:      o.cfg.AI.BatchSize,
			Logger:         o.log,
		})
		if err != nil {
			return err
		}
		ai = client
	}

	chain := classifier.New(o.store, engine, ai, classifier.Config{
		Workers:   o.cfg.Scan.Workers,
		AIEnabled: o.cfg.Classify.AIEnabled && ai != nil,
	})

	runCtx := ctx
	var cancel context.CancelFunc
	if o.cfg.Classify.WallClockBudget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.Classify.WallClockBudget)
		defer cancel()
	}

	if err := chain.Run(runCtx, o.cfg.Scan.Roots); err != nil {
		if runCtx.Err() != nil {
			// Wall-clock budget exceeded: the classify stage stops
			// here. Folders it had not reached are left unclassified
			// (no action is assigned to them and their files get no
			// category); the exceedance is logged and is not treated
			// as an invariant violation.
			o.log.Warn("classification wall-clock budget exceeded")
			return nil
		}
		return err
	}
	o.publish("classify", "complete")
	return nil
}

func (o *Orchestrator) runPlan(ctx context.Context) error {
	o.publish("plan", "starting")
	categories, err := planner.LoadCategories(o.cfg.Classify.CategoriesFile)
	if err != nil {
		return err
	}
	p := planner.New(o.store, categories, planner.Config{RunID: runID(ctx)})
	if err := p.Run(ctx, o.cfg.Scan.Roots); err != nil {
		return err
	}
	o.publish("plan", "complete")
	return nil
}

// runIDKey is the context key the CLI stamps a run ID under.
type runIDKey struct{}

// WithRunID returns a context carrying runID for record provenance.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func runID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}
