package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timmy/visionsearch/internal/domain"
	"github.com/timmy/visionsearch/internal/logger"
	"github.com/timmy/visionsearch/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Embedder produces vector bundles. The orchestrator is the production implementation.
type Embedder interface {
	EmbedText(ctx context.Context, text string) (domain.VectorBundle, error)
	EmbedMedia(ctx context.Context, in domain.Input) (domain.VectorBundle, error)
}

// OrchestratorConfig holds per-model call timeouts and optional metrics.
type OrchestratorConfig struct {
	DefaultTimeout time.Duration
	Timeouts       map[string]time.Duration
	Metrics        *metrics.Metrics
}

// Orchestrator fans one input out to every provider that accepts its modality
// and assembles the successful results into a VectorBundle.
type Orchestrator struct {
	table     *domain.ModelTable
	providers []EmbeddingProvider
	cfg       OrchestratorConfig
}

// NewOrchestrator creates an orchestrator over providers. Every provider must be
// described by table.
func NewOrchestrator(table *domain.ModelTable, providers []EmbeddingProvider, cfg OrchestratorConfig) (*Orchestrator, error) {
	for _, p := range providers {
		key := p.Descriptor().Key
		if _, ok := table.Lookup(key); !ok {
			return nil, fmt.Errorf("provider for unknown model %q", key)
		}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &Orchestrator{
		table:     table,
		providers: providers,
		cfg:       cfg,
	}, nil
}

// NewOrchestratorFromRegistry wires the registry's providers and timeouts.
func NewOrchestratorFromRegistry(reg *EmbeddingRegistry, defaultTimeout time.Duration, m *metrics.Metrics) (*Orchestrator, error) {
	return NewOrchestrator(reg.Table(), reg.Providers(), OrchestratorConfig{
		DefaultTimeout: defaultTimeout,
		Timeouts:       reg.Timeouts(),
		Metrics:        m,
	})
}

// Table returns the model table the orchestrator fills bundles for.
func (o *Orchestrator) Table() *domain.ModelTable {
	return o.table
}

// EmbedText embeds a text query with every text-capable model.
func (o *Orchestrator) EmbedText(ctx context.Context, text string) (domain.VectorBundle, error) {
	return o.embed(ctx, domain.TextInput(text))
}

// EmbedMedia embeds an image or video with every model accepting that modality.
func (o *Orchestrator) EmbedMedia(ctx context.Context, in domain.Input) (domain.VectorBundle, error) {
	if in.Modality == domain.ModalityText {
		return domain.VectorBundle{}, fmt.Errorf("%w: media input expected", domain.ErrInvalidQuery)
	}
	return o.embed(ctx, in)
}

// embed runs the applicable providers concurrently and joins them.
// Parameters:
//   - ctx: parent context. Cancelling it aborts all calls and discards partial results.
//   - in: normalized input.
// Returns:
//   - domain.VectorBundle: populated slots for every provider that succeeded.
//   - error: ErrInvalidQuery, ErrAllProvidersFailed, or the context error.
func (o *Orchestrator) embed(ctx context.Context, in domain.Input) (domain.VectorBundle, error) {
	if err := in.Validate(); err != nil {
		return domain.VectorBundle{}, err
	}

	var (
		mu       sync.Mutex
		vectors  = make(map[string][]float32, len(o.providers))
		failures []*domain.ProviderError
	)

	g, gctx := errgroup.WithContext(ctx)
	dispatched := 0
	for _, p := range o.providers {
		desc := p.Descriptor()
		if !desc.Supports(in.Modality) {
			continue
		}
		dispatched++

		provider := p
		g.Go(func() error {
			vec, err := o.call(gctx, provider, in)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == nil && len(vec) != desc.Dimensions {
				err = domain.NewProviderError(desc.Key, domain.ErrProviderFailure,
					fmt.Sprintf("got %d dimensions, want %d", len(vec), desc.Dimensions), nil)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, domain.AsProviderError(desc.Key, err))
				return nil
			}
			vectors[desc.Key] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return domain.VectorBundle{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.VectorBundle{}, err
	}

	bundle, err := domain.NewVectorBundle(o.table, vectors)
	if err != nil {
		return domain.VectorBundle{}, fmt.Errorf("failed to assemble vector bundle: %w", err)
	}
	o.cfg.Metrics.ObserveBundle(string(in.Modality), bundle.Len())

	if bundle.IsEmpty() {
		if dispatched == 0 {
			return domain.VectorBundle{}, fmt.Errorf("%w: no model accepts %s input", domain.ErrAllProvidersFailed, in.Modality)
		}
		return domain.VectorBundle{}, fmt.Errorf("%w: %s", domain.ErrAllProvidersFailed, summarizeFailures(failures))
	}

	logger.With(logger.Fields{
		logger.FieldCount:  bundle.Len(),
		logger.FieldStatus: strings.Join(bundle.Keys(), ","),
	}).Debug(ctx, "Embedded %s input: %d/%d models", in.Modality, bundle.Len(), dispatched)

	return bundle, nil
}

// call runs one provider under its timeout. Panics are converted to provider failures.
func (o *Orchestrator) call(ctx context.Context, p EmbeddingProvider, in domain.Input) (vec []float32, err error) {
	key := p.Descriptor().Key
	timeout := o.cfg.DefaultTimeout
	if t, ok := o.cfg.Timeouts[key]; ok && t > 0 {
		timeout = t
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			vec = nil
			err = domain.NewProviderError(key, domain.ErrProviderFailure, fmt.Sprintf("panic: %v", r), nil)
		}
		o.record(ctx, key, err, time.Since(start))
	}()

	vec, err = p.Embed(callCtx, in)
	if err == nil && callCtx.Err() != nil {
		err = domain.NewProviderError(key, domain.ErrProviderFailure, "timed out", callCtx.Err())
	}
	return vec, err
}

func (o *Orchestrator) record(ctx context.Context, key string, err error, elapsed time.Duration) {
	outcome := "success"
	entry := logger.With(logger.Fields{
		logger.FieldModel:      key,
		logger.FieldDurationMs: elapsed.Milliseconds(),
	})

	if err != nil {
		pe := domain.AsProviderError(key, err)
		outcome = pe.Outcome()
		entry = entry.With(logger.Fields{logger.FieldOutcome: outcome}).WithError(err)
		if errors.Is(pe.Kind, domain.ErrProviderFailure) {
			entry.Warn(ctx, "Embedding provider failed")
		} else {
			entry.Debug(ctx, "Embedding provider skipped")
		}
	}
	o.cfg.Metrics.ObserveProviderCall(key, outcome, elapsed)
}

func summarizeFailures(failures []*domain.ProviderError) string {
	sort.Slice(failures, func(i, j int) bool { return failures[i].Model < failures[j].Model })
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, f.Error())
	}
	return strings.Join(parts, "; ")
}
