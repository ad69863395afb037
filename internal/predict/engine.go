package predict

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"agrosentinel/internal/types"
)

// Engine runs trained models against feature vectors. It caches a bounded
// number of recent results per (model, input signature) and guarantees
// at-most-one computation in flight per key: duplicate concurrent requests
// join the running computation instead of recomputing.
type Engine struct {
	registry      *Registry
	minConfidence float64
	logger        *slog.Logger
	clock         types.Clock

	flight singleflight.Group

	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List // LRU order, front = most recent
	limit int
}

type cacheItem struct {
	key    string
	result *types.PredictionResult
}

// EngineConfig holds the configuration for creating an Engine.
type EngineConfig struct {
	Registry      *Registry
	MinConfidence float64
	CacheSize     int
	Logger        *slog.Logger
	Clock         types.Clock
}

// NewEngine creates a prediction engine over the loaded registry.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	limit := cfg.CacheSize
	if limit <= 0 {
		limit = 256
	}
	return &Engine{
		registry:      cfg.Registry,
		minConfidence: cfg.MinConfidence,
		logger:        logger,
		clock:         clock,
		cache:         make(map[string]*list.Element),
		order:         list.New(),
		limit:         limit,
	}
}

// Predict scores the feature vector with the identified model.
//
// An unknown model ID fails with model_not_found. Results below the
// configured minimum confidence, or built from degraded input, are flagged
// Degraded rather than withheld: the caller decides how to present them.
//
// Cancellation: the computation itself is pure and fast, but callers may
// share an in-flight computation; a cancelled caller simply stops waiting,
// the shared computation completes and is cached for the others.
func (e *Engine) Predict(ctx context.Context, modelID string, fv *types.FeatureVector) (*types.PredictionResult, error) {
	model, err := e.registry.Get(modelID)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s|%s", modelID, fv.Signature())

	if cached, ok := e.cacheGet(key); ok {
		return cached, nil
	}

	resCh := e.flight.DoChan(key, func() (any, error) {
		result, err := e.compute(model, key, fv)
		if err != nil {
			return nil, err
		}
		e.cachePut(key, result)
		return result, nil
	})

	select {
	case res := <-resCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.PredictionResult), nil
	case <-ctx.Done():
		// The shared computation keeps running for other waiters; only this
		// caller abandons it.
		return nil, ctx.Err()
	}
}

// Latest returns the cached result for (modelID, signature) if present.
// Used by the UI query path to avoid recomputation.
func (e *Engine) Latest(modelID, signature string) (*types.PredictionResult, bool) {
	return e.cacheGet(fmt.Sprintf("%s|%s", modelID, signature))
}

// compute runs the model and assembles the immutable result record.
func (e *Engine) compute(model types.Model, key string, fv *types.FeatureVector) (*types.PredictionResult, error) {
	value, confidence, err := model.Predict(fv)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("model %s inference failed", model.ID()), err)
	}

	// Degraded input (imputed features) halves the reported confidence so
	// downstream consumers never mistake a gap-filled prediction for a
	// fully observed one.
	if fv.Degraded {
		confidence *= 0.5
	}

	result := &types.PredictionResult{
		ID:             uuid.New().String(),
		ModelID:        model.ID(),
		InputRef:       fv.Signature(),
		PredictedValue: value,
		Confidence:     confidence,
		Degraded:       fv.Degraded || confidence < e.minConfidence,
		ProducedAt:     e.clock.Now(),
	}

	e.logger.Debug("prediction computed",
		"model_id", model.ID(),
		"input_ref", result.InputRef,
		"confidence", confidence,
		"degraded", result.Degraded,
	)
	return result, nil
}

func (e *Engine) cacheGet(key string) (*types.PredictionResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	elem, ok := e.cache[key]
	if !ok {
		return nil, false
	}
	e.order.MoveToFront(elem)
	return elem.Value.(*cacheItem).result, true
}

func (e *Engine) cachePut(key string, result *types.PredictionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if elem, ok := e.cache[key]; ok {
		e.order.MoveToFront(elem)
		elem.Value.(*cacheItem).result = result
		return
	}

	elem := e.order.PushFront(&cacheItem{key: key, result: result})
	e.cache[key] = elem

	for e.order.Len() > e.limit {
		oldest := e.order.Back()
		if oldest == nil {
			break
		}
		e.order.Remove(oldest)
		delete(e.cache, oldest.Value.(*cacheItem).key)
	}
}

// CacheLen reports the number of cached results. Test hook.
func (e *Engine) CacheLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Len()
}
