package predict

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agrosentinel/internal/types"
)

// countingModel counts Predict invocations and can block until released,
// to hold a computation in flight.
type countingModel struct {
	id         string
	value      float64
	confidence float64
	calls      atomic.Int32
	block      chan struct{} // nil means never block
}

func (m *countingModel) ID() string                 { return m.id }
func (m *countingModel) RequiredFeatures() []string { return []string{"a"} }

func (m *countingModel) Predict(fv *types.FeatureVector) (float64, float64, error) {
	m.calls.Add(1)
	if m.block != nil {
		<-m.block
	}
	return m.value, m.confidence, nil
}

func testVector() *types.FeatureVector {
	return &types.FeatureVector{Features: map[string]float64{"a": 0.5}}
}

func TestEnginePredictCachesBySignature(t *testing.T) {
	model := &countingModel{id: "m:v1", value: 3.2, confidence: 0.9}
	engine := NewEngine(EngineConfig{
		Registry:      NewRegistryFromModels(model),
		MinConfidence: 0.5,
	})

	first, err := engine.Predict(context.Background(), "m:v1", testVector())
	if err != nil {
		t.Fatalf("first predict: %v", err)
	}
	second, err := engine.Predict(context.Background(), "m:v1", testVector())
	if err != nil {
		t.Fatalf("second predict: %v", err)
	}

	if model.calls.Load() != 1 {
		t.Errorf("model invoked %d times, want 1 (second call served from cache)", model.calls.Load())
	}
	if first.ID != second.ID {
		t.Error("cached call should return the identical result record")
	}
	if first.InputRef != testVector().Signature() {
		t.Errorf("InputRef = %s, want vector signature %s", first.InputRef, testVector().Signature())
	}
}

func TestEnginePredictDeduplicatesConcurrentCalls(t *testing.T) {
	model := &countingModel{id: "m:v1", value: 1, confidence: 0.9, block: make(chan struct{})}
	engine := NewEngine(EngineConfig{
		Registry:      NewRegistryFromModels(model),
		MinConfidence: 0.5,
	})

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*types.PredictionResult, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.Predict(context.Background(), "m:v1", testVector())
		}(i)
	}

	// Give the goroutines time to pile onto the in-flight computation,
	// then release it.
	time.Sleep(50 * time.Millisecond)
	close(model.block)
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i] == nil {
			t.Fatalf("worker %d: nil result", i)
		}
	}
	if got := model.calls.Load(); got != 1 {
		t.Errorf("model invoked %d times under concurrency, want exactly 1", got)
	}
}

func TestEnginePredictCancellationLeavesComputationRunning(t *testing.T) {
	model := &countingModel{id: "m:v1", value: 1, confidence: 0.9, block: make(chan struct{})}
	engine := NewEngine(EngineConfig{
		Registry:      NewRegistryFromModels(model),
		MinConfidence: 0.5,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := engine.Predict(ctx, "m:v1", testVector())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v, want context.Canceled", err)
	}

	// The shared computation completes and lands in the cache for others.
	close(model.block)
	result, err := engine.Predict(context.Background(), "m:v1", testVector())
	if err != nil {
		t.Fatalf("follow-up predict: %v", err)
	}
	if result == nil {
		t.Fatal("follow-up predict returned nil result")
	}
	if got := model.calls.Load(); got != 1 {
		t.Errorf("model invoked %d times, want 1 (cancellation must not rerun)", got)
	}
}

func TestEnginePredictUnknownModel(t *testing.T) {
	engine := NewEngine(EngineConfig{Registry: NewRegistryFromModels()})
	_, err := engine.Predict(context.Background(), "ghost:v1", testVector())
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeModelNotFound {
		t.Errorf("expected model_not_found, got %v", err)
	}
}

func TestEnginePredictFlagsDegraded(t *testing.T) {
	t.Run("low confidence", func(t *testing.T) {
		model := &countingModel{id: "m:v1", value: 1, confidence: 0.3}
		engine := NewEngine(EngineConfig{
			Registry:      NewRegistryFromModels(model),
			MinConfidence: 0.5,
		})
		result, err := engine.Predict(context.Background(), "m:v1", testVector())
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		if !result.Degraded {
			t.Error("result below minimum confidence must be degraded, not withheld")
		}
	})

	t.Run("degraded input halves confidence", func(t *testing.T) {
		model := &countingModel{id: "m:v1", value: 1, confidence: 0.8}
		engine := NewEngine(EngineConfig{
			Registry:      NewRegistryFromModels(model),
			MinConfidence: 0.5,
		})
		fv := &types.FeatureVector{
			Features: map[string]float64{"a": 0.5},
			Imputed:  []string{"a"},
			Degraded: true,
		}
		result, err := engine.Predict(context.Background(), "m:v1", fv)
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		if !result.Degraded {
			t.Error("degraded input must produce a degraded result")
		}
		if result.Confidence != 0.4 {
			t.Errorf("confidence = %v, want 0.4 (halved)", result.Confidence)
		}
	})
}

func TestEngineCacheEviction(t *testing.T) {
	model := &countingModel{id: "m:v1", value: 1, confidence: 0.9}
	engine := NewEngine(EngineConfig{
		Registry:      NewRegistryFromModels(model),
		MinConfidence: 0.5,
		CacheSize:     4,
	})

	for i := 0; i < 10; i++ {
		fv := &types.FeatureVector{Features: map[string]float64{"a": float64(i)}}
		if _, err := engine.Predict(context.Background(), "m:v1", fv); err != nil {
			t.Fatalf("predict %d: %v", i, err)
		}
	}
	if got := engine.CacheLen(); got != 4 {
		t.Errorf("cache holds %d entries, want bound of 4", got)
	}
}

func TestEngineLatest(t *testing.T) {
	model := &countingModel{id: "m:v1", value: 1, confidence: 0.9}
	engine := NewEngine(EngineConfig{
		Registry:      NewRegistryFromModels(model),
		MinConfidence: 0.5,
	})

	fv := testVector()
	if _, ok := engine.Latest("m:v1", fv.Signature()); ok {
		t.Error("Latest before any prediction should miss")
	}
	want, err := engine.Predict(context.Background(), "m:v1", fv)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	got, ok := engine.Latest("m:v1", fv.Signature())
	if !ok {
		t.Fatal("Latest after prediction should hit")
	}
	if got.ID != want.ID {
		t.Errorf("Latest returned %s, want %s", got.ID, want.ID)
	}
	if _, ok := engine.Latest("other:v1", fv.Signature()); ok {
		t.Error("Latest must key on model ID")
	}
}
