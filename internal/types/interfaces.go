package types

import (
	"context"
	"time"
)

// Validator is implemented by entities to self-validate.
type Validator interface {
	Validate() error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Model is the fixed capability contract every loaded model artifact must
// satisfy: feature names in, value plus confidence out. The engine treats
// the artifact as an opaque scorer behind this interface.
type Model interface {
	// ID returns the versioned model identifier (e.g. "wheat_yield:v3").
	ID() string
	// RequiredFeatures lists the feature names the model expects.
	RequiredFeatures() []string
	// Predict scores a feature vector. Implementations must be pure:
	// no retained state between calls.
	Predict(fv *FeatureVector) (value float64, confidence float64, err error)
}

// AuditSink receives structured audit events for external log storage.
// Every Action transition and ThresholdProfile version change goes through
// this interface.
type AuditSink interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// ActionPublisher pushes issued actions onto the action stream consumed by
// the Defense Executor and the UI feed.
type ActionPublisher interface {
	Publish(ctx context.Context, action *Action) error
}
