package types

// ActionKind is the closed set of defensive/operational responses. New
// behavior is added by introducing a variant and a matching executor
// handler, never by runtime registration.
type ActionKind string

const (
	ActionAlert      ActionKind = "alert"
	ActionThrottle   ActionKind = "throttle"
	ActionBlock      ActionKind = "block_source"
	ActionQuarantine ActionKind = "quarantine_session"
	ActionRetrain    ActionKind = "retrain_trigger"
)

// AllActionKinds lists every valid kind, used by validation and by the
// rate-limiter key space.
var AllActionKinds = []ActionKind{
	ActionAlert,
	ActionThrottle,
	ActionBlock,
	ActionQuarantine,
	ActionRetrain,
}

// ActionStatus is the forward-only lifecycle state of an Action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionExecuting  ActionStatus = "executing"
	ActionSucceeded  ActionStatus = "succeeded"
	ActionFailed     ActionStatus = "failed"
	ActionSuppressed ActionStatus = "suppressed"
)

// Priority orders candidate actions. Escalation moves an action one tier up.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the numeric ordering of a priority, higher meaning more
// urgent. Unknown priorities rank lowest.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// Escalated returns the next priority tier. Critical stays critical.
func (p Priority) Escalated() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}

// FeedbackOutcome is the judged result of an executed action.
type FeedbackOutcome string

const (
	OutcomeTruePositive  FeedbackOutcome = "true_positive"
	OutcomeFalsePositive FeedbackOutcome = "false_positive"
	OutcomeMissed        FeedbackOutcome = "missed_detection"
	OutcomeExecutionFail FeedbackOutcome = "execution_failure"
)

// Signal class names. The anomaly scorer tags each sub-signal with one of
// these, and ThresholdProfile thresholds/weights are keyed by them.
const (
	SignalValueDeviation = "value_deviation"
	SignalFetchDegraded  = "fetch_degraded"
	SignalImputedRatio   = "imputed_ratio"
	SignalAccessPattern  = "access_pattern"
	SignalAuthFailure    = "auth_failure"

	// ThresholdClassDefault is the wildcard threshold applied to signal
	// classes without an explicit entry.
	ThresholdClassDefault = "*"
)

// Canonical climate parameter names. The upstream source and the feature
// transformer must use these exact keys.
const (
	ParamTemperatureC    = "temperature_c"
	ParamPrecipitationMM = "precipitation_mm"
	ParamHumidityPercent = "humidity_percent"
	ParamWindSpeedKmh    = "wind_speed_kmh"
	ParamSolarRadiation  = "solar_radiation_wm2"
	ParamSoilMoisture    = "soil_moisture_pct"
)

// Audit event types.
const (
	AuditActionIssued     = "action.issued"
	AuditActionTransition = "action.transition"
	AuditActionSuppressed = "action.suppressed"
	AuditActionEscalated  = "action.escalated"
	AuditActionOverridden = "action.overridden"
	AuditProfilePublished = "profile.published"
	AuditLearningSkipped  = "learning.skipped"
)
