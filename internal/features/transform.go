// Package features implements the Data Cleaner/Transformer stage: it
// normalizes raw ClimateRecords into the canonical FeatureVector consumed
// by the prediction engine and the anomaly scorer.
//
// Transform is a pure function of its input: the same records always
// produce the same FeatureVector, byte-identical in canonical form. There
// is no hidden global state.
package features

import (
	"sort"

	"agrosentinel/internal/types"
)

// ParameterBounds documents the physical range of a climate parameter.
// Values outside the range are clipped to it and flagged, never silently
// dropped.
type ParameterBounds struct {
	Min float64
	Max float64
	// ImputeDefault is the fallback used when no prior value exists to
	// carry forward.
	ImputeDefault float64
}

// PhysicalBounds is the documented bounds table for the canonical
// parameters. Aggregated features ("<param>_mean" etc.) inherit the bounds
// of their base parameter.
var PhysicalBounds = map[string]ParameterBounds{
	types.ParamTemperatureC:    {Min: -90, Max: 60, ImputeDefault: 15},
	types.ParamPrecipitationMM: {Min: 0, Max: 500, ImputeDefault: 0},
	types.ParamHumidityPercent: {Min: 0, Max: 100, ImputeDefault: 50},
	types.ParamWindSpeedKmh:    {Min: 0, Max: 410, ImputeDefault: 10},
	types.ParamSolarRadiation:  {Min: 0, Max: 1500, ImputeDefault: 250},
	types.ParamSoilMoisture:    {Min: 0, Max: 100, ImputeDefault: 30},
}

// RequiredParams is the parameter set every feature vector must cover.
var RequiredParams = []string{
	types.ParamTemperatureC,
	types.ParamPrecipitationMM,
	types.ParamHumidityPercent,
	types.ParamWindSpeedKmh,
	types.ParamSolarRadiation,
	types.ParamSoilMoisture,
}

// Transformer converts record sequences into feature vectors.
type Transformer struct {
	required []string
	bounds   map[string]ParameterBounds
}

// NewTransformer creates a Transformer over the documented parameter set.
func NewTransformer() *Transformer {
	return &Transformer{
		required: RequiredParams,
		bounds:   PhysicalBounds,
	}
}

// Transform derives a FeatureVector from the records.
//
// For each required parameter it emits three features: <param>_mean,
// <param>_min and <param>_max over the record window, normalized to [0,1]
// against the physical bounds.
//
// Cleaning rules:
//   - A missing value within a record is imputed with the last known value
//     of that parameter (records are processed in timestamp order); if no
//     prior value exists, the documented default applies. Imputed features
//     are flagged in provenance.
//   - Out-of-range values are clipped to the physical bounds and flagged.
//
// The vector is marked Degraded when any feature was imputed, so the
// prediction engine can downgrade confidence accordingly.
func (t *Transformer) Transform(records []types.ClimateRecord) (*types.FeatureVector, error) {
	ordered := append([]types.ClimateRecord(nil), records...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	fv := &types.FeatureVector{
		Features: make(map[string]float64),
	}
	for _, r := range ordered {
		fv.SourceRecordIDs = append(fv.SourceRecordIDs, r.ID)
	}

	imputedSet := make(map[string]bool)
	clippedSet := make(map[string]bool)

	for _, param := range t.required {
		bounds := t.bounds[param]

		values := make([]float64, 0, len(ordered))
		lastKnown := bounds.ImputeDefault

		for _, r := range ordered {
			v, ok := r.Parameters[param]
			if !ok {
				// Carry forward the last known value; before any value has
				// been seen this is the documented default.
				values = append(values, lastKnown)
				imputedSet[param] = true
				continue
			}
			if v < bounds.Min {
				v = bounds.Min
				clippedSet[param] = true
			} else if v > bounds.Max {
				v = bounds.Max
				clippedSet[param] = true
			}
			lastKnown = v
			values = append(values, v)
		}

		if len(values) == 0 {
			// No records at all: the whole parameter is imputed.
			values = append(values, bounds.ImputeDefault)
			imputedSet[param] = true
		}

		mean, minV, maxV := summarize(values)
		fv.Features[param+"_mean"] = normalize(mean, bounds)
		fv.Features[param+"_min"] = normalize(minV, bounds)
		fv.Features[param+"_max"] = normalize(maxV, bounds)
	}

	fv.Imputed = sortedKeys(imputedSet)
	fv.Clipped = sortedKeys(clippedSet)
	fv.Degraded = len(fv.Imputed) > 0

	return fv, nil
}

// summarize returns the mean, min and max of a non-empty value slice.
func summarize(values []float64) (mean, minV, maxV float64) {
	minV, maxV = values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return sum / float64(len(values)), minV, maxV
}

// normalize maps a value into [0,1] against its physical bounds.
func normalize(v float64, b ParameterBounds) float64 {
	span := b.Max - b.Min
	if span <= 0 {
		return 0
	}
	n := (v - b.Min) / span
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
