package domain

import (
	"strings"
	"time"
)

// DecisionKind is the outcome of a power-threshold gating decision.
type DecisionKind string

const (
	DecisionAllowOn              DecisionKind = "ALLOW_ON"
	DecisionSkipNoPowerData      DecisionKind = "SKIP_NO_POWER_DATA"
	DecisionSkipThresholdNotMet  DecisionKind = "SKIP_THRESHOLD_NOT_MET"
)

// Decision is the full result of Decide: the kind, a machine-readable
// reason for audit logging, and the measurement the decision was based on
// (nil when no measurement was consulted, e.g. use_power_threshold=false).
type Decision struct {
	Kind          DecisionKind
	Reason        string
	MeasuredValue *float64
	MeasuredUnit  *string
}

// powerFactors converts a canonical unit to watts.
var powerFactors = map[string]float64{
	"W":  1.0,
	"kW": 1000.0,
	"MW": 1_000_000.0,
}

// normalizeUnit upper/lower-cases a raw unit string into one of W/kW/MW.
// Units the factor table doesn't recognize pass through unchanged, so the
// mismatch is caught later as POWER_UNIT_MISMATCH rather than silently
// coerced.
func normalizeUnit(unit string) string {
	switch strings.ToLower(unit) {
	case "w":
		return "W"
	case "kw":
		return "kW"
	case "mw":
		return "MW"
	default:
		return unit
	}
}

// convertPowerUnit converts value from unit into targetUnit via a watts
// intermediate. ok is false if either unit is not in the factor table.
func convertPowerUnit(value float64, unit, targetUnit string) (converted float64, ok bool) {
	fromFactor, fromOK := powerFactors[normalizeUnit(unit)]
	toFactor, toOK := powerFactors[normalizeUnit(targetUnit)]
	if !fromOK || !toOK {
		return 0, false
	}
	watts := value * fromFactor
	return watts / toFactor, true
}

// Decide applies the power-threshold gating rule to a single Due entry.
// now is the planner's current minute-tick instant (UTC); provider and
// measurement are the entry's power source and its latest sample, or nil
// when unavailable. The rule order below is deliberate and mirrors the
// reference implementation exactly: each row is a precondition guarding
// the next.
func Decide(entry DueEntry, now time.Time, provider *Provider, measurement *ProviderMeasurement) Decision {
	if !entry.UsePowerThreshold {
		return Decision{Kind: DecisionAllowOn, Reason: "SCHEDULER_MATCH"}
	}

	if entry.PowerThresholdValue == nil || entry.PowerThresholdUnit == nil {
		return Decision{Kind: DecisionSkipNoPowerData, Reason: "THRESHOLD_CONFIG_MISSING"}
	}

	if provider == nil || !provider.Enabled {
		return Decision{Kind: DecisionSkipNoPowerData, Reason: "POWER_PROVIDER_UNAVAILABLE"}
	}

	if provider.ExpectedIntervalSec == nil || *provider.ExpectedIntervalSec <= 0 {
		return Decision{Kind: DecisionSkipNoPowerData, Reason: "POWER_INTERVAL_MISSING"}
	}

	if measurement == nil {
		return Decision{Kind: DecisionSkipNoPowerData, Reason: "POWER_MISSING"}
	}

	age := now.Sub(toUTC(measurement.MeasuredAt))
	if age > time.Duration(*provider.ExpectedIntervalSec)*time.Second {
		return Decision{Kind: DecisionSkipNoPowerData, Reason: "POWER_STALE"}
	}

	if measurement.MeasuredValue == nil {
		return Decision{Kind: DecisionSkipNoPowerData, Reason: "POWER_MISSING"}
	}

	measuredUnit := provider.Unit
	if measurement.MeasuredUnit != nil && *measurement.MeasuredUnit != "" {
		measuredUnit = *measurement.MeasuredUnit
	}

	converted, ok := convertPowerUnit(*measurement.MeasuredValue, measuredUnit, *entry.PowerThresholdUnit)
	if !ok {
		return Decision{Kind: DecisionSkipNoPowerData, Reason: "POWER_UNIT_MISMATCH"}
	}

	value := converted
	unit := *entry.PowerThresholdUnit
	if converted >= *entry.PowerThresholdValue {
		return Decision{Kind: DecisionAllowOn, Reason: "SCHEDULER_MATCH", MeasuredValue: &value, MeasuredUnit: &unit}
	}
	return Decision{Kind: DecisionSkipThresholdNotMet, Reason: "THRESHOLD_NOT_MET", MeasuredValue: &value, MeasuredUnit: &unit}
}

// toUTC assumes naive timestamps are already UTC, matching the reference
// implementation's treatment of timezone-less measurement rows.
func toUTC(t time.Time) time.Time {
	if t.Location() == time.UTC {
		return t
	}
	return t.UTC()
}
