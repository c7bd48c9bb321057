package domain

import (
	"testing"
	"time"
)

func ptrF(v float64) *float64 { return &v }
func ptrS(v string) *string   { return &v }
func ptrI(v int) *int         { return &v }

func TestDecideNoThreshold(t *testing.T) {
	entry := DueEntry{UsePowerThreshold: false}
	d := Decide(entry, time.Now(), nil, nil)
	if d.Kind != DecisionAllowOn || d.Reason != "SCHEDULER_MATCH" {
		t.Fatalf("got %+v", d)
	}
	if d.MeasuredValue != nil {
		t.Fatalf("expected no measured value, got %v", *d.MeasuredValue)
	}
}

func TestDecideThresholdConfigMissing(t *testing.T) {
	entry := DueEntry{UsePowerThreshold: true}
	d := Decide(entry, time.Now(), nil, nil)
	if d.Kind != DecisionSkipNoPowerData || d.Reason != "THRESHOLD_CONFIG_MISSING" {
		t.Fatalf("got %+v", d)
	}
}

func TestDecideProviderUnavailable(t *testing.T) {
	entry := DueEntry{UsePowerThreshold: true, PowerThresholdValue: ptrF(5), PowerThresholdUnit: ptrS("kW")}
	d := Decide(entry, time.Now(), nil, nil)
	if d.Reason != "POWER_PROVIDER_UNAVAILABLE" {
		t.Fatalf("got %+v", d)
	}
	disabled := &Provider{Enabled: false}
	d = Decide(entry, time.Now(), disabled, nil)
	if d.Reason != "POWER_PROVIDER_UNAVAILABLE" {
		t.Fatalf("got %+v", d)
	}
}

func TestDecideIntervalMissing(t *testing.T) {
	entry := DueEntry{UsePowerThreshold: true, PowerThresholdValue: ptrF(5), PowerThresholdUnit: ptrS("kW")}
	p := &Provider{Enabled: true}
	d := Decide(entry, time.Now(), p, nil)
	if d.Reason != "POWER_INTERVAL_MISSING" {
		t.Fatalf("got %+v", d)
	}
	zero := 0
	p.ExpectedIntervalSec = &zero
	d = Decide(entry, time.Now(), p, nil)
	if d.Reason != "POWER_INTERVAL_MISSING" {
		t.Fatalf("got %+v", d)
	}
}

func TestDecideMeasurementMissing(t *testing.T) {
	entry := DueEntry{UsePowerThreshold: true, PowerThresholdValue: ptrF(5), PowerThresholdUnit: ptrS("kW")}
	p := &Provider{Enabled: true, ExpectedIntervalSec: ptrI(60)}
	d := Decide(entry, time.Now(), p, nil)
	if d.Reason != "POWER_MISSING" {
		t.Fatalf("got %+v", d)
	}
}

func TestDecideStaleMeasurement(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	entry := DueEntry{UsePowerThreshold: true, PowerThresholdValue: ptrF(5), PowerThresholdUnit: ptrS("kW")}
	p := &Provider{Enabled: true, ExpectedIntervalSec: ptrI(60)}
	m := &ProviderMeasurement{MeasuredAt: now.Add(-120 * time.Second), MeasuredValue: ptrF(6000), MeasuredUnit: ptrS("W")}
	d := Decide(entry, now, p, m)
	if d.Reason != "POWER_STALE" {
		t.Fatalf("got %+v", d)
	}
}

func TestDecideExactIntervalBoundaryNotStale(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	entry := DueEntry{UsePowerThreshold: true, PowerThresholdValue: ptrF(5), PowerThresholdUnit: ptrS("kW")}
	p := &Provider{Enabled: true, ExpectedIntervalSec: ptrI(60)}
	// age == expected_interval_sec exactly: spec uses strict ">" for staleness, so this is NOT stale.
	m := &ProviderMeasurement{MeasuredAt: now.Add(-60 * time.Second), MeasuredValue: ptrF(6000), MeasuredUnit: ptrS("W")}
	d := Decide(entry, now, p, m)
	if d.Kind != DecisionAllowOn {
		t.Fatalf("expected boundary age to not be stale, got %+v", d)
	}
}

func TestDecideUnitMismatch(t *testing.T) {
	now := time.Now()
	entry := DueEntry{UsePowerThreshold: true, PowerThresholdValue: ptrF(5), PowerThresholdUnit: ptrS("kW")}
	p := &Provider{Enabled: true, ExpectedIntervalSec: ptrI(60)}
	m := &ProviderMeasurement{MeasuredAt: now, MeasuredValue: ptrF(100), MeasuredUnit: ptrS("amps")}
	d := Decide(entry, now, p, m)
	if d.Reason != "POWER_UNIT_MISMATCH" {
		t.Fatalf("got %+v", d)
	}
}

func TestDecideThresholdExactlyEqualAllows(t *testing.T) {
	now := time.Now()
	entry := DueEntry{UsePowerThreshold: true, PowerThresholdValue: ptrF(5), PowerThresholdUnit: ptrS("kW")}
	p := &Provider{Enabled: true, ExpectedIntervalSec: ptrI(60)}
	m := &ProviderMeasurement{MeasuredAt: now, MeasuredValue: ptrF(5000), MeasuredUnit: ptrS("W")}
	d := Decide(entry, now, p, m)
	if d.Kind != DecisionAllowOn {
		t.Fatalf("expected exact equality to allow, got %+v", d)
	}
	if d.MeasuredValue == nil || *d.MeasuredValue != 5 {
		t.Fatalf("expected converted value 5kW, got %+v", d.MeasuredValue)
	}
}

func TestDecideBelowThresholdSkips(t *testing.T) {
	now := time.Now()
	entry := DueEntry{UsePowerThreshold: true, PowerThresholdValue: ptrF(5), PowerThresholdUnit: ptrS("kW")}
	p := &Provider{Enabled: true, ExpectedIntervalSec: ptrI(60)}
	m := &ProviderMeasurement{MeasuredAt: now, MeasuredValue: ptrF(3000), MeasuredUnit: ptrS("W")}
	d := Decide(entry, now, p, m)
	if d.Kind != DecisionSkipThresholdNotMet || d.Reason != "THRESHOLD_NOT_MET" {
		t.Fatalf("got %+v", d)
	}
	if d.MeasuredValue == nil || *d.MeasuredValue != 3 {
		t.Fatalf("expected converted value 3kW, got %+v", d.MeasuredValue)
	}
}

func TestConvertPowerUnitRoundTrip(t *testing.T) {
	v, ok := convertPowerUnit(1, "MW", "W")
	if !ok || v != 1_000_000 {
		t.Fatalf("got %v %v", v, ok)
	}
	v, ok = convertPowerUnit(1500, "W", "kW")
	if !ok || v != 1.5 {
		t.Fatalf("got %v %v", v, ok)
	}
}

func TestNormalizeUnitCaseInsensitive(t *testing.T) {
	cases := map[string]string{"w": "W", "kw": "kW", "MW": "MW", "Kw": "kW", "bogus": "bogus"}
	for in, want := range cases {
		if got := normalizeUnit(in); got != want {
			t.Fatalf("normalizeUnit(%q) = %q, want %q", in, got, want)
		}
	}
}
