package units

import (
	"math"
	"testing"
)

func TestConvertSpeed(t *testing.T) {
	tests := []struct {
		name     string
		speedMPS float64
		units    string
		expected float64
	}{
		{"10 m/s to mph", 10.0, MPH, 22.3694},
		{"10 m/s to kmph", 10.0, KMPH, 36.0},
		{"10 m/s to kph", 10.0, KPH, 36.0},
		{"10 m/s to mps", 10.0, MPS, 10.0},
		{"unknown units default to mps", 10.0, "unknown", 10.0},
		{"60 mph launch target", 26.8224, MPH, 60.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertSpeed(tt.speedMPS, tt.units)
			if math.Abs(result-tt.expected) > 0.01 {
				t.Errorf("ConvertSpeed(%f, %s) = %f, want %f", tt.speedMPS, tt.units, result, tt.expected)
			}
		})
	}
}

func TestToMPSRoundTrip(t *testing.T) {
	for _, u := range ValidUnits {
		got := ToMPS(ConvertSpeed(12.5, u), u)
		if math.Abs(got-12.5) > 1e-9 {
			t.Errorf("round trip through %s = %f, want 12.5", u, got)
		}
	}
}

func TestKPHToMPH(t *testing.T) {
	if got := KPHToMPH(96.56064); math.Abs(got-60) > 1e-3 {
		t.Errorf("KPHToMPH(96.56) = %f, want 60", got)
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		unit     string
		expected bool
	}{
		{MPS, true},
		{MPH, true},
		{KMPH, true},
		{KPH, true},
		{"invalid", false},
		{"", false},
		{"MPH", false},
	}
	for _, tt := range tests {
		if got := IsValid(tt.unit); got != tt.expected {
			t.Errorf("IsValid(%q) = %v, want %v", tt.unit, got, tt.expected)
		}
	}
	if GetValidUnitsString() != "mps, mph, kmph, kph" {
		t.Errorf("GetValidUnitsString() = %q", GetValidUnitsString())
	}
}

func TestChannelUnits(t *testing.T) {
	if ChannelUnits["gps_speed"] != "m/s" {
		t.Errorf("gps_speed unit = %q", ChannelUnits["gps_speed"])
	}
	if ChannelUnits["obd_speed"] != "km/h" {
		t.Errorf("obd_speed unit = %q", ChannelUnits["obd_speed"])
	}
	if _, ok := ChannelUnits["made_up"]; ok {
		t.Error("unexpected convention for made_up")
	}
}
