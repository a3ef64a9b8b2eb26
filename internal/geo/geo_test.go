package geo

import (
	"math"
	"testing"
)

func TestHaversineKmZeroDistance(t *testing.T) {
	if d := HaversineKm(45.25, 19.84, 45.25, 19.84); d != 0 {
		t.Fatalf("identical points must be 0 km apart, got %v", d)
	}
}

func TestHaversineKmOneDegreeOfLatitude(t *testing.T) {
	// One degree of latitude is ~111.19 km along a meridian.
	d := HaversineKm(0, 0, 1, 0)
	if math.Abs(d-111.19) > 0.1 {
		t.Fatalf("expected ~111.19 km, got %v", d)
	}
}

func TestHaversineKmSymmetry(t *testing.T) {
	a := HaversineKm(45.25, 19.84, 44.81, 20.46)
	b := HaversineKm(44.81, 20.46, 45.25, 19.84)
	if math.Abs(a-b) > 1e-9 {
		t.Fatalf("distance must be symmetric: %v vs %v", a, b)
	}
	// Novi Sad to Belgrade is roughly 70 km as the crow flies.
	if a < 60 || a > 80 {
		t.Fatalf("implausible Novi Sad - Belgrade distance: %v", a)
	}
}
