package geo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDistanceKmKnownPair(t *testing.T) {
	// Cape Town city centre to Stellenbosch, roughly 41 km great-circle.
	distance := DistanceKm(-33.9249, 18.4241, -33.9321, 18.8602)
	require.InDelta(t, 40.2, distance, 1.0)
}

func TestDistanceKmZeroForSamePoint(t *testing.T) {
	require.Zero(t, DistanceKm(-33.9249, 18.4241, -33.9249, 18.4241))
}

func TestDistanceKmIsSymmetric(t *testing.T) {
	forward := DistanceKm(-33.9249, 18.4241, -26.2041, 28.0473)
	back := DistanceKm(-26.2041, 28.0473, -33.9249, 18.4241)
	require.InDelta(t, forward, back, 1e-9)
}

func TestDeliveryFeeShortHop(t *testing.T) {
	// About 1.1 km: base 1500 plus a little under 900.
	fee := DeliveryFeeCents(-33.9249, 18.4241, -33.9150, 18.4241)
	require.Greater(t, fee, int64(baseFeeCents))
	require.Less(t, fee, int64(2500))
}

func TestDeliveryFeeZeroDistanceIsBaseFee(t *testing.T) {
	require.Equal(t, int64(baseFeeCents), DeliveryFeeCents(-33.9, 18.4, -33.9, 18.4))
}

func TestDeliveryFeeIsCapped(t *testing.T) {
	// Cape Town to Johannesburg is far beyond any cap-free distance.
	fee := DeliveryFeeCents(-33.9249, 18.4241, -26.2041, 28.0473)
	require.Equal(t, int64(feeCapCents), fee)
}
