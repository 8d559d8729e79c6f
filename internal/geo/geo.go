package geo

import "math"

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two points using the
// haversine formula.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	dlat := radians(lat2 - lat1)
	dlng := radians(lng2 - lng1)

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*
			math.Sin(dlng/2)*math.Sin(dlng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Delivery fee parameters, in cents.
const (
	baseFeeCents = 1500 // R15 base
	perKmCents   = 800  // R8 per km
	feeCapCents  = 15000
)

// DeliveryFeeCents computes the delivery fee for a pickup/dropoff pair.
// The fee is frozen into the order total at creation time and never
// recomputed afterwards.
func DeliveryFeeCents(pickupLat, pickupLng, dropLat, dropLng float64) int64 {
	distance := DistanceKm(pickupLat, pickupLng, dropLat, dropLng)
	fee := int64(baseFeeCents + distance*perKmCents)
	if fee > feeCapCents {
		fee = feeCapCents
	}
	return fee
}
