package timezone

import "math"

type GeoLocation struct {
	Latitude  float64 // in radians
	Longitude float64 // in radians
}

const R float64 = 6371e3 // radius of the Earth in metres

// NewGeoLocation converts coordinates in degrees.
func NewGeoLocation(lat, long float64) *GeoLocation {
	return &GeoLocation{Latitude: DegToRad(lat), Longitude: DegToRad(long)}
}

// GreatCircleDistance computes Haversine distance between two points in meters
// See http://www.movable-type.co.uk/scripts/latlong.html
func (l *GeoLocation) GreatCircleDistance(loc *GeoLocation) float64 {
	lat1 := l.Latitude
	lat2 := loc.Latitude
	dLat := lat2 - lat1
	dLon := l.Longitude - loc.Longitude

	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return R * c
}

func DegToRad(deg float64) float64 {
	return deg * math.Pi / 180
}
