// Package feed scores stored posts by proximity and recency for
// presentation. Nothing here affects what the mesh stores or gossips.
package feed

import (
	"math"
	"sort"
	"strconv"
	"time"

	"pasture/internal/store"
)

const (
	alpha = 0.3 // distance decay, per meter
	beta  = 0.3 // age decay, per hour

	earthRadiusMeters = 6371e3
	metersPerMile     = 1609.344
)

// Ranked is a post annotated with its score and formatted distances.
type Ranked struct {
	store.Post
	Score float64 `json:"score"`
	Km    string  `json:"km"`
	Mi    string  `json:"mi"`
}

// Rank scores posts against the viewer's position and returns them
// best-first. The sort is stable so equal scores keep store order.
func Rank(posts []store.Post, lat, lon float64, now time.Time) []Ranked {
	out := make([]Ranked, 0, len(posts))
	for _, p := range posts {
		meters := HaversineMeters(lat, lon, coord(p.Latitude), coord(p.Longitude))
		hoursAgo := now.Sub(p.CreatedAt).Hours()
		out = append(out, Ranked{
			Post:  p,
			Score: math.Exp(-alpha*meters) * math.Exp(-beta*hoursAgo),
			Km:    strconv.FormatFloat(meters/1000, 'f', 2, 64),
			Mi:    strconv.FormatFloat(meters/metersPerMile, 'f', 2, 64),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// HaversineMeters is the great-circle distance between two coordinates.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }

// coord tolerates the empty and malformed coordinate strings older
// clients produce, treating them as the origin.
func coord(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
