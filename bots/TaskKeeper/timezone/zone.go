package timezone

import (
	"bufio"
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
)

//go:embed data/zone1970.tab
var zone1970 []byte

var errEmptyZoneList = errors.New("empty zone list")

type Zone struct {
	Code string
	*GeoLocation
	TZ string
}

// Locator finds the time zone of a place on Earth.
type Locator struct {
	zones []Zone
}

// NewLocator loads the zone table shipped with the binary.
func NewLocator() (*Locator, error) {
	z, err := ParseZones(zone1970)
	if err != nil {
		return nil, err
	}
	if len(z) == 0 {
		return nil, errEmptyZoneList
	}
	return &Locator{zones: z}, nil
}

// ParseZones parses zones*.tab data and returns parsed data as a slice of
// Zone. If parsing is impossible it returns already parsed time zones and the
// error.
func ParseZones(data []byte) ([]Zone, error) {
	var zones []Zone

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			return zones, errors.Errorf("malformed zone line %q", line)
		}

		lat, long, err := parseCoords(fields[1]) // coordinates in degrees
		if err != nil {
			return zones, errors.Wrapf(err, "malformed coordinates %q", fields[1])
		}

		zones = append(zones, Zone{fields[0], NewGeoLocation(lat, long), fields[2]})
	}

	return zones, scanner.Err()
}

// parseCoords parses latitude and longitude according to the format in zones*.tab and
// returns them in degrees with fractional part.
func parseCoords(coords string) (lat float64, long float64, err error) {
	l := make([]float64, 6)
	s := make([]byte, 2)

	switch len(coords) {
	case 11:
		// format ±DDMM±DDDMM
		_, err = fmt.Sscanf(coords, "%c%2f%2f%c%3f%2f", &s[0], &l[0], &l[1], &s[1], &l[3], &l[4])
	case 15:
		// format ±DDMMSS±DDDMMSS
		_, err = fmt.Sscanf(coords, "%c%2f%2f%2f%c%3f%2f%2f", &s[0], &l[0], &l[1], &l[2], &s[1], &l[3], &l[4], &l[5])
	default:
		return 0, 0, errors.New("unknown coordinates format")
	}
	if err != nil {
		return 0, 0, err
	}

	lat = l[0] + l[1]/60 + l[2]/3600
	long = l[3] + l[4]/60 + l[5]/3600

	if s[0] == '-' {
		lat = -lat
	}

	if s[1] == '-' {
		long = -long
	}

	return
}

// FindZone returns time zone of the nearest zone identifier
func (lc *Locator) FindZone(l *GeoLocation) (*Zone, error) {
	if len(lc.zones) == 0 {
		return nil, errEmptyZoneList
	}

	minDist := l.GreatCircleDistance(lc.zones[0].GeoLocation)
	minIdx := 0
	for i, z := range lc.zones[1:] {
		dist := l.GreatCircleDistance(z.GeoLocation)
		if minDist > dist {
			minDist = dist
			minIdx = i + 1
		}
	}

	return &lc.zones[minIdx], nil
}

// OffsetAt returns offset of the zone in minutes as stored in user settings,
// i.e. the number of minutes to add to the zone's local time to get UTC.
func (z *Zone) OffsetAt(t time.Time) (int, error) {
	loc, err := time.LoadLocation(z.TZ)
	if err != nil {
		return 0, errors.Wrapf(err, "failed loading location %q", z.TZ)
	}

	_, secs := t.In(loc).Zone()
	return -secs / 60, nil
}
