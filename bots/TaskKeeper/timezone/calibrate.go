package timezone

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/jmhodges/clock"
	"github.com/pkg/errors"
)

const (
	minutesInDay  = 24 * 60
	maxOffsetDiff = 12 * 60
)

var (
	ErrBadClock       = errors.New("expected time in the format HH:MM")
	ErrMinuteMismatch = errors.New("minutes don't match server time")
)

var clockRe = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

type OffsetStore interface {
	SetTZOffset(ctx context.Context, usr int64, minutes int) error
}

// Anchor is the server wall clock reading shown to the user.
type Anchor struct {
	Hour   int
	Minute int
}

func (a Anchor) String() string {
	return fmt.Sprintf("%02d:%02d", a.Hour, a.Minute)
}

func (a Anchor) total() int {
	return a.Hour*60 + a.Minute
}

// Calibrator infers the user's offset from their wall clock.
type Calibrator struct {
	Store   OffsetStore
	Clock   clock.Clock
	Locator *Locator
}

func NewCalibrator(s OffsetStore, clk clock.Clock, lc *Locator) *Calibrator {
	return &Calibrator{Store: s, Clock: clk, Locator: lc}
}

// Begin records server time to compare the user's answer against.
func (c *Calibrator) Begin() Anchor {
	now := c.Clock.Now().UTC()
	return Anchor{Hour: now.Hour(), Minute: now.Minute()}
}

// Complete checks the user's HH:MM against the anchor and stores the offset.
// On minute mismatch it returns a fresh anchor to prompt with.
func (c *Calibrator) Complete(ctx context.Context, usr int64, a Anchor, text string) (int, Anchor, error) {
	h, m, err := ParseClock(text)
	if err != nil {
		return 0, a, err
	}

	if m != a.Minute {
		return 0, c.Begin(), ErrMinuteMismatch
	}

	offset := ComputeOffset(a, h, m)
	if err := c.Store.SetTZOffset(ctx, usr, offset); err != nil {
		return 0, a, errors.Wrap(err, "failed storing offset")
	}

	return offset, a, nil
}

// FromLocation sets the offset of the time zone nearest to the location.
func (c *Calibrator) FromLocation(ctx context.Context, usr int64, lat, long float64) (*Zone, int, error) {
	if c.Locator == nil {
		return nil, 0, errEmptyZoneList
	}

	zone, err := c.Locator.FindZone(NewGeoLocation(lat, long))
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed finding time zone")
	}

	offset, err := zone.OffsetAt(c.Clock.Now())
	if err != nil {
		return nil, 0, err
	}

	if err := c.Store.SetTZOffset(ctx, usr, offset); err != nil {
		return nil, 0, errors.Wrap(err, "failed storing offset")
	}

	return zone, offset, nil
}

// ParseClock parses H:MM or HH:MM.
func ParseClock(text string) (int, int, error) {
	m := clockRe.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, ErrBadClock
	}

	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	if h > 23 || min > 59 {
		return 0, 0, ErrBadClock
	}

	return h, min, nil
}

// ComputeOffset returns server minus user time folded into [-720, 720].
func ComputeOffset(a Anchor, hour, minute int) int {
	diff := a.total() - (hour*60 + minute)
	for diff > maxOffsetDiff {
		diff -= minutesInDay
	}
	for diff < -maxOffsetDiff {
		diff += minutesInDay
	}
	return diff
}

// LocalTime converts UTC time to the user's wall clock. The result carries
// the UTC location but its fields are the local ones.
func LocalTime(utc time.Time, offset int) time.Time {
	return utc.UTC().Add(-time.Duration(offset) * time.Minute)
}

// UTCTime is the inverse of LocalTime.
func UTCTime(local time.Time, offset int) time.Time {
	l := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), time.UTC)
	return l.Add(time.Duration(offset) * time.Minute)
}

// Offset returns the stored offset or zero when it's unset.
func Offset(offset *int) int {
	if offset == nil {
		return 0
	}
	return *offset
}
