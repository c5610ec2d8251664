package picker

import (
	"strconv"
	"strings"
	"time"

	"taskkeeper/bots/TaskKeeper/timezone"

	"github.com/pkg/errors"
)

const (
	MinYear = 1970
	MaxYear = 2100
)

var (
	ErrYearIsText     = errors.New("year is entered as text")
	ErrNotANumber     = errors.New("year must be a number")
	ErrYearOutOfRange = errors.New("year is out of range")
	ErrUnknownStage   = errors.New("unknown stage")
)

// Stage is the field the picker currently edits.
type Stage int

const (
	StageYear Stage = iota
	StageMonth
	StageDay
	StageHour
	StageMinute
)

// Stages lists stages in display order.
var Stages = []Stage{StageYear, StageMonth, StageDay, StageHour, StageMinute}

var stageNames = map[Stage]string{
	StageYear:   "year",
	StageMonth:  "month",
	StageDay:    "day",
	StageHour:   "hour",
	StageMinute: "minute",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "stage(" + strconv.Itoa(int(s)) + ")"
}

func ParseStage(name string) (Stage, error) {
	for s, n := range stageNames {
		if n == name {
			return s, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownStage, "%q", name)
}

// Mode tells what the picked value is applied to.
type Mode int

const (
	ModeTaskDue Mode = iota
)

// Session is an in-progress date/time selection. Its fields are kept
// normalized by every method.
type Session struct {
	Mode   Mode
	TaskID int
	Stage  Stage

	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
}

// New starts a session for the task's deadline. It begins with the current
// deadline if there is one, otherwise with tomorrow 00:00 on the user's wall
// clock.
func New(taskID int, due *time.Time, offset int, now time.Time) *Session {
	var base time.Time
	if due != nil {
		base = timezone.LocalTime(*due, offset)
	} else {
		base = timezone.LocalTime(now, offset).AddDate(0, 0, 1)
		base = time.Date(base.Year(), base.Month(), base.Day(), 0, 0, 0, 0, time.UTC)
	}

	s := &Session{
		Mode:   ModeTaskDue,
		TaskID: taskID,
		Stage:  StageDay,
		Year:   base.Year(),
		Month:  int(base.Month()),
		Day:    base.Day(),
		Hour:   base.Hour(),
		Minute: base.Minute(),
	}
	s.Normalize()
	return s
}

// DaysIn returns the number of days in the month.
func DaysIn(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Normalize clamps every field into its range. The day is clamped after the
// year and month so it never exceeds the month length.
func (s *Session) Normalize() {
	s.Year = clamp(s.Year, MinYear, MaxYear)
	s.Month = clamp(s.Month, 1, 12)
	s.Day = clamp(s.Day, 1, DaysIn(s.Year, s.Month))
	s.Hour = clamp(s.Hour, 0, 23)
	s.Minute = clamp(s.Minute, 0, 59)
}

// Set changes a field without switching the stage.
func (s *Session) Set(field Stage, v int) error {
	switch field {
	case StageYear:
		return ErrYearIsText
	case StageMonth:
		s.Month = v
	case StageDay:
		s.Day = v
	case StageHour:
		s.Hour = v
	case StageMinute:
		s.Minute = v
	default:
		return ErrUnknownStage
	}

	s.Normalize()
	return nil
}

func (s *Session) SwitchStage(target Stage) error {
	if _, ok := stageNames[target]; !ok {
		return ErrUnknownStage
	}
	s.Stage = target
	return nil
}

// InputText handles a text message. Only the year stage takes text; for the
// other stages handled is false and the text should be discarded. A valid
// year moves the session to the day stage.
func (s *Session) InputText(text string) (handled bool, err error) {
	if s.Stage != StageYear {
		return false, nil
	}

	year, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return true, ErrNotANumber
	}

	if year < MinYear || year > MaxYear {
		return true, ErrYearOutOfRange
	}

	s.Year = year
	s.Normalize()
	s.Stage = StageDay
	return true, nil
}

// Local returns the picked value on the user's wall clock.
func (s *Session) Local() time.Time {
	return time.Date(s.Year, time.Month(s.Month), s.Day, s.Hour, s.Minute, 0, 0, time.UTC)
}

// UTC returns the picked value as an absolute time.
func (s *Session) UTC(offset int) time.Time {
	return timezone.UTCTime(s.Local(), offset)
}

// Options returns every value selectable for the stage.
func (s *Session) Options(st Stage) []int {
	var lo, hi int
	switch st {
	case StageYear:
		lo, hi = MinYear, MaxYear
	case StageMonth:
		lo, hi = 1, 12
	case StageDay:
		lo, hi = 1, DaysIn(s.Year, s.Month)
	case StageHour:
		lo, hi = 0, 23
	case StageMinute:
		lo, hi = 0, 59
	default:
		return nil
	}

	opts := make([]int, 0, hi-lo+1)
	for v := lo; v <= hi; v++ {
		opts = append(opts, v)
	}
	return opts
}

// Value returns the current value of the field.
func (s *Session) Value(st Stage) int {
	switch st {
	case StageYear:
		return s.Year
	case StageMonth:
		return s.Month
	case StageDay:
		return s.Day
	case StageHour:
		return s.Hour
	case StageMinute:
		return s.Minute
	}
	return 0
}
