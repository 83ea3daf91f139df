package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSpec is a parsed five-field cron line: minute, hour,
// day-of-month, month, day-of-week. Supported field syntax: "*",
// integers, a-b ranges, comma lists, and */step. Matching is
// against UTC.
type cronSpec struct {
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64
}

type cronField struct {
	name string
	min  int
	max  int
}

var cronFields = []cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

func parseCron(expr string) (*cronSpec, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	var sets [5]uint64
	for i, f := range fields {
		set, err := parseCronField(f, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("%s field: %w", cronFields[i].name, err)
		}
		sets[i] = set
	}

	return &cronSpec{
		minute: sets[0],
		hour:   sets[1],
		dom:    sets[2],
		month:  sets[3],
		dow:    sets[4],
	}, nil
}

func parseCronField(s string, f cronField) (uint64, error) {
	var set uint64

	for part := range strings.SplitSeq(s, ",") {
		lo, hi, step := f.min, f.max, 1

		if rest, ok := strings.CutPrefix(part, "*/"); ok {
			n, err := strconv.Atoi(rest)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("bad step %q", part)
			}
			step = n
		} else if part != "*" {
			rangeLo, rangeHi, isRange := strings.Cut(part, "-")
			n, err := strconv.Atoi(rangeLo)
			if err != nil {
				return 0, fmt.Errorf("bad value %q", part)
			}
			lo = n
			if isRange {
				m, err := strconv.Atoi(rangeHi)
				if err != nil {
					return 0, fmt.Errorf("bad range %q", part)
				}
				hi = m
			} else {
				hi = n
			}
		}

		if lo < f.min || hi > f.max || lo > hi {
			return 0, fmt.Errorf("value out of range [%d,%d]: %q", f.min, f.max, part)
		}

		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}

	if set == 0 {
		return 0, fmt.Errorf("empty field %q", s)
	}
	return set, nil
}

func (c *cronSpec) Matches(t time.Time) bool {
	return c.minute&(1<<uint(t.Minute())) != 0 &&
		c.hour&(1<<uint(t.Hour())) != 0 &&
		c.dom&(1<<uint(t.Day())) != 0 &&
		c.month&(1<<uint(t.Month())) != 0 &&
		c.dow&(1<<uint(t.Weekday())) != 0
}
