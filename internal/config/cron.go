package config

import (
	"fmt"
	"strconv"
	"strings"
)

type cronField struct {
	name     string
	min, max int
	// names maps three-letter aliases (JAN, MON) to their value.
	names map[string]int
}

var cronFields = [5]cronField{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day of month", min: 1, max: 31},
	{name: "month", min: 1, max: 12, names: map[string]int{
		"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
		"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
	}},
	{name: "day of week", min: 0, max: 6, names: map[string]int{
		"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
	}},
}

// ValidateCron checks a five-field cron trigger (minute hour day-of-month
// month day-of-week). Fields accept *, values, a-b ranges, /n steps on either,
// comma lists and, for month and day of week, three-letter names.
func ValidateCron(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != len(cronFields) {
		return fmt.Errorf("want 5 fields (minute hour day month weekday), got %d", len(fields))
	}
	for i, raw := range fields {
		f := cronFields[i]
		for _, item := range strings.Split(raw, ",") {
			if err := f.check(item); err != nil {
				return fmt.Errorf("%s field %q: %w", f.name, raw, err)
			}
		}
	}
	return nil
}

func (f cronField) check(item string) error {
	if item == "" {
		return fmt.Errorf("empty list item")
	}
	span, stepText, stepped := strings.Cut(item, "/")
	if stepped {
		step, err := strconv.Atoi(stepText)
		if err != nil || step < 1 {
			return fmt.Errorf("step %q must be a positive integer", stepText)
		}
	}
	if span == "*" {
		return nil
	}
	lo, hi, isRange := strings.Cut(span, "-")
	low, err := f.value(lo)
	if err != nil {
		return err
	}
	if !isRange {
		return nil
	}
	high, err := f.value(hi)
	if err != nil {
		return err
	}
	if low > high {
		return fmt.Errorf("range %s is reversed", span)
	}
	return nil
}

func (f cronField) value(s string) (int, error) {
	if n, ok := f.names[strings.ToUpper(s)]; ok {
		return n, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if n < f.min || n > f.max {
		return 0, fmt.Errorf("%d outside %d-%d", n, f.min, f.max)
	}
	return n, nil
}
