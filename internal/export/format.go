// Package export renders weekly slot boards as the plain text recruiters paste
// into candidate chats, and puts that text on the clipboard.
package export

import (
	"errors"
	"strings"

	"hrslots/internal/slots"
)

var ErrNothingToCopy = errors.New("export: nothing to copy")

// DefaultSeparator sits between the two weeks in FormatAll output.
const DefaultSeparator = "---"

// Settings are the per-user extra lines around exported slots.
type Settings struct {
	CurrentWeekPrefix string `yaml:"current_week_prefix" json:"currentWeekPrefix"`
	NextWeekPrefix    string `yaml:"next_week_prefix" json:"nextWeekPrefix"`
	AllSlotsPrefix    string `yaml:"all_slots_prefix" json:"allSlotsPrefix"`
	SeparatorText     string `yaml:"separator_text" json:"separatorText"`
}

func DefaultSettings() Settings {
	return Settings{SeparatorText: DefaultSeparator}
}

// Line renders one day: "ПН 11-13, 15" for the current week and
// "ПН (22.09) 11-13, 15" for the next one.
func Line(week slots.Week, d slots.DaySlots) string {
	if week == slots.Next {
		return d.Weekday + " (" + d.DateLabel + ") " + d.Slots()
	}
	return d.Weekday + " " + d.Slots()
}

// FormatWeek renders a single week with its configured prefix line.
func FormatWeek(week slots.Week, days []slots.DaySlots, s Settings) (string, error) {
	if len(days) == 0 {
		return "", ErrNothingToCopy
	}

	var b strings.Builder
	prefix := s.CurrentWeekPrefix
	if week == slots.Next {
		prefix = s.NextWeekPrefix
	}
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteByte('\n')
	}
	writeDays(&b, week, days)

	return strings.TrimSpace(b.String()), nil
}

// FormatAll renders both weeks, separated by a blank line and
// Settings.SeparatorText when it is set.
func FormatAll(current, next []slots.DaySlots, s Settings) (string, error) {
	if len(current) == 0 && len(next) == 0 {
		return "", ErrNothingToCopy
	}

	var b strings.Builder
	if s.AllSlotsPrefix != "" {
		b.WriteString(s.AllSlotsPrefix)
		b.WriteByte('\n')
	}
	writeDays(&b, slots.Current, current)

	if len(next) > 0 {
		b.WriteByte('\n')
		if s.SeparatorText != "" {
			b.WriteString(s.SeparatorText)
			b.WriteByte('\n')
		}
		writeDays(&b, slots.Next, next)
	}

	return strings.TrimSpace(b.String()), nil
}

func writeDays(b *strings.Builder, week slots.Week, days []slots.DaySlots) {
	for _, d := range days {
		b.WriteString(Line(week, d))
		b.WriteByte('\n')
	}
}
