// Package namer maps backup names to timestamps and back.
//
// A name pattern is a literal string containing the {format} token exactly
// once. The token expands to a fixed numeric timestamp with minute
// resolution, so any name produced by a pattern can be parsed back to the
// minute it was created. Everything outside the token is kept verbatim.
package namer

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FormatToken is the placeholder that expands to the timestamp.
const FormatToken = "{format}"

// NameKeyword is replaced with the last element of the backup source path
// before the pattern is applied.
const NameKeyword = "%NAME"

// timeLayout is the sub-format the token expands to. Month, day and hour
// are unpadded, matching names produced by earlier releases, and time.Parse
// accepts both padded and unpadded digits for these verbs.
const timeLayout = "2006-1-2--15-04"

// ErrUnparsableName is returned by Timestamp for names the pattern cannot
// explain. Callers treat such names as older than any parsable name.
var ErrUnparsableName = errors.New("name does not match pattern")

// Pattern is a validated name pattern split around the {format} token.
type Pattern struct {
	raw    string
	prefix string
	suffix string
	loc    *time.Location
}

// Parse validates raw and splits it around the {format} token.
// The token must appear exactly once and the pattern may not contain an
// apostrophe, which is reserved for escaping in other tooling that reads
// these names. loc is the timezone timestamps are rendered and parsed in;
// nil means time.Local.
func Parse(raw string, loc *time.Location) (Pattern, error) {
	if loc == nil {
		loc = time.Local
	}
	if strings.Contains(raw, "'") {
		return Pattern{}, fmt.Errorf("pattern %q: apostrophes are not allowed", raw)
	}
	first := strings.Index(raw, FormatToken)
	if first < 0 {
		return Pattern{}, fmt.Errorf("pattern %q: missing %s token", raw, FormatToken)
	}
	if strings.Index(raw[first+len(FormatToken):], FormatToken) >= 0 {
		return Pattern{}, fmt.Errorf("pattern %q: %s may appear only once", raw, FormatToken)
	}
	return Pattern{
		raw:    raw,
		prefix: raw[:first],
		suffix: raw[first+len(FormatToken):],
		loc:    loc,
	}, nil
}

// MustParse is Parse for patterns known valid at compile time. Test helper.
func MustParse(raw string, loc *time.Location) Pattern {
	p, err := Parse(raw, loc)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original pattern text.
func (p Pattern) String() string { return p.raw }

// WithName returns a copy of the pattern with every %NAME keyword in the
// literal parts replaced by name.
func (p Pattern) WithName(name string) Pattern {
	p.prefix = strings.ReplaceAll(p.prefix, NameKeyword, name)
	p.suffix = strings.ReplaceAll(p.suffix, NameKeyword, name)
	p.raw = strings.ReplaceAll(p.raw, NameKeyword, name)
	return p
}

// Format renders the pattern for the given instant.
func (p Pattern) Format(t time.Time) string {
	return p.prefix + t.In(p.loc).Format(timeLayout) + p.suffix
}

// Timestamp recovers the creation time encoded in name.
// The literal extension (".zip", ".zip.age") is not part of the pattern and
// must be stripped by the caller if the pattern does not include it.
// Returns ErrUnparsableName when name does not fit the pattern.
func (p Pattern) Timestamp(name string) (time.Time, error) {
	if !strings.HasPrefix(name, p.prefix) || !strings.HasSuffix(name, p.suffix) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnparsableName, name)
	}
	// Prefix and suffix may overlap in a short name, leaving no room for
	// a timestamp between them.
	if len(name) < len(p.prefix)+len(p.suffix) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnparsableName, name)
	}
	middle := name[len(p.prefix) : len(name)-len(p.suffix)]
	t, err := time.ParseInLocation(timeLayout, middle, p.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnparsableName, name)
	}
	return t, nil
}

// Matches reports whether name could have been produced by this pattern.
func (p Pattern) Matches(name string) bool {
	_, err := p.Timestamp(name)
	return err == nil
}
