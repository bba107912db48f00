package device

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/hashicorp/go-multierror"
)

// RegexSwitch classifies query output by matching it against an "on" and an "off" pattern.
type RegexSwitch struct {
	on  *regexp.Regexp
	off *regexp.Regexp
}

// NewRegexSwitch compiles both patterns. The patterns must differ and must not both
// match any of the probe tokens, which are the state values the device can report.
func NewRegexSwitch(onPattern, offPattern string, probes ...string) (RegexSwitch, error) {
	var errs *multierror.Error

	on, err := compilePattern("query_on_regex", onPattern)
	if err != nil {
		errs = AppendError(errs, err)
	}
	off, err := compilePattern("query_off_regex", offPattern)
	if err != nil {
		errs = AppendError(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return RegexSwitch{}, err
	}

	if onPattern == offPattern {
		return RegexSwitch{}, errors.New("query_on_regex and query_off_regex must differ")
	}
	for _, token := range probes {
		if on.MatchString(token) && off.MatchString(token) {
			errs = AppendError(errs, fmt.Errorf("query_on_regex and query_off_regex both match %q", token))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return RegexSwitch{}, err
	}
	return RegexSwitch{on: on, off: off}, nil
}

func compilePattern(field, pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return re, nil
}

// PowerState reports StateOn or StateOff when exactly one pattern matches output.
func (r RegexSwitch) PowerState(output string) State {
	if r.on == nil || r.off == nil {
		return StateUnknown
	}
	on := r.on.MatchString(output)
	off := r.off.MatchString(output)
	switch {
	case on && !off:
		return StateOn
	case off && !on:
		return StateOff
	default:
		return StateUnknown
	}
}

// OnPattern returns the source of the "on" pattern.
func (r RegexSwitch) OnPattern() string {
	if r.on == nil {
		return ""
	}
	return r.on.String()
}

// OffPattern returns the source of the "off" pattern.
func (r RegexSwitch) OffPattern() string {
	if r.off == nil {
		return ""
	}
	return r.off.String()
}
