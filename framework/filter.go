package framework

import (
	"fmt"
	"io"
	"regexp"
	"strings"
)

// RegexFilters selects targets by name.
type RegexFilters struct {
	MustMatch    RegexList
	MustNotMatch RegexList
}

func (r RegexFilters) Match(target string) bool {
	return (!r.MustMatch.IsDefined() || r.MustMatch.AnyMatch(target)) &&
		!r.MustNotMatch.AnyMatch(target)
}

func (r RegexFilters) IsDefined() bool {
	return r.MustMatch.IsDefined() || r.MustNotMatch.IsDefined()
}

// FilterTargets returns the targets that pass the filters, keeping their order.
func FilterTargets(targets []string, filters RegexFilters) []string {
	var ret []string
	for _, t := range targets {
		if filters.Match(t) {
			ret = append(ret, t)
		}
	}
	return ret
}

type RegexList struct {
	patterns []*regexp.Regexp
}

func (r RegexList) String() string {
	var ss []string
	for _, p := range r.patterns {
		ss = append(ss, `"`+p.String()+`"`)
	}
	return strings.Join(ss, " or ")
}

// Set is called by the command line parser
func (r *RegexList) Set(value string) error {
	rx, err := regexp.Compile(value)
	if err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	r.patterns = append(r.patterns, rx)
	return nil
}

func (r RegexList) IsDefined() bool {
	return len(r.patterns) != 0
}

func (r RegexList) AnyMatch(s string) bool {
	for _, p := range r.patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// PrintFilterDescription explains which targets will be skipped, and warns about targets that
// the test service did not say it could run.
func PrintFilterDescription(w io.Writer, filters RegexFilters, harness *TestHarness, targets []string) {
	if filters.IsDefined() {
		fmt.Fprintln(w, "Some targets will be skipped based on the filter criteria for this test run:")
		if filters.MustMatch.IsDefined() {
			fmt.Fprintf(w, "  skip any not matching %s\n", filters.MustMatch)
		}
		if filters.MustNotMatch.IsDefined() {
			fmt.Fprintf(w, "  skip any matching %s\n", filters.MustNotMatch)
		}
		fmt.Fprintln(w)
	}

	var unknown []string
	for _, t := range targets {
		if !harness.TestServiceHasBatch(t) {
			unknown = append(unknown, t)
		}
	}
	if len(unknown) > 0 {
		fmt.Fprintln(w, "The test service did not list the following targets, so they will probably fail:")
		fmt.Fprintf(w, "  %s\n", strings.Join(unknown, ", "))
		fmt.Fprintln(w)
	}
}
