package batch

import "strings"

// Filter selects inference tasks by name. Zero value allows everything.
type Filter struct {
	Include []string
	Exclude []string
}

// ParseFilter splits comma-separated include and exclude lists, trimming
// whitespace and dropping empty entries.
func ParseFilter(include, exclude string) Filter {
	return Filter{
		Include: splitList(include),
		Exclude: splitList(exclude),
	}
}

// Allows reports whether a task with the given name should execute.
// Exclude wins over include.
func (f Filter) Allows(name string) bool {
	for _, n := range f.Exclude {
		if n == name {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, n := range f.Include {
		if n == name {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
