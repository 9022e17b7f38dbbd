package vm

import (
	"sort"
	"strings"
)

// CapabilityError lists the capabilities a module requires but the host
// does not offer.
type CapabilityError struct {
	Missing []string
}

func (e *CapabilityError) Error() string {
	return "missing capabilities: " + strings.Join(e.Missing, ", ")
}

// CheckCapabilities fails unless every required capability is available.
// The missing ones are reported sorted and without duplicates.
func CheckCapabilities(required, available []string) error {
	have := make(map[string]struct{}, len(available))
	for _, c := range available {
		have[c] = struct{}{}
	}
	seen := make(map[string]struct{})
	var missing []string
	for _, c := range required {
		if _, ok := have[c]; ok {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		missing = append(missing, c)
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &CapabilityError{Missing: missing}
}

// CapabilitiesFromCSV parses a comma separated capability list, as used
// on the command line. Blank entries are skipped.
func CapabilitiesFromCSV(csv string) []string {
	var out []string
	for _, c := range strings.Split(csv, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
