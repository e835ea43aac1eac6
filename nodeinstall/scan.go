package nodeinstall

import (
	"regexp"
	"sort"
)

var (
	// Emitted by the vendor CLI when a single node fails to install.
	installErrorPattern = regexp.MustCompile(`An error occurred while installing '([^'\n]+)'`)
	// Generic fallback, e.g. "Node 'foo@1.2.0' not found". The version suffix
	// is not part of the node name. Names never span lines and must be quoted
	// on both sides.
	nodePattern = regexp.MustCompile(`Node '([^@'\n]+)(?:@[^'\n]*)?'`)
)

// ScanFailures extracts the names of nodes that failed to install from the
// vendor CLI output. The generic "Node '<name>'" pattern is only consulted
// when the explicit install error message does not match anything. The
// returned names are deduplicated and sorted.
func ScanFailures(log string) []string {
	failed := matchNames(installErrorPattern, log)
	if len(failed) == 0 {
		failed = matchNames(nodePattern, log)
	}
	return failed
}

func matchNames(re *regexp.Regexp, log string) []string {
	seen := make(map[string]struct{})
	for _, m := range re.FindAllStringSubmatch(log, -1) {
		seen[m[1]] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
