package report

import "strings"

// disambiguators maps a primary-key basename to the rule used to pick its
// second argv component, table-driven per spec.md §9's "keep them
// table-driven so they can be extended without touching the engine."
// Grounded on command_tree.rs's create_command, generalized from that
// function's single combined match arm into separate shell and
// interpreter rules, matching spec.md §4.5's split description.
type disambigRule int

const (
	noDisambig disambigRule = iota
	shellDisambig
	interpreterDisambig
)

var disambigByBasename = map[string]disambigRule{
	"sh":    shellDisambig,
	"bash":  shellDisambig,
	"dash":  shellDisambig,
	"ksh":   shellDisambig,
	"zsh":   shellDisambig,

	"python":  interpreterDisambig,
	"python2": interpreterDisambig,
	"python3": interpreterDisambig,
	"perl":    interpreterDisambig,
	"ruby":    interpreterDisambig,
	"node":    interpreterDisambig,
	"lua":     interpreterDisambig,
}

// basename returns the final path component, matching the original's
// argv0.rsplit_once('/') idiom.
func basename(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Fingerprint computes the group-by-command key for argv, per spec.md
// §4.5's fingerprint policy.
func Fingerprint(argv []string) string {
	if len(argv) == 0 {
		return "?"
	}
	primary := argv[0]
	base := basename(primary)
	base = strings.TrimPrefix(base, "./")

	rule, ok := disambigByBasename[base]
	if !ok {
		// Interpreters may be invoked as "python3.11" etc.; the original
		// only checked a fixed prefix ("python"), so this engine mirrors
		// that narrower rule rather than generalizing further.
		if strings.HasPrefix(base, "python") {
			rule = interpreterDisambig
		} else {
			return primary
		}
	}

	disambig := secondArgvToken(argv, rule)
	if disambig == "" {
		return primary
	}
	return primary + " " + disambig
}

// secondArgvToken finds the argv component that disambiguates a shell or
// interpreter invocation, per spec.md §4.5:
//   - shell: the second argv component, if present and not starting with "-".
//   - interpreter: the script path argument (first argv entry not
//     beginning with "-").
func secondArgvToken(argv []string, rule disambigRule) string {
	switch rule {
	case shellDisambig:
		if len(argv) < 2 {
			return ""
		}
		if strings.HasPrefix(argv[1], "-") {
			// "-c" (inline script) carries no useful command identity.
			return ""
		}
		return firstWhitespaceToken(argv[1])

	case interpreterDisambig:
		for _, a := range argv[1:] {
			if !strings.HasPrefix(a, "-") {
				return firstWhitespaceToken(a)
			}
		}
		return ""

	default:
		return ""
	}
}

func firstWhitespaceToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
