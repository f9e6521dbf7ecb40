package backend

import (
	"fmt"
	"sort"
	"strings"
)

// SplitArgs tokenizes a user-supplied argument string. Single and double
// quotes group words; a backslash escapes the next character outside single
// quotes.
func SplitArgs(s string) ([]string, error) {
	var (
		out     []string
		cur     strings.Builder
		inTok   bool
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inTok = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inTok = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inTok {
				out = append(out, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteRune(r)
			inTok = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote in arguments", quote)
	}
	if escaped {
		return nil, fmt.Errorf("trailing backslash in arguments")
	}
	if inTok {
		out = append(out, cur.String())
	}
	return out, nil
}

// reservedConflicts returns the reserved flags that appear in args, either
// bare ("--port") or in "--port=N" form. Values are not inspected.
func reservedConflicts(args, reserved []string) []string {
	set := make(map[string]bool, len(reserved))
	for _, r := range reserved {
		set[r] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			continue
		}
		name, _, _ := strings.Cut(a, "=")
		if set[name] && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ValidateArgs tokenizes raw and rejects any reserved flag.
func ValidateArgs(backend, raw string, reserved []string) ([]string, error) {
	args, err := SplitArgs(raw)
	if err != nil {
		return nil, &ArgsError{Backend: backend, Err: err}
	}
	if c := reservedConflicts(args, reserved); len(c) > 0 {
		return nil, &ReservedArgError{Backend: backend, Conflicts: c, ReservedBy: reserved}
	}
	return args, nil
}
