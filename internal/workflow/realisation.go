package workflow

import (
	"regexp"
	"strings"
)

var relSuffix = regexp.MustCompile(`_REL\d+$`)

// FaultName returns the fault (event group) a realisation belongs to.
// "Hossack_REL03" belongs to "Hossack"; a name without a _RELnn suffix is its own group median.
func FaultName(runName string) string {
	return relSuffix.ReplaceAllString(runName, "")
}

// IsMedian reports whether runName is the median realisation of its fault group.
func IsMedian(runName string) bool {
	return FaultName(runName) == runName
}

// LikeEscape escapes the LIKE wildcards in s using '\' as the escape character.
func LikeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// GroupMemberPattern is a LIKE pattern (escape '\') matching every non-median realisation of fault.
func GroupMemberPattern(fault string) string {
	return LikeEscape(fault) + `\_REL%`
}
