package validate

import (
	"regexp"
	"strconv"
	"strings"

	"mnemo/internal/memerr"
)

const maxBoundedRepetition = 10000

// quantifiedGroup matches a parenthesized group immediately followed by a
// quantifier, e.g. (x+)+ or (a|b)*. Group nesting deeper than one level is
// caught by the inner-body inspection below.
var quantifiedGroup = regexp.MustCompile(`\(([^()]*)\)([+*]|\{\d+(?:,\d*)?\})`)

var boundedRepetition = regexp.MustCompile(`\{(\d+)(?:,(\d*))?\}`)

// CheckRegex rejects user-supplied patterns with catastrophic-backtracking
// shapes before they ever reach a matcher. The length cap is checked first so
// oversized patterns never get structural inspection.
func CheckRegex(pattern string, maxLen int) error {
	if pattern == "" {
		return memerr.Validation("regex pattern is empty")
	}
	if len(pattern) > maxLen {
		return memerr.SizeLimit("regex", maxLen, len(pattern), "chars")
	}

	for _, m := range quantifiedGroup.FindAllStringSubmatch(pattern, -1) {
		body := m[1]
		if bodyEndsQuantified(body) {
			return memerr.Validationf("regex has nested quantifiers: %q", m[0])
		}
		if alternativesOverlap(body) {
			return memerr.Validationf("regex has overlapping alternation: %q", m[0])
		}
	}

	for _, m := range boundedRepetition.FindAllStringSubmatch(pattern, -1) {
		lo, _ := strconv.Atoi(m[1])
		hi := lo
		if m[2] != "" {
			hi, _ = strconv.Atoi(m[2])
		}
		if lo > maxBoundedRepetition || hi > maxBoundedRepetition {
			return memerr.Validationf("regex repetition bound exceeds %d: %q", maxBoundedRepetition, m[0])
		}
	}

	if _, err := regexp.Compile(pattern); err != nil {
		return memerr.Validationf("regex does not compile: %v", err)
	}
	return nil
}

// bodyEndsQuantified reports whether a group body ends in a quantified atom,
// which makes an outer quantifier explosive: (x+)+, (x*)*, (x?)+, (.*)*.
func bodyEndsQuantified(body string) bool {
	if body == "" {
		return false
	}
	last := body[len(body)-1]
	if last == '+' || last == '*' || last == '?' {
		// A trailing escaped literal like \+ is a plain character.
		return !strings.HasSuffix(body[:len(body)-1], `\`)
	}
	if last == '}' {
		return boundedRepetition.MatchString(body)
	}
	return false
}

// alternativesOverlap reports whether any alternative in the group body is a
// prefix of another, the (a|a)+ and (ab|a)+ family.
func alternativesOverlap(body string) bool {
	if !strings.Contains(body, "|") {
		return false
	}
	alts := strings.Split(body, "|")
	for i := 0; i < len(alts); i++ {
		for j := 0; j < len(alts); j++ {
			if i == j || alts[i] == "" || alts[j] == "" {
				continue
			}
			if strings.HasPrefix(alts[i], alts[j]) || strings.HasPrefix(alts[j], alts[i]) {
				return true
			}
		}
	}
	return false
}
