package mirror

import (
	"path"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// Tag inclusion rules. "semver:<constraint>" matches tags parseable as
// versions against the constraint, "re:<pattern>" matches the whole tag
// against the regexp, anything else is a shell glob.
const (
	semverRulePrefix = "semver:"
	regexpRulePrefix = "re:"
)

// MatchTag reports whether one tag satisfies one rule. A malformed rule is a
// configuration error, not a non-match.
func MatchTag(rule, tag string) (bool, error) {
	switch {
	case strings.HasPrefix(rule, semverRulePrefix):
		constraint, err := semver.NewConstraint(strings.TrimPrefix(rule, semverRulePrefix))
		if err != nil {
			return false, errors.Wrapf(err, "invalid semver rule %q", rule)
		}
		version, err := semver.NewVersion(tag)
		if err != nil {
			return false, nil // not a version-shaped tag
		}
		return constraint.Check(version), nil

	case strings.HasPrefix(rule, regexpRulePrefix):
		re, err := regexp.Compile("^(?:" + strings.TrimPrefix(rule, regexpRulePrefix) + ")$")
		if err != nil {
			return false, errors.Wrapf(err, "invalid regexp rule %q", rule)
		}
		return re.MatchString(tag), nil
	}

	ok, err := path.Match(rule, tag)
	if err != nil {
		return false, errors.Wrapf(err, "invalid glob rule %q", rule)
	}
	return ok, nil
}

// ResolveTags filters the available tags down to those matching at least one
// rule, preserving the upstream order.
func ResolveTags(available, rules []string) ([]string, error) {
	var result []string
	for _, tag := range available {
		for _, rule := range rules {
			ok, err := MatchTag(rule, tag)
			if err != nil {
				return nil, err
			}
			if ok {
				result = append(result, tag)
				break
			}
		}
	}
	return result, nil
}
