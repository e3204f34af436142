package classify

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Scoring constants. The pattern base dominates; repeated occurrences and
// keyword co-occurrence only nudge the score upward, so adding occurrences
// can never lower a type's score.
const (
	patternBase        = 0.4
	patternSpread      = 0.6
	occurrenceBonus    = 0.03
	maxOccurrenceBonus = 0.15
	keywordBonus       = 0.1
	weakKeywordScore   = 0.15
)

// Classifier scores log text against the rule table.
type Classifier struct {
	rules  []compiledRule
	config Config
}

// NewClassifier compiles the rule table. Pass nil rules for the defaults.
func NewClassifier(rules []Rule, config Config) (*Classifier, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	return &Classifier{rules: compiled, config: config.withDefaults()}, nil
}

// Classify scores the full log text against every rule and returns the best
// taxonomy label. A best score below the configured floor yields UNKNOWN
// with that low confidence. Malformed or empty logs never crash: they
// classify as UNKNOWN at the floor.
func (c *Classifier) Classify(logText string) FailureContext {
	now := time.Now().UTC()
	if strings.TrimSpace(logText) == "" {
		return FailureContext{
			FailureType:  UnknownFailure,
			Confidence:   0,
			Summary:      "Log text was empty or unreadable; failure type is unknown.",
			ClassifiedAt: now,
		}
	}

	var (
		bestType    FailureType = UnknownFailure
		bestScore   float64
		bestMatches []string
	)

	for _, cr := range c.rules {
		score, matches := c.scoreRule(cr, logText)
		if score > bestScore {
			bestScore = score
			bestType = cr.rule.Type
			bestMatches = matches
		}
	}

	if bestScore > 1 {
		bestScore = 1
	}

	ctx := FailureContext{
		Confidence:      bestScore,
		MatchedPatterns: bestMatches,
		AffectedFiles:   extractFiles(logText),
		StackTraces:     extractStackTraces(logText),
		ClassifiedAt:    now,
	}

	if bestScore < c.config.Floor {
		ctx.FailureType = UnknownFailure
		ctx.Summary = fmt.Sprintf("No rule scored above the %.2f floor (best %.2f); failure type is unknown.", c.config.Floor, bestScore)
		return ctx
	}

	ctx.FailureType = bestType
	ctx.Summary = fmt.Sprintf("Classified as %s with confidence %.2f (%d pattern(s) matched).", bestType, bestScore, len(bestMatches))
	return ctx
}

// scoreRule computes one rule's normalized score in [0,1]. The base grows
// with the fraction of the rule's patterns that matched; extra occurrences
// of a matched pattern and keyword co-occurrence add capped bonuses.
func (c *Classifier) scoreRule(cr compiledRule, logText string) (float64, []string) {
	matched := 0
	extraOccurrences := 0
	var matches []string
	for i, re := range cr.patterns {
		found := re.FindAllStringIndex(logText, -1)
		if len(found) == 0 {
			continue
		}
		matched++
		extraOccurrences += len(found) - 1
		matches = append(matches, cr.rule.Patterns[i])
	}

	keywordHits := 0
	lower := strings.ToLower(logText)
	for _, keyword := range cr.rule.Keywords {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			keywordHits++
		}
	}

	if matched == 0 {
		// Keywords alone are a weak signal and stay below the floor.
		if keywordHits > 0 && len(cr.rule.Keywords) > 0 {
			return cr.rule.Weight * weakKeywordScore * float64(keywordHits) / float64(len(cr.rule.Keywords)), nil
		}
		return 0, nil
	}

	fraction := float64(matched) / float64(len(cr.patterns))
	score := cr.rule.Weight * (patternBase + patternSpread*fraction)

	bonus := occurrenceBonus * float64(extraOccurrences)
	if bonus > maxOccurrenceBonus {
		bonus = maxOccurrenceBonus
	}
	score += bonus

	if len(cr.rule.Keywords) > 0 {
		score += keywordBonus * float64(keywordHits) / float64(len(cr.rule.Keywords))
	}
	return score, matches
}

var filePattern = regexp.MustCompile(`(?m)(?:^|[\s("'` + "`" + `])((?:[\w.-]+/)*[\w.-]+\.(?:go|js|jsx|ts|tsx|py|java|rb|rs|c|cc|cpp|h|cs|php|yaml|yml|json|toml|tf))(?::\d+)?`)

// extractFiles pulls source-file paths mentioned anywhere in the log.
func extractFiles(logText string) []string {
	seen := make(map[string]struct{})
	var files []string
	for _, match := range filePattern.FindAllStringSubmatch(logText, -1) {
		path := match[1]
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}
	sort.Strings(files)
	return files
}

var stackLinePattern = regexp.MustCompile(`(?m)^\s+(?:at\s+\S+|File "[^"]+", line \d+|\S+\.go:\d+)`)

// extractStackTraces collects runs of consecutive stack-frame lines.
func extractStackTraces(logText string) []string {
	var traces []string
	var current []string
	flush := func() {
		if len(current) >= 2 {
			traces = append(traces, strings.Join(current, "\n"))
		}
		current = nil
	}
	for _, line := range strings.Split(logText, "\n") {
		if stackLinePattern.MatchString(line) {
			current = append(current, strings.TrimRight(line, "\r"))
			continue
		}
		flush()
	}
	flush()
	return traces
}
