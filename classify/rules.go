package classify

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule scores one failure type. Each matching pattern adds the rule's
// weight; repeated matches within one pattern add a small bonus; keyword
// co-occurrence adds a smaller bonus.
type Rule struct {
	Type     FailureType `yaml:"type"`
	Patterns []string    `yaml:"patterns"`
	Keywords []string    `yaml:"keywords"`
	Weight   float64     `yaml:"weight"`
}

type compiledRule struct {
	rule     Rule
	patterns []*regexp.Regexp
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Type == "" || rule.Type == UnknownFailure {
			return nil, fmt.Errorf("rule with invalid type %q", rule.Type)
		}
		if len(rule.Patterns) == 0 {
			return nil, fmt.Errorf("rule %s has no patterns", rule.Type)
		}
		if rule.Weight <= 0 {
			rule.Weight = 1.0
		}
		cr := compiledRule{rule: rule}
		for _, pattern := range rule.Patterns {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %s pattern %q: %w", rule.Type, pattern, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		compiled = append(compiled, cr)
	}
	return compiled, nil
}

// LoadRules reads a rule table from a YAML file so the table can be tuned
// and unit-tested rule by rule without a rebuild.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("rules %s: no rules defined", path)
	}
	return doc.Rules, nil
}

// DefaultRules is the built-in taxonomy table.
func DefaultRules() []Rule {
	return []Rule{
		{
			Type: TestFailure,
			Patterns: []string{
				`assertionerror`,
				`\bFAIL(?:ED)?\b[:\s]`,
				`expected .* (?:to be|to equal|got|but was)`,
				`tests? (?:failed|failing)`,
				`\d+ (?:failing|failed)`,
			},
			Keywords: []string{"test", "spec", "assert", "expect"},
			Weight:   1.0,
		},
		{
			Type: BuildFailure,
			Patterns: []string{
				`build failed`,
				`compilation (?:error|failed)`,
				`cannot build`,
				`(?:make|gradle|maven|cargo|go build).*(?:error|failed)`,
				`syntax error`,
			},
			Keywords: []string{"build", "compile", "make"},
			Weight:   1.0,
		},
		{
			Type: TypeError,
			Patterns: []string{
				`type (?:error|mismatch)`,
				`cannot use .* as .* (?:value|type)`,
				`incompatible types`,
				`is not assignable to`,
				`undefined (?:method|property|field)`,
			},
			Keywords: []string{"type", "typescript", "tsc"},
			Weight:   1.0,
		},
		{
			Type: LintError,
			Patterns: []string{
				`lint(?:er)? (?:error|failed|warning)`,
				`\beslint\b`,
				`\bgolangci-lint\b`,
				`\bgo vet\b.*(?:error|failed)`,
				`style violation`,
			},
			Keywords: []string{"lint", "style", "format"},
			Weight:   0.9,
		},
		{
			Type: EnvironmentError,
			Patterns: []string{
				`command not found`,
				`no such file or directory`,
				`permission denied`,
				`environment variable .* (?:not set|missing)`,
				`executable file not found`,
			},
			Keywords: []string{"env", "path", "shell"},
			Weight:   1.0,
		},
		{
			Type: DependencyError,
			Patterns: []string{
				`cannot find (?:module|package)`,
				`module not found`,
				`unresolved dependency`,
				`(?:npm|yarn|pip|go mod|cargo).*(?:error|failed)`,
				`version conflict`,
			},
			Keywords: []string{"dependency", "module", "package", "install"},
			Weight:   1.0,
		},
		{
			Type: SecurityError,
			Patterns: []string{
				`vulnerabilit(?:y|ies)`,
				`CVE-\d{4}-\d+`,
				`security (?:audit|scan) failed`,
				`secret detected`,
				`insecure`,
			},
			Keywords: []string{"security", "audit", "cve"},
			Weight:   1.0,
		},
		{
			Type: PerformanceError,
			Patterns: []string{
				`(?:timed? ?out|timeout)`,
				`deadline exceeded`,
				`out of memory`,
				`too slow`,
				`benchmark.*(?:regress|failed)`,
			},
			Keywords: []string{"performance", "memory", "slow"},
			Weight:   0.9,
		},
		{
			Type: DeploymentError,
			Patterns: []string{
				`deploy(?:ment)? failed`,
				`rollout (?:failed|stuck)`,
				`imagepullbackoff`,
				`healthcheck failed`,
				`release failed`,
			},
			Keywords: []string{"deploy", "release", "rollout", "kubernetes"},
			Weight:   1.0,
		},
	}
}
