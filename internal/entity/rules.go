package entity

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"rascd/internal/rasc"

	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// ActionRule holds the expected attributes for both phases of one service.
type ActionRule struct {
	Start    map[string]interface{} `yaml:"start"`
	Complete map[string]interface{} `yaml:"complete"`
}

// Rules maps domain -> service -> rule.
type Rules map[string]map[string]ActionRule

// DefaultRules returns the built-in rules.
func DefaultRules() Rules {
	rules, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded rules are invalid: %v", err))
	}
	return rules
}

// ParseRules parses and validates a rules document.
func ParseRules(data []byte) (Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if err := rules.validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

// LoadRules returns the built-in rules with the rules in path layered on
// top, service by service. An empty path returns the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	overrides, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	for domain, services := range overrides {
		if rules[domain] == nil {
			rules[domain] = make(map[string]ActionRule)
		}
		for service, rule := range services {
			rules[domain][service] = rule
		}
	}
	return rules, nil
}

// Domains lists the domains that have rules, sorted.
func (r Rules) Domains() []string {
	out := make([]string, 0, len(r))
	for domain := range r {
		out = append(out, domain)
	}
	sort.Strings(out)
	return out
}

// Covers reports whether entities of domain are tracked.
func (r Rules) Covers(domain string) bool {
	_, ok := r[domain]
	return ok
}

// Postcondition builds the postcondition for action on an entity of domain.
// Services without a rule yield an empty postcondition.
func (r Rules) Postcondition(domain string, action rasc.ActionSpec) rasc.Postcondition {
	rule, ok := r[domain][action.Service]
	if !ok {
		return nil
	}

	expected := rule.Complete
	if action.Response == rasc.Start {
		expected = rule.Start
	}

	attrs := make([]string, 0, len(expected))
	for attr := range expected {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)

	post := make(rasc.Postcondition, 0, len(attrs))
	for _, attr := range attrs {
		if cond, ok := buildCondition(attr, expected[attr], action.ServiceData); ok {
			post = append(post, cond)
		}
	}
	return post
}

func (r Rules) validate() error {
	for domain, services := range r {
		for service, rule := range services {
			for phase, expected := range map[string]map[string]interface{}{"start": rule.Start, "complete": rule.Complete} {
				for attr, value := range expected {
					if err := validateValue(value); err != nil {
						return fmt.Errorf("%s.%s %s %s: %w", domain, service, phase, attr, err)
					}
				}
			}
		}
	}
	return nil
}

func validateValue(value interface{}) error {
	switch v := value.(type) {
	case nil:
		return fmt.Errorf("value is empty")
	case []interface{}:
		if len(v) == 0 {
			return fmt.Errorf("list is empty")
		}
		for _, item := range v {
			switch item.(type) {
			case []interface{}, map[string]interface{}, nil:
				return fmt.Errorf("list items must be scalars")
			}
		}
	case map[string]interface{}:
		if _, ok := v["approx"]; !ok {
			return fmt.Errorf("mapping needs an approx key")
		}
		for key := range v {
			if key != "approx" && key != "tolerance" {
				return fmt.Errorf("unknown key %q", key)
			}
		}
		if tol, ok := v["tolerance"]; ok {
			if _, ok := number(tol); !ok {
				return fmt.Errorf("tolerance must be a number")
			}
		}
	}
	return nil
}

// buildCondition turns one rule value into a condition. A reference to
// service data that the call did not carry yields no condition.
func buildCondition(attr string, value interface{}, data map[string]interface{}) (rasc.Condition, bool) {
	switch v := value.(type) {
	case []interface{}:
		wants := make([]interface{}, 0, len(v))
		for _, item := range v {
			if resolved, ok := resolve(item, data); ok {
				wants = append(wants, resolved)
			}
		}
		if len(wants) == 0 {
			return rasc.Condition{}, false
		}
		return rasc.OneOf(attr, wants...), true

	case map[string]interface{}:
		target, ok := resolve(v["approx"], data)
		if !ok {
			return rasc.Condition{}, false
		}
		want, ok := number(target)
		if !ok {
			return rasc.Condition{}, false
		}
		tol, _ := number(v["tolerance"])
		return rasc.Approx(attr, want, tol), true

	case string:
		if v == "*" {
			return rasc.Any(attr), true
		}
	}

	resolved, ok := resolve(value, data)
	if !ok {
		return rasc.Condition{}, false
	}
	return rasc.Equals(attr, resolved), true
}

// resolve replaces a "$field" reference with the service data value.
func resolve(value interface{}, data map[string]interface{}) (interface{}, bool) {
	s, ok := value.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return value, true
	}
	v, ok := data[strings.TrimPrefix(s, "$")]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
