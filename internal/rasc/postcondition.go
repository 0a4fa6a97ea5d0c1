package rasc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Predicate tests one live attribute value.
type Predicate func(value interface{}) bool

// Condition binds a predicate to the attribute it is evaluated against.
type Condition struct {
	Attribute string
	Predicate Predicate
	desc      string
}

func (c Condition) String() string {
	if c.desc == "" {
		return c.Attribute
	}
	return c.Attribute + " " + c.desc
}

// Postcondition is the set of attribute conditions that together mean a
// phase has been reached. An empty postcondition is always satisfied.
type Postcondition []Condition

// Matches reports whether every condition holds. A missing attribute fails
// its condition.
func (p Postcondition) Matches(attrs map[string]interface{}) bool {
	for _, c := range p {
		value, ok := attrs[c.Attribute]
		if !ok || c.Predicate == nil || !c.Predicate(value) {
			return false
		}
	}
	return true
}

// Attributes lists the attribute names the postcondition looks at.
func (p Postcondition) Attributes() []string {
	out := make([]string, 0, len(p))
	for _, c := range p {
		out = append(out, c.Attribute)
	}
	return out
}

func (p Postcondition) String() string {
	parts := make([]string, 0, len(p))
	for _, c := range p {
		parts = append(parts, c.String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Equals matches values equal to want. Numbers compare numerically and
// everything else by its string form, so "on" matches "on" and 255 matches
// 255.0.
func Equals(attribute string, want interface{}) Condition {
	return Condition{
		Attribute: attribute,
		Predicate: func(value interface{}) bool { return valuesEqual(value, want) },
		desc:      fmt.Sprintf("== %v", want),
	}
}

// OneOf matches any of the listed values.
func OneOf(attribute string, wants ...interface{}) Condition {
	return Condition{
		Attribute: attribute,
		Predicate: func(value interface{}) bool {
			for _, want := range wants {
				if valuesEqual(value, want) {
					return true
				}
			}
			return false
		},
		desc: fmt.Sprintf("in %v", wants),
	}
}

// Any matches as soon as the attribute is present.
func Any(attribute string) Condition {
	return Condition{
		Attribute: attribute,
		Predicate: func(interface{}) bool { return true },
		desc:      "present",
	}
}

// Approx matches numeric values within tolerance of want.
func Approx(attribute string, want, tolerance float64) Condition {
	return Condition{
		Attribute: attribute,
		Predicate: func(value interface{}) bool {
			got, ok := toFloat(value)
			return ok && math.Abs(got-want) <= tolerance
		},
		desc: fmt.Sprintf("~= %v±%v", want, tolerance),
	}
}

// Func wraps an arbitrary predicate.
func Func(attribute string, p Predicate) Condition {
	return Condition{Attribute: attribute, Predicate: p}
}

func valuesEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
