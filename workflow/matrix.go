package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrEmptyAxis = errors.New("matrix axis has no values")

type (
	// MatrixSpec declares the expansion of one job template: an
	// ordered set of axes, exclude patterns applied to the
	// Cartesian product, and include records merged or appended
	// afterwards.
	MatrixSpec struct {
		Axes    []Axis
		Include []map[string]string
		Exclude []map[string]string
	}

	Axis struct {
		Name   string
		Values []string
	}

	// Combination is one concrete point of an expanded matrix. ID
	// is stable across expansions of the same spec and unique
	// within one expansion; artifact naming and log correlation
	// depend on both properties.
	Combination struct {
		ID     string
		Values map[string]string
	}
)

// UnmarshalYAML keeps axis declaration order; "include" and
// "exclude" are reserved keys.
func (m *MatrixSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return errors.New("matrix must be a mapping")
	}

	for i := 0; i < len(value.Content); i += 2 {
		key := value.Content[i].Value
		val := value.Content[i+1]

		switch key {
		case "include":
			if err := decodeRecords(val, &m.Include); err != nil {
				return fmt.Errorf("matrix include: %w", err)
			}
		case "exclude":
			if err := decodeRecords(val, &m.Exclude); err != nil {
				return fmt.Errorf("matrix exclude: %w", err)
			}
		default:
			var vals []scalarString
			if err := val.Decode(&vals); err != nil {
				return fmt.Errorf("matrix axis %q: %w", key, err)
			}
			axis := Axis{Name: key}
			for _, v := range vals {
				axis.Values = append(axis.Values, string(v))
			}
			m.Axes = append(m.Axes, axis)
		}
	}

	return nil
}

// scalarString coerces yaml scalars of any type ("3.10", 3.10,
// true) to their literal string form.
type scalarString string

func (s *scalarString) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("expected scalar, got yaml kind %d", value.Kind)
	}
	*s = scalarString(value.Value)
	return nil
}

func decodeRecords(val *yaml.Node, out *[]map[string]string) error {
	var raw []map[string]scalarString
	if err := val.Decode(&raw); err != nil {
		return err
	}
	for _, r := range raw {
		rec := make(map[string]string, len(r))
		for k, v := range r {
			rec[k] = string(v)
		}
		*out = append(*out, rec)
	}
	return nil
}

func (m *MatrixSpec) validate(diag *Diagnostics, path string) {
	seen := map[string]bool{}
	for _, a := range m.Axes {
		if len(a.Values) == 0 {
			diag.AddError(path, fmt.Errorf("%w: %q", ErrEmptyAxis, a.Name))
		}
		if seen[a.Name] {
			diag.AddError(path, fmt.Errorf("duplicate matrix axis %q", a.Name))
		}
		seen[a.Name] = true
	}

	for _, ex := range m.Exclude {
		for k := range ex {
			if !seen[k] {
				diag.AddWarning(path, InvalidConfiguration,
					fmt.Sprintf("exclude key %q is not a declared axis", k))
			}
		}
	}
}

// Expand produces the concrete combinations of the spec:
//
//  1. the Cartesian product of the declared axes, first axis
//     varying slowest, stably ordered by first-axis value;
//  2. minus any product tuple matched by an exclude record;
//  3. plus the include records: an include whose declared-axis
//     values all match an existing tuple merges its extra fields
//     into every matching tuple, any other include is appended as
//     one standalone combination.
//
// Expansion is deterministic: the same spec always yields the same
// combinations in the same order.
func (m *MatrixSpec) Expand() ([]Combination, error) {
	for _, a := range m.Axes {
		if len(a.Values) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrEmptyAxis, a.Name)
		}
	}

	var combos []Combination
	if len(m.Axes) > 0 {
		combos = m.product()

		if len(m.Axes) > 1 {
			first := m.Axes[0].Name
			sort.SliceStable(combos, func(i, j int) bool {
				return combos[i].Values[first] < combos[j].Values[first]
			})
		}

		combos = m.applyExcludes(combos)
	}

	// includes merge into product tuples only, never into
	// combinations appended by an earlier include
	productLen := len(combos)
	for _, inc := range m.Include {
		combos = m.applyInclude(combos, productLen, inc)
	}

	m.assignIDs(combos)
	return combos, nil
}

func (m *MatrixSpec) product() []Combination {
	total := 1
	for _, a := range m.Axes {
		total *= len(a.Values)
	}

	combos := make([]Combination, 0, total)
	idx := make([]int, len(m.Axes))
	for {
		values := make(map[string]string, len(m.Axes))
		for i, a := range m.Axes {
			values[a.Name] = a.Values[idx[i]]
		}
		combos = append(combos, Combination{Values: values})

		// advance the last axis fastest
		i := len(idx) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(m.Axes[i].Values) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return combos
		}
	}
}

func (m *MatrixSpec) applyExcludes(combos []Combination) []Combination {
	kept := combos[:0]
	for _, c := range combos {
		if !m.excluded(c) {
			kept = append(kept, c)
		}
	}
	return kept
}

// excluded reports whether every key of some exclude record is
// present and equal in the combination.
func (m *MatrixSpec) excluded(c Combination) bool {
	for _, ex := range m.Exclude {
		match := len(ex) > 0
		for k, v := range ex {
			if c.Values[k] != v {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func (m *MatrixSpec) applyInclude(combos []Combination, productLen int, inc map[string]string) []Combination {
	declared := make(map[string]bool, len(m.Axes))
	for _, a := range m.Axes {
		declared[a.Name] = true
	}

	merged := false
	for i := range combos[:productLen] {
		match := true
		for k, v := range inc {
			if declared[k] && combos[i].Values[k] != v {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		for k, v := range inc {
			if !declared[k] {
				combos[i].Values[k] = v
			}
		}
		merged = true
	}

	if merged {
		return combos
	}

	// no product tuple carries these axis values: standalone combination
	values := make(map[string]string, len(inc))
	for k, v := range inc {
		values[k] = v
	}
	return append(combos, Combination{Values: values})
}

var idUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// assignIDs derives each combination's stable identifier from its
// declared-axis values in axis order; combinations whose values do
// not discriminate get a positional suffix.
func (m *MatrixSpec) assignIDs(combos []Combination) {
	seen := map[string]int{}
	for i := range combos {
		var parts []string
		for _, a := range m.Axes {
			if v, ok := combos[i].Values[a.Name]; ok {
				parts = append(parts, v)
			}
		}
		if len(parts) == 0 {
			// includes with no declared-axis values: key-sorted fields
			keys := make([]string, 0, len(combos[i].Values))
			for k := range combos[i].Values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				parts = append(parts, combos[i].Values[k])
			}
		}

		id := normalize(strings.Join(parts, "-"))
		if id == "" {
			id = "default"
		}
		seen[id]++
		if n := seen[id]; n > 1 {
			id = fmt.Sprintf("%s-%d", id, n)
		}
		combos[i].ID = id
	}
}

func normalize(name string) string {
	return idUnsafe.ReplaceAllString(name, "-")
}
