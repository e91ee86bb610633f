// Package colmap normalises and validates user-supplied column mappings that
// tie a summary-statistics file's headers to the canonical fields the QC job
// understands.
package colmap

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Canonical field names. These match the vocabulary the remote QC job parses,
// so they are never renamed lightly.
const (
	FieldChromosome  = "chromosome"
	FieldPosition    = "position"
	FieldReference   = "reference"
	FieldAlt         = "alt"
	FieldRsid        = "rsid"
	FieldEAF         = "eaf"
	FieldMAF         = "maf"
	FieldBeta        = "beta"
	FieldStdErr      = "stdErr"
	FieldPValue      = "pValue"
	FieldOddsRatio   = "oddsRatio"
	FieldOddsRatioLB = "oddsRatioLB"
	FieldOddsRatioUB = "oddsRatioUB"
	FieldNTotal      = "nTotal"
	FieldNCases      = "nCases"
)

// Schema declares which canonical fields a target job requires and which it
// merely accepts.
type Schema struct {
	Required []string
	Optional []string
}

// QCSchema is the target schema of the quality-control job.
func QCSchema() Schema {
	return Schema{
		Required: []string{
			FieldChromosome, FieldPosition, FieldReference, FieldAlt,
			FieldPValue, FieldStdErr, FieldNTotal,
		},
		Optional: []string{
			FieldRsid, FieldEAF, FieldMAF, FieldBeta,
			FieldOddsRatio, FieldOddsRatioLB, FieldOddsRatioUB, FieldNCases,
		},
	}
}

func (s Schema) known(field string) bool {
	for _, f := range s.Required {
		if f == field {
			return true
		}
	}
	for _, f := range s.Optional {
		if f == field {
			return true
		}
	}
	return false
}

func (s Schema) required(field string) bool {
	for _, f := range s.Required {
		if f == field {
			return true
		}
	}
	return false
}

// ColumnMap is a normalised mapping from canonical field name to source
// column header. Only resolved fields appear; optional fields explicitly
// marked absent are dropped during normalisation.
type ColumnMap map[string]string

// JSON serialises the map for forwarding to a remote job descriptor.
func (m ColumnMap) JSON() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("colmap: marshal: %w", err)
	}
	return string(data), nil
}

// ValidationError enumerates every violation found in a single pass, so a
// submitter can fix the whole mapping in one round trip.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Violations) == 0 {
		return "column map validation failed"
	}
	return "column map validation failed: " + strings.Join(e.Violations, "; ")
}

// Validate checks a raw mapping against the target schema and returns the
// normalised map. An empty source value explicitly marks an optional field
// absent; required fields must resolve to exactly one non-empty source column.
func Validate(raw map[string]string, schema Schema) (ColumnMap, error) {
	var violations []string

	normalised := make(ColumnMap, len(raw))
	sources := make(map[string][]string)

	fields := make([]string, 0, len(raw))
	for field := range raw {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		name := strings.TrimSpace(field)
		source := strings.TrimSpace(raw[field])

		if !schema.known(name) {
			violations = append(violations, fmt.Sprintf("unknown canonical field %q", name))
			continue
		}

		if source == "" {
			if schema.required(name) {
				violations = append(violations, fmt.Sprintf("required canonical field %q is not mapped", name))
			}
			// optional field explicitly marked absent
			continue
		}

		if prev, dup := normalised[name]; dup {
			if prev != source {
				violations = append(violations, fmt.Sprintf("canonical field %q mapped to multiple source columns", name))
			}
			continue
		}

		normalised[name] = source
		sources[source] = append(sources[source], name)
	}

	for _, field := range schema.Required {
		if _, ok := raw[field]; !ok {
			violations = append(violations, fmt.Sprintf("required canonical field %q is not mapped", field))
		}
	}

	sourceNames := make([]string, 0, len(sources))
	for source := range sources {
		sourceNames = append(sourceNames, source)
	}
	sort.Strings(sourceNames)
	for _, source := range sourceNames {
		if mapped := sources[source]; len(mapped) > 1 {
			sort.Strings(mapped)
			violations = append(violations, fmt.Sprintf(
				"source column %q is referenced by multiple canonical fields: %s",
				source, strings.Join(mapped, ", ")))
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		return nil, &ValidationError{Violations: violations}
	}

	return normalised, nil
}
