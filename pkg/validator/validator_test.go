package validator

import (
	"testing"
)

type uploadMetadata struct {
	Name      string `json:"name" validate:"required"`
	Cohort    string `json:"cohort" validate:"required"`
	Ancestry  string `json:"ancestry" validate:"required"`
	Phenotype string `json:"phenotype" validate:"required"`
	Cases     int    `json:"cases" validate:"gte=0"`
}

func TestValidateStructSuccess(t *testing.T) {
	meta := uploadMetadata{
		Name:      "UKB_CAD_EU",
		Cohort:    "UKB",
		Ancestry:  "EU",
		Phenotype: "CAD",
		Cases:     1200,
	}

	if err := ValidateStruct(meta); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateStructReportsEveryFailure(t *testing.T) {
	meta := uploadMetadata{Cases: -1}

	err := ValidateStruct(meta)
	if err == nil {
		t.Fatal("expected validation error")
	}

	vErrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	if len(vErrs) != 5 {
		t.Fatalf("expected 5 validation errors, got %d", len(vErrs))
	}

	msgs := vErrs.Messages()
	if len(msgs) != len(vErrs) {
		t.Fatalf("expected one message per violation, got %d", len(msgs))
	}

	foundPhenotype := false
	for _, m := range msgs {
		if m == "you must specify phenotype" {
			foundPhenotype = true
		}
	}
	if !foundPhenotype {
		t.Fatalf("expected phenotype requirement in messages: %v", msgs)
	}
}
