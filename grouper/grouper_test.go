package grouper

import (
	"reflect"
	"testing"

	"github.com/izavyalov-dev/delta-repair/diagnostic"
)

func TestGroupCascadeImportRoot(t *testing.T) {
	issues := []diagnostic.Issue{
		{
			File:     "src/app.js",
			Line:     1,
			Message:  "ImportError: cannot find module 'moduleX'",
			Severity: diagnostic.SeverityError,
			Category: diagnostic.CategoryImport,
		},
		{
			File:     "src/service.js",
			Line:     10,
			Message:  "ReferenceError: moduleX.connect is not defined",
			Severity: diagnostic.SeverityError,
			Category: diagnostic.CategoryReference,
		},
		{
			File:     "src/controller.js",
			Line:     22,
			Message:  "ReferenceError: moduleX.query is not defined",
			Severity: diagnostic.SeverityError,
			Category: diagnostic.CategoryReference,
		},
	}

	g := Group(issues)
	if len(g.Cascades) != 1 {
		t.Fatalf("expected 1 cascade, got %d", len(g.Cascades))
	}
	cascade := g.Cascades[0]
	if cascade.Root.Category != diagnostic.CategoryImport {
		t.Fatalf("expected import root, got %s", cascade.Root.Category)
	}
	if cascade.Symbol != "moduleX" {
		t.Fatalf("expected symbol moduleX, got %q", cascade.Symbol)
	}
	if len(cascade.Symptoms) != 2 {
		t.Fatalf("expected 2 symptoms, got %d", len(cascade.Symptoms))
	}
	if len(g.FixOrder) == 0 || g.FixOrder[0] != "src/app.js" {
		t.Fatalf("expected import file first in fix order, got %v", g.FixOrder)
	}
}

func TestGroupBatchPartition(t *testing.T) {
	issues := []diagnostic.Issue{
		{File: "a.go", Message: "cannot find package 'libfoo'", Category: diagnostic.CategoryImport, Severity: diagnostic.SeverityError},
		{File: "b.go", Message: "undefined: libfoo", Category: diagnostic.CategoryReference, Severity: diagnostic.SeverityError},
		{File: "c.go", Message: "unused variable x", Category: diagnostic.CategoryCleanup, Severity: diagnostic.SeverityWarning},
	}

	g := Group(issues)
	if len(g.Batches.RootCause) != 1 {
		t.Fatalf("expected 1 root-cause issue, got %d", len(g.Batches.RootCause))
	}
	if len(g.Batches.Symptom) != 1 {
		t.Fatalf("expected 1 symptom issue, got %d", len(g.Batches.Symptom))
	}
	if len(g.Batches.Independent) != 1 {
		t.Fatalf("expected 1 independent issue, got %d", len(g.Batches.Independent))
	}
}

func TestGroupSharedCauses(t *testing.T) {
	issues := []diagnostic.Issue{
		{File: "x.go", Message: "unused variable 'a'", Category: diagnostic.CategoryCleanup},
		{File: "y.go", Message: "unused variable 'b'", Category: diagnostic.CategoryCleanup},
		{File: "z.go", Message: "missing return", Category: diagnostic.CategoryType},
	}

	g := Group(issues)
	if len(g.SharedCauses) != 1 {
		t.Fatalf("expected 1 shared cause, got %d", len(g.SharedCauses))
	}
	expected := []string{"x.go", "y.go"}
	if !reflect.DeepEqual(g.SharedCauses[0].Files, expected) {
		t.Fatalf("unexpected shared cause files: %v", g.SharedCauses[0].Files)
	}
}

func TestFixOrderDeterministic(t *testing.T) {
	issues := []diagnostic.Issue{
		{File: "many.go", Message: "err one", Category: diagnostic.CategoryType},
		{File: "many.go", Message: "err two", Category: diagnostic.CategoryType},
		{File: "few.go", Message: "err three", Category: diagnostic.CategoryType},
		{File: "also.go", Message: "err four", Category: diagnostic.CategoryType},
	}

	first := Group(issues).FixOrder
	for i := 0; i < 5; i++ {
		again := Group(issues).FixOrder
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("fix order not deterministic: %v vs %v", first, again)
		}
	}
	if first[0] != "many.go" {
		t.Fatalf("expected file with most issues first, got %v", first)
	}
	if !reflect.DeepEqual(first[1:], []string{"also.go", "few.go"}) {
		t.Fatalf("expected tie-break by path, got %v", first)
	}
}

func TestComplexityBounds(t *testing.T) {
	if got := complexityScore(0, 0, 0); got != 0 {
		t.Fatalf("expected zero complexity for empty input, got %f", got)
	}
	if got := complexityScore(100, 1000, 50); got > 1 {
		t.Fatalf("complexity exceeded 1: %f", got)
	}
	small := complexityScore(1, 1, 0)
	large := complexityScore(8, 30, 3)
	if small >= large {
		t.Fatalf("expected complexity to grow with load: small=%f large=%f", small, large)
	}
}
