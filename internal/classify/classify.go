// Package classify turns format hints into a model family, role and the
// optional fields a configuration record carries.
//
// Classification is an ordered list of rules. Each rule looks at the same
// hints and either has no opinion on a field or returns a value; the first
// rule with a value for a field decides it. Rules are pure and never touch
// the filesystem.
package classify

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"modelprobe/internal/formats"
	"modelprobe/pkg/types"
)

// Opinion is what one rule says about an artifact. Zero fields mean
// "no opinion".
type Opinion struct {
	Base        types.BaseModelType
	Type        types.ModelType
	Variant     types.ModelVariantType
	Prediction  types.SchedulerPredictionType
	SubModels   map[types.SubModelType]string
	Name        string
	Description string
	Precision   string
}

// Rule is one classification tier. Origin marks values it decides as
// declared (explicit metadata) or inferred (heuristics).
type Rule struct {
	Name   string
	Origin types.Origin
	Apply  func(h formats.Hints, path string) Opinion
}

// Result is the outcome of classification.
type Result struct {
	Base        types.BaseModelType
	Type        types.ModelType
	Format      types.ModelFormat
	Variant     types.ModelVariantType
	Prediction  *types.Prediction
	SubModels   map[types.SubModelType]string
	Name        string
	Description string
	Precision   string
	// Sources maps each decided field to the rule that decided it.
	Sources map[string]string
}

// Tag returns the (type, format) pair of the result.
func (r Result) Tag() types.Tag { return types.Tag{Type: r.Type, Format: r.Format} }

// Extras returns the optional fields governed by the contract table.
func (r Result) Extras() types.Extras {
	return types.Extras{Variant: r.Variant, Prediction: r.Prediction, SubModels: r.SubModels}
}

// ClassificationError reports that a mandatory field could not be decided.
type ClassificationError struct {
	Path    string
	Missing []string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s: cannot determine %s", e.Path, strings.Join(e.Missing, ", "))
}

// IsClassificationError reports whether err is or wraps a ClassificationError.
func IsClassificationError(err error) bool {
	var ce *ClassificationError
	return errors.As(err, &ce)
}

// Classifier applies rules in order.
type Classifier struct {
	rules []Rule
}

// New builds a classifier. Passing no rules installs DefaultRules.
func New(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// DefaultRules returns the built-in tiers from most to least authoritative.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "declaration", Origin: types.OriginDeclared, Apply: declarationRule},
		{Name: "bundle", Origin: types.OriginDeclared, Apply: bundleRule},
		{Name: "metadata", Origin: types.OriginDeclared, Apply: metadataRule},
		{Name: "signature", Origin: types.OriginInferred, Apply: signatureRule},
		{Name: "filename", Origin: types.OriginInferred, Apply: filenameRule},
		{Name: "fallback", Origin: types.OriginInferred, Apply: fallbackRule},
	}
}

var std = New()

// Classify runs the default rules.
func Classify(h formats.Hints, path string) (Result, error) { return std.Classify(h, path) }

const (
	fieldBase       = "base"
	fieldType       = "type"
	fieldVariant    = string(types.FieldVariant)
	fieldPrediction = string(types.FieldPrediction)
	fieldSubModels  = string(types.FieldSubModels)
)

// Classify merges rule opinions, refines the container format for the
// decided role, drops inferred values the role cannot carry and applies
// family defaults where the contract allows them.
func (c *Classifier) Classify(h formats.Hints, path string) (Result, error) {
	res := Result{Sources: map[string]string{}}
	origins := map[string]types.Origin{}
	decide := func(field string, r Rule, set func()) {
		if _, done := res.Sources[field]; done {
			return
		}
		set()
		res.Sources[field] = r.Name
		origins[field] = r.Origin
	}

	for _, r := range c.rules {
		op := r.Apply(h, path)
		if op.Base != "" {
			decide(fieldBase, r, func() { res.Base = op.Base })
		}
		if op.Type != "" {
			decide(fieldType, r, func() { res.Type = op.Type })
		}
		if op.Variant != "" {
			decide(fieldVariant, r, func() { res.Variant = op.Variant })
		}
		if op.Prediction != "" {
			decide(fieldPrediction, r, func() {
				res.Prediction = &types.Prediction{Type: op.Prediction, Origin: r.Origin}
			})
		}
		if len(op.SubModels) > 0 {
			decide(fieldSubModels, r, func() { res.SubModels = maps.Clone(op.SubModels) })
		}
		if op.Name != "" && res.Name == "" {
			res.Name = op.Name
		}
		if op.Description != "" && res.Description == "" {
			res.Description = op.Description
		}
		if op.Precision != "" && res.Precision == "" {
			res.Precision = op.Precision
		}
	}
	if res.Precision == "" {
		res.Precision = h.Precision
	}

	var missing []string
	if res.Base == "" {
		missing = append(missing, fieldBase)
	}
	if res.Type == "" {
		missing = append(missing, fieldType)
	}
	if len(missing) > 0 {
		return Result{}, &ClassificationError{Path: path, Missing: missing}
	}

	res.Format = types.RefineFormat(res.Type, h.Format)
	contract, ok := types.ContractFor(res.Tag())
	if !ok {
		// The factory reports unsupported pairs with the full picture.
		return res, nil
	}
	prune := func(f types.Field, reset func()) {
		if origins[string(f)] == types.OriginInferred && slices.Contains(contract.Forbidden, f) {
			reset()
			delete(res.Sources, string(f))
		}
	}
	prune(types.FieldVariant, func() { res.Variant = "" })
	prune(types.FieldPrediction, func() { res.Prediction = nil })
	// Bundles carry a prediction type only when something declared it.
	if res.Prediction != nil && res.Prediction.Origin == types.OriginInferred && !contract.Defaultable(types.FieldPrediction) {
		res.Prediction = nil
		delete(res.Sources, fieldPrediction)
	}
	prune(types.FieldSubModels, func() { res.SubModels = nil })

	if res.Variant == "" && contract.Defaultable(types.FieldVariant) {
		res.Variant = types.VariantNormal
		res.Sources[fieldVariant] = "default"
	}
	if res.Prediction == nil && contract.Defaultable(types.FieldPrediction) {
		if p, ok := types.CanonicalPrediction(res.Base); ok {
			res.Prediction = &types.Prediction{Type: p, Origin: types.OriginInferred}
			res.Sources[fieldPrediction] = "default"
		}
	}
	return res, nil
}
