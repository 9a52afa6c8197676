// Package factory validates classifier output against the contract table and
// builds immutable configuration records.
package factory

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"modelprobe/internal/classify"
	"modelprobe/internal/formats"
	"modelprobe/internal/identity"
	"modelprobe/pkg/types"
)

// InvalidModelConfigError reports a classification that violates the
// required/forbidden field contract of its (type, format) pair.
type InvalidModelConfigError struct {
	Path      string
	Tag       types.Tag
	Missing   []string
	Forbidden []string
	Reason    string
}

func (e *InvalidModelConfigError) Error() string {
	var parts []string
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Forbidden) > 0 {
		parts = append(parts, "forbidden "+strings.Join(e.Forbidden, ", "))
	}
	return fmt.Sprintf("invalid %s config for %s: %s", e.Tag, e.Path, strings.Join(parts, "; "))
}

// IsInvalidModelConfigError reports whether err is or wraps an InvalidModelConfigError.
func IsInvalidModelConfigError(err error) bool {
	var ie *InvalidModelConfigError
	return errors.As(err, &ie)
}

// Build validates r and constructs the record for path. The match must carry
// the fingerprint the probe computed; Build never touches the filesystem.
func Build(path string, r classify.Result, m formats.Match) (types.AnyModelConfig, error) {
	tag := r.Tag()
	invalid := func(reason string) error {
		return &InvalidModelConfigError{Path: path, Tag: tag, Reason: reason}
	}
	if m.Fingerprint == "" {
		return nil, invalid("no content digest")
	}
	if err := m.Fingerprint.Validate(); err != nil {
		return nil, invalid(fmt.Sprintf("bad content digest: %v", err))
	}
	contract, ok := types.ContractFor(tag)
	if !ok {
		return nil, invalid("unsupported type/format pair")
	}
	if !r.Base.IsValid() {
		return nil, invalid(fmt.Sprintf("unknown base %q", r.Base))
	}
	if !contract.AllowsBase(r.Base) {
		return nil, invalid(fmt.Sprintf("base %s not allowed", r.Base))
	}

	ex := r.Extras()
	var missing, forbidden []string
	for _, f := range contract.Required {
		if !ex.Has(f) {
			missing = append(missing, string(f))
		}
	}
	for _, f := range contract.Forbidden {
		if ex.Has(f) {
			forbidden = append(forbidden, string(f))
		}
	}
	if len(missing) > 0 || len(forbidden) > 0 {
		return nil, &InvalidModelConfigError{Path: path, Tag: tag, Missing: missing, Forbidden: forbidden}
	}
	if ex.Variant != "" && !ex.Variant.IsValid() {
		return nil, invalid(fmt.Sprintf("unknown variant %q", ex.Variant))
	}
	if ex.Prediction != nil && !ex.Prediction.Type.IsValid() {
		return nil, invalid(fmt.Sprintf("unknown prediction type %q", ex.Prediction.Type))
	}
	for _, name := range sortedSubModels(ex.SubModels) {
		if !name.IsValid() {
			return nil, invalid(fmt.Sprintf("unknown submodel %q", name))
		}
		rel := ex.SubModels[name]
		if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(filepath.Clean(rel), "..") {
			return nil, invalid(fmt.Sprintf("submodel %s path %q escapes the bundle", name, rel))
		}
	}

	name := r.Name
	if name == "" {
		name = defaultName(path, r.Format)
	}
	base := types.ConfigBase{
		Key:         identity.Key(m.Fingerprint),
		Hash:        m.Fingerprint.String(),
		Path:        path,
		Name:        name,
		Description: r.Description,
		Base:        r.Base,
		Type:        r.Type,
		Format:      r.Format,
		Precision:   r.Precision,
	}
	return contract.Build(base, ex), nil
}

// defaultName is the file stem, or the directory name for bundles.
func defaultName(path string, f types.ModelFormat) string {
	b := filepath.Base(filepath.Clean(path))
	if f.IsBundle() {
		return b
	}
	return strings.TrimSuffix(b, filepath.Ext(b))
}

func sortedSubModels(m map[types.SubModelType]string) []types.SubModelType {
	out := make([]types.SubModelType, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
