package formats

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"modelprobe/pkg/types"
)

// Declaration is an explicit manifest shipped with an artifact.
type Declaration struct {
	Name           string            `json:"name" yaml:"name" toml:"name"`
	Description    string            `json:"description" yaml:"description" toml:"description"`
	Base           string            `json:"base" yaml:"base" toml:"base"`
	Type           string            `json:"type" yaml:"type" toml:"type"`
	Variant        string            `json:"variant" yaml:"variant" toml:"variant"`
	PredictionType string            `json:"prediction_type" yaml:"prediction_type" toml:"prediction_type"`
	Precision      string            `json:"precision" yaml:"precision" toml:"precision"`
	SubModels      map[string]string `json:"submodels" yaml:"submodels" toml:"submodels"`
}

var declarationExts = []string{".yaml", ".yml", ".json", ".toml"}

// Empty reports whether the manifest declares nothing the classifier uses.
func (d Declaration) Empty() bool {
	return d.Name == "" && d.Description == "" && d.Base == "" && d.Type == "" &&
		d.Variant == "" && d.PredictionType == "" && d.Precision == "" && len(d.SubModels) == 0
}

// Validate rejects unknown enum values and submodel paths that escape the bundle.
func (d Declaration) Validate() error {
	if d.Base != "" && !types.BaseModelType(d.Base).IsValid() {
		return fmt.Errorf("unknown base %q", d.Base)
	}
	if d.Type != "" && !types.ModelType(d.Type).IsValid() {
		return fmt.Errorf("unknown type %q", d.Type)
	}
	if d.Variant != "" && !types.ModelVariantType(d.Variant).IsValid() {
		return fmt.Errorf("unknown variant %q", d.Variant)
	}
	if d.PredictionType != "" {
		if _, ok := types.ParsePredictionType(d.PredictionType); !ok {
			return fmt.Errorf("unknown prediction_type %q", d.PredictionType)
		}
	}
	for name, rel := range d.SubModels {
		if !types.SubModelType(name).IsValid() {
			return fmt.Errorf("unknown submodel %q", name)
		}
		if rel == "" || path.IsAbs(rel) || filepath.IsAbs(rel) {
			return fmt.Errorf("submodel %s: path must be relative", name)
		}
		if clean := path.Clean(filepath.ToSlash(rel)); clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("submodel %s: path escapes bundle", name)
		}
	}
	return nil
}

// LoadDeclaration decodes a manifest by extension: .yaml/.yml, .json or .toml.
func LoadDeclaration(fs afero.Fs, p string, limit int64) (*Declaration, error) {
	f, err := fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("manifest larger than %d bytes", limit)
	}
	var d Declaration
	switch ext := strings.ToLower(filepath.Ext(p)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &d)
	case ".json":
		err = json.Unmarshal(b, &d)
	case ".toml":
		err = toml.Unmarshal(b, &d)
	default:
		return nil, fmt.Errorf("unsupported manifest extension: %s", ext)
	}
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// WeightExts are the single-file container extensions.
var WeightExts = []string{".safetensors", ".ckpt", ".pt", ".pth", ".bin", ".gguf", ".onnx"}

// bundleDeclaration looks for model.{yaml,yml,json,toml} inside dir. When a
// model.<weights> file sits next to it the manifest is that file's sidecar.
func bundleDeclaration(fs afero.Fs, dir string, limit int64) (*Declaration, string, error) {
	stem := filepath.Join(dir, "model")
	for _, ext := range WeightExts {
		if st, err := fs.Stat(stem + ext); err == nil && !st.IsDir() {
			return nil, "", nil
		}
	}
	return firstDeclaration(fs, stem, limit)
}

// sidecarDeclaration looks for <stem>.{yaml,yml,json,toml} next to a file.
func sidecarDeclaration(fs afero.Fs, file string, limit int64) (*Declaration, string, error) {
	stem := strings.TrimSuffix(file, filepath.Ext(file))
	return firstDeclaration(fs, stem, limit)
}

func firstDeclaration(fs afero.Fs, stem string, limit int64) (*Declaration, string, error) {
	for _, ext := range declarationExts {
		p := stem + ext
		st, err := fs.Stat(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, p, err
		}
		if st.IsDir() {
			continue
		}
		d, err := LoadDeclaration(fs, p, limit)
		if err != nil {
			return nil, p, err
		}
		if d.Empty() {
			return nil, p, nil
		}
		return d, p, nil
	}
	return nil, "", nil
}
