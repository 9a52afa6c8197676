package types

import "maps"

// Tag is the (ModelType, ModelFormat) pair that selects an AnyModelConfig variant.
type Tag struct {
	Type   ModelType   `json:"type"`
	Format ModelFormat `json:"format"`
}

func (t Tag) String() string { return string(t.Type) + "/" + string(t.Format) }

// ConfigBase holds the fields every configuration record carries.
type ConfigBase struct {
	// Deterministic catalog key derived from Hash.
	Key string `json:"key"`
	// Content digest, e.g. sha256:<hex>.
	Hash        string        `json:"hash"`
	Path        string        `json:"path"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Base        BaseModelType `json:"base"`
	Type        ModelType     `json:"type"`
	Format      ModelFormat   `json:"format"`
	Precision   string        `json:"precision,omitempty"`
}

// Prediction is a scheduler prediction type plus where it came from.
type Prediction struct {
	Type   SchedulerPredictionType `json:"type"`
	Origin Origin                  `json:"origin"`
}

// AnyModelConfig is the closed set of configuration records. Values are
// built once by the factory and never mutated; accessors return copies.
type AnyModelConfig interface {
	Common() ConfigBase
	Tag() Tag
	isModelConfig()
}

// MainCheckpointConfig is a main model in a single checkpoint or safetensors file.
type MainCheckpointConfig struct {
	ConfigBase
	Variant    ModelVariantType `json:"variant"`
	Prediction *Prediction      `json:"prediction_type,omitempty"`
}

// MainDiffusersConfig is a main model stored as a diffusers pipeline directory.
type MainDiffusersConfig struct {
	ConfigBase
	Variant    ModelVariantType        `json:"variant"`
	Prediction *Prediction             `json:"prediction_type,omitempty"`
	SubModels  map[SubModelType]string `json:"submodels"`
}

// MainGGUFConfig is a quantized main model in a GGUF file.
type MainGGUFConfig struct {
	ConfigBase
	Variant ModelVariantType `json:"variant"`
}

// MainONNXConfig is a main model exported to ONNX.
type MainONNXConfig struct {
	ConfigBase
	Variant    ModelVariantType `json:"variant"`
	Prediction *Prediction      `json:"prediction_type,omitempty"`
}

type VAEConfig struct {
	ConfigBase
	SubModels map[SubModelType]string `json:"submodels,omitempty"`
}

type LoRAConfig struct {
	ConfigBase
}

type ControlNetConfig struct {
	ConfigBase
	SubModels map[SubModelType]string `json:"submodels,omitempty"`
}

type TextualInversionConfig struct {
	ConfigBase
}

type IPAdapterConfig struct {
	ConfigBase
	SubModels map[SubModelType]string `json:"submodels,omitempty"`
}

type CLIPVisionConfig struct {
	ConfigBase
}

type T2IAdapterConfig struct {
	ConfigBase
}

type T5EncoderConfig struct {
	ConfigBase
}

type SpandrelConfig struct {
	ConfigBase
}

func (c MainCheckpointConfig) Common() ConfigBase   { return c.ConfigBase }
func (c MainDiffusersConfig) Common() ConfigBase    { return c.ConfigBase }
func (c MainGGUFConfig) Common() ConfigBase         { return c.ConfigBase }
func (c MainONNXConfig) Common() ConfigBase         { return c.ConfigBase }
func (c VAEConfig) Common() ConfigBase              { return c.ConfigBase }
func (c LoRAConfig) Common() ConfigBase             { return c.ConfigBase }
func (c ControlNetConfig) Common() ConfigBase       { return c.ConfigBase }
func (c TextualInversionConfig) Common() ConfigBase { return c.ConfigBase }
func (c IPAdapterConfig) Common() ConfigBase        { return c.ConfigBase }
func (c CLIPVisionConfig) Common() ConfigBase       { return c.ConfigBase }
func (c T2IAdapterConfig) Common() ConfigBase       { return c.ConfigBase }
func (c T5EncoderConfig) Common() ConfigBase        { return c.ConfigBase }
func (c SpandrelConfig) Common() ConfigBase         { return c.ConfigBase }

func (c MainCheckpointConfig) Tag() Tag   { return tagOf(c.ConfigBase) }
func (c MainDiffusersConfig) Tag() Tag    { return tagOf(c.ConfigBase) }
func (c MainGGUFConfig) Tag() Tag         { return tagOf(c.ConfigBase) }
func (c MainONNXConfig) Tag() Tag         { return tagOf(c.ConfigBase) }
func (c VAEConfig) Tag() Tag              { return tagOf(c.ConfigBase) }
func (c LoRAConfig) Tag() Tag             { return tagOf(c.ConfigBase) }
func (c ControlNetConfig) Tag() Tag       { return tagOf(c.ConfigBase) }
func (c TextualInversionConfig) Tag() Tag { return tagOf(c.ConfigBase) }
func (c IPAdapterConfig) Tag() Tag        { return tagOf(c.ConfigBase) }
func (c CLIPVisionConfig) Tag() Tag       { return tagOf(c.ConfigBase) }
func (c T2IAdapterConfig) Tag() Tag       { return tagOf(c.ConfigBase) }
func (c T5EncoderConfig) Tag() Tag        { return tagOf(c.ConfigBase) }
func (c SpandrelConfig) Tag() Tag         { return tagOf(c.ConfigBase) }

func (MainCheckpointConfig) isModelConfig()   {}
func (MainDiffusersConfig) isModelConfig()    {}
func (MainGGUFConfig) isModelConfig()         {}
func (MainONNXConfig) isModelConfig()         {}
func (VAEConfig) isModelConfig()              {}
func (LoRAConfig) isModelConfig()             {}
func (ControlNetConfig) isModelConfig()       {}
func (TextualInversionConfig) isModelConfig() {}
func (IPAdapterConfig) isModelConfig()        {}
func (CLIPVisionConfig) isModelConfig()       {}
func (T2IAdapterConfig) isModelConfig()       {}
func (T5EncoderConfig) isModelConfig()        {}
func (SpandrelConfig) isModelConfig()         {}

func tagOf(b ConfigBase) Tag { return Tag{Type: b.Type, Format: b.Format} }

// VariantOf returns the variant of a main model record.
func VariantOf(c AnyModelConfig) (ModelVariantType, bool) {
	switch v := c.(type) {
	case MainCheckpointConfig:
		return v.Variant, true
	case MainDiffusersConfig:
		return v.Variant, true
	case MainGGUFConfig:
		return v.Variant, true
	case MainONNXConfig:
		return v.Variant, true
	}
	return "", false
}

// PredictionOf returns the prediction setting of a record, if it has one.
func PredictionOf(c AnyModelConfig) (Prediction, bool) {
	var p *Prediction
	switch v := c.(type) {
	case MainCheckpointConfig:
		p = v.Prediction
	case MainDiffusersConfig:
		p = v.Prediction
	case MainONNXConfig:
		p = v.Prediction
	}
	if p == nil {
		return Prediction{}, false
	}
	return *p, true
}

// SubModelsOf returns a copy of the bundle component map of a record.
func SubModelsOf(c AnyModelConfig) map[SubModelType]string {
	var m map[SubModelType]string
	switch v := c.(type) {
	case MainDiffusersConfig:
		m = v.SubModels
	case VAEConfig:
		m = v.SubModels
	case ControlNetConfig:
		m = v.SubModels
	case IPAdapterConfig:
		m = v.SubModels
	}
	if len(m) == 0 {
		return nil
	}
	return maps.Clone(m)
}
