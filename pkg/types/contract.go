package types

import (
	"cmp"
	"maps"
	"slices"
)

// Field names an optional, variant-specific configuration field.
type Field string

const (
	FieldVariant    Field = "variant"
	FieldPrediction Field = "prediction_type"
	FieldSubModels  Field = "submodels"
)

// Extras are the optional fields whose presence the contract table governs.
type Extras struct {
	Variant    ModelVariantType
	Prediction *Prediction
	SubModels  map[SubModelType]string
}

// Has reports whether the field carries a value.
func (e Extras) Has(f Field) bool {
	switch f {
	case FieldVariant:
		return e.Variant != ""
	case FieldPrediction:
		return e.Prediction != nil
	case FieldSubModels:
		return len(e.SubModels) > 0
	}
	return false
}

// Contract is the validation rule for one (ModelType, ModelFormat) pair.
type Contract struct {
	Required  []Field
	Forbidden []Field
	// Defaults lists optional fields the classifier may fill with a
	// family default when no signal determines them.
	Defaults []Field
	// Bases restricts the allowed base families; empty allows any.
	Bases []BaseModelType
	build func(ConfigBase, Extras) AnyModelConfig
}

// AllowsBase reports whether b is an acceptable family for this pair.
func (c Contract) AllowsBase(b BaseModelType) bool {
	return len(c.Bases) == 0 || slices.Contains(c.Bases, b)
}

// Defaultable reports whether the classifier may infer f for this pair.
func (c Contract) Defaultable(f Field) bool { return slices.Contains(c.Defaults, f) }

// Build constructs the record. Callers validate Extras against Required and
// Forbidden first; Build copies maps so the record owns its data.
func (c Contract) Build(base ConfigBase, ex Extras) AnyModelConfig {
	if ex.SubModels != nil {
		ex.SubModels = maps.Clone(ex.SubModels)
	}
	if ex.Prediction != nil {
		p := *ex.Prediction
		ex.Prediction = &p
	}
	return c.build(base, ex)
}

var (
	noExtras   = []Field{FieldVariant, FieldPrediction, FieldSubModels}
	mainBases  = []BaseModelType{BaseStableDiffusion1, BaseStableDiffusion2, BaseStableDiffusion3, BaseStableDiffusionXL, BaseStableDiffusionXLRf, BaseFlux}
	unetBases  = []BaseModelType{BaseStableDiffusion1, BaseStableDiffusion2, BaseStableDiffusionXL}
	anyBase    = []BaseModelType{BaseAny}
	mainSingle = Contract{
		Required:  []Field{FieldVariant},
		Forbidden: []Field{FieldSubModels},
		Defaults:  []Field{FieldVariant, FieldPrediction},
		Bases:     mainBases,
		build: func(b ConfigBase, ex Extras) AnyModelConfig {
			return MainCheckpointConfig{ConfigBase: b, Variant: ex.Variant, Prediction: ex.Prediction}
		},
	}
)

func component(bases []BaseModelType, build func(ConfigBase, Extras) AnyModelConfig) Contract {
	return Contract{Forbidden: noExtras, Bases: bases, build: build}
}

func componentBundle(bases []BaseModelType, build func(ConfigBase, Extras) AnyModelConfig) Contract {
	return Contract{Forbidden: []Field{FieldVariant, FieldPrediction}, Bases: bases, build: build}
}

func vae(b ConfigBase, ex Extras) AnyModelConfig { return VAEConfig{ConfigBase: b, SubModels: ex.SubModels} }
func lora(b ConfigBase, _ Extras) AnyModelConfig { return LoRAConfig{ConfigBase: b} }
func controlnet(b ConfigBase, ex Extras) AnyModelConfig {
	return ControlNetConfig{ConfigBase: b, SubModels: ex.SubModels}
}
func embedding(b ConfigBase, _ Extras) AnyModelConfig { return TextualInversionConfig{ConfigBase: b} }
func ipAdapter(b ConfigBase, ex Extras) AnyModelConfig {
	return IPAdapterConfig{ConfigBase: b, SubModels: ex.SubModels}
}
func spandrel(b ConfigBase, _ Extras) AnyModelConfig { return SpandrelConfig{ConfigBase: b} }

var contracts = map[Tag]Contract{
	{TypeMain, FormatCheckpoint}:  mainSingle,
	{TypeMain, FormatSafetensors}: mainSingle,
	{TypeMain, FormatDiffusers}: {
		Required: []Field{FieldVariant, FieldSubModels},
		Defaults: []Field{FieldVariant},
		Bases:    mainBases,
		build: func(b ConfigBase, ex Extras) AnyModelConfig {
			return MainDiffusersConfig{ConfigBase: b, Variant: ex.Variant, Prediction: ex.Prediction, SubModels: ex.SubModels}
		},
	},
	{TypeMain, FormatGGUFQuantized}: {
		Required:  []Field{FieldVariant},
		Forbidden: []Field{FieldPrediction, FieldSubModels},
		Defaults:  []Field{FieldVariant},
		Bases:     []BaseModelType{BaseFlux},
		build: func(b ConfigBase, ex Extras) AnyModelConfig {
			return MainGGUFConfig{ConfigBase: b, Variant: ex.Variant}
		},
	},
	{TypeMain, FormatONNX}: {
		Required:  []Field{FieldVariant},
		Forbidden: []Field{FieldSubModels},
		Defaults:  []Field{FieldVariant, FieldPrediction},
		Bases:     unetBases,
		build: func(b ConfigBase, ex Extras) AnyModelConfig {
			return MainONNXConfig{ConfigBase: b, Variant: ex.Variant, Prediction: ex.Prediction}
		},
	},

	{TypeVAE, FormatCheckpoint}:  component(mainBases, vae),
	{TypeVAE, FormatSafetensors}: component(mainBases, vae),
	{TypeVAE, FormatDiffusers}:   componentBundle(mainBases, vae),

	{TypeLoRA, FormatLyCORIS}:   component(mainBases, lora),
	{TypeLoRA, FormatDiffusers}: component(mainBases, lora),

	{TypeControlNet, FormatCheckpoint}:  component(mainBases, controlnet),
	{TypeControlNet, FormatSafetensors}: component(mainBases, controlnet),
	{TypeControlNet, FormatDiffusers}:   componentBundle(mainBases, controlnet),

	{TypeEmbedding, FormatEmbeddingFile}:   component(unetBases, embedding),
	{TypeEmbedding, FormatEmbeddingFolder}: component(unetBases, embedding),

	{TypeIPAdapter, FormatInvokeAI}:    componentBundle(mainBases, ipAdapter),
	{TypeIPAdapter, FormatCheckpoint}:  component(mainBases, ipAdapter),
	{TypeIPAdapter, FormatSafetensors}: component(mainBases, ipAdapter),

	{TypeCLIPVision, FormatDiffusers}: component(anyBase, func(b ConfigBase, _ Extras) AnyModelConfig {
		return CLIPVisionConfig{ConfigBase: b}
	}),
	{TypeT2IAdapter, FormatDiffusers}: component(unetBases, func(b ConfigBase, _ Extras) AnyModelConfig {
		return T2IAdapterConfig{ConfigBase: b}
	}),
	{TypeT5Encoder, FormatDiffusers}: component(anyBase, func(b ConfigBase, _ Extras) AnyModelConfig {
		return T5EncoderConfig{ConfigBase: b}
	}),
	{TypeT5Encoder, FormatSafetensors}: component(anyBase, func(b ConfigBase, _ Extras) AnyModelConfig {
		return T5EncoderConfig{ConfigBase: b}
	}),

	{TypeSpandrelUpscaler, FormatCheckpoint}:  component(anyBase, spandrel),
	{TypeSpandrelUpscaler, FormatSafetensors}: component(anyBase, spandrel),
	{TypeSpandrelUpscaler, FormatONNX}:        component(anyBase, spandrel),
}

// ContractFor looks up the rule for a tag.
func ContractFor(t Tag) (Contract, bool) {
	c, ok := contracts[t]
	return c, ok
}

// Tags lists every supported (ModelType, ModelFormat) pair in a stable order.
func Tags() []Tag {
	out := make([]Tag, 0, len(contracts))
	for t := range contracts {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Tag) int {
		if a.Type != b.Type {
			return cmp.Compare(a.Type, b.Type)
		}
		return cmp.Compare(a.Format, b.Format)
	})
	return out
}

// RefineFormat maps the container a reader detected to the format the
// loader expects for that role.
func RefineFormat(t ModelType, detected ModelFormat) ModelFormat {
	switch t {
	case TypeLoRA:
		if detected == FormatSafetensors || detected == FormatCheckpoint {
			return FormatLyCORIS
		}
	case TypeEmbedding:
		switch detected {
		case FormatSafetensors, FormatCheckpoint:
			return FormatEmbeddingFile
		case FormatDiffusers:
			return FormatEmbeddingFolder
		}
	case TypeIPAdapter:
		if detected == FormatDiffusers {
			return FormatInvokeAI
		}
	}
	return detected
}
