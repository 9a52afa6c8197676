package types

// BaseModelType is the model family an artifact belongs to.
type BaseModelType string

const (
	BaseAny                 BaseModelType = "any"
	BaseStableDiffusion1    BaseModelType = "sd-1"
	BaseStableDiffusion2    BaseModelType = "sd-2"
	BaseStableDiffusion3    BaseModelType = "sd-3"
	BaseStableDiffusionXL   BaseModelType = "sdxl"
	BaseStableDiffusionXLRf BaseModelType = "sdxl-refiner"
	BaseFlux                BaseModelType = "flux"
)

var baseModelTypes = []BaseModelType{
	BaseAny, BaseStableDiffusion1, BaseStableDiffusion2, BaseStableDiffusion3,
	BaseStableDiffusionXL, BaseStableDiffusionXLRf, BaseFlux,
}

// ModelType is the functional role of an artifact.
type ModelType string

const (
	TypeMain             ModelType = "main"
	TypeVAE              ModelType = "vae"
	TypeLoRA             ModelType = "lora"
	TypeControlNet       ModelType = "controlnet"
	TypeEmbedding        ModelType = "embedding"
	TypeIPAdapter        ModelType = "ip_adapter"
	TypeCLIPVision       ModelType = "clip_vision"
	TypeT2IAdapter       ModelType = "t2i_adapter"
	TypeT5Encoder        ModelType = "t5_encoder"
	TypeSpandrelUpscaler ModelType = "spandrel_image_to_image"
)

var modelTypes = []ModelType{
	TypeMain, TypeVAE, TypeLoRA, TypeControlNet, TypeEmbedding, TypeIPAdapter,
	TypeCLIPVision, TypeT2IAdapter, TypeT5Encoder, TypeSpandrelUpscaler,
}

// SubModelType names a component inside a multi-part bundle.
type SubModelType string

const (
	SubModelUNet           SubModelType = "unet"
	SubModelTransformer    SubModelType = "transformer"
	SubModelTextEncoder    SubModelType = "text_encoder"
	SubModelTextEncoder2   SubModelType = "text_encoder_2"
	SubModelTextEncoder3   SubModelType = "text_encoder_3"
	SubModelTokenizer      SubModelType = "tokenizer"
	SubModelTokenizer2     SubModelType = "tokenizer_2"
	SubModelTokenizer3     SubModelType = "tokenizer_3"
	SubModelVAE            SubModelType = "vae"
	SubModelVAEDecoder     SubModelType = "vae_decoder"
	SubModelVAEEncoder     SubModelType = "vae_encoder"
	SubModelScheduler      SubModelType = "scheduler"
	SubModelSafetyChecker  SubModelType = "safety_checker"
	SubModelFeatureExtract SubModelType = "feature_extractor"
	SubModelImageEncoder   SubModelType = "image_encoder"
)

var subModelTypes = []SubModelType{
	SubModelUNet, SubModelTransformer, SubModelTextEncoder, SubModelTextEncoder2,
	SubModelTextEncoder3, SubModelTokenizer, SubModelTokenizer2, SubModelTokenizer3,
	SubModelVAE, SubModelVAEDecoder, SubModelVAEEncoder, SubModelScheduler,
	SubModelSafetyChecker, SubModelFeatureExtract, SubModelImageEncoder,
}

// ModelVariantType is the functional sub-variant of a main model.
type ModelVariantType string

const (
	VariantNormal  ModelVariantType = "normal"
	VariantInpaint ModelVariantType = "inpaint"
	VariantDepth   ModelVariantType = "depth"
)

var variantTypes = []ModelVariantType{VariantNormal, VariantInpaint, VariantDepth}

// ModelFormat is the on-disk serialization container.
type ModelFormat string

const (
	FormatCheckpoint      ModelFormat = "checkpoint"
	FormatSafetensors     ModelFormat = "safetensors"
	FormatDiffusers       ModelFormat = "diffusers"
	FormatONNX            ModelFormat = "onnx"
	FormatGGUFQuantized   ModelFormat = "gguf_quantized"
	FormatLyCORIS         ModelFormat = "lycoris"
	FormatEmbeddingFile   ModelFormat = "embedding_file"
	FormatEmbeddingFolder ModelFormat = "embedding_folder"
	FormatInvokeAI        ModelFormat = "invokeai"
)

var modelFormats = []ModelFormat{
	FormatCheckpoint, FormatSafetensors, FormatDiffusers, FormatONNX,
	FormatGGUFQuantized, FormatLyCORIS, FormatEmbeddingFile, FormatEmbeddingFolder,
	FormatInvokeAI,
}

// IsBundle reports whether the format is a directory of named components.
func (f ModelFormat) IsBundle() bool {
	switch f {
	case FormatDiffusers, FormatEmbeddingFolder, FormatInvokeAI:
		return true
	}
	return false
}

// SchedulerPredictionType is the objective a main model was trained with.
type SchedulerPredictionType string

const (
	PredictionEpsilon SchedulerPredictionType = "epsilon"
	PredictionV       SchedulerPredictionType = "v_prediction"
	PredictionSample  SchedulerPredictionType = "sample"
)

var predictionTypes = []SchedulerPredictionType{PredictionEpsilon, PredictionV, PredictionSample}

// Origin records whether a value was read from explicit metadata or derived.
type Origin string

const (
	OriginDeclared Origin = "declared"
	OriginInferred Origin = "inferred"
)

func (b BaseModelType) IsValid() bool           { return contains(baseModelTypes, b) }
func (t ModelType) IsValid() bool               { return contains(modelTypes, t) }
func (s SubModelType) IsValid() bool            { return contains(subModelTypes, s) }
func (v ModelVariantType) IsValid() bool        { return contains(variantTypes, v) }
func (f ModelFormat) IsValid() bool             { return contains(modelFormats, f) }
func (p SchedulerPredictionType) IsValid() bool { return contains(predictionTypes, p) }

func (b BaseModelType) String() string           { return string(b) }
func (t ModelType) String() string               { return string(t) }
func (s SubModelType) String() string            { return string(s) }
func (v ModelVariantType) String() string        { return string(v) }
func (f ModelFormat) String() string             { return string(f) }
func (p SchedulerPredictionType) String() string { return string(p) }

// ParsePredictionType accepts the spellings found in scheduler configs and
// model metadata ("v" and "v-prediction" both mean v_prediction).
func ParsePredictionType(s string) (SchedulerPredictionType, bool) {
	switch s {
	case "epsilon", "eps":
		return PredictionEpsilon, true
	case "v_prediction", "v-prediction", "v":
		return PredictionV, true
	case "sample":
		return PredictionSample, true
	}
	return "", false
}

// CanonicalPrediction returns the objective a family is trained with by
// default. Flow-matching families have none.
func CanonicalPrediction(b BaseModelType) (SchedulerPredictionType, bool) {
	switch b {
	case BaseStableDiffusion1, BaseStableDiffusionXL, BaseStableDiffusionXLRf:
		return PredictionEpsilon, true
	case BaseStableDiffusion2:
		return PredictionV, true
	}
	return "", false
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
