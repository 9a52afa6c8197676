package classify

import (
	"path/filepath"
	"strings"

	"modelprobe/internal/formats"
	"modelprobe/pkg/types"
)

func declarationRule(h formats.Hints, _ string) Opinion {
	d := h.Declared
	if d == nil {
		return Opinion{}
	}
	op := Opinion{
		Base:        types.BaseModelType(d.Base),
		Type:        types.ModelType(d.Type),
		Variant:     types.ModelVariantType(d.Variant),
		Name:        d.Name,
		Description: d.Description,
		Precision:   d.Precision,
	}
	if p, ok := types.ParsePredictionType(d.PredictionType); ok {
		op.Prediction = p
	}
	if len(d.SubModels) > 0 {
		op.SubModels = make(map[types.SubModelType]string, len(d.SubModels))
		for name, rel := range d.SubModels {
			op.SubModels[types.SubModelType(name)] = filepath.ToSlash(rel)
		}
	}
	return op
}

// pipelineBases maps diffusers pipeline classes to families. Classes shared
// by several families are resolved from the denoiser config instead.
var pipelineBases = map[string]types.BaseModelType{
	"StableDiffusionXLPipeline":        types.BaseStableDiffusionXL,
	"StableDiffusionXLInpaintPipeline": types.BaseStableDiffusionXL,
	"StableDiffusion3Pipeline":         types.BaseStableDiffusion3,
	"FluxPipeline":                     types.BaseFlux,
	"FluxFillPipeline":                 types.BaseFlux,
}

var componentTypes = map[string]types.ModelType{
	"AutoencoderKL":                 types.TypeVAE,
	"ControlNetModel":               types.TypeControlNet,
	"FluxControlNetModel":           types.TypeControlNet,
	"T2IAdapter":                    types.TypeT2IAdapter,
	"CLIPVisionModelWithProjection": types.TypeCLIPVision,
	"CLIPVisionModel":               types.TypeCLIPVision,
	"T5EncoderModel":                types.TypeT5Encoder,
}

// bundleRule reads what a bundle manifest states: pipeline and component
// classes, the scheduler objective and the denoiser config.
func bundleRule(h formats.Hints, _ string) Opinion {
	switch h.Layout {
	case formats.LayoutPipeline:
		op := Opinion{Type: types.TypeMain, SubModels: h.Components}
		op.Base = pipelineBases[h.ClassName]
		if op.Base == "" {
			op.Base = crossAttentionBase(configInt(h.Config, "cross_attention_dim"))
		}
		if h.ClassName == "StableDiffusionXLImg2ImgPipeline" && configInt(h.Config, "cross_attention_dim") == 1280 {
			op.Base = types.BaseStableDiffusionXLRf
		}
		op.Variant = channelsVariant(configInt(h.Config, "in_channels"))
		switch {
		case strings.Contains(h.ClassName, "Inpaint"):
			op.Variant = types.VariantInpaint
		case strings.Contains(h.ClassName, "Depth2Img"):
			op.Variant = types.VariantDepth
		}
		if p, ok := types.ParsePredictionType(h.SchedulerPrediction); ok {
			op.Prediction = p
		}
		return op
	case formats.LayoutComponent:
		t, ok := componentTypes[h.ClassName]
		if !ok {
			return Opinion{}
		}
		op := Opinion{Type: t}
		switch t {
		case types.TypeVAE:
			op.Base = vaeConfigBase(h.Config)
		case types.TypeControlNet:
			if strings.HasPrefix(h.ClassName, "Flux") {
				op.Base = types.BaseFlux
			} else {
				op.Base = crossAttentionBase(configInt(h.Config, "cross_attention_dim"))
			}
		case types.TypeT2IAdapter:
			if s, _ := h.Config["adapter_type"].(string); strings.HasSuffix(s, "_xl") {
				op.Base = types.BaseStableDiffusionXL
			} else if s != "" {
				op.Base = types.BaseStableDiffusion1
			}
		case types.TypeCLIPVision, types.TypeT5Encoder:
			op.Base = types.BaseAny
		}
		return op
	case formats.LayoutLoRAFolder:
		return Opinion{Type: types.TypeLoRA}
	case formats.LayoutEmbeddingFolder:
		return Opinion{Type: types.TypeEmbedding}
	case formats.LayoutIPAdapterFolder:
		return Opinion{Type: types.TypeIPAdapter}
	}
	return Opinion{}
}

func vaeConfigBase(cfg map[string]any) types.BaseModelType {
	scale, _ := cfg["scaling_factor"].(float64)
	switch configInt(cfg, "latent_channels") {
	case 16:
		if scale > 1 {
			return types.BaseStableDiffusion3
		}
		return types.BaseFlux
	case 4:
		switch {
		case scale > 0.13 && scale < 0.131, configInt(cfg, "sample_size") >= 1024:
			return types.BaseStableDiffusionXL
		case configInt(cfg, "sample_size") == 768:
			return types.BaseStableDiffusion2
		}
		return types.BaseStableDiffusion1
	}
	return ""
}

// modelspecBases maps sai-modelspec architecture prefixes to families.
// Longer prefixes come first.
var modelspecBases = []struct {
	prefix string
	base   types.BaseModelType
}{
	{"stable-diffusion-xl-v1-refiner", types.BaseStableDiffusionXLRf},
	{"stable-diffusion-xl", types.BaseStableDiffusionXL},
	{"stable-diffusion-v3", types.BaseStableDiffusion3},
	{"stable-diffusion-3", types.BaseStableDiffusion3},
	{"stable-diffusion-v2", types.BaseStableDiffusion2},
	{"stable-diffusion-v1", types.BaseStableDiffusion1},
	{"flux", types.BaseFlux},
}

var modelspecTypes = map[string]types.ModelType{
	"lora":              types.TypeLoRA,
	"lycoris":           types.TypeLoRA,
	"textual-inversion": types.TypeEmbedding,
	"controlnet":        types.TypeControlNet,
	"vae":               types.TypeVAE,
}

// metadataRule reads header metadata written by training tools:
// sai-modelspec keys, kohya ss_* keys and the GGUF architecture.
func metadataRule(h formats.Hints, _ string) Opinion {
	var op Opinion
	meta := h.Metadata
	if len(meta) == 0 {
		return op
	}
	if arch := strings.ToLower(meta["modelspec.architecture"]); arch != "" {
		family, role, _ := strings.Cut(arch, "/")
		for _, mb := range modelspecBases {
			if strings.HasPrefix(family, mb.prefix) {
				op.Base = mb.base
				break
			}
		}
		if role == "" {
			op.Type = types.TypeMain
			if strings.HasSuffix(family, "-v") {
				op.Prediction = types.PredictionV
			}
			if p, ok := types.ParsePredictionType(meta["modelspec.prediction_type"]); ok {
				op.Prediction = p
			}
		} else {
			op.Type = modelspecTypes[role]
		}
	}
	if mod := meta["ss_network_module"]; mod != "" && op.Type == "" {
		if strings.Contains(mod, "lora") || strings.Contains(mod, "lycoris") || strings.Contains(mod, "oft") {
			op.Type = types.TypeLoRA
		}
	}
	if op.Base == "" {
		switch v := strings.ToLower(meta["ss_base_model_version"]); {
		case strings.HasPrefix(v, "sdxl"):
			op.Base = types.BaseStableDiffusionXL
		case strings.HasPrefix(v, "sd_v2"), strings.HasPrefix(v, "sd_2"):
			op.Base = types.BaseStableDiffusion2
		case strings.HasPrefix(v, "sd_v1"), strings.HasPrefix(v, "sd_1"):
			op.Base = types.BaseStableDiffusion1
		case strings.HasPrefix(v, "sd3"):
			op.Base = types.BaseStableDiffusion3
		case strings.HasPrefix(v, "flux"):
			op.Base = types.BaseFlux
		case v == "" && strings.EqualFold(meta["ss_v2"], "true"):
			op.Base = types.BaseStableDiffusion2
		}
	}
	if h.Format == types.FormatGGUFQuantized && strings.EqualFold(meta["general.architecture"], "flux") {
		op.Base = types.BaseFlux
		op.Type = types.TypeMain
	}
	if op.Name == "" {
		op.Name = meta["modelspec.title"]
	}
	op.Description = meta["modelspec.description"]
	return op
}

// Filename vocabulary. Within a field the first matching entry wins, so
// more specific spellings come first.
var (
	baseTokens = []struct {
		words []string
		base  types.BaseModelType
	}{
		{[]string{"refiner"}, types.BaseStableDiffusionXLRf},
		{[]string{"sdxl", "sd_xl", "sd-xl", "_xl", "-xl", "xl_", "xl-"}, types.BaseStableDiffusionXL},
		{[]string{"sd3", "sd-3", "sd_3"}, types.BaseStableDiffusion3},
		{[]string{"flux"}, types.BaseFlux},
		{[]string{"sd15", "sd1.5", "sd-1", "sd_1", "v1-5", "v1.5", "sd1"}, types.BaseStableDiffusion1},
		{[]string{"sd2", "sd-2", "sd_2", "v2-1", "v2-0", "v2.1"}, types.BaseStableDiffusion2},
	}
	typeTokens = []struct {
		words []string
		typ   types.ModelType
	}{
		{[]string{"ip-adapter", "ip_adapter", "ipadapter"}, types.TypeIPAdapter},
		{[]string{"controlnet", "control_"}, types.TypeControlNet},
		{[]string{"t2i"}, types.TypeT2IAdapter},
		{[]string{"lora", "lycoris", "locon"}, types.TypeLoRA},
		{[]string{"embedding", "textual_inversion", "textual-inversion"}, types.TypeEmbedding},
		{[]string{"vae"}, types.TypeVAE},
		{[]string{"esrgan", "upscale", "swinir"}, types.TypeSpandrelUpscaler},
		{[]string{"t5xxl", "t5-xxl", "t5_xxl"}, types.TypeT5Encoder},
	}
	variantTokens = []struct {
		words   []string
		variant types.ModelVariantType
	}{
		{[]string{"inpaint"}, types.VariantInpaint},
		{[]string{"depth"}, types.VariantDepth},
	}
	predictionWords = []string{"vpred", "v-pred", "v_pred", "v-prediction", "v_prediction"}
)

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// filenameRule matches the artifact's base name against a fixed vocabulary.
func filenameRule(_ formats.Hints, path string) Opinion {
	name := strings.ToLower(filepath.Base(path))
	var op Opinion
	for _, t := range baseTokens {
		if containsAny(name, t.words) {
			op.Base = t.base
			break
		}
	}
	for _, t := range typeTokens {
		if containsAny(name, t.words) {
			op.Type = t.typ
			break
		}
	}
	for _, t := range variantTokens {
		if containsAny(name, t.words) {
			op.Variant = t.variant
			break
		}
	}
	if containsAny(name, predictionWords) {
		op.Prediction = types.PredictionV
	}
	return op
}

// fallbackRule supplies weak structural guesses used only when nothing
// else, including the filename, decided the field.
func fallbackRule(h formats.Hints, _ string) Opinion {
	if isVAE(h) {
		return Opinion{Base: types.BaseStableDiffusion1}
	}
	return Opinion{}
}

func configInt(cfg map[string]any, key string) int64 {
	switch v := cfg[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case []any:
		// cross_attention_dim may be a per-block list.
		if len(v) > 0 {
			if f, ok := v[0].(float64); ok {
				return int64(f)
			}
		}
	}
	return 0
}

func channelsVariant(c int64) types.ModelVariantType {
	switch c {
	case 9:
		return types.VariantInpaint
	case 5:
		return types.VariantDepth
	case 4:
		return types.VariantNormal
	}
	return ""
}

// crossAttentionBase maps a UNet cross-attention width to its family.
func crossAttentionBase(dim int64) types.BaseModelType {
	switch dim {
	case 768:
		return types.BaseStableDiffusion1
	case 1024:
		return types.BaseStableDiffusion2
	case 2048:
		return types.BaseStableDiffusionXL
	case 1280:
		return types.BaseStableDiffusionXLRf
	}
	return ""
}
