package classify

import (
	"errors"
	"testing"

	"modelprobe/internal/formats"
	"modelprobe/pkg/types"
)

func tensors(kv map[string][]int64) map[string]formats.Tensor {
	out := make(map[string]formats.Tensor, len(kv))
	for k, s := range kv {
		out[k] = formats.Tensor{DType: "F16", Shape: s}
	}
	return out
}

func TestFamilyOneInpaintingByFilename(t *testing.T) {
	h := formats.Hints{
		Format:  types.FormatSafetensors,
		Tensors: tensors(map[string][]int64{unetAttn2Block: {320, 768}}),
	}
	res, err := Classify(h, "/models/my-inpainting-model.safetensors")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Base != types.BaseStableDiffusion1 || res.Type != types.TypeMain || res.Format != types.FormatSafetensors {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Variant != types.VariantInpaint || res.Sources["variant"] != "filename" {
		t.Fatalf("variant = %s from %s", res.Variant, res.Sources["variant"])
	}
	if res.Prediction == nil || res.Prediction.Type != types.PredictionEpsilon || res.Prediction.Origin != types.OriginInferred {
		t.Fatalf("prediction = %+v", res.Prediction)
	}

	// A conv_in weight decides the variant before the filename does.
	h.Tensors[unetConvIn] = formats.Tensor{DType: "F16", Shape: []int64{320, 4, 3, 3}}
	res, err = Classify(h, "/models/my-inpainting-model.safetensors")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Variant != types.VariantNormal || res.Sources["variant"] == "filename" {
		t.Fatalf("4-channel conv_in: variant = %s from %s", res.Variant, res.Sources["variant"])
	}
	h.Tensors[unetConvIn] = formats.Tensor{DType: "F16", Shape: []int64{320, 9, 3, 3}}
	if res, _ = Classify(h, "/models/plain.safetensors"); res.Variant != types.VariantInpaint {
		t.Fatalf("9-channel conv_in: variant = %s", res.Variant)
	}
}

func TestSignatureBeatsFilename(t *testing.T) {
	h := formats.Hints{
		Format: types.FormatCheckpoint,
		Tensors: tensors(map[string][]int64{
			unetConvIn:     {320, 4, 3, 3},
			unetAttn4Block: {640, 1024},
		}),
	}
	res, err := Classify(h, "/models/sdxl-inpainting.ckpt")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Base != types.BaseStableDiffusion2 || res.Variant != types.VariantNormal {
		t.Fatalf("signature should decide base and variant: %+v", res)
	}
	if res.Prediction == nil || res.Prediction.Type != types.PredictionV {
		t.Fatalf("sd-2 default should be v_prediction: %+v", res.Prediction)
	}
}

func TestDeclaredBundle(t *testing.T) {
	decl := &formats.Declaration{
		Base: "sdxl",
		Type: "main",
		SubModels: map[string]string{
			"unet":           "unet",
			"text_encoder_2": "text_encoder_2",
		},
	}
	h := formats.Hints{Format: types.FormatDiffusers, Layout: formats.LayoutDeclared, Declared: decl}

	res, err := Classify(h, "/models/my-xl")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Tag() != (types.Tag{Type: types.TypeMain, Format: types.FormatDiffusers}) {
		t.Fatalf("tag = %s", res.Tag())
	}
	if len(res.SubModels) != 2 || res.SubModels[types.SubModelTextEncoder2] != "text_encoder_2" {
		t.Fatalf("submodels = %v", res.SubModels)
	}
	if res.Prediction != nil {
		t.Fatalf("bundle without declared prediction must not get one: %+v", res.Prediction)
	}
	if res.Variant != types.VariantNormal {
		t.Fatalf("variant = %s", res.Variant)
	}

	// Filename tokens never give a bundle a prediction type.
	res, err = Classify(h, "/models/my-xl-vpred")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Prediction != nil {
		t.Fatalf("vpred bundle name produced %+v", res.Prediction)
	}
	if _, ok := res.Sources["prediction_type"]; ok {
		t.Fatalf("sources still name a prediction: %v", res.Sources)
	}

	decl.PredictionType = "v_prediction"
	res, err = Classify(h, "/models/my-xl-vpred")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Prediction == nil || res.Prediction.Type != types.PredictionV || res.Prediction.Origin != types.OriginDeclared {
		t.Fatalf("prediction = %+v", res.Prediction)
	}
}

func TestPipelineManifest(t *testing.T) {
	h := formats.Hints{
		Format:              types.FormatDiffusers,
		Layout:              formats.LayoutPipeline,
		ClassName:           "StableDiffusionPipeline",
		Config:              map[string]any{"cross_attention_dim": float64(1024), "in_channels": float64(9)},
		Components:          map[types.SubModelType]string{types.SubModelUNet: "unet", types.SubModelVAE: "vae"},
		SchedulerPrediction: "v_prediction",
	}
	res, err := Classify(h, "/models/sd2-inpaint")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Base != types.BaseStableDiffusion2 || res.Variant != types.VariantInpaint {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Prediction.Origin != types.OriginDeclared || res.Sources["prediction_type"] != "bundle" {
		t.Fatalf("scheduler prediction is declared: %+v", res.Prediction)
	}
	if len(res.SubModels) != 2 {
		t.Fatalf("submodels = %v", res.SubModels)
	}
}

func TestInferredValuesForbiddenByContractAreDropped(t *testing.T) {
	h := formats.Hints{
		Format: types.FormatSafetensors,
		Tensors: tensors(map[string][]int64{
			"lora_unet_down_blocks_0_attentions_0_transformer_blocks_0_attn2_to_k.lora_down.weight": {4, 768},
			"lora_unet_down_blocks_0_attentions_0_transformer_blocks_0_attn2_to_k.lora_up.weight":   {320, 4},
		}),
	}
	res, err := Classify(h, "/loras/inpaint-helper-vpred.safetensors")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Tag() != (types.Tag{Type: types.TypeLoRA, Format: types.FormatLyCORIS}) || res.Base != types.BaseStableDiffusion1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Variant != "" || res.Prediction != nil {
		t.Fatalf("inferred extras should be dropped for a LoRA: %+v", res)
	}

	h.Declared = &formats.Declaration{Variant: "inpaint"}
	res, err = Classify(h, "/loras/helper.safetensors")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Variant != types.VariantInpaint {
		t.Fatalf("declared values must survive for the factory to judge: %+v", res)
	}
}

func TestMetadataRule(t *testing.T) {
	h := formats.Hints{
		Format:   types.FormatSafetensors,
		Tensors:  tensors(map[string][]int64{unetAttn2Block: {320, 768}}),
		Metadata: map[string]string{"modelspec.architecture": "stable-diffusion-v2-768-v", "modelspec.title": "Custom"},
	}
	res, err := Classify(h, "/m/x.safetensors")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Base != types.BaseStableDiffusion2 || res.Sources["base"] != "metadata" {
		t.Fatalf("metadata should outrank signatures: %+v", res)
	}
	if res.Prediction.Type != types.PredictionV || res.Prediction.Origin != types.OriginDeclared {
		t.Fatalf("prediction = %+v", res.Prediction)
	}
	if res.Name != "Custom" {
		t.Fatalf("name = %q", res.Name)
	}

	kohya := formats.Hints{
		Format:   types.FormatSafetensors,
		Tensors:  tensors(map[string][]int64{"some.weight": {1}}),
		Metadata: map[string]string{"ss_network_module": "networks.lora", "ss_base_model_version": "sdxl_base_v1-0"},
	}
	res, err = Classify(kohya, "/m/y.safetensors")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Type != types.TypeLoRA || res.Base != types.BaseStableDiffusionXL {
		t.Fatalf("kohya metadata: %+v", res)
	}
}

func TestVAEBaseFallsBackThroughFilename(t *testing.T) {
	h := formats.Hints{
		Format: types.FormatSafetensors,
		Tensors: tensors(map[string][]int64{
			vaeEncoderIn: {128, 3, 3, 3},
			vaeDecoderIn: {512, 4, 3, 3},
		}),
	}
	res, err := Classify(h, "/vae/sdxl_vae.safetensors")
	if err != nil || res.Base != types.BaseStableDiffusionXL || res.Type != types.TypeVAE {
		t.Fatalf("filename should decide the family: %+v %v", res, err)
	}
	res, err = Classify(h, "/vae/kl-f8.safetensors")
	if err != nil || res.Base != types.BaseStableDiffusion1 || res.Sources["base"] != "fallback" {
		t.Fatalf("fallback should decide the family: %+v %v", res, err)
	}
	if res.Variant != "" || res.Prediction != nil {
		t.Fatalf("vae carries no extras: %+v", res)
	}
}

func TestGGUFAndONNX(t *testing.T) {
	gguf := formats.Hints{Format: types.FormatGGUFQuantized, Metadata: map[string]string{"general.architecture": "flux"}}
	res, err := Classify(gguf, "/m/model-Q4_0.gguf")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Tag() != (types.Tag{Type: types.TypeMain, Format: types.FormatGGUFQuantized}) || res.Base != types.BaseFlux {
		t.Fatalf("gguf: %+v", res)
	}
	if res.Variant != types.VariantNormal || res.Prediction != nil {
		t.Fatalf("gguf extras: %+v", res)
	}

	onnx := formats.Hints{
		Format: types.FormatONNX,
		Tensors: map[string]formats.Tensor{
			"sample":                {Shape: []int64{-1, 4, 64, 64}},
			"timestep":              {Shape: []int64{-1}},
			"encoder_hidden_states": {Shape: []int64{-1, 77, 768}},
		},
	}
	res, err = Classify(onnx, "/m/unet.onnx")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Base != types.BaseStableDiffusion1 || res.Type != types.TypeMain || res.Format != types.FormatONNX {
		t.Fatalf("onnx: %+v", res)
	}
}

func TestEmbeddingFormats(t *testing.T) {
	file := formats.Hints{Format: types.FormatCheckpoint, Tensors: tensors(map[string][]int64{"string_to_param.*": {2, 768}})}
	res, err := Classify(file, "/e/cat.pt")
	if err != nil || res.Format != types.FormatEmbeddingFile || res.Base != types.BaseStableDiffusion1 {
		t.Fatalf("embedding file: %+v %v", res, err)
	}
	folder := formats.Hints{
		Format:  types.FormatDiffusers,
		Layout:  formats.LayoutEmbeddingFolder,
		Tensors: tensors(map[string][]int64{"<cat-toy>": {1024}}),
	}
	res, err = Classify(folder, "/e/cat-toy")
	if err != nil || res.Format != types.FormatEmbeddingFolder || res.Base != types.BaseStableDiffusion2 {
		t.Fatalf("embedding folder: %+v %v", res, err)
	}
}

func TestClassificationError(t *testing.T) {
	h := formats.Hints{Format: types.FormatSafetensors, Tensors: tensors(map[string][]int64{"foo.bar": {3}})}
	_, err := Classify(h, "/m/mystery.safetensors")
	var ce *ClassificationError
	if !errors.As(err, &ce) || !IsClassificationError(err) {
		t.Fatalf("expected classification error, got %v", err)
	}
	if len(ce.Missing) != 2 || ce.Missing[0] != "base" || ce.Missing[1] != "type" {
		t.Fatalf("missing = %v", ce.Missing)
	}

	_, err = Classify(h, "/m/mystery-lora.safetensors")
	if !errors.As(err, &ce) || len(ce.Missing) != 1 || ce.Missing[0] != "base" {
		t.Fatalf("expected only base missing, got %v", err)
	}
}

func TestCustomRules(t *testing.T) {
	always := Rule{Name: "always", Origin: types.OriginDeclared, Apply: func(formats.Hints, string) Opinion {
		return Opinion{Base: types.BaseAny, Type: types.TypeSpandrelUpscaler}
	}}
	c := New(always, Rule{Name: "filename", Origin: types.OriginInferred, Apply: filenameRule})
	res, err := c.Classify(formats.Hints{Format: types.FormatONNX}, "/m/sdxl-lora.onnx")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Type != types.TypeSpandrelUpscaler || res.Base != types.BaseAny || res.Sources["type"] != "always" {
		t.Fatalf("first rule should win: %+v", res)
	}
}
