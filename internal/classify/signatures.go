package classify

import (
	"strings"

	"modelprobe/internal/formats"
	"modelprobe/pkg/types"
)

// Tensor names that identify families and roles.
const (
	unetPrefix     = "model.diffusion_model."
	unetConvIn     = unetPrefix + "input_blocks.0.0.weight"
	unetAttn2Block = unetPrefix + "input_blocks.2.1.transformer_blocks.0.attn2.to_k.weight"
	unetAttn4Block = unetPrefix + "input_blocks.4.1.transformer_blocks.0.attn2.to_k.weight"
	fluxKeyNorm    = "double_blocks.0.img_attn.norm.key_norm.scale"
	fluxImgIn      = "img_in.weight"
	sd3JointBlock  = "joint_blocks.0.context_block.attn.qkv.weight"
	vaeEncoderIn   = "encoder.conv_in.weight"
	vaeDecoderIn   = "decoder.conv_in.weight"
	t5FirstQuery   = "encoder.block.0.layer.0.SelfAttention.q.weight"
	clipVisionIn   = "vision_model.embeddings.patch_embedding.weight"
	ipAdapterToK   = "ip_adapter.1.to_k_ip.weight"
)

// signatureRule recognises roles and families from tensor names and shapes.
// Checks run from the most specific layout to the most generic one.
func signatureRule(h formats.Hints, _ string) Opinion {
	if h.Format == types.FormatONNX {
		op, _ := onnxSignature(h)
		return op
	}
	if len(h.Tensors) == 0 {
		return Opinion{}
	}
	for _, sig := range []func(formats.Hints) (Opinion, bool){
		loraSignature,
		embeddingSignature,
		ipAdapterSignature,
		controlNetSignature,
		mainSignature,
		t5Signature,
		clipVisionSignature,
		vaeSignature,
		spandrelSignature,
	} {
		if op, ok := sig(h); ok {
			return op
		}
	}
	return Opinion{}
}

func loraSignature(h formats.Hints) (Opinion, bool) {
	isLoRA := false
	for k := range h.Tensors {
		if strings.HasPrefix(k, "lora_unet_") || strings.HasPrefix(k, "lora_te") ||
			strings.HasPrefix(k, "lora_transformer_") ||
			strings.Contains(k, ".lora_down.") || strings.Contains(k, ".lora.down.") ||
			strings.Contains(k, ".lora_A.") {
			isLoRA = true
			break
		}
	}
	if !isLoRA {
		return Opinion{}, false
	}
	op := Opinion{Type: types.TypeLoRA}
	switch {
	case h.HasPrefix("lora_unet_double_blocks") || h.HasPrefix("lora_transformer_") ||
		anyKey(h, func(k string) bool { return strings.Contains(k, "double_blocks") || strings.Contains(k, "single_transformer_blocks") }):
		op.Base = types.BaseFlux
	case h.HasPrefix("lora_te2_") || h.HasPrefix("lora_te1_"):
		op.Base = types.BaseStableDiffusionXL
	default:
		for _, k := range h.Keys() {
			if !strings.Contains(k, "attn2") || !strings.Contains(k, "to_k") {
				continue
			}
			if !strings.Contains(k, "lora_down") && !strings.Contains(k, "lora.down") && !strings.Contains(k, "lora_A") {
				continue
			}
			if d, ok := h.LastDim(k); ok {
				op.Base = crossAttentionBase(d)
				if op.Base == types.BaseStableDiffusionXLRf {
					op.Base = ""
				}
				break
			}
		}
	}
	return op, true
}

func embeddingSignature(h formats.Hints) (Opinion, bool) {
	op := Opinion{Type: types.TypeEmbedding}
	switch {
	case h.HasKey("clip_g") || h.HasKey("clip_l"):
		if h.HasKey("clip_g") {
			op.Base = types.BaseStableDiffusionXL
		}
		return op, true
	case h.HasPrefix("string_to_param"), h.HasKey("emb_params"):
	case h.Layout == formats.LayoutEmbeddingFolder && len(h.Tensors) == 1:
	default:
		return Opinion{}, false
	}
	for _, k := range h.Keys() {
		if strings.HasPrefix(k, "string_to_param") || k == "emb_params" || len(h.Tensors) == 1 {
			if d, ok := h.LastDim(k); ok {
				switch d {
				case 768:
					op.Base = types.BaseStableDiffusion1
				case 1024:
					op.Base = types.BaseStableDiffusion2
				}
			}
			break
		}
	}
	return op, true
}

func ipAdapterSignature(h formats.Hints) (Opinion, bool) {
	if !h.HasPrefix("image_proj.") || !h.HasPrefix("ip_adapter.") {
		return Opinion{}, false
	}
	op := Opinion{Type: types.TypeIPAdapter}
	if d, ok := h.LastDim(ipAdapterToK); ok {
		op.Base = crossAttentionBase(d)
	}
	return op, true
}

func controlNetSignature(h formats.Hints) (Opinion, bool) {
	if !h.HasPrefix("control_model.") && !h.HasPrefix("controlnet_cond_embedding.") &&
		!h.HasPrefix("input_hint_block.") && !h.HasPrefix("controlnet_down_blocks.") {
		return Opinion{}, false
	}
	op := Opinion{Type: types.TypeControlNet}
	if h.HasPrefix("controlnet_x_embedder") || h.HasPrefix("double_blocks.") || h.HasPrefix("transformer_blocks.0.attn.add_k_proj") {
		op.Base = types.BaseFlux
		return op, true
	}
	op.Base = attentionBase(h)
	return op, true
}

func mainSignature(h formats.Hints) (Opinion, bool) {
	op := Opinion{Type: types.TypeMain}
	switch {
	case h.HasKey(fluxKeyNorm) || h.HasKey(unetPrefix+fluxKeyNorm):
		op.Base = types.BaseFlux
		for _, k := range []string{fluxImgIn, unetPrefix + fluxImgIn} {
			if s, ok := h.Shape(k); ok && len(s) == 2 && s[1] == 384 {
				op.Variant = types.VariantInpaint
			}
		}
		return op, true
	case h.HasKey(sd3JointBlock) || h.HasKey(unetPrefix+sd3JointBlock):
		op.Base = types.BaseStableDiffusion3
		return op, true
	case h.HasPrefix(unetPrefix):
	default:
		return Opinion{}, false
	}
	for _, k := range []string{unetAttn2Block, unetAttn4Block} {
		if d, ok := h.LastDim(k); ok {
			if op.Base = crossAttentionBase(d); op.Base != "" {
				break
			}
		}
	}
	if s, ok := h.Shape(unetConvIn); ok && len(s) >= 2 {
		op.Variant = channelsVariant(s[1])
	}
	return op, true
}

func t5Signature(h formats.Hints) (Opinion, bool) {
	if !h.HasKey(t5FirstQuery) {
		return Opinion{}, false
	}
	return Opinion{Type: types.TypeT5Encoder, Base: types.BaseAny}, true
}

func clipVisionSignature(h formats.Hints) (Opinion, bool) {
	if !h.HasKey(clipVisionIn) {
		return Opinion{}, false
	}
	return Opinion{Type: types.TypeCLIPVision, Base: types.BaseAny}, true
}

func isVAE(h formats.Hints) bool {
	return (h.HasKey(vaeEncoderIn) || h.HasKey(vaeDecoderIn)) && !h.HasPrefix(unetPrefix)
}

func vaeSignature(h formats.Hints) (Opinion, bool) {
	if !isVAE(h) {
		return Opinion{}, false
	}
	op := Opinion{Type: types.TypeVAE}
	// Four latent channels are shared by every UNet family; leave the base
	// to the filename and the fallback.
	if s, ok := h.Shape(vaeDecoderIn); ok && len(s) >= 2 && s[1] == 16 {
		op.Base = types.BaseFlux
	}
	return op, true
}

func spandrelSignature(h formats.Hints) (Opinion, bool) {
	rrdb := h.HasKey("conv_first.weight") && h.HasPrefix("body.")
	oldESRGAN := h.HasKey("model.0.weight") && h.HasPrefix("model.1.sub.")
	swin := h.HasPrefix("layers.0.residual_group.")
	if !rrdb && !oldESRGAN && !swin {
		return Opinion{}, false
	}
	return Opinion{Type: types.TypeSpandrelUpscaler, Base: types.BaseAny}, true
}

// onnxSignature recognises an exported UNet from its graph inputs.
func onnxSignature(h formats.Hints) (Opinion, bool) {
	if !h.HasKey("sample") || !h.HasKey("timestep") || !h.HasKey("encoder_hidden_states") {
		return Opinion{}, false
	}
	op := Opinion{Type: types.TypeMain}
	if d, ok := h.LastDim("encoder_hidden_states"); ok {
		op.Base = crossAttentionBase(d)
	}
	if h.HasKey("text_embeds") {
		op.Base = types.BaseStableDiffusionXL
	}
	if s, ok := h.Shape("sample"); ok && len(s) >= 2 {
		op.Variant = channelsVariant(s[1])
	}
	return op, true
}

// attentionBase looks for any full-rank cross-attention key projection.
func attentionBase(h formats.Hints) types.BaseModelType {
	for _, k := range h.Keys() {
		if strings.HasSuffix(k, "attn2.to_k.weight") {
			if d, ok := h.LastDim(k); ok {
				if b := crossAttentionBase(d); b != "" {
					return b
				}
			}
		}
	}
	return ""
}

func anyKey(h formats.Hints, fn func(string) bool) bool {
	for k := range h.Tensors {
		if fn(k) {
			return true
		}
	}
	return false
}
