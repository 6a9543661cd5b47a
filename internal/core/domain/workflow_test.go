package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listShape = `[
  {"id": "enc_pos", "type": "CLIPTextEncode", "inputs": {"text": "old positive"}},
  {"id": "enc_neg", "type": "CLIPTextEncode", "inputs": {"text": "old negative"}},
  {"id": "latent", "type": "EmptyLatentImage", "inputs": {"width": 512, "height": 512}},
  {"id": "sampler", "type": "KSampler", "inputs": {"steps": 20, "cfg": 7, "denoise": 1}}
]`

const mapShape = `{
  "enc_pos": {"class_type": "CLIPTextEncode", "inputs": {"text": "old positive"}},
  "enc_neg": {"class_type": "CLIPTextEncode", "inputs": {"text": "old negative"}},
  "latent": {"class_type": "EmptyLatentImage", "inputs": {"width": 512, "height": 512}},
  "sampler": {"class_type": "KSampler", "inputs": {"steps": 20, "cfg": 7, "denoise": 1}}
}`

func TestParseDocument_BothShapesEquivalent(t *testing.T) {
	fromList, err := ParseDocument([]byte(listShape))
	require.NoError(t, err)
	fromMap, err := ParseDocument([]byte(mapShape))
	require.NoError(t, err)

	assert.True(t, fromList.Equal(fromMap))
	assert.Equal(t, fromList.IDs(), fromMap.IDs())

	params := Params{"prompt": "a red fox", "steps": float64(30)}
	a, err := json.Marshal(fromList.Inject(params).Payload())
	require.NoError(t, err)
	b, err := json.Marshal(fromMap.Inject(params).Payload())
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestParseDocument_PreservesMappingOrder(t *testing.T) {
	// Keys deliberately not in lexical order.
	doc, err := ParseDocument([]byte(`{
		"9": {"class_type": "SaveImage", "inputs": {}},
		"2": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}},
		"10": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"9", "2", "10"}, doc.IDs())
}

func TestParseDocument_NumericListIDs(t *testing.T) {
	doc, err := ParseDocument([]byte(`[
		{"id": 3, "type": "KSampler", "inputs": {}},
		{"id": 11, "type": "VAEDecode", "inputs": {}}
	]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "11"}, doc.IDs())
}

func TestParseDocument_KindFallbacks(t *testing.T) {
	doc, err := ParseDocument([]byte(`[
		{"id": "a", "kind": "KSampler", "inputs": {}},
		{"id": "b", "type": "VAEDecode", "inputs": {}},
		{"id": "c", "class_type": "SaveImage", "inputs": {}}
	]`))
	require.NoError(t, err)
	assert.Equal(t, "KSampler", doc.Node("a").Kind)
	assert.Equal(t, "VAEDecode", doc.Node("b").Kind)
	assert.Equal(t, "SaveImage", doc.Node("c").Kind)
}

func TestParseDocument_Errors(t *testing.T) {
	cases := map[string]string{
		"empty":        ``,
		"scalar":       `42`,
		"duplicate id": `[{"id": "x", "type": "A", "inputs": {}}, {"id": "x", "type": "B", "inputs": {}}]`,
		"missing id":   `[{"type": "A", "inputs": {}}]`,
		"missing kind": `[{"id": "x", "inputs": {}}]`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDocument([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestInject_EncoderOrder(t *testing.T) {
	doc, err := ParseDocument([]byte(listShape))
	require.NoError(t, err)

	out := doc.Inject(Params{"prompt": "castle at dawn", "negative_prompt": "people"})
	assert.Equal(t, "castle at dawn", out.Node("enc_pos").Inputs["text"])
	assert.Equal(t, "people", out.Node("enc_neg").Inputs["text"])
}

func TestInject_SamplerAndLatent(t *testing.T) {
	doc, err := ParseDocument([]byte(listShape))
	require.NoError(t, err)

	out := doc.Inject(Params{
		"steps":  float64(40),
		"cfg":    float64(9),
		"width":  float64(1024),
		"height": float64(768),
	})
	assert.Equal(t, float64(40), out.Node("sampler").Inputs["steps"])
	assert.Equal(t, float64(9), out.Node("sampler").Inputs["cfg"])
	assert.Equal(t, float64(1024), out.Node("latent").Inputs["width"])
	assert.Equal(t, float64(768), out.Node("latent").Inputs["height"])
}

func TestInject_ParamAliases(t *testing.T) {
	doc, err := ParseDocument([]byte(listShape))
	require.NoError(t, err)

	out := doc.Inject(Params{"cfg_scale": float64(4.5), "denoising_strength": 0.55})
	assert.Equal(t, float64(4.5), out.Node("sampler").Inputs["cfg"])
	assert.Equal(t, 0.55, out.Node("sampler").Inputs["denoise"])
}

func TestInject_EmptyParamsIsIdentity(t *testing.T) {
	doc, err := ParseDocument([]byte(mapShape))
	require.NoError(t, err)
	assert.True(t, doc.Equal(doc.Inject(Params{})))
}

func TestInject_DoesNotMutateReceiver(t *testing.T) {
	doc, err := ParseDocument([]byte(mapShape))
	require.NoError(t, err)

	_ = doc.Inject(Params{"prompt": "changed", "steps": float64(99)})
	assert.Equal(t, "old positive", doc.Node("enc_pos").Inputs["text"])
	assert.Equal(t, float64(20), doc.Node("sampler").Inputs["steps"])
}

func TestInject_LoadImageAndDenoiseCarrier(t *testing.T) {
	doc, err := ParseDocument([]byte(`[
		{"id": "img", "type": "LoadImage", "inputs": {"image": ""}},
		{"id": "dn", "type": "DenoiseStrength", "inputs": {"denoising_strength": 0.7}}
	]`))
	require.NoError(t, err)

	out := doc.Inject(Params{"image_path": "input/cat.png", "denoising_strength": 0.3})
	assert.Equal(t, "input/cat.png", out.Node("img").Inputs["image"])
	assert.Equal(t, 0.3, out.Node("dn").Inputs["denoising_strength"])
}

func TestPayload_UsesClassType(t *testing.T) {
	doc, err := ParseDocument([]byte(listShape))
	require.NoError(t, err)

	payload := doc.Payload()
	require.Contains(t, payload, "sampler")
	assert.Equal(t, "KSampler", payload["sampler"].ClassType)

	data, err := json.Marshal(payload["sampler"])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"class_type":"KSampler"`)
}

func TestInject_UnknownKindsPassThrough(t *testing.T) {
	doc, err := ParseDocument([]byte(`{
		"ckpt": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "model.safetensors"}}
	}`))
	require.NoError(t, err)

	out := doc.Inject(Params{"prompt": "x", "steps": float64(5)})
	assert.Equal(t, "model.safetensors", out.Node("ckpt").Inputs["ckpt_name"])
}
