package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Well-known node kinds the parameter injection targets. Documents may use
// any other kinds freely; those nodes pass through untouched.
var (
	textEncoderKinds = map[string]bool{"CLIPTextEncode": true}
	samplerKinds     = map[string]bool{"KSampler": true, "KSamplerAdvanced": true}
	emptyLatentKinds = map[string]bool{"EmptyLatentImage": true, "EmptyLatentVideo": true}
	loadImageKinds   = map[string]bool{"LoadImage": true}
	denoiseKinds     = map[string]bool{"DenoiseStrength": true}
)

// Node is the normalized in-memory node record.
type Node struct {
	Kind   string
	Inputs map[string]any
}

// Document is a workflow node graph normalized from either on-disk shape:
// a list of nodes with explicit ids, or a mapping from id to node. The id
// order of the source document is preserved; "first text encoder" means
// first in that order.
type Document struct {
	ids   []string
	nodes map[string]*Node
}

// IDs returns node ids in document order.
func (d *Document) IDs() []string {
	out := make([]string, len(d.ids))
	copy(out, d.ids)
	return out
}

// Node returns the node for id, or nil.
func (d *Document) Node(id string) *Node {
	return d.nodes[id]
}

// Len returns the node count.
func (d *Document) Len() int { return len(d.ids) }

// rawNode matches both accepted shapes. ComfyUI API exports use class_type,
// the list shape uses kind (falling back to type).
type rawNode struct {
	ID        json.RawMessage `json:"id"`
	Kind      string          `json:"kind"`
	Type      string          `json:"type"`
	ClassType string          `json:"class_type"`
	Inputs    map[string]any  `json:"inputs"`
}

func (r *rawNode) normalize() (*Node, error) {
	kind := r.Kind
	if kind == "" {
		kind = r.Type
	}
	if kind == "" {
		kind = r.ClassType
	}
	if kind == "" {
		return nil, errors.New("node has no kind")
	}
	inputs := r.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &Node{Kind: kind, Inputs: inputs}, nil
}

// ParseDocument normalizes a serialized workflow of either accepted shape.
func ParseDocument(data []byte) (*Document, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, errors.New("empty workflow document")
	}
	switch trimmed[0] {
	case '[':
		return parseNodeList(data)
	case '{':
		return parseNodeMap(data)
	}
	return nil, errors.New("unrecognized workflow document shape")
}

// LoadDocument reads and normalizes a workflow file.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	return doc, nil
}

func parseNodeList(data []byte) (*Document, error) {
	var raw []rawNode
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode node list: %w", err)
	}
	doc := &Document{nodes: map[string]*Node{}}
	for i, rn := range raw {
		if len(rn.ID) == 0 {
			return nil, fmt.Errorf("node %d has no id", i)
		}
		id, err := stringifyID(rn.ID)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		node, err := rn.normalize()
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
		if _, dup := doc.nodes[id]; dup {
			return nil, fmt.Errorf("duplicate node id %s", id)
		}
		doc.ids = append(doc.ids, id)
		doc.nodes[id] = node
	}
	return doc, nil
}

// parseNodeMap decodes the mapping shape with a token scanner so the key
// order of the file survives into document order.
func parseNodeMap(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode node map: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("decode node map: expected object")
	}

	doc := &Document{nodes: map[string]*Node{}}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode node map: %w", err)
		}
		id := keyTok.(string)
		var rn rawNode
		if err := dec.Decode(&rn); err != nil {
			return nil, fmt.Errorf("decode node %s: %w", id, err)
		}
		node, err := rn.normalize()
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
		doc.ids = append(doc.ids, id)
		doc.nodes[id] = node
	}
	return doc, nil
}

func stringifyID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", errors.New("id must be a string or number")
}

// Clone returns a structural deep copy. Inject never mutates its receiver,
// so callers keep their documents intact.
func (d *Document) Clone() *Document {
	cp := &Document{
		ids:   append([]string(nil), d.ids...),
		nodes: make(map[string]*Node, len(d.nodes)),
	}
	for id, n := range d.nodes {
		cp.nodes[id] = &Node{Kind: n.Kind, Inputs: deepCopyMap(n.Inputs)}
	}
	return cp
}

func deepCopyMap(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyValue(v)
	}
	return cp
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopyMap(tv)
	case []any:
		cp := make([]any, len(tv))
		for i, e := range tv {
			cp[i] = deepCopyValue(e)
		}
		return cp
	default:
		return v
	}
}

// Inject returns a deep copy of d with params applied to the well-known node
// kinds. The first text encoder in document order receives prompt, every
// later one receives negative_prompt. Absent params leave inputs untouched;
// present-but-empty values are written as given.
func (d *Document) Inject(params Params) *Document {
	out := d.Clone()
	encodersSeen := 0
	for _, id := range out.ids {
		node := out.nodes[id]
		switch {
		case textEncoderKinds[node.Kind]:
			key := "prompt"
			if encodersSeen > 0 {
				key = "negative_prompt"
			}
			if v, ok := params[key]; ok {
				node.Inputs["text"] = v
			}
			encodersSeen++
		case samplerKinds[node.Kind]:
			setIfPresent(node.Inputs, "steps", params, "steps")
			setIfPresent(node.Inputs, "cfg", params, "cfg", "cfg_scale")
			setIfPresent(node.Inputs, "denoise", params, "denoise", "denoising_strength")
		case emptyLatentKinds[node.Kind]:
			setIfPresent(node.Inputs, "width", params, "width")
			setIfPresent(node.Inputs, "height", params, "height")
		case loadImageKinds[node.Kind]:
			setIfPresent(node.Inputs, "image", params, "image_path")
		case denoiseKinds[node.Kind]:
			setIfPresent(node.Inputs, "denoising_strength", params, "denoising_strength")
		}
	}
	return out
}

func setIfPresent(inputs map[string]any, field string, params Params, keys ...string) {
	for _, k := range keys {
		if v, ok := params[k]; ok {
			inputs[field] = v
			return
		}
	}
}

// PayloadNode is the backend wire form of a node.
type PayloadNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Payload emits the backend-ready node map. Both accepted input shapes of
// the same graph produce byte-equal serializations of this map.
func (d *Document) Payload() map[string]PayloadNode {
	payload := make(map[string]PayloadNode, len(d.nodes))
	for id, n := range d.nodes {
		payload[id] = PayloadNode{ClassType: n.Kind, Inputs: n.Inputs}
	}
	return payload
}

// Equal reports deep structural equality. Inject with empty params must
// produce an Equal document.
func (d *Document) Equal(other *Document) bool {
	if d.Len() != other.Len() {
		return false
	}
	for i, id := range d.ids {
		if other.ids[i] != id {
			return false
		}
		a, b := d.nodes[id], other.nodes[id]
		if b == nil || a.Kind != b.Kind {
			return false
		}
		aj, _ := json.Marshal(a.Inputs)
		bj, _ := json.Marshal(b.Inputs)
		if !bytes.Equal(aj, bj) {
			return false
		}
	}
	return true
}
