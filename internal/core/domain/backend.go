package domain

import "sort"

// ArtifactRef identifies one produced file on the backend, as reported by
// the history endpoint and consumed by the view endpoint.
type ArtifactRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Kind      string `json:"type"`
}

// NodeOutput is a single output node's artifact lists. A node carries either
// images or videos.
type NodeOutput struct {
	Images []ArtifactRef `json:"images,omitempty"`
	Videos []ArtifactRef `json:"videos,omitempty"`
}

// Outputs maps output node id to its artifacts. An empty map means the
// backend has not finished the prompt.
type Outputs map[string]NodeOutput

// Empty reports whether no node produced any artifact.
func (o Outputs) Empty() bool {
	for _, n := range o {
		if len(n.Images) > 0 || len(n.Videos) > 0 {
			return false
		}
	}
	return true
}

// FirstFilename returns the first image filename across output nodes, or the
// first video filename when no images exist. Node ids are visited in sorted
// order for determinism.
func (o Outputs) FirstFilename() (string, bool) {
	ids := make([]string, 0, len(o))
	for id := range o {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if refs := o[id].Images; len(refs) > 0 {
			return refs[0].Filename, true
		}
	}
	for _, id := range ids {
		if refs := o[id].Videos; len(refs) > 0 {
			return refs[0].Filename, true
		}
	}
	return "", false
}
