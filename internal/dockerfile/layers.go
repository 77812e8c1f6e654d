package dockerfile

import (
	"github.com/opencontainers/go-digest"
)

// Inputs are the content digests a layered builder feeds into COPY layers.
type Inputs struct {
	// Manifest is the digest of the dependency manifest file contents.
	Manifest digest.Digest

	// Source is the digest of the whole (ignore-filtered) source tree.
	Source digest.Digest
}

// Layer pairs an instruction with its cache key.
type Layer struct {
	Instruction Instruction
	Key         digest.Digest
}

// Layers computes cache keys the way a layered builder chains them: each
// key covers the parent key, the instruction text and, for COPY
// instructions, the digest of the copied content. A layer is reused only
// when its key is unchanged, and a changed key invalidates every layer
// after it.
func Layers(instructions []Instruction, in Inputs) []Layer {
	layers := make([]Layer, 0, len(instructions))
	parent := digest.Digest("")

	for _, ins := range instructions {
		content := ""
		switch ins.Purpose {
		case PurposeManifest:
			content = in.Manifest.String()
		case PurposeSource:
			content = in.Source.String()
		}

		key := digest.FromString(parent.String() + "\n" + ins.String() + "\n" + content)
		layers = append(layers, Layer{Instruction: ins, Key: key})
		parent = key
	}
	return layers
}

// Invalidated returns the purposes of the layers whose keys differ between
// two layer lists of the same instruction sequence. Once a key differs all
// following layers differ too.
func Invalidated(before, after []Layer) []Purpose {
	var out []Purpose
	for i := range after {
		if i >= len(before) || before[i].Key != after[i].Key {
			out = append(out, after[i].Instruction.Purpose)
		}
	}
	return out
}
