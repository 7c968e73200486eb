package export

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"

	json "github.com/goccy/go-json"

	"plugin-engine/api/services/workflow"
)

const (
	glbMagic       = 0x46546C67 // "glTF"
	glbVersion     = 2
	chunkTypeJSON  = 0x4E4F534A
	chunkTypeBIN   = 0x004E4942
	componentFloat = 5126
	modePoints     = 0
)

// ErrNoAtoms is returned when the exposure results contain no positions.
var ErrNoAtoms = errors.New("no atom positions in input")

// Atom is one point of the exported cloud.
type Atom struct {
	Type string
	X    float64
	Y    float64
	Z    float64
}

// AtomsGLB writes atom positions as a glTF 2.0 binary point cloud with one
// color per atom type.
type AtomsGLB struct{}

// NewAtomsGLB returns the "atoms-glb" exporter.
func NewAtomsGLB() *AtomsGLB { return &AtomsGLB{} }

// Export reads the atoms from req.Input. The input is a list of atoms or a
// map holding the list under options["iterable"] (default "atoms"). Each
// atom carries x/y/z or a three element "position" list, and an optional
// "type".
func (e *AtomsGLB) Export(_ context.Context, req workflow.ExportRequest) (*workflow.Artifact, error) {
	if req.Type != "" && req.Type != "glb" {
		return nil, fmt.Errorf("unsupported export type %q", req.Type)
	}
	key := "atoms"
	if k, ok := req.Options["iterable"].(string); ok && k != "" {
		key = k
	}

	atoms, err := ParseAtoms(req.Input, key)
	if err != nil {
		return nil, err
	}
	data, err := EncodeGLB(atoms)
	if err != nil {
		return nil, err
	}
	return &workflow.Artifact{ContentType: "model/gltf-binary", Extension: "glb", Data: data}, nil
}

// ParseAtoms extracts atoms from exposure results.
func ParseAtoms(input any, key string) ([]Atom, error) {
	if m, ok := input.(map[string]any); ok {
		input = m[key]
	}
	list, ok := input.([]any)
	if !ok || len(list) == 0 {
		return nil, ErrNoAtoms
	}

	atoms := make([]Atom, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("atom %d is %T, want an object", i, item)
		}
		var a Atom
		a.Type, _ = m["type"].(string)

		var coords [3]float64
		if pos, ok := m["position"].([]any); ok && len(pos) == 3 {
			for j := range coords {
				v, ok := number(pos[j])
				if !ok {
					return nil, fmt.Errorf("atom %d: position[%d] is not a number", i, j)
				}
				coords[j] = v
			}
		} else {
			for j, axis := range []string{"x", "y", "z"} {
				v, ok := number(m[axis])
				if !ok {
					return nil, fmt.Errorf("atom %d: %s is not a number", i, axis)
				}
				coords[j] = v
			}
		}
		a.X, a.Y, a.Z = coords[0], coords[1], coords[2]
		atoms = append(atoms, a)
	}
	return atoms, nil
}

// EncodeGLB encodes atoms as a binary glTF with POSITION and COLOR_0
// accessors over a single buffer.
func EncodeGLB(atoms []Atom) ([]byte, error) {
	if len(atoms) == 0 {
		return nil, ErrNoAtoms
	}

	var bin bytes.Buffer
	lo := [3]float32{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
	hi := [3]float32{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
	for _, a := range atoms {
		p := [3]float32{float32(a.X), float32(a.Y), float32(a.Z)}
		for i := range p {
			lo[i] = min(lo[i], p[i])
			hi[i] = max(hi[i], p[i])
		}
		binary.Write(&bin, binary.LittleEndian, p)
	}
	positionsLen := bin.Len()
	for _, a := range atoms {
		binary.Write(&bin, binary.LittleEndian, colorFor(a.Type))
	}
	colorsLen := bin.Len() - positionsLen
	pad(&bin, 0)

	doc := map[string]any{
		"asset":  map[string]any{"version": "2.0", "generator": "plugin-engine atoms-glb"},
		"scene":  0,
		"scenes": []any{map[string]any{"nodes": []int{0}}},
		"nodes":  []any{map[string]any{"mesh": 0}},
		"meshes": []any{map[string]any{"primitives": []any{map[string]any{
			"attributes": map[string]int{"POSITION": 0, "COLOR_0": 1},
			"mode":       modePoints,
		}}}},
		"accessors": []any{
			map[string]any{"bufferView": 0, "componentType": componentFloat, "count": len(atoms), "type": "VEC3", "min": lo[:], "max": hi[:]},
			map[string]any{"bufferView": 1, "componentType": componentFloat, "count": len(atoms), "type": "VEC3"},
		},
		"bufferViews": []any{
			map[string]any{"buffer": 0, "byteOffset": 0, "byteLength": positionsLen},
			map[string]any{"buffer": 0, "byteOffset": positionsLen, "byteLength": colorsLen},
		},
		"buffers": []any{map[string]any{"byteLength": bin.Len()}},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode gltf json: %w", err)
	}
	jsonChunk := bytes.NewBuffer(raw)
	pad(jsonChunk, ' ')

	total := 12 + 8 + jsonChunk.Len() + 8 + bin.Len()
	var out bytes.Buffer
	out.Grow(total)
	binary.Write(&out, binary.LittleEndian, []uint32{glbMagic, glbVersion, uint32(total)})
	binary.Write(&out, binary.LittleEndian, []uint32{uint32(jsonChunk.Len()), chunkTypeJSON})
	out.Write(jsonChunk.Bytes())
	binary.Write(&out, binary.LittleEndian, []uint32{uint32(bin.Len()), chunkTypeBIN})
	out.Write(bin.Bytes())
	return out.Bytes(), nil
}

// pad aligns b to four bytes.
func pad(b *bytes.Buffer, fill byte) {
	for b.Len()%4 != 0 {
		b.WriteByte(fill)
	}
}

var palette = [][3]float32{
	{0.90, 0.40, 0.20},
	{0.20, 0.55, 0.90},
	{0.30, 0.80, 0.40},
	{0.85, 0.80, 0.25},
	{0.65, 0.35, 0.85},
	{0.25, 0.80, 0.80},
	{0.85, 0.30, 0.55},
	{0.60, 0.60, 0.60},
}

// colorFor maps an atom type to a stable palette entry.
func colorFor(atomType string) [3]float32 {
	h := fnv.New32a()
	h.Write([]byte(atomType))
	return palette[h.Sum32()%uint32(len(palette))]
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int8:
		return float64(n), true
	case uint8:
		return float64(n), true
	default:
		return 0, false
	}
}
