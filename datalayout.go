package vrs

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// DataLayout is a typed record of named fields with a fixed-size region
// and a variable-size region, serialized to JSON for persistence in
// stream tags and to a compact binary image inside each record.
//
// The fixed region holds every fixed-size piece at a stable offset,
// followed by an index of (offset, length) pairs locating each
// variable-size piece inside the variable region.
type DataLayout struct {
	pieces []DataPiece

	fixedOffsets map[string]int
	fixedSize    int

	fixedData []byte
	varData   []byte
	varValues map[string][]byte
}

// DataPiece is one named field of a layout. Type is one of the value
// type names ("int8".."uint64", "float32", "float64", "bool"), "string",
// or "vector<T>" with T a value type name.
type DataPiece struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type dataLayoutJSON struct {
	DataLayout []DataPiece `json:"data_layout"`
}

var valueTypeSizes = map[string]int{
	"bool": 1, "int8": 1, "uint8": 1,
	"int16": 2, "uint16": 2,
	"int32": 4, "uint32": 4,
	"int64": 8, "uint64": 8,
	"float32": 4, "float64": 8,
}

// isVarType tells whether a piece type lives in the variable region.
func isVarType(typeName string) bool {
	return typeName == "string" || strings.HasPrefix(typeName, "vector<")
}

const varIndexEntrySize = 8 // uint32 offset + uint32 length

// NewDataLayout builds a layout from its pieces.
func NewDataLayout(pieces ...DataPiece) (*DataLayout, error) {
	layout := &DataLayout{
		pieces:       pieces,
		fixedOffsets: make(map[string]int),
		varValues:    make(map[string][]byte),
	}
	offset := 0
	for _, piece := range pieces {
		if isVarType(piece.Type) {
			continue
		}
		size, ok := valueTypeSizes[piece.Type]
		if !ok {
			return nil, fmt.Errorf("unknown data piece type %q for %q", piece.Type, piece.Name)
		}
		layout.fixedOffsets[piece.Name] = offset
		offset += size
	}
	layout.fixedSize = offset + layout.varPieceCount()*varIndexEntrySize
	layout.fixedData = make([]byte, layout.fixedSize)
	return layout, nil
}

// DataLayoutFromJSON reconstructs a layout from its JSON definition.
func DataLayoutFromJSON(definition string) (*DataLayout, error) {
	var parsed dataLayoutJSON
	if err := json.Unmarshal([]byte(definition), &parsed); err != nil {
		return nil, fmt.Errorf("invalid data layout JSON: %w", err)
	}
	return NewDataLayout(parsed.DataLayout...)
}

// AsJSON serializes the layout definition canonically.
func (l *DataLayout) AsJSON() string {
	data, err := json.Marshal(dataLayoutJSON{DataLayout: l.pieces})
	if err != nil {
		return `{"data_layout":[]}`
	}
	return string(data)
}

// Pieces lists the layout's fields in declaration order.
func (l *DataLayout) Pieces() []DataPiece { return l.pieces }

func (l *DataLayout) varPieceCount() int {
	count := 0
	for _, piece := range l.pieces {
		if isVarType(piece.Type) {
			count++
		}
	}
	return count
}

// FixedDataSize returns the byte size of the fixed region, variable
// index included.
func (l *DataLayout) FixedDataSize() int { return l.fixedSize }

// VarDataSize returns the byte size of the variable region, as last
// collected.
func (l *DataLayout) VarDataSize() int { return len(l.varData) }

// TotalByteSize returns the size of the full binary image.
func (l *DataLayout) TotalByteSize() int { return l.fixedSize + len(l.varData) }

// FixedData returns the fixed region bytes.
func (l *DataLayout) FixedData() []byte { return l.fixedData }

// VarData returns the variable region bytes.
func (l *DataLayout) VarData() []byte { return l.varData }

// CollectVariableDataAndUpdateIndex assembles the variable region from
// the staged variable values and rewrites the index in the fixed region.
// Must be called before reading the byte image of a layout whose
// variable fields changed.
func (l *DataLayout) CollectVariableDataAndUpdateIndex() {
	indexOffset := l.fixedSize - l.varPieceCount()*varIndexEntrySize
	l.varData = l.varData[:0]
	for _, piece := range l.pieces {
		if !isVarType(piece.Type) {
			continue
		}
		value := l.varValues[piece.Name]
		binary.LittleEndian.PutUint32(l.fixedData[indexOffset:], uint32(len(l.varData)))
		binary.LittleEndian.PutUint32(l.fixedData[indexOffset+4:], uint32(len(value)))
		l.varData = append(l.varData, value...)
		indexOffset += varIndexEntrySize
	}
}

// WriteTo produces the exact byte image of the layout into dst, which
// must be at least TotalByteSize() long.
func (l *DataLayout) WriteTo(dst []byte) int {
	n := copy(dst, l.fixedData)
	n += copy(dst[n:], l.varData)
	return n
}

// ReadFrom parses a byte image produced by a layout with this JSON
// definition, restoring fixed values and variable values.
func (l *DataLayout) ReadFrom(image []byte) error {
	if len(image) < l.fixedSize {
		return fmt.Errorf("data layout image too short: %d bytes, need %d fixed", len(image), l.fixedSize)
	}
	copy(l.fixedData, image[:l.fixedSize])
	l.varData = append(l.varData[:0], image[l.fixedSize:]...)
	indexOffset := l.fixedSize - l.varPieceCount()*varIndexEntrySize
	for _, piece := range l.pieces {
		if !isVarType(piece.Type) {
			continue
		}
		offset := binary.LittleEndian.Uint32(l.fixedData[indexOffset:])
		length := binary.LittleEndian.Uint32(l.fixedData[indexOffset+4:])
		if int(offset)+int(length) > len(l.varData) {
			return fmt.Errorf("data layout var index out of range for %q", piece.Name)
		}
		l.varValues[piece.Name] = append([]byte(nil), l.varData[offset:offset+length]...)
		indexOffset += varIndexEntrySize
	}
	return nil
}

func (l *DataLayout) fixedSlot(name string, size int) ([]byte, error) {
	offset, ok := l.fixedOffsets[name]
	if !ok {
		return nil, fmt.Errorf("no fixed-size piece named %q", name)
	}
	return l.fixedData[offset : offset+size], nil
}

// SetFloat64 stores a float64 value piece.
func (l *DataLayout) SetFloat64(name string, value float64) error {
	slot, err := l.fixedSlot(name, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(slot, math.Float64bits(value))
	return nil
}

// Float64 reads a float64 value piece.
func (l *DataLayout) Float64(name string) (float64, error) {
	slot, err := l.fixedSlot(name, 8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(slot)), nil
}

// SetUint32 stores a uint32 value piece.
func (l *DataLayout) SetUint32(name string, value uint32) error {
	slot, err := l.fixedSlot(name, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(slot, value)
	return nil
}

// Uint32 reads a uint32 value piece.
func (l *DataLayout) Uint32(name string) (uint32, error) {
	slot, err := l.fixedSlot(name, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(slot), nil
}

// SetUint64 stores a uint64 value piece.
func (l *DataLayout) SetUint64(name string, value uint64) error {
	slot, err := l.fixedSlot(name, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(slot, value)
	return nil
}

// Uint64 reads a uint64 value piece.
func (l *DataLayout) Uint64(name string) (uint64, error) {
	slot, err := l.fixedSlot(name, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(slot), nil
}

// SetString stages a string piece; CollectVariableDataAndUpdateIndex
// folds it into the image.
func (l *DataLayout) SetString(name, value string) error {
	if err := l.checkVarPiece(name); err != nil {
		return err
	}
	l.varValues[name] = []byte(value)
	return nil
}

// String reads a string piece, as last collected or parsed.
func (l *DataLayout) String(name string) (string, error) {
	if err := l.checkVarPiece(name); err != nil {
		return "", err
	}
	return string(l.varValues[name]), nil
}

// SetVector stages a vector piece's raw bytes.
func (l *DataLayout) SetVector(name string, value []byte) error {
	if err := l.checkVarPiece(name); err != nil {
		return err
	}
	l.varValues[name] = append([]byte(nil), value...)
	return nil
}

// Vector reads a vector piece's raw bytes.
func (l *DataLayout) Vector(name string) ([]byte, error) {
	if err := l.checkVarPiece(name); err != nil {
		return nil, err
	}
	return l.varValues[name], nil
}

func (l *DataLayout) checkVarPiece(name string) error {
	for _, piece := range l.pieces {
		if piece.Name == name {
			if !isVarType(piece.Type) {
				return fmt.Errorf("piece %q is fixed-size", name)
			}
			return nil
		}
	}
	return fmt.Errorf("no piece named %q", name)
}
