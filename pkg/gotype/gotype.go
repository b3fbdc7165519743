// Package gotype recovers the runtime type graph of a Go target from
// its moduledata structure and speculatively decodes typed values out
// of target memory.
//
// The moduledata structure is located by scanning the data sections
// for the known address of the pclntab, validated against the
// function table, and walked to find the type section and typelinks.
// Each typelink offset yields a runtime type record, which parses
// into a Type node. Nodes reference each other by address; after all
// records are parsed the references are fixed up into direct
// pointers, forming a Graph.
//
// Decoding is speculative by design. A Type can be extracted at any
// address, valid or not, so every decoded Value carries a heuristic
// score describing how plausible the bytes were for that type.
package gotype

import (
	"strconv"
	"strings"

	"github.com/go-loupe/loupe/pkg/gosym"
)

// Header is the fixed-width prefix shared by every runtime type
// record. The layout has been stable across all supported Go
// versions.
type Header struct {
	Size       uint64
	PtrBytes   uint64
	Hash       uint32
	TFlag      uint8
	Align      uint8
	FieldAlign uint8
	Kind       Kind
	Name       string
}

// TFlag bits. Uncommon marks a record with a trailing uncommonType;
// extraStar marks a name stored with a leading asterisk.
const (
	tflagUncommon  = 1 << 0
	tflagExtraStar = 1 << 1
)

// StructField is one field of a struct type.
type StructField struct {
	Name   string
	Offset uint64
	Type   *Type

	typeAddr uint64
}

// IMethod is one method of an interface type.
type IMethod struct {
	Name string
	Type *Type

	typeAddr uint64
}

// Type is a node of the recovered type graph. Which fields are
// meaningful depends on Kind. Child links are nil when the referenced
// record was not recovered.
type Type struct {
	Header Header

	// Addr is the runtime address of the type record, or 0 for types
	// synthesized from a type expression.
	Addr uint64

	// Elem is the element type of an Array, Chan, Map, Pointer or
	// Slice.
	Elem *Type
	// Len is the element count of an Array.
	Len uint64
	// Dir is the direction of a Chan: 1 receive, 2 send, 3 both.
	Dir uint64
	// In and Out are the parameter and result types of a Func.
	In, Out  []*Type
	Variadic bool
	// Methods lists the methods of an Interface.
	Methods []IMethod
	// Key and Bucket are the key and bucket (or group) types of a Map.
	Key    *Type
	Bucket *Type
	// Fields lists the fields of a Struct in ascending offset order.
	Fields []*StructField

	// Go version bounds the type was recovered under. Extraction uses
	// them to pick era-specific decodings, such as the map layout.
	vers gosym.Bounds

	elemAddr   uint64
	keyAddr    uint64
	bucketAddr uint64
	inAddrs    []uint64
	outAddrs   []uint64
}

// Render formats the underlying type in Go syntax, without type
// synonyms. Composite kinds recurse into their children until depth
// runs out, after which the declared type name is shown instead.
func (t *Type) Render(depth int) string {
	if t == nil {
		return "?"
	}
	switch t.Header.Kind {
	case Array:
		if depth <= 0 {
			return t.Header.Name
		}
		return "[" + strconv.FormatUint(t.Len, 10) + "]" + renderChild(t.Elem, depth-1)
	case Chan:
		if depth <= 0 {
			return t.Header.Name
		}
		base := "chan"
		switch t.Dir {
		case 1:
			base = "<-chan"
		case 2:
			base = "chan<-"
		}
		return base + " " + renderChild(t.Elem, depth-1)
	case Func:
		if depth <= 0 {
			return t.Header.Name
		}
		return t.renderFunc(depth)
	case Interface:
		if depth <= 0 {
			return t.Header.Name
		}
		return t.renderInterface(depth)
	case Map:
		// Key and value keep the full depth so that shallow renders
		// still show a useful map shape.
		return "map[" + renderChild(t.Key, depth) + "]" + renderChild(t.Elem, depth)
	case Pointer:
		sub := "?"
		if t.Elem != nil {
			if depth > 0 {
				sub = t.Elem.Render(depth - 1)
			} else {
				sub = t.Elem.Header.Name
			}
		}
		return "*" + sub
	case Slice:
		return "[]" + renderChild(t.Elem, depth)
	case Struct:
		if depth <= 0 {
			return t.Header.Name
		}
		return t.renderStruct(depth)
	default:
		return t.Header.Kind.String()
	}
}

func renderChild(t *Type, depth int) string {
	if t == nil {
		return "?"
	}
	return t.Render(depth)
}

func (t *Type) renderFunc(depth int) string {
	inputs := make([]string, len(t.In))
	for i, in := range t.In {
		inputs[i] = renderChild(in, depth-1)
	}
	if t.Variadic && len(inputs) > 0 {
		inputs[len(inputs)-1] = "..." + strings.TrimPrefix(inputs[len(inputs)-1], "[]")
	}

	outputs := make([]string, len(t.Out))
	for i, out := range t.Out {
		outputs[i] = renderChild(out, depth-1)
	}

	build := "func(" + strings.Join(inputs, ", ") + ")"
	switch {
	case len(outputs) == 1:
		build += " " + outputs[0]
	case len(outputs) > 1:
		build += " (" + strings.Join(outputs, ", ") + ")"
	}
	return build
}

func (t *Type) renderInterface(depth int) string {
	build := ""
	for _, m := range t.Methods {
		if m.Type == nil {
			continue
		}
		if build != "" {
			build += "; "
		}
		build += m.Name + strings.TrimPrefix(m.Type.Render(depth-1), "func")
	}
	if build == "" {
		return "interface {}"
	}
	return "interface { " + build + " }"
}

func (t *Type) renderStruct(depth int) string {
	build := ""
	for _, f := range t.Fields {
		if build != "" {
			build += "; "
		}
		build += f.Name + " " + renderChild(f.Type, depth-1)
	}
	if build == "" {
		return "struct {}"
	}
	return "struct { " + build + " }"
}

