package gotype

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-loupe/loupe/pkg/gosym"
)

// simpleType describes a unit type the parser can build without
// recursing.
type simpleType struct {
	kind  Kind
	size  uint64
	align uint8
}

// Parser builds type descriptions from Go type notation. It is used
// when a requested type does not match any recovered from the binary,
// so the description is constructed from scratch.
//
// The grammar is approximate. Characters such as "{}[];" inside
// struct field names will confuse it.
type Parser struct {
	vers    gosym.Bounds
	ptrSize int
	byName  map[string]*Type
	simple  map[string]simpleType
}

// NewParser returns a parser that resolves plain names against the
// recovered graph before constructing anything. Recovered types win
// over construction, and of several recovered types sharing a name
// the most recently recovered wins. A nil graph resolves nothing, so
// every description is constructed.
func NewParser(g *Graph, vers gosym.Bounds, ptrSize int) *Parser {
	byName := make(map[string]*Type, g.Len())
	if g != nil {
		for el := g.nodes.Front(); el != nil; el = el.Next() {
			t := el.Value.(*Type)
			byName[t.Header.Name] = t
		}
	}

	ptr := uint64(ptrSize)
	pa := uint8(ptrSize)
	simple := map[string]simpleType{
		"bool":           {Bool, 1, 1},
		"int":            {Int, ptr, pa},
		"int8":           {Int8, 1, 1},
		"int16":          {Int16, 2, 2},
		"int32":          {Int32, 4, 4},
		"int64":          {Int64, 8, 8},
		"uint":           {Uint, ptr, pa},
		"uint8":          {Uint8, 1, 1},
		"uint16":         {Uint16, 2, 2},
		"uint32":         {Uint32, 4, 4},
		"uint64":         {Uint64, 8, 8},
		"uintptr":        {Uintptr, ptr, pa},
		"unsafe.Pointer": {UnsafePointer, ptr, pa},
		"float32":        {Float32, 4, 4},
		"float64":        {Float64, 8, 8},
		"complex64":      {Complex64, 8, 4},
		"complex128":     {Complex128, 16, 8},
		"string":         {String, 2 * ptr, pa},
	}

	return &Parser{vers: vers, ptrSize: ptrSize, byName: byName, simple: simple}
}

// Parse turns type notation into a description, or nil if the
// notation cannot be resolved.
func (p *Parser) Parse(s string) *Type {
	if t, ok := p.byName[s]; ok {
		return t
	}
	if st, ok := p.simple[s]; ok {
		return p.simpleNode(st)
	}
	switch {
	case strings.HasPrefix(s, "[]"):
		return p.parseSlice(s)
	case strings.HasPrefix(s, "["):
		return p.parseArray(s)
	case strings.HasPrefix(s, "*"):
		return p.parsePointer(s)
	case strings.HasPrefix(s, "struct"):
		return p.parseStruct(s)
	case strings.HasPrefix(s, "map["):
		return p.parseMap(s)
	case strings.HasPrefix(s, "func"), strings.HasPrefix(s, "chan"):
		// Neither is unpacked beyond its address, so a raw word
		// serves.
		return p.simpleNode(p.simple["uintptr"])
	case strings.HasPrefix(s, "interface"):
		// An interface value cannot be interpreted without the
		// method table a real record carries.
		return nil
	}
	return nil
}

func (p *Parser) simpleNode(st simpleType) *Type {
	return &Type{
		Header: Header{Size: st.size, Align: st.align, Kind: st.kind},
		vers:   p.vers,
	}
}

func (p *Parser) parseSlice(s string) *Type {
	elem := p.Parse(s[2:])
	if elem == nil {
		return nil
	}
	return &Type{
		Header: Header{Size: 3 * uint64(p.ptrSize), Align: uint8(p.ptrSize), Kind: Slice},
		Elem:   elem,
		vers:   p.vers,
	}
}

func (p *Parser) parseArray(s string) *Type {
	lenRepr, elemRepr, ok := strings.Cut(s[1:], "]")
	if !ok {
		return nil
	}
	n, err := strconv.ParseUint(lenRepr, 0, 64)
	if err != nil {
		return nil
	}
	elem := p.Parse(elemRepr)
	if elem == nil || elem.Header.Align == 0 {
		return nil
	}
	align := uint64(elem.Header.Align)
	stride := (elem.Header.Size + align - 1) / align * align
	return &Type{
		Header: Header{Size: n * stride, Align: elem.Header.Align, Kind: Array},
		Elem:   elem,
		Len:    n,
		vers:   p.vers,
	}
}

func (p *Parser) parsePointer(s string) *Type {
	elem := p.Parse(s[1:])
	if elem == nil {
		return nil
	}
	return &Type{
		Header: Header{Size: uint64(p.ptrSize), Align: uint8(p.ptrSize), Kind: Pointer},
		Elem:   elem,
		vers:   p.vers,
	}
}

func (p *Parser) parseStruct(s string) *Type {
	body := strings.TrimSpace(s[len("struct"):])
	if !strings.HasPrefix(body, "{") || !strings.HasSuffix(body, "}") {
		return nil
	}
	body = strings.TrimSpace(body[1 : len(body)-1])

	// Fields split on semicolons outside any nested braces.
	var fields []string
	level, start := 0, 0
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case ';':
			if level == 0 {
				fields = append(fields, body[start:i])
				start = i + 1
			}
		case '{':
			level++
		case '}':
			level--
		}
	}
	if start < len(body) {
		fields = append(fields, body[start:])
	}

	var (
		list   []*StructField
		offset uint64
		align  uint64 = 1
	)
	for _, field := range fields {
		name, typeRepr, ok := strings.Cut(strings.TrimSpace(field), " ")
		if !ok {
			return nil
		}
		ft := p.Parse(typeRepr)
		if ft == nil || ft.Header.Align == 0 {
			return nil
		}

		fa := uint64(ft.Header.Align)
		align = lcm(align, fa)
		if align > 255 {
			return nil
		}
		// Pad until the field can live in the struct.
		offset = (offset + fa - 1) / fa * fa

		list = append(list, &StructField{Name: name, Offset: offset, Type: ft})
		offset += ft.Header.Size
	}

	return &Type{
		Header: Header{Size: offset, Align: uint8(align), Kind: Struct},
		Fields: list,
		vers:   p.vers,
	}
}

func (p *Parser) parseMap(s string) *Type {
	body := s[4:]

	// The key notation ends at the bracket matching the one in
	// "map[".
	level := 1
	i := 0
	for ; i < len(body); i++ {
		switch body[i] {
		case '[':
			level++
		case ']':
			level--
		}
		if level == 0 {
			break
		}
	}
	if i >= len(body)-1 {
		return nil
	}
	keyRepr, elemRepr := body[:i], body[i+1:]

	key := p.Parse(keyRepr)
	elem := p.Parse(elemRepr)
	if key == nil || elem == nil {
		return nil
	}

	t := &Type{
		Header: Header{Size: uint64(p.ptrSize), Align: uint8(p.ptrSize), Kind: Map},
		Key:    key,
		Elem:   elem,
		vers:   p.vers,
	}

	// Constructing the matching bucket layout lets map extraction run
	// on built descriptions just like on recovered ones.
	var bucket string
	if p.vers.Min < 24 {
		bucket = fmt.Sprintf("struct { topbits [8]uint8; keys [8]%s; elems [8]%s; overflow uintptr }", keyRepr, elemRepr)
	} else {
		bucket = fmt.Sprintf("struct { ctrl uint64; slots [8]struct { key %s; elem %s } }", keyRepr, elemRepr)
	}
	t.Bucket = p.Parse(bucket)
	return t
}

func lcm(a, b uint64) uint64 {
	return a / gcd(a, b) * b
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
