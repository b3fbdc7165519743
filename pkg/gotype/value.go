package gotype

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is the result of decoding a typed region of target memory.
// Decoding never fails with an error: unreadable or implausible
// memory produces a BadValue, and everything else carries a score
// describing how believable the decode was.
type Value interface {
	// Heuristic is the raw plausibility score in [0, 1].
	Heuristic() float64
	// Confidence buckets the heuristic for display filtering.
	Confidence() Confidence
	// String renders the value for display.
	String() string
}

// valueScore carries the plausibility score and is embedded by every
// Value variant.
type valueScore float64

func (s valueScore) Heuristic() float64 { return float64(s) }

func (s valueScore) Confidence() Confidence { return Grade(float64(s)) }

// BadValue marks memory that could not be read or whose contents
// cannot constitute a legal value of the requested type.
type BadValue struct {
	valueScore
}

func (BadValue) String() string { return "?" }

// UnparsedValue marks a point where decoding ran out of depth, or hit
// a pointer it had already followed. The heuristic estimates how
// plausible a full decode would have been.
type UnparsedValue struct {
	valueScore
	Addr uint64
}

func (v UnparsedValue) String() string { return fmt.Sprintf("%#x..", v.Addr) }

type BoolValue struct {
	valueScore
	V bool
}

func (v BoolValue) String() string {
	if v.V {
		return "true"
	}
	return "false"
}

// IntValue holds any integer kind. V stores the two's complement bits;
// Signed selects the rendering.
type IntValue struct {
	valueScore
	V      uint64
	Signed bool
}

func (v IntValue) String() string {
	if v.Signed {
		return strconv.FormatInt(int64(v.V), 10)
	}
	return strconv.FormatUint(v.V, 10)
}

type FloatValue struct {
	valueScore
	V float64
}

func (v FloatValue) String() string { return strconv.FormatFloat(v.V, 'g', -1, 64) }

type ComplexValue struct {
	valueScore
	R, I float64
}

func (v ComplexValue) String() string {
	return "(" + strconv.FormatFloat(v.R, 'g', -1, 64) + "+" + strconv.FormatFloat(v.I, 'g', -1, 64) + "i)"
}

type ArrayValue struct {
	valueScore
	Elems []Value
}

func (v ArrayValue) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, e := range v.Elems {
		if i > 0 {
			b.WriteString(", ")
		}
		writeElem(&b, e)
	}
	b.WriteByte(']')
	return b.String()
}

// SliceValue holds the decoded slice header and up to longSlice
// decoded elements. Elems may be shorter than Len after truncation or
// a failed element decode.
type SliceValue struct {
	valueScore
	Base  uint64
	Len   uint64
	Cap   uint64
	Elems []Value
}

func (v SliceValue) String() string {
	if len(v.Elems) == 0 {
		return fmt.Sprintf("<slice @%#x #%d/%d>", v.Base, v.Len, v.Cap)
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, e := range v.Elems {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.String())
	}
	if uint64(len(v.Elems)) < v.Len {
		fmt.Fprintf(&b, "...%d more", v.Len-uint64(len(v.Elems)))
	}
	b.WriteByte(']')
	return b.String()
}

// StringValue holds the decoded string header and up to longString
// bytes of content. Data shorter than Len means the content read
// failed or was truncated, and only the header is rendered.
type StringValue struct {
	valueScore
	Base uint64
	Len  uint64
	Data []byte
}

func (v StringValue) String() string {
	if uint64(len(v.Data)) != v.Len {
		return fmt.Sprintf("<string @%#x #%d>", v.Base, v.Len)
	}
	rep := strconv.Quote(string(v.Data))
	rep = rep[1 : len(rep)-1]
	if len(rep) > strShowLen {
		return rep[:strShowLen-1] + ".."
	}
	return rep
}

type FieldValue struct {
	Name string
	Val  Value
}

type StructValue struct {
	valueScore
	Fields []FieldValue
}

func (v StructValue) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range v.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.Name)
		b.WriteString(": ")
		writeElem(&b, f.Val)
	}
	b.WriteByte('}')
	return b.String()
}

type MapEntry struct {
	Key, Val Value
}

type MapValue struct {
	valueScore
	Entries []MapEntry
}

func (v MapValue) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, e := range v.Entries {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.Key.String())
		b.WriteString(": ")
		writeElem(&b, e.Val)
	}
	b.WriteByte(']')
	return b.String()
}

type PointerValue struct {
	valueScore
	Addr uint64
}

func (v PointerValue) String() string { return fmt.Sprintf("%#x", v.Addr) }

// writeElem renders a nested value, double quoting strings so they
// read unambiguously inside composite renderings.
func writeElem(b *strings.Builder, v Value) {
	if s, ok := v.(StringValue); ok {
		b.WriteByte('"')
		b.WriteString(s.String())
		b.WriteByte('"')
		return
	}
	b.WriteString(v.String())
}
