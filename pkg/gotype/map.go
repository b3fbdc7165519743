package gotype

import (
	"encoding/binary"
	"math"
)

// Two map layouts exist in the supported version range. Through 1.23
// a map is an hmap header over an array of 8-slot buckets chained
// with overflow pointers. From 1.24 it is a swiss table: a directory
// of tables whose groups hold 8 slots gated by a packed control word.
// Both decoders reuse the struct and array extraction machinery on
// the bucket (or group) type recovered from the graph, then pick the
// entries out of the resulting values by field name.

func (t *Type) extractBucketMap(env *extractEnv, addr uint64, depth int) Value {
	ptr := uint64(env.ptrSize)
	count, ok1 := env.readUint(addr, env.ptrSize)
	shift, ok2 := env.readUint(addr+ptr+1, 1)
	seed, ok3 := env.readUint(addr+ptr+4, 4)
	buckets, ok4 := env.readUint(addr+ptr+8, env.ptrSize)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return BadValue{}
	}

	// A real map seeds its hasher from a random source, so low
	// entropy in the seed field suggests this is not a map at all.
	conf := math.Pow(seedEntropy(seed, 32), entropySoftness)

	if depth <= 0 {
		return UnparsedValue{valueScore: valueScore(conf), Addr: addr}
	}
	if count == 0 {
		return MapValue{valueScore: valueScore(conf)}
	}

	num := uint64(1) << maxBucketShift
	if shift > maxBucketShift {
		// Far more buckets than any real map grows to.
		conf = 0
	} else {
		num = uint64(1) << shift
	}

	// Synthesize an array type spanning the whole bucket array so the
	// array decoder does the element walk. One depth unit is lost
	// unpacking the array and another unpacking each bucket struct,
	// so compensate to decode keys and values at depth-1.
	arr := &Type{
		Header: Header{
			Size:  t.Bucket.Header.Size * num,
			Align: t.Bucket.Header.Align,
			Kind:  Array,
		},
		Len:  num,
		Elem: t.Bucket,
	}
	arrVal, ok := arr.extract(env, buckets, depth+1).(ArrayValue)
	if !ok {
		return BadValue{}
	}

	entries := []MapEntry{}
	for _, b := range arrVal.Elems {
		sv, ok := b.(StructValue)
		if !ok {
			return BadValue{}
		}
		es, ok := env.parseBucket(t.Bucket, sv, depth, overflowChase)
		if !ok {
			return BadValue{}
		}
		entries = append(entries, es...)
	}
	// The empty map was handled above, so no entries means bad data.
	if len(entries) == 0 {
		return BadValue{}
	}
	return MapValue{valueScore: valueScore(mapScore(entries, conf)), Entries: entries}
}

// parseBucket picks the live entries out of one decoded bucket and
// chases its overflow chain.
func (env *extractEnv) parseBucket(bucket *Type, b StructValue, depth, chase int) ([]MapEntry, bool) {
	var topbits, keys, elems ArrayValue
	var overflow PointerValue
	var okT, okK, okE, okO bool
	for _, f := range b.Fields {
		switch f.Name {
		case "topbits":
			topbits, okT = f.Val.(ArrayValue)
		case "keys":
			keys, okK = f.Val.(ArrayValue)
		case "elems":
			elems, okE = f.Val.(ArrayValue)
		case "overflow":
			overflow, okO = f.Val.(PointerValue)
		}
	}
	if !okT || !okK || !okE || !okO {
		return nil, false
	}
	n := len(topbits.Elems)
	if n == 0 || len(keys.Elems) != n || len(elems.Elems) != n {
		return nil, false
	}

	entries := []MapEntry{}
	for i := 0; i < n; i++ {
		h, ok := topbits.Elems[i].(IntValue)
		if !ok {
			continue
		}
		// Top hash values 0, 1 and 4 mark an empty cell.
		switch h.V {
		case 0, 1, 4:
		default:
			entries = append(entries, MapEntry{Key: keys.Elems[i], Val: elems.Elems[i]})
		}
	}

	if overflow.Addr > 0 && chase > 0 {
		if ov, ok := bucket.extract(env, overflow.Addr, depth).(StructValue); ok {
			if more, ok := env.parseBucket(bucket, ov, depth, chase-1); ok {
				entries = append(entries, more...)
			}
		}
	}
	return entries, true
}

func (t *Type) extractSwissMap(env *extractEnv, addr uint64, depth int) Value {
	ptr := uint64(env.ptrSize)
	// The used count is a uint64 regardless of word size.
	length, ok1 := env.readUint(addr, 8)
	seed, ok2 := env.readUint(addr+8, env.ptrSize)
	dirPtr, ok3 := env.readUint(addr+8+ptr, env.ptrSize)
	dirLen, ok4 := env.readUint(addr+8+2*ptr, env.ptrSize)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return BadValue{}
	}

	conf := math.Pow(seedEntropy(seed, env.ptrSize*8), entropySoftness)

	if depth <= 0 {
		return UnparsedValue{valueScore: valueScore(conf), Addr: addr}
	}
	if length == 0 {
		return MapValue{valueScore: valueScore(conf)}
	}

	var entries []MapEntry
	ok := false
	if dirLen == 0 {
		// Small map: dirPtr points directly at a single group.
		entries, ok = env.parseSwissGroup(t.Bucket, dirPtr, depth)
	} else {
		if dirLen > maxSwissDirs {
			// Don't walk an implausible directory, and doubt the map.
			dirLen = maxSwissDirs
			conf = 0
		}
		if dir, readOK := env.readBytes(dirPtr, env.ptrSize*int(dirLen)); readOK {
			ok = true
			for i := uint64(0); i < dirLen; i++ {
				tablePtr := readWord(dir[i*ptr:], env.ptrSize)
				es, tableOK := env.parseSwissTable(t.Bucket, tablePtr, depth)
				if !tableOK {
					ok = false
					break
				}
				entries = append(entries, es...)
			}
		}
	}
	if !ok || len(entries) == 0 {
		return BadValue{}
	}
	return MapValue{valueScore: valueScore(mapScore(entries, conf)), Entries: entries}
}

// parseSwissTable walks the group array of one table and concatenates
// the entries of every group.
func (env *extractEnv) parseSwissTable(group *Type, tablePtr uint64, depth int) ([]MapEntry, bool) {
	ptr := uint64(env.ptrSize)
	base := tablePtr + 8 + ptr
	data, ok1 := env.readUint(base, env.ptrSize)
	stored, ok2 := env.readUint(base+ptr, env.ptrSize)
	if !ok1 || !ok2 {
		return nil, false
	}
	// The stored count is the group count minus one.
	if group.Header.Size == 0 || stored >= maxSwissDirs {
		return nil, false
	}
	entries := []MapEntry{}
	for i := uint64(0); i <= stored; i++ {
		es, ok := env.parseSwissGroup(group, data+i*group.Header.Size, depth)
		if !ok {
			return nil, false
		}
		entries = append(entries, es...)
	}
	return entries, true
}

// parseSwissGroup decodes one 8-slot group and returns the entries of
// the slots whose control byte marks them full.
func (env *extractEnv) parseSwissGroup(group *Type, groupPtr uint64, depth int) ([]MapEntry, bool) {
	// Three depth units are lost unpacking the group struct, the
	// slots array and a slot struct, so compensate to decode keys and
	// values at depth-1.
	sv, ok := group.extract(env, groupPtr, depth+2).(StructValue)
	if !ok {
		return nil, false
	}
	var ctrl IntValue
	var slots ArrayValue
	var okCtrl, okSlots bool
	for _, f := range sv.Fields {
		switch f.Name {
		case "ctrl":
			ctrl, okCtrl = f.Val.(IntValue)
		case "slots":
			slots, okSlots = f.Val.(ArrayValue)
		}
	}
	if !okCtrl || !okSlots || len(slots.Elems) != 8 {
		return nil, false
	}

	entries := []MapEntry{}
	for i := 0; i < 8; i++ {
		// Control byte i sits at the i-th lowest address; the word
		// was read little-endian. A slot is full iff bit 7 is clear.
		if byte(ctrl.V>>(8*uint(i)))&0x80 != 0 {
			continue
		}
		slot, ok := slots.Elems[i].(StructValue)
		if !ok {
			return nil, false
		}
		var key, val Value
		for _, f := range slot.Fields {
			switch f.Name {
			case "key":
				key = f.Val
			case "elem":
				val = f.Val
			}
		}
		if key == nil || val == nil {
			return nil, false
		}
		entries = append(entries, MapEntry{Key: key, Val: val})
	}
	return entries, true
}

// mapScore combines the seed confidence with the average entry
// heuristic, weighted toward the entries.
func mapScore(entries []MapEntry, conf float64) float64 {
	sum := 0.0
	for _, e := range entries {
		sum += e.Key.Heuristic() + e.Val.Heuristic()
	}
	avg := sum / float64(2*len(entries))
	return (3*avg + conf) / 4
}

func readWord(b []byte, size int) uint64 {
	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}
