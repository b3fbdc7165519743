package target

import (
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	// maxGuessedString caps how many bytes a guessed string is read at.
	maxGuessedString = 256
	// goodProportion is the printable rune ratio a decoding must reach
	// before a guessed string is shown at all.
	goodProportion = 0.66
)

// decodeDisplayString decodes bytes that are guessed, not known, to be
// text. Both UTF-8 and UTF-16 (little endian) are tried and the decoding
// with the higher printable proportion wins; a best decoding that is still
// mostly garbage rejects the guess. Newlines are flattened so the result
// stays on one annotation line.
func decodeDisplayString(buf []byte) (string, bool) {
	s8, p8 := decodeUTF8(buf)
	best, ratio := s8, p8
	if s16, p16, ok := decodeUTF16(buf); ok && p16 > ratio {
		best, ratio = s16, p16
	}
	if ratio < goodProportion {
		return "", false
	}
	best = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(best)
	if len(best) > maxGuessedString {
		best = best[:maxGuessedString]
	}
	return best, true
}

func decodeUTF8(buf []byte) (string, float64) {
	total, printable := 0, 0
	for i := 0; i < len(buf); {
		r, size := utf8.DecodeRune(buf[i:])
		total++
		if r != utf8.RuneError && unicode.IsPrint(r) {
			printable++
		}
		i += size
	}
	if total == 0 {
		return "", 0
	}
	return string(buf), float64(printable) / float64(total)
}

func decodeUTF16(buf []byte) (string, float64, bool) {
	if len(buf) < 2 || len(buf)%2 != 0 {
		return "", 0, false
	}
	units := make([]uint16, len(buf)/2)
	for i := range units {
		units[i] = uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
	}
	runes := utf16.Decode(units)
	printable := 0
	for _, r := range runes {
		if r != unicode.ReplacementChar && unicode.IsPrint(r) {
			printable++
		}
	}
	if len(runes) == 0 {
		return "", 0, false
	}
	return string(runes), float64(printable) / float64(len(runes)), true
}
