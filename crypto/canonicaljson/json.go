/* Copyright 2016-2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package canonicaljson

import (
	"encoding/binary"
	"errors"
	"sort"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

var ErrInvalidJSON = errors.New("invalid json")

// CanonicalJSON re-encodes the JSON in a canonical encoding. The encoding is
// the shortest possible encoding using integer values with sorted object keys.
// https://spec.matrix.org/v1.9/appendices/#canonical-json
func CanonicalJSON(input []byte) ([]byte, error) {
	if !gjson.ValidBytes(input) {
		return nil, ErrInvalidJSON
	}
	return CanonicalJSONAssumeValid(input), nil
}

// CanonicalJSONAssumeValid is the same as CanonicalJSON, but assumes the
// input is valid JSON
func CanonicalJSONAssumeValid(input []byte) []byte {
	input = CompactJSON(input, make([]byte, 0, len(input)))
	return SortJSON(input, make([]byte, 0, len(input)))
}

// SortJSON reencodes the JSON with the object keys sorted by lexicographically
// by codepoint. The input must be valid JSON.
func SortJSON(input, output []byte) []byte {
	return sortJSONValue(gjson.ParseBytes(input), output)
}

func sortJSONValue(input gjson.Result, output []byte) []byte {
	switch {
	case input.IsArray():
		return sortJSONArray(input, output)
	case input.IsObject():
		return sortJSONObject(input, output)
	default:
		return append(output, input.Raw...)
	}
}

func sortJSONArray(input gjson.Result, output []byte) []byte {
	output = append(output, '[')
	first := true
	input.ForEach(func(_, value gjson.Result) bool {
		if !first {
			output = append(output, ',')
		}
		first = false
		output = sortJSONValue(value, output)
		return true
	})
	return append(output, ']')
}

type objectEntry struct {
	key    string
	rawKey string
	value  gjson.Result
}

func sortJSONObject(input gjson.Result, output []byte) []byte {
	var entries []objectEntry
	input.ForEach(func(key, value gjson.Result) bool {
		entries = append(entries, objectEntry{key: key.String(), rawKey: key.Raw, value: value})
		return true
	})
	// Go compares strings bytewise, which for UTF-8 is the same as comparing codepoints.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].key < entries[j].key
	})
	output = append(output, '{')
	for i, entry := range entries {
		if i > 0 {
			output = append(output, ',')
		}
		output = append(output, entry.rawKey...)
		output = append(output, ':')
		output = sortJSONValue(entry.value, output)
	}
	return append(output, '}')
}

// CompactJSON makes the encoded JSON as small as possible by removing
// whitespace and unneeded unicode escapes
func CompactJSON(input, output []byte) []byte {
	var i int
	for i < len(input) {
		c := input[i]
		i++
		// Whitespace is always <= 0x20 and everything that isn't is > 0x20.
		if c <= ' ' {
			continue
		}
		output = append(output, c)
		if c != '"' {
			continue
		}
		for i < len(input) {
			c = input[i]
			i++
			if c == '\\' {
				if i >= len(input) {
					break
				}
				escape := input[i]
				i++
				switch escape {
				case 'u':
					output, i = compactUnicodeEscape(input, output, i)
				case '/':
					// Escaping / is allowed but not required, so the canonical form drops it.
					output = append(output, escape)
				default:
					// The remaining escapes are single characters that are already as short as they can be.
					output = append(output, '\\', escape)
				}
				continue
			}
			output = append(output, c)
			if c == '"' {
				break
			}
		}
	}
	return output
}

// compactUnicodeEscape unpacks a 4 byte unicode escape starting at index.
// If the escape is a surrogate pair then decode the 6 byte \uXXXX escape
// that follows. Returns the output slice and a new input index.
func compactUnicodeEscape(input, output []byte, index int) ([]byte, int) {
	const (
		ESCAPES = "uuuuuuuubtnufruuuuuuuuuuuuuuuuuu"
		HEX     = "0123456789ABCDEF"
	)
	if len(input)-index < 4 {
		return output, len(input)
	}
	c := readHexDigits(input[index:])
	index += 4
	switch {
	case c < ' ':
		// Control characters must stay escaped, using the short form where one exists.
		escape := ESCAPES[c]
		output = append(output, '\\', escape)
		if escape == 'u' {
			output = append(output, '0', '0', byte('0'+(c>>4)), HEX[c&0xF])
		}
	case c == '\\' || c == '"':
		output = append(output, '\\', byte(c))
	case c < 0xD800 || c >= 0xE000:
		output = utf8.AppendRune(output, rune(c))
	default:
		// The first half of a UTF-16 surrogate pair, the second half must follow as \uXXXX.
		if len(input)-index < 6 {
			return output, len(input)
		}
		surrogate := readHexDigits(input[index+2:])
		index += 6
		codepoint := 0x10000 + (((c & 0x3FF) << 10) | (surrogate & 0x3FF))
		output = utf8.AppendRune(output, rune(codepoint))
	}
	return output, index
}

// readHexDigits decodes 4 ASCII hex digits into a uint32 without branching
// on the individual characters.
func readHexDigits(input []byte) uint32 {
	hex := binary.BigEndian.Uint32(input)
	// Subtract '0' from every byte.
	hex -= 0x30303030
	// Fold lowercase letters into uppercase.
	hex &= 0x1F1F1F1F
	// Letters now have bit 4 set. Take 8 away from them and add 1 to map 'A'-'F' to 10-15.
	mask := hex & 0x10101010
	hex -= mask >> 1
	hex += mask >> 4
	// Pack the nibbles together.
	hex |= hex >> 4
	hex &= 0xFF00FF
	hex |= hex >> 8
	return hex & 0xFFFF
}
