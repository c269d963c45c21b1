package tail

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

// Clear-screen sequences as they appear inside a JSON-encoded event line.
// Encoders differ on the case of the \u escape, so both spellings are listed.
var rawClearSequences = [][]byte{
	[]byte(`\u001b[2J`), []byte(`\u001B[2J`),
	[]byte(`\u001b[3J`), []byte(`\u001B[3J`),
	[]byte(`\u001bc`), []byte(`\u001Bc`),
}

// The same sequences after JSON decoding. Used to spot a sequence whose
// bytes were split across two output events.
var clearSequences = []string{"\x1b[2J", "\x1b[3J", "\x1bc"}

// residualSize is the longest decoded prefix that can precede the rest of a
// split sequence.
const residualSize = 3

// lastRawClear returns the byte index of the last clear sequence in a raw
// event line, or -1. A match whose backslash is itself escaped (`\\u001b`)
// is output text that spells the sequence out, not an escape.
func lastRawClear(line []byte) int {
	last := -1
	for _, seq := range rawClearSequences {
		end := len(line)
		for {
			i := bytes.LastIndex(line[:end], seq)
			if i < 0 {
				break
			}
			if !escapedAt(line, i) {
				if i > last {
					last = i
				}
				break
			}
			end = i
		}
	}
	return last
}

// escapedAt reports whether the byte at i is preceded by an odd run of
// backslashes.
func escapedAt(line []byte, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && line[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}

// completesSplitClear reports whether data finishes a clear sequence that
// began in residual, the decoded tail of the previous output event.
func completesSplitClear(residual, data string) bool {
	if residual == "" || data == "" {
		return false
	}
	head := data
	if len(head) > residualSize {
		head = head[:residualSize]
	}
	joined := residual + head
	for i := 0; i < len(residual); i++ {
		for _, seq := range clearSequences {
			if len(joined)-i >= len(seq) && i+len(seq) > len(residual) && strings.HasPrefix(joined[i:], seq) {
				return true
			}
		}
	}
	return false
}

// dataIndex is the byte index of the first payload byte of an event line
// (just past the opening quote of its third element).
func dataIndex(line []byte) int {
	r := gjson.GetBytes(line, "2")
	if r.Index <= 0 {
		return 0
	}
	return r.Index + 1
}

func residualOf(data string) string {
	if len(data) <= residualSize {
		return data
	}
	return data[len(data)-residualSize:]
}
