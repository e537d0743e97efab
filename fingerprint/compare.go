// Package fingerprint compares formatted state snapshots across simulation
// instances. A fingerprint is conventionally a sequence of label=value tokens;
// numeric tokens are compared with a floating-point tolerance, everything else
// byte for byte.
package fingerprint

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/twmb/murmur3"
)

// Tolerance is the maximum absolute difference under which two numeric
// tokens are still considered equal.
const Tolerance = 1e-10

func isDelimiter(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '='
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, isDelimiter)
}

// Equal walks both token sequences in lock-step. A pair where both tokens
// parse as floats matches iff |a-b| <= Tolerance, otherwise the tokens must be
// identical strings. Sequences of different length never match.
func Equal(a, b string) bool {
	ta, tb := tokenize(a), tokenize(b)
	if len(ta) != len(tb) {
		return false
	}
	for i := range ta {
		va, errA := strconv.ParseFloat(ta[i], 64)
		vb, errB := strconv.ParseFloat(tb[i], 64)
		if errA == nil && errB == nil {
			if math.Abs(va-vb) > Tolerance {
				return false
			}
			continue
		}
		if ta[i] != tb[i] {
			return false
		}
	}
	return true
}

// Describe composes the mismatch detail handed to operators and peers.
func Describe(seq int64, firstInstance int32, first string, otherInstance int32, other string) string {
	return fmt.Sprintf("sync point %d: instance %d=%q vs instance %d=%q",
		seq, firstInstance, first, otherInstance, other)
}

// Digest returns a compact murmur3 sum of a fingerprint, used for log fields
// and journal records where the full string would be noise.
func Digest(s string) uint64 {
	return murmur3.StringSum64(s)
}
