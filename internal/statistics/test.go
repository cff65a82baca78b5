package statistics

import (
	"fmt"
	"sort"
)

// Test identifies a scripted test. Tests are equal and ordered by Number
// alone.
type Test struct {
	Number      int    `cbor:"1,keyasint"`
	Description string `cbor:"2,keyasint,omitempty"`
}

func (t Test) Equal(other Test) bool { return t.Number == other.Number }

func (t Test) Less(other Test) bool { return t.Number < other.Number }

func (t Test) String() string {
	if t.Description == "" {
		return fmt.Sprintf("Test %d", t.Number)
	}
	return fmt.Sprintf("Test %d (%s)", t.Number, t.Description)
}

// SortTests orders tests by number.
func SortTests(tests []Test) {
	sort.Slice(tests, func(i, j int) bool { return tests[i].Less(tests[j]) })
}
