package classifier

import "sort"

// Encoder is a bijection between labels and dense class ids. Ids follow the
// sorted order of the distinct labels it was built from.
type Encoder struct {
	classes []string
	index   map[string]int
}

// NewEncoder builds an encoder over the distinct values of labels.
func NewEncoder(labels []string) *Encoder {
	seen := make(map[string]struct{}, len(labels))
	classes := make([]string, 0, len(labels))
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		classes = append(classes, l)
	}
	sort.Strings(classes)
	return newEncoderFromClasses(classes)
}

func newEncoderFromClasses(classes []string) *Encoder {
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	return &Encoder{classes: classes, index: index}
}

// Len returns the number of classes.
func (e *Encoder) Len() int { return len(e.classes) }

// Classes returns a copy of the class labels indexed by id.
func (e *Encoder) Classes() []string {
	return append([]string(nil), e.classes...)
}

// Encode maps a label to its id.
func (e *Encoder) Encode(label string) (int, bool) {
	id, ok := e.index[label]
	return id, ok
}

// Decode maps an id back to its label.
func (e *Encoder) Decode(id int) (string, bool) {
	if id < 0 || id >= len(e.classes) {
		return "", false
	}
	return e.classes[id], true
}
