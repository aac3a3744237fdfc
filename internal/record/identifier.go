package record

import "strconv"

type identForm uint8

const (
	formText identForm = iota
	formNumber
	formAny
)

// Identifier is a single extracted value: free text, an integer, or the Any
// wildcard that stands in for "no value found, do not filter".
type Identifier struct {
	form identForm
	text string
	num  int64
}

// Any is the wildcard placed in an identifier list when extraction found nothing.
var Any = Identifier{form: formAny}

// Text returns a textual identifier such as a subject code.
func Text(s string) Identifier { return Identifier{form: formText, text: s} }

// Number returns a numeric identifier such as an instrument id.
func Number(n int64) Identifier { return Identifier{form: formNumber, num: n} }

// IsAny reports whether id is the wildcard.
func (id Identifier) IsAny() bool { return id.form == formAny }

// Int returns the numeric value when id is numeric.
func (id Identifier) Int() (int64, bool) {
	if id.form != formNumber {
		return 0, false
	}
	return id.num, true
}

// String renders the identifier for reports. Any renders as "*".
func (id Identifier) String() string {
	switch id.form {
	case formNumber:
		return strconv.FormatInt(id.num, 10)
	case formAny:
		return "*"
	default:
		return id.text
	}
}

// key is the signature form. Each form gets its own prefix so the wildcard
// never collides with a literal "*" or a numeric-looking text value.
func (id Identifier) key() string {
	switch id.form {
	case formNumber:
		return "n:" + strconv.FormatInt(id.num, 10)
	case formAny:
		return "*"
	default:
		return "t:" + id.text
	}
}
