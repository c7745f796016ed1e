package codelet

import (
	"github.com/beevik/etree"
)

// RootTag is the reserved root element name every parameter document must
// carry.
const RootTag = "parameters"

// emptyParameters is the process-wide shared default document. Constructed
// once, treated as read-only everywhere.
var emptyParameters = etree.NewElement(RootTag)

// EmptyParameters returns the shared empty parameter document. Callers must
// not mutate it; nodes that need their own parameters build one with
// NewParameters.
func EmptyParameters() *etree.Element {
	return emptyParameters
}

// NewParameters returns a fresh, mutable parameter document root.
func NewParameters() *etree.Element {
	return etree.NewElement(RootTag)
}

// ValidateParameters checks the root-tag contract on a parameter document.
func ValidateParameters(el *etree.Element) error {
	if el == nil {
		return &ValidationError{What: "parameter document", Reason: "must not be nil"}
	}
	if el.Tag != RootTag {
		return &ValidationError{
			What:   "parameter document",
			Reason: "root element must be \"" + RootTag + "\", got \"" + el.Tag + "\"",
		}
	}
	return nil
}

// ParseParameters parses a serialized parameter document and validates its
// root tag.
func ParseParameters(s string) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(s); err != nil {
		return nil, &ValidationError{What: "parameter document", Reason: err.Error()}
	}
	root := doc.Root()
	if err := ValidateParameters(root); err != nil {
		return nil, err
	}
	return root, nil
}

// MarshalParameters serializes a parameter document for transport. The
// element is copied into its own document so the caller's tree is left
// untouched.
func MarshalParameters(el *etree.Element) string {
	if el == nil {
		el = emptyParameters
	}
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	s, err := doc.WriteToString()
	if err != nil {
		// Writing to an in-memory buffer cannot fail.
		return "<" + RootTag + "/>"
	}
	return s
}
