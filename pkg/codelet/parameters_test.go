package codelet

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateParametersRootTag(t *testing.T) {
	good := etree.NewElement(RootTag)
	assert.NoError(t, ValidateParameters(good))

	bad := etree.NewElement("config")
	err := ValidateParameters(bad)
	require.Error(t, err)

	var valErr *ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestValidateParametersNil(t *testing.T) {
	assert.Error(t, ValidateParameters(nil))
}

func TestParseParameters(t *testing.T) {
	root, err := ParseParameters(`<parameters><path>/tmp/out</path></parameters>`)
	require.NoError(t, err)
	require.NotNil(t, root)

	path := root.SelectElement("path")
	require.NotNil(t, path)
	assert.Equal(t, "/tmp/out", path.Text())
}

func TestParseParametersBadRoot(t *testing.T) {
	_, err := ParseParameters(`<settings/>`)
	assert.Error(t, err)
}

func TestMarshalParametersRoundTrip(t *testing.T) {
	root := NewParameters()
	root.CreateElement("depth").SetText("3")

	serialized := MarshalParameters(root)
	parsed, err := ParseParameters(serialized)
	require.NoError(t, err)

	depth := parsed.SelectElement("depth")
	require.NotNil(t, depth)
	assert.Equal(t, "3", depth.Text())
}

func TestMarshalParametersLeavesSourceDetached(t *testing.T) {
	root := NewParameters()
	MarshalParameters(root)

	// Marshal copies into its own document; the original root stays free to
	// be attached elsewhere.
	assert.Nil(t, root.Parent())
}

func TestEmptyParametersShared(t *testing.T) {
	assert.Same(t, EmptyParameters(), EmptyParameters())
	assert.Equal(t, RootTag, EmptyParameters().Tag)
}
