package status

import (
	"fmt"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorf(t *testing.T) {
	err := Errorf(ShapeMismatch, "dims %v vs %v", []int64{2, 3}, []int64{3, 2})
	require.Error(t, err)
	assert.Equal(t, ShapeMismatch, CodeOf(err))
	assert.Contains(t, err.Error(), "ShapeMismatch")
	assert.Contains(t, err.Error(), "[2 3]")
}

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(IoError, nil, "ignored"))
	assert.NoError(t, Wrapf(IoError, nil, "ignored %d", 1))
	assert.Equal(t, OK, CodeOf(nil))
}

func TestWrapReclassifies(t *testing.T) {
	inner := Errorf(IoError, "write failed")
	outer := Wrap(CompilationFailed, inner, "compiling module")
	assert.Equal(t, CompilationFailed, CodeOf(outer))
	assert.Contains(t, outer.Error(), "compiling module")
}

func TestCodeOfUncoded(t *testing.T) {
	assert.Equal(t, IoError, CodeOf(os.ErrNotExist))
	assert.Equal(t, IoError, CodeOf(errors.New("plain")))
}

func TestStackTraceSurvivesWrapping(t *testing.T) {
	err := Wrap(LinkingFailed, errors.New("dlopen failed"), "loading compiler")
	// %+v must include the pkg/errors stack trace.
	assert.Contains(t, fmt.Sprintf("%+v", err), "status_test.go")
}

func TestCodeStrings(t *testing.T) {
	for code := OK; code <= Unimplemented; code++ {
		assert.NotContains(t, code.String(), "Code(", code.String())
	}
	assert.Equal(t, "Code(99)", Code(99).String())
}
