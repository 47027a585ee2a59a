package errors

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New("queue unavailable")
	require.NotNil(t, err)
	assert.Equal(t, "queue unavailable", err.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	base := sql.ErrNoRows
	wrapped := Wrap(base, "failed to load file record")
	require.NotNil(t, wrapped)
	assert.True(t, Is(wrapped, sql.ErrNoRows))
	assert.Contains(t, wrapped.Error(), "failed to load file record")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ignored"))
}

func TestWithDetail(t *testing.T) {
	err := New("extraction failed")
	err = WithDetail(err, fmt.Sprintf("File ID: %s", "f-123"))
	require.NotNil(t, err)
	assert.Equal(t, "extraction failed", err.Error())
}

func TestNewfFormatting(t *testing.T) {
	err := Newf("job not found: %s", "j-42")
	assert.Equal(t, "job not found: j-42", err.Error())
}
