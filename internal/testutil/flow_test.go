package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialIDs(t *testing.T) {
	ids := NewSequentialIDs("run")
	assert.Equal(t, "run-1", ids.Generate())
	assert.Equal(t, "run-2", ids.Generate())

	ids.Reset()
	assert.Equal(t, "run-1", ids.Generate())
}

func TestSequentialIDs_DefaultPrefix(t *testing.T) {
	assert.Equal(t, "id-1", NewSequentialIDs("").Generate())
}
