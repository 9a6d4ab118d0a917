package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "a.pdf", false},
		{"nested", "reports/2024/q1.pdf", false},
		{"dots inside", "archive...tar", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"traversal", "../etc/passwd", true},
		{"traversal backslash", "a\\..\\b", true},
		{"absolute", "/etc/passwd", true},
		{"null byte", "a\x00b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizePartition(t *testing.T) {
	assert.Equal(t, "docs", NormalizePartition("  DoCs "))
	assert.Equal(t, "", NormalizePartition(""))
}

func TestObjectRefUID(t *testing.T) {
	ref := ObjectRef{Partition: "team", ID: "x.pdf"}
	assert.Equal(t, "team/x.pdf", ref.UID())
	assert.Equal(t, "team/x.pdf", ref.String())
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrBlobNotFound))
	assert.True(t, IsNotFound(fmt.Errorf("open: %w", ErrContainerNotFound)))
	assert.False(t, IsNotFound(errors.New("boom")))
	assert.False(t, IsNotFound(nil))
}

func TestCollect(t *testing.T) {
	boom := errors.New("boom")
	seq := func(yield func(string, error) bool) {
		if !yield("a", nil) {
			return
		}
		if !yield("b", nil) {
			return
		}
		yield("", boom)
	}

	names, err := Collect(seq)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, names)
}
