package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"64MB", 64 * MB, false},
		{"64mb", 64 * MB, false},
		{"1.5 GB", 3 * GB / 2, false},
		{"500Mi", 500 * MB, false},
		{"2KiB", 2 * KB, false},
		{"1T", TB, false},
		{"", 0, true},
		{"MB", 0, true},
		{"10XB", 0, true},
		{"-1MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.00 KB", Format(KB))
	assert.Equal(t, "64.00 MB", Format(64*MB))
	assert.Equal(t, "1.50 GB", Format(3*GB/2))
}

func TestSizeUnmarshalYAML(t *testing.T) {
	var doc struct {
		A Size `yaml:"a"`
		B Size `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 2048\nb: 10MB\n"), &doc))
	assert.Equal(t, int64(2048), doc.A.Bytes())
	assert.Equal(t, 10*MB, doc.B.Bytes())
	assert.Equal(t, "10.00 MB", doc.B.String())

	err := yaml.Unmarshal([]byte("a: lots\n"), &doc)
	assert.Error(t, err)

	err = yaml.Unmarshal([]byte("a: [1, 2]\n"), &doc)
	assert.Error(t, err)
}
