package gallery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathMapper(t *testing.T) {
	m := PathMapper{HostRoot: "/mnt/photos", VirtualRoot: "/config/www/gallery"}

	tests := []struct {
		stored string
		want   string
	}{
		{stored: "./galleries/2021/a.jpg", want: filepath.Join("/mnt/photos", "2021", "a.jpg")},
		{stored: "galleries/b.jpg", want: filepath.Join("/mnt/photos", "b.jpg")},
		{stored: "./galleries/x/../c.jpg", want: filepath.Join("/mnt/photos", "c.jpg")},
	}
	for _, tt := range tests {
		got, err := m.HostPath(tt.stored)
		require.NoError(t, err, tt.stored)
		assert.Equal(t, tt.want, got)
	}
}

func TestPathMapperRejectsEscapes(t *testing.T) {
	m := PathMapper{HostRoot: "/mnt/photos", VirtualRoot: "/config/www/gallery"}
	for _, stored := range []string{"./upload/2021/a.jpg", "./galleries/../../etc/passwd", "./galleries-old/a.jpg"} {
		_, err := m.HostPath(stored)
		assert.Error(t, err, stored)
	}
}
