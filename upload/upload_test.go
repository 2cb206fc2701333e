package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "1.5 KB", FormatSize(1536))
	assert.Equal(t, "2.0 MB", FormatSize(2*1024*1024))
}

func TestListRegisterReplacesInPlace(t *testing.T) {
	l := NewList()
	l.Register(Record{Name: "a.txt", SizeBytes: 10})
	l.Register(Record{Name: "b.txt", SizeBytes: 20})
	l.Register(Record{Name: "a.txt", SizeBytes: 99})

	assert.Equal(t, 2, l.Len())
	assert.True(t, l.Has("a.txt"))
	assert.False(t, l.Has("missing"))

	records := l.Records()
	assert.Equal(t, "a.txt", records[0].Name)
	assert.Equal(t, int64(99), records[0].SizeBytes)
	assert.Equal(t, "b.txt", records[1].Name)
}
