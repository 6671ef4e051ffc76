package deps

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/program"
)

func TestExtract(t *testing.T) {
	md := &program.Metadata{Dependencies: []uint64{
		0x0004013000001502,
		0x0004013020001702, // high-end only
		0x0004013000001803,
		0,
		0x0004013000001902, // after the terminator
	}}

	tests := []struct {
		name    string
		variant kernel.Variant
		want    List
	}{
		{"base drops high-end entries", kernel.VariantBase, List{0x0004013000001500, 0x0004013000001800}},
		{"high-end strips tag bits", kernel.VariantHighEnd, List{0x0004013000001500, 0x0004013000001700, 0x0004013000001800}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(md, tt.variant))
		})
	}
}

func TestExtractCapsAtMax(t *testing.T) {
	md := &program.Metadata{}
	for i := 0; i < Max+5; i++ {
		md.Dependencies = append(md.Dependencies, uint64(0x0004013000000000|uint64(i+1)<<8))
	}
	assert.Len(t, Extract(md, kernel.VariantBase), Max)
	assert.Nil(t, Extract(nil, kernel.VariantBase))
}

func TestMergeUniqueCountsOccurrences(t *testing.T) {
	a := List{0x1100, 0x1200, 0x1100}
	b := List{0x1201, 0x1300}
	ids, counts := MergeUnique(a, b)
	assert.Equal(t, List{0x1100, 0x1200, 0x1300}, ids)
	assert.Equal(t, []int{2, 2, 1}, counts)
}

func TestMergeUniqueOverflowPanics(t *testing.T) {
	var l List
	for i := 0; i <= Max; i++ {
		l = append(l, uint64(i+1)<<8)
	}
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.Is(err, ErrTooManyDependencies))
	}()
	MergeUnique(l)
}

func TestSetIncremental(t *testing.T) {
	var s Set
	assert.True(t, s.Add(0x2200))
	assert.False(t, s.Add(0x22FF))
	assert.Equal(t, 1, s.AddList(List{0x2200, 0x2300}))
	assert.Equal(t, 3, s.Count(0x2200))
	assert.Equal(t, 1, s.Count(0x2300))
	assert.Equal(t, 0, s.Count(0x2400))
	assert.Equal(t, List{0x2200, 0x2300}, s.IDs())

	s.At(1).Resolved = true
	assert.True(t, s.At(1).Resolved)
}

func TestListUnique(t *testing.T) {
	l := List{0x100, 0x200, 0x101, 0x300, 0x200}
	assert.Equal(t, List{0x100, 0x200, 0x300}, l.Unique())
	assert.True(t, l.Contains(0x3FF))
}
