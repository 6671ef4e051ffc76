package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmd/pmd/internal/program"
)

func TestStorageRegistration(t *testing.T) {
	s := NewStorage()
	prog := program.Info{ProgramID: 0x0004000000030000, Media: program.MediaSD}
	info := program.StorageInfo{ExtSaveDataID: 0x300, SystemSaveData: []uint32{1}}

	require.NoError(t, s.Register(0x30, 7, prog, info))
	assert.ErrorIs(t, s.Register(0x30, 8, prog, info), ErrAlreadyRegistered)

	g, ok := s.Lookup(0x30)
	require.True(t, ok)
	assert.Equal(t, uint64(7), g.ProgramHandle)
	assert.Equal(t, uint64(0x300), g.Storage.ExtSaveDataID)

	require.NoError(t, s.Unregister(0x30))
	assert.ErrorIs(t, s.Unregister(0x30), ErrNotRegistered)
	_, ok = s.Lookup(0x30)
	assert.False(t, ok)
}

func TestServicesAllowed(t *testing.T) {
	s := NewServices()
	require.NoError(t, s.RegisterProcess(0x21, []string{"fs:*", "srv:", "apt:U"}))

	tests := []struct {
		service string
		want    bool
	}{
		{"fs:USER", true},
		{"fs:LDR", true},
		{"srv:", true},
		{"apt:U", true},
		{"apt:A", false},
		{"soc:U", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Allowed(0x21, tt.service), tt.service)
	}
	assert.False(t, s.Allowed(0x22, "srv:"))

	names, ok := s.List(0x21)
	require.True(t, ok)
	assert.Equal(t, []string{"apt:U", "fs:*", "srv:"}, names)

	assert.ErrorIs(t, s.RegisterProcess(0x21, nil), ErrAlreadyRegistered)
	require.NoError(t, s.UnregisterProcess(0x21))
	assert.False(t, s.Allowed(0x21, "srv:"))
	assert.ErrorIs(t, s.UnregisterProcess(0x21), ErrNotRegistered)
}

func TestServicesRejectsBadPattern(t *testing.T) {
	s := NewServices()
	assert.Error(t, s.RegisterProcess(0x21, []string{"fs:["}))
	_, ok := s.List(0x21)
	assert.False(t, ok)
}
