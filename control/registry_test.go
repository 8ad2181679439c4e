package control

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoolVariableRoundTrip(t *testing.T) {
	r := New()
	var enforce bool
	r.AddBool("enforce_auth_token", &enforce)

	require.NoError(t, r.Set("enforce_auth_token", []string{"true"}))
	v, err := r.Get("enforce_auth_token")
	require.NoError(t, err)
	assert.Equal(t, "true", v)
	assert.True(t, enforce)

	require.NoError(t, r.Set("enforce_auth_token", []string{"0"}))
	assert.False(t, enforce)

	err = r.Set("enforce_auth_token", []string{"maybe"})
	assert.Error(t, err)
}

func TestIntVariable(t *testing.T) {
	r := New()
	var maxHandouts int
	r.AddInt("max_handouts_per_interval", &maxHandouts)

	require.NoError(t, r.Set("max_handouts_per_interval", []string{"50"}))
	v, err := r.Get("max_handouts_per_interval")
	require.NoError(t, err)
	assert.Equal(t, "50", v)

	assert.Error(t, r.Set("max_handouts_per_interval", []string{"not-a-number"}))
}

func TestStringVariable(t *testing.T) {
	r := New()
	var token string
	r.AddString("secret_auth_token", &token)

	require.NoError(t, r.Set("secret_auth_token", []string{"abc123"}))
	v, err := r.Get("secret_auth_token")
	require.NoError(t, err)
	assert.Equal(t, "abc123", v)
}

func TestUnknownVariableRejected(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Set("nonexistent", []string{"x"}), ErrUnknownVariable)
	_, err := r.Get("nonexistent")
	assert.ErrorIs(t, err, ErrUnknownVariable)
}

func TestDumpIsSorted(t *testing.T) {
	r := New()
	var a, b bool
	r.AddBool("zzz_flag", &a)
	r.AddBool("aaa_flag", &b)
	a, b = true, false

	dump := r.Dump()
	assert.True(t, indexOf(dump, "aaa_flag") < indexOf(dump, "zzz_flag"))
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestReadFileAppliesKeyValueLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracker.conf")
	content := "# comment line\nenforce_auth_token: true\n\nmax_handouts_per_interval: 75\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	r := New()
	var enforce bool
	var maxHandouts int
	r.AddBool("enforce_auth_token", &enforce)
	r.AddInt("max_handouts_per_interval", &maxHandouts)

	require.NoError(t, r.ReadFile(path))
	assert.True(t, enforce)
	assert.Equal(t, 75, maxHandouts)
}

func TestReadFileSkipsMalformedLinesWithoutFailing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracker.conf")
	require.NoError(t, os.WriteFile(path, []byte("not a valid line\nunknown_var: 1\n"), 0644))

	r := New()
	assert.NoError(t, r.ReadFile(path))
}
