package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpecifierLocal(t *testing.T) {
	spec, err := ParseSpecifier("/backup/home.bar")
	require.NoError(t, err)
	assert.Equal(t, KindFile, spec.Kind)
	assert.Equal(t, "/backup/home.bar", spec.Path)
	assert.Equal(t, "/backup/home.bar", spec.String())
}

func TestParseSpecifierRemote(t *testing.T) {
	spec, err := ParseSpecifier("ssh://backup@vault.example.com:2222/srv/backups/home.bar")
	require.NoError(t, err)
	assert.Equal(t, KindSSH, spec.Kind)
	assert.Equal(t, "vault.example.com", spec.Host)
	assert.Equal(t, 2222, spec.Port)
	assert.Equal(t, "backup", spec.UserName)
	assert.Equal(t, "/srv/backups/home.bar", spec.Path)

	rt, err := ParseSpecifier(spec.String())
	require.NoError(t, err)
	assert.Equal(t, spec, rt)
}

func TestParseSpecifierErrors(t *testing.T) {
	_, err := ParseSpecifier("")
	assert.Error(t, err)
	_, err = ParseSpecifier("gopher://host/x")
	assert.Error(t, err)
	_, err = ParseSpecifier("ftp:///no-host")
	assert.Error(t, err)
}

func TestSameLocation(t *testing.T) {
	a, err := ParseSpecifier("ftp://host/dir/a.bar")
	require.NoError(t, err)
	b, err := ParseSpecifier("ftp://host/dir/b.bar")
	require.NoError(t, err)
	c, err := ParseSpecifier("ftp://host/other/a.bar")
	require.NoError(t, err)
	assert.True(t, a.SameLocation(b))
	assert.False(t, a.SameLocation(c))
}

func TestExpandMacros(t *testing.T) {
	v := MacroValues{
		JobName:     "home",
		ArchiveType: "INCREMENTAL",
		Text:        "night",
		UUID:        "abc",
		Time:        time.Date(2026, 8, 24, 2, 30, 5, 0, time.UTC),
	}
	got := ExpandMacros("/backup/%name/%type-%Y%m%d-%H%M%S-%text-%uuid.bar", v)
	assert.Equal(t, "/backup/home/incremental-20260824-023005-night-abc.bar", got)

	assert.Equal(t, "100%", ExpandMacros("100%%", v))
	assert.Equal(t, "%q", ExpandMacros("%q", v), "unknown macros pass through")
}

func TestUniqueName(t *testing.T) {
	assert.Equal(t, "home-0.bar", UniqueName("home.bar", 0))
	assert.Equal(t, "home-1.bar", UniqueName("home.bar", 1))
	assert.Equal(t, "noext-2", UniqueName("noext", 2))
}
