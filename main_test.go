package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/store"
)

func TestSeedUsers(t *testing.T) {
	s, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, seedUsers(s, "alice:Alice, bob"))
	u, err := s.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.DisplayName)
	_, err = s.GetUser(context.Background(), "bob")
	assert.NoError(t, err)

	assert.Error(t, seedUsers(s, "alice,,bob"))
}

func TestValidateAddr(t *testing.T) {
	assert.NoError(t, validateAddr("127.0.0.1:8000"))
	assert.NoError(t, validateAddr("10.0.0.5:80"))
	assert.Error(t, validateAddr("8.8.8.8:80"))
	assert.Error(t, validateAddr("localhost"))
}

func TestSavePid(t *testing.T) {
	name := filepath.Join(t.TempDir(), "minichat.pid")

	require.NoError(t, savePid(name, 1<<22+1))
	content, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(1<<22+1), string(content))

	// a pid file of a running process is kept.
	require.NoError(t, os.WriteFile(name, []byte(strconv.Itoa(os.Getpid())), 0600))
	assert.Error(t, savePid(name, 1<<22+1))
}
