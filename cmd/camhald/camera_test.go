package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/camera-hal/internal/server"
	"github.com/srediag/camera-hal/pkg/hal"
	"github.com/srediag/camera-hal/pkg/lifecycle"
)

func TestEmulatedRegistry(t *testing.T) {
	cfg := hal.DefaultConfig()
	cfg.MapType = "heap"
	reg := newRegistry(cfg, cameraOpts{emulate: true})

	sess, err := server.Open(context.Background(), reg)
	require.NoError(t, err)
	jpeg, err := sess.Picture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, jpeg[:2])

	require.NoError(t, sess.Release(context.Background()))
	require.NoError(t, waitGone(reg, 2*time.Second))
	assert.Equal(t, lifecycle.Gone, stateOf(reg))
}

func TestDeviceRegistryRequiresRPCNode(t *testing.T) {
	dir := t.TempDir()
	cfg := hal.DefaultConfig()
	cfg.DevicePath = filepath.Join(dir, "control0")
	require.NoError(t, os.WriteFile(cfg.DevicePath, nil, 0o600))
	cfg.RPCNodePath = filepath.Join(dir, "oncrpc")
	reg := newRegistry(cfg, cameraOpts{})

	_, err := server.Open(context.Background(), reg)
	assert.ErrorIs(t, err, lifecycle.ErrNoDevice)
	assert.NoError(t, waitGone(reg, time.Millisecond))
}
