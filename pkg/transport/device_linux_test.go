//go:build linux

package transport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDeviceMissingNodeIsPermanent(t *testing.T) {
	start := time.Now()
	_, err := OpenDevice(context.Background(), DeviceOptions{
		Path:          filepath.Join(t.TempDir(), "control0"),
		OpenRetries:   50,
		RetryInterval: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDeviceCloseTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control0")
	require.NoError(t, os.WriteFile(path, nil, 0600))
	d, err := OpenDevice(context.Background(), DeviceOptions{Path: path})
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err = d.Control(context.Background(), Command{Type: CmdStartPreview})
	assert.Error(t, err)
}
