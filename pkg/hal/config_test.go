package hal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/camera-hal/pkg/shm"
)

type ConfigTestSuite struct {
	suite.Suite
}

func TestConfig(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) TestVerifyConfig() {
	config := DefaultConfig()
	s.Require().NoError(VerifyConfig(config))

	config.PreviewBufferCount = 1
	s.Require().Error(VerifyConfig(config))
	config.PreviewBufferCount = defaultPreviewBufferCount

	config.ExtraPreviewBuffers = -1
	s.Require().Error(VerifyConfig(config))
	config.ExtraPreviewBuffers = 0
	s.Require().NoError(VerifyConfig(config))

	config.JpegBufferCount = 0
	s.Require().Error(VerifyConfig(config))
	config.JpegBufferCount = 1

	config.MapType = "tmpfs"
	s.Require().Error(VerifyConfig(config))
	config.MapType = "HEAP"
	s.Require().NoError(VerifyConfig(config))
	mt, err := config.memMapType()
	s.Require().NoError(err)
	s.Equal(shm.MemMapTypeHeap, mt)

	config.CommandTimeout = 0
	s.Require().Error(VerifyConfig(config))
	config.CommandTimeout = time.Second

	config.WorkerPoolSize = 2
	s.Require().Error(VerifyConfig(config))
	config.WorkerPoolSize = defaultWorkerPoolSize

	config.Sensor.MaxWidth = 0
	s.Require().Error(VerifyConfig(config))
	config.Sensor.MaxWidth = sensorMaxWidth

	config.MaxZoom = -1
	s.Require().Error(VerifyConfig(config))
	config.MaxZoom = 0
	s.Require().NoError(VerifyConfig(config))

	s.Require().Error(VerifyConfig(nil))
}

func (s *ConfigTestSuite) TestLoadConfigFile() {
	dir := s.T().TempDir()
	path := filepath.Join(dir, "camhal.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(`
preview_buffer_count: 6
map_type: heap
command_timeout: 3s
max_zoom: 8
sensor:
  name: mt9p012
  auto_focus: true
  max_width: 2592
  max_height: 1944
exif_model: bench
`), 0o600))

	config, err := LoadConfigFile(path)
	s.Require().NoError(err)
	s.Equal(6, config.PreviewBufferCount)
	s.Equal(defaultExtraPreviewBuffers, config.ExtraPreviewBuffers)
	s.Equal(3*time.Second, config.CommandTimeout)
	s.Equal(8, config.MaxZoom)
	s.Equal("mt9p012", config.Sensor.Name)
	s.Equal("bench", config.ExifModel)
	s.Equal(defaultExifMaker, config.ExifMaker)

	s.Require().NoError(os.WriteFile(path, []byte("preview_buffer_count: 1\n"), 0o600))
	_, err = LoadConfigFile(path)
	s.Require().Error(err)

	s.Require().NoError(os.WriteFile(path, []byte("preview_buffer_count: [\n"), 0o600))
	_, err = LoadConfigFile(path)
	s.Require().Error(err)

	_, err = LoadConfigFile(filepath.Join(dir, "missing.yaml"))
	s.Require().ErrorIs(err, os.ErrNotExist)
}

func (s *ConfigTestSuite) TestLookupSensor() {
	p, ok := LookupSensor("VB6801")
	s.Require().True(ok)
	s.False(p.HasAutoFocus)
	_, ok = LookupSensor("unknown")
	s.False(ok)
}
