package hal

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srediag/camera-hal/pkg/shm"
	"github.com/srediag/camera-hal/pkg/transport"
)

const (
	defaultPreviewBufferCount  = 4
	defaultExtraPreviewBuffers = 2
	defaultRawBufferCount      = 1
	defaultJpegBufferCount     = 1
	defaultWorkerPoolSize      = 8
	defaultJpegPadding         = 8
	defaultRPCNodePath         = "/dev/oncrpc"
	defaultFramebufferPath     = "/dev/graphics/fb0"
	defaultExifMaker           = "SREDiag"
	defaultExifModel           = "camera-hal"
	defaultBoardPreviewMask    = 0xffff
)

// SensorProfile describes what the attached sensor can do. The profile is
// looked up by the name the driver reports; Config.Sensor is the fallback.
type SensorProfile struct {
	Name         string `yaml:"name"`
	HasAutoFocus bool   `yaml:"auto_focus"`
	MaxWidth     int    `yaml:"max_width"`
	MaxHeight    int    `yaml:"max_height"`
	// PreviewSizeMask selects entries of the preview size table, most
	// significant bit first.
	PreviewSizeMask uint32 `yaml:"preview_size_mask"`
}

// KnownSensors are the profiles matched against the driver's sensor name.
var KnownSensors = []SensorProfile{
	{Name: "mt9t013", HasAutoFocus: true, MaxWidth: 2048, MaxHeight: 1536, PreviewSizeMask: 0x7ff},
	{Name: "mt9p012", HasAutoFocus: true, MaxWidth: 2592, MaxHeight: 1944, PreviewSizeMask: 0x7ff},
	{Name: "s5k3e2fx", HasAutoFocus: true, MaxWidth: 2592, MaxHeight: 1944, PreviewSizeMask: 0x7ff},
	{Name: "vb6801", HasAutoFocus: false, MaxWidth: 1280, MaxHeight: 960, PreviewSizeMask: 0x7fe},
}

// LookupSensor returns the known profile named name.
func LookupSensor(name string) (SensorProfile, bool) {
	for _, s := range KnownSensors {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return SensorProfile{}, false
}

// Config tunes one Hardware instance.
type Config struct {
	DevicePath      string `yaml:"device_path"`
	RPCNodePath     string `yaml:"rpc_node_path"`
	FramebufferPath string `yaml:"framebuffer_path"`

	PreviewBufferCount  int `yaml:"preview_buffer_count"`
	ExtraPreviewBuffers int `yaml:"extra_preview_buffers"`
	RawBufferCount      int `yaml:"raw_buffer_count"`
	JpegBufferCount     int `yaml:"jpeg_buffer_count"`
	// JpegPadding is the margin a zoomed crop must leave before the
	// snapshot is cropped in place.
	JpegPadding int `yaml:"jpeg_padding"`
	// MapType is one of memfd, devshm or heap.
	MapType string `yaml:"map_type"`

	CommandTimeout         time.Duration `yaml:"command_timeout"`
	PrepareSnapshotTimeout time.Duration `yaml:"prepare_snapshot_timeout"`
	DeviceOpenRetries      uint64        `yaml:"device_open_retries"`
	DeviceRetryInterval    time.Duration `yaml:"device_retry_interval"`

	WorkerPoolSize   int           `yaml:"worker_pool_size"`
	Sensor           SensorProfile `yaml:"sensor"`
	BoardPreviewMask uint32        `yaml:"board_preview_mask"`
	MaxZoom          int           `yaml:"max_zoom"`
	DebugFPS         bool          `yaml:"debug_fps"`

	ExifMaker string `yaml:"exif_maker"`
	ExifModel string `yaml:"exif_model"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		DevicePath:             transport.DefaultDevicePath,
		RPCNodePath:            defaultRPCNodePath,
		FramebufferPath:        defaultFramebufferPath,
		PreviewBufferCount:     defaultPreviewBufferCount,
		ExtraPreviewBuffers:    defaultExtraPreviewBuffers,
		RawBufferCount:         defaultRawBufferCount,
		JpegBufferCount:        defaultJpegBufferCount,
		JpegPadding:            defaultJpegPadding,
		MapType:                shm.MemMapTypeMemFd.String(),
		CommandTimeout:         transport.DefaultTimeout,
		PrepareSnapshotTimeout: transport.PrepareSnapshotTimeout,
		DeviceOpenRetries:      10,
		DeviceRetryInterval:    100 * time.Millisecond,
		WorkerPoolSize:         defaultWorkerPoolSize,
		Sensor: SensorProfile{
			Name:            "generic",
			HasAutoFocus:    true,
			MaxWidth:        sensorMaxWidth,
			MaxHeight:       sensorMaxHeight,
			PreviewSizeMask: 0x7ff,
		},
		BoardPreviewMask: defaultBoardPreviewMask,
		ExifMaker:        defaultExifMaker,
		ExifModel:        defaultExifModel,
	}
}

// VerifyConfig reports the first invalid field of config.
func VerifyConfig(config *Config) error {
	if config == nil {
		return errors.New("config is nil")
	}
	if config.PreviewBufferCount < 2 {
		return fmt.Errorf("preview_buffer_count must be at least 2, got %d", config.PreviewBufferCount)
	}
	if config.ExtraPreviewBuffers < 0 {
		return fmt.Errorf("extra_preview_buffers must not be negative, got %d", config.ExtraPreviewBuffers)
	}
	if config.RawBufferCount < 1 || config.JpegBufferCount < 1 {
		return fmt.Errorf("raw_buffer_count and jpeg_buffer_count must be positive")
	}
	if config.JpegPadding < 0 {
		return fmt.Errorf("jpeg_padding must not be negative, got %d", config.JpegPadding)
	}
	if _, err := config.memMapType(); err != nil {
		return err
	}
	if config.CommandTimeout <= 0 || config.PrepareSnapshotTimeout <= 0 {
		return errors.New("command timeouts must be positive")
	}
	if config.WorkerPoolSize < 3 {
		return fmt.Errorf("worker_pool_size must be at least 3, got %d", config.WorkerPoolSize)
	}
	if config.Sensor.MaxWidth <= 0 || config.Sensor.MaxHeight <= 0 {
		return fmt.Errorf("sensor %q has no maximum size", config.Sensor.Name)
	}
	if config.MaxZoom < 0 {
		return fmt.Errorf("max_zoom must not be negative, got %d", config.MaxZoom)
	}
	return nil
}

// LoadConfigFile reads a yaml file over the defaults and verifies the result.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := VerifyConfig(config); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

func (c *Config) memMapType() (shm.MemMapType, error) {
	switch strings.ToLower(c.MapType) {
	case "", shm.MemMapTypeMemFd.String():
		return shm.MemMapTypeMemFd, nil
	case shm.MemMapTypeDevShmFile.String():
		return shm.MemMapTypeDevShmFile, nil
	case shm.MemMapTypeHeap.String():
		return shm.MemMapTypeHeap, nil
	}
	return 0, fmt.Errorf("unknown map_type %q", c.MapType)
}
