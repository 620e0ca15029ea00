package node

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/discovery"
	"github.com/TFMV/classmesh/file"
	"github.com/TFMV/classmesh/transcode"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	// DefaultServerPort is the TCP port a teacher listens on for students
	DefaultServerPort = 7878
	// DefaultAPIPort is the port of the status API
	DefaultAPIPort = 8080
	// DefaultDialTimeout bounds connecting and the hello exchange
	DefaultDialTimeout = 10 * time.Second
)

// Config is everything a node reads from configuration
type Config struct {
	NodeID   string
	NodeName string
	Role     common.DeviceRole

	Storage        file.StorageConfig
	ChunkSize      int
	MaxBytesPerSec int64

	Discovery       discovery.Config
	DiscoveryWindow time.Duration

	ServerPort  int
	AutoSend    bool
	APIPort     int
	DialTimeout time.Duration

	FFmpegPath  string
	FFprobePath string
	Transcode   transcode.Config

	Permissions common.Permissions
}

// Self returns this node's hello payload
func (c Config) Self() file.Hello {
	return file.Hello{DeviceID: c.NodeID, Name: c.NodeName, Role: string(c.Role)}
}

// LoadConfig reads the node configuration from viper, applying defaults for unset keys
func LoadConfig() (Config, error) {
	cfg := Config{
		NodeID:   viper.GetString("node.id"),
		NodeName: viper.GetString("node.name"),
		Role:     common.DeviceRole(viper.GetString("node.role")),
	}

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
	}
	if cfg.NodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "classmesh"
		}
		cfg.NodeName = host
	}
	switch cfg.Role {
	case "":
		cfg.Role = common.RoleStudent
	case common.RoleTeacher, common.RoleStudent:
	default:
		return Config{}, fmt.Errorf("invalid node role %q", cfg.Role)
	}

	baseDir := viper.GetString("storage.base_dir")
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("failed to get user home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, ".classmesh")
	}
	outputDir := viper.GetString("transcode.output_dir")
	cfg.Storage = file.StorageConfig{
		BaseDir:     baseDir,
		DownloadDir: viper.GetString("storage.download_dir"),
		OutputDir:   outputDir,
	}

	cfg.ChunkSize = viper.GetInt("transfer.chunk_size")
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = file.DefaultChunkSize
	}
	if cfg.ChunkSize > file.MaxChunkSize {
		return Config{}, fmt.Errorf("transfer.chunk_size %d exceeds %d", cfg.ChunkSize, file.MaxChunkSize)
	}
	cfg.MaxBytesPerSec = viper.GetInt64("transfer.max_bytes_per_sec")
	if cfg.MaxBytesPerSec < 0 {
		cfg.MaxBytesPerSec = 0
	}

	cfg.Discovery = discovery.Config{
		Port:             viper.GetInt("discovery.port"),
		MulticastAddress: viper.GetString("discovery.multicast_address"),
		Interval:         viper.GetDuration("discovery.interval"),
	}
	cfg.DiscoveryWindow = viper.GetDuration("discovery.window")
	if cfg.DiscoveryWindow == 0 {
		cfg.DiscoveryWindow = discovery.DefaultWindow
	}

	// an explicit zero picks a free port
	cfg.ServerPort = DefaultServerPort
	if viper.IsSet("server.port") {
		cfg.ServerPort = viper.GetInt("server.port")
	}
	if cfg.ServerPort < 0 || cfg.ServerPort > 65535 {
		return Config{}, fmt.Errorf("invalid server.port %d", cfg.ServerPort)
	}
	cfg.AutoSend = viper.GetBool("server.auto_send")
	cfg.APIPort = viper.GetInt("api.port")
	if cfg.APIPort <= 0 {
		cfg.APIPort = DefaultAPIPort
	}
	cfg.DialTimeout = viper.GetDuration("server.dial_timeout")
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	cfg.FFmpegPath = viper.GetString("transcode.ffmpeg_path")
	cfg.FFprobePath = viper.GetString("transcode.ffprobe_path")
	cfg.Transcode = transcode.Config{
		OutputDir:    outputDir,
		FallbackStep: viper.GetDuration("transcode.fallback_step"),
	}

	// permissions default to granted unless the host config says otherwise
	cfg.Permissions = common.AllPermissions()
	if viper.IsSet("permissions") {
		if err := viper.UnmarshalKey("permissions", &cfg.Permissions); err != nil {
			return Config{}, fmt.Errorf("failed to read permissions: %w", err)
		}
	}

	return cfg, nil
}
