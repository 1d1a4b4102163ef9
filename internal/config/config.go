package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	AWS         AWSConfig         `mapstructure:"aws"`
	Server      ServerConfig      `mapstructure:"server"`
	Compression CompressionConfig `mapstructure:"compression"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// AWSConfig contains credentials, region and bucket settings
type AWSConfig struct {
	Region       string `mapstructure:"region"`
	AccessKeyID  string `mapstructure:"access_key_id"`
	SecretKey    string `mapstructure:"secret_access_key"`
	SourceBucket string `mapstructure:"source_bucket"`
	DestBucket   string `mapstructure:"dest_bucket"`
}

// ServerConfig contains HTTP API server settings
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// CompressionConfig contains encoder and format settings
type CompressionConfig struct {
	ImageExtensions  []string `mapstructure:"image_extensions"`
	VideoExtensions  []string `mapstructure:"video_extensions"`
	OutputDir        string   `mapstructure:"output_dir"`
	FFmpegPath       string   `mapstructure:"ffmpeg_path"`
	VideoCodec       string   `mapstructure:"video_codec"`
	VideoPreset      string   `mapstructure:"video_preset"`
	VideoCRF         int      `mapstructure:"video_crf"`
	AudioBitrate     string   `mapstructure:"audio_bitrate"`
	SkipThreshold    int64    `mapstructure:"skip_threshold"`
	PreserveMetadata bool     `mapstructure:"preserve_metadata"`
}

// PipelineConfig contains worker pool and processing settings
type PipelineConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	UnifiedDedupe bool          `mapstructure:"unified_dedupe"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		AWS: AWSConfig{
			Region:       "eu-west-1",
			SourceBucket: "media-original",
			DestBucket:   "media-processed",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Compression: CompressionConfig{
			ImageExtensions: []string{
				".png", ".jpg", ".jpeg", ".tiff", ".tif", ".webp", ".bmp",
			},
			VideoExtensions: []string{
				".mp4", ".avi", ".mov", ".mkv", ".webm", ".flv",
			},
			OutputDir:        "temp_compressed",
			FFmpegPath:       "ffmpeg",
			VideoCodec:       "libx264",
			VideoPreset:      "medium",
			VideoCRF:         23,
			AudioBitrate:     "96k",
			SkipThreshold:    5_000_000,
			PreserveMetadata: true,
		},
		Pipeline: PipelineConfig{
			Workers:       4,
			QueueSize:     64,
			TaskTimeout:   10 * time.Minute,
			UnifiedDedupe: false,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "media-pipeline.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.media-pipeline")
		viper.AddConfigPath("/etc/media-pipeline")
	}

	// Enable environment variable support
	viper.SetEnvPrefix("MEDIA_PIPELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Try to read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	// Unmarshal config
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate and normalize config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.AWS.SourceBucket == "" {
		return fmt.Errorf("aws.source_bucket is required")
	}
	if c.AWS.DestBucket == "" {
		return fmt.Errorf("aws.dest_bucket is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	c.Compression.ImageExtensions = normalizeExtensions(c.Compression.ImageExtensions)
	c.Compression.VideoExtensions = normalizeExtensions(c.Compression.VideoExtensions)

	if c.Compression.OutputDir == "" {
		c.Compression.OutputDir = "temp_compressed"
	}
	if c.Compression.FFmpegPath == "" {
		c.Compression.FFmpegPath = "ffmpeg"
	}
	if c.Compression.VideoCRF < 0 || c.Compression.VideoCRF > 51 {
		return fmt.Errorf("invalid video_crf: %d (valid: 0-51)", c.Compression.VideoCRF)
	}
	if c.Compression.SkipThreshold < 0 {
		c.Compression.SkipThreshold = 5_000_000
	}

	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 4
	}
	if c.Pipeline.QueueSize <= 0 {
		c.Pipeline.QueueSize = 64
	}
	if c.Pipeline.TaskTimeout <= 0 {
		c.Pipeline.TaskTimeout = 10 * time.Minute
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// IsImageExtension checks if the extension is for an image file
func (c *Config) IsImageExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, supportedExt := range c.Compression.ImageExtensions {
		if ext == supportedExt {
			return true
		}
	}
	return false
}

// IsVideoExtension checks if the extension is for a video file
func (c *Config) IsVideoExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, supportedExt := range c.Compression.VideoExtensions {
		if ext == supportedExt {
			return true
		}
	}
	return false
}

// GetAllSupportedExtensions returns all supported extensions (images + video)
func (c *Config) GetAllSupportedExtensions() []string {
	all := make([]string, 0, len(c.Compression.ImageExtensions)+len(c.Compression.VideoExtensions))
	all = append(all, c.Compression.ImageExtensions...)
	all = append(all, c.Compression.VideoExtensions...)
	return all
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, len(extensions))
	for i, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized[i] = ext
	}
	return normalized
}
