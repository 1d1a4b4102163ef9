package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"media-pipeline-go/internal/compression"
	"media-pipeline-go/internal/config"
	"media-pipeline-go/internal/logger"
	"media-pipeline-go/internal/metadata"
	"media-pipeline-go/internal/pipeline"
	"media-pipeline-go/internal/statistics"
	"media-pipeline-go/internal/storage"
	"media-pipeline-go/internal/web"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	verbose  bool
	quiet    bool
	host     string
	port     int
	quality  string
	outDir   string
	maxFiles int
	fileType string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "media-pipeline",
	Short: "Compress images and videos between S3 buckets",
	Long: `MediaPipeline downloads media files from a source S3 bucket, compresses
them and uploads the result to a destination bucket.

Features:
- Two-tier image compression (ffmpeg with in-process fallback)
- Three-stage video strategy (stream copy, skip small files, re-encode)
- Quality tiers: low, medium, high
- Idempotent processing with destination-side deduplication
- HTTP API with live progress events over websocket`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// serveCmd starts the HTTP API server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Starts the HTTP API server. The API allows you to:
- List media files in the source bucket
- Queue single files or batches for processing
- Check whether a file has already been processed
- Follow task progress in real time over /ws

The server listens on <host>:<port> (default: 0.0.0.0:8080)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// compressCmd compresses local files without touching S3.
var compressCmd = &cobra.Command{
	Use:   "compress <file-or-dir>...",
	Short: "Compress local files or directories",
	Long: `Compresses the given local files or directories using the same
image and video strategies the server uses. Results are written to the
output directory. This is useful for testing compression settings
before pointing the server at a bucket.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(args)
	},
}

// listCmd lists media files in the source bucket.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List media files in the source bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList()
	},
}

// inspectCmd prints metadata for a local file.
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show metadata for a local media file",
	Long: `Shows capture date and full metadata for a local media file, and
whether the file already carries the compression software marker.
This is useful for debugging metadata preservation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	serveCmd.Flags().StringVar(&host, "host", "", "address to bind the server to")
	serveCmd.Flags().IntVar(&port, "port", 0, "port to run the server on")

	compressCmd.Flags().StringVar(&quality, "quality", "medium", "quality tier (low, medium, high)")
	compressCmd.Flags().StringVar(&outDir, "output", "", "output directory for compressed files")

	listCmd.Flags().IntVar(&maxFiles, "max-files", 50, "maximum number of files to list")
	listCmd.Flags().StringVar(&fileType, "file-type", "", "filter by extension (e.g. jpg)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(inspectCmd)
}

// initConfig loads the .env file, configuration file and environment variables.
func initConfig() {
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "Loaded environment from .env")
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.media-pipeline")
		viper.AddConfigPath("/etc/media-pipeline")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// runServe starts the API server and handles graceful shutdown.
func runServe() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	log := setupLogger(cfg)

	ctx := context.Background()
	store, err := storage.NewS3Store(ctx, cfg.AWS, cfg.GetAllSupportedExtensions(), log)
	if err != nil {
		return fmt.Errorf("failed to initialize S3 storage: %w", err)
	}

	stats := statistics.NewStatistics()
	service := buildService(cfg, cfg.Compression.OutputDir, log)
	pipe := pipeline.New(cfg, store, service, stats, log)
	server := web.NewServer(cfg, log, pipe)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	if !quiet {
		fmt.Printf("MediaPipeline API started on %s:%d\n", cfg.Server.Host, cfg.Server.Port)
		fmt.Printf("Source bucket: %s, destination bucket: %s\n", cfg.AWS.SourceBucket, cfg.AWS.DestBucket)
		fmt.Println("Press Ctrl+C to stop the server")
	}

	<-sigChan
	fmt.Println("\nShutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
	}
	pipe.Shutdown()

	if !quiet {
		fmt.Println("\n" + stats.GetSummary())
	}

	return nil
}

// runCompress compresses local files and prints per-file results.
func runCompress(args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tier, err := compression.ParseTier(quality)
	if err != nil {
		return err
	}
	settings, err := compression.SettingsForTier(tier)
	if err != nil {
		return err
	}

	outputDir := cfg.Compression.OutputDir
	if outDir != "" {
		outputDir = outDir
	}

	log := setupLogger(cfg)
	service := buildService(cfg, outputDir, log)

	results := service.CompressMultiple(context.Background(), args, settings)

	var succeeded, failed int
	var originalTotal, compressedTotal int64
	for _, r := range results {
		if r.Success {
			succeeded++
			originalTotal += r.OriginalSize
			compressedTotal += r.CompressedSize
			if !quiet {
				fmt.Printf("%-12s %s -> %s (%.1f%% saved)\n",
					r.Method, r.InputPath, r.OutputPath, r.Ratio)
			}
		} else {
			failed++
			fmt.Fprintf(os.Stderr, "FAILED %s: %s\n", r.InputPath, r.Error)
		}
	}

	if !quiet {
		fmt.Printf("\n%d compressed, %d failed\n", succeeded, failed)
		if originalTotal > 0 {
			fmt.Printf("Total: %d -> %d bytes (%.1f%% saved)\n",
				originalTotal, compressedTotal,
				(1-float64(compressedTotal)/float64(originalTotal))*100)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(results))
	}
	return nil
}

// runList lists source bucket contents.
func runList() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)

	ctx := context.Background()
	store, err := storage.NewS3Store(ctx, cfg.AWS, cfg.GetAllSupportedExtensions(), log)
	if err != nil {
		return fmt.Errorf("failed to initialize S3 storage: %w", err)
	}

	files, err := store.List(ctx, cfg.AWS.SourceBucket, maxFiles)
	if err != nil {
		return fmt.Errorf("failed to list bucket %s: %w", cfg.AWS.SourceBucket, err)
	}

	if fileType != "" {
		want := strings.ToLower(strings.TrimPrefix(fileType, "."))
		filtered := files[:0]
		for _, f := range files {
			if strings.TrimPrefix(f.Extension, ".") == want {
				filtered = append(filtered, f)
			}
		}
		files = filtered
	}

	if len(files) == 0 {
		fmt.Println("No media files found")
		return nil
	}

	for _, f := range files {
		fmt.Printf("%12d  %s  %s\n", f.Size, f.LastModified.Format("2006-01-02 15:04:05"), f.Key)
	}
	fmt.Printf("\n%d files in %s\n", len(files), cfg.AWS.SourceBucket)

	return nil
}

// runInspect prints metadata for a single local file.
func runInspect(filePath string) error {
	if _, err := os.Stat(filePath); err != nil {
		return fmt.Errorf("cannot access file: %w", err)
	}

	log := logrus.New()
	if !verbose {
		log.SetLevel(logrus.ErrorLevel)
	}

	inspector := metadata.NewInspector(log)

	date, err := inspector.CaptureDate(filePath)
	if err != nil {
		fmt.Printf("Capture date: unknown (%v)\n", err)
	} else {
		fmt.Printf("Capture date: %s\n", date.Format("2006-01-02 15:04:05"))
	}

	fmt.Printf("Compression marker: %v\n", inspector.HasCompressionMark(filePath))

	fields, err := inspector.Describe(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Metadata extraction failed: %v\n", err)
		return nil
	}

	out, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	return nil
}

// buildService assembles the compression service from configuration.
func buildService(cfg *config.Config, outputDir string, log *logrus.Logger) *compression.Service {
	imageComp := compression.NewImageCompressor(outputDir, cfg.Compression.FFmpegPath, cfg.Compression.PreserveMetadata, log)
	videoComp := compression.NewVideoCompressor(outputDir, cfg.Compression.FFmpegPath, compression.VideoOptions{
		Codec:         cfg.Compression.VideoCodec,
		Preset:        cfg.Compression.VideoPreset,
		CRF:           cfg.Compression.VideoCRF,
		AudioBitrate:  cfg.Compression.AudioBitrate,
		SkipThreshold: cfg.Compression.SkipThreshold,
	}, log)

	return compression.NewService(log, imageComp, videoComp)
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    !quiet,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
