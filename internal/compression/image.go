package compression

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// SoftwareMark is written into the EXIF Software tag of recompressed JPEGs.
const SoftwareMark = "MediaPipeline Compressed"

var imageExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".tiff": {}, ".tif": {}, ".webp": {}, ".bmp": {},
}

// ImageCompressor compresses raster images, trying the external ffmpeg
// encoder first and falling back to in-process re-encoding.
type ImageCompressor struct {
	outputDir        string
	ffmpegPath       string
	preserveMetadata bool
	log              *logrus.Logger
}

// NewImageCompressor returns a new ImageCompressor writing results into outputDir.
func NewImageCompressor(outputDir, ffmpegPath string, preserveMetadata bool, log *logrus.Logger) *ImageCompressor {
	return &ImageCompressor{
		outputDir:        outputDir,
		ffmpegPath:       ffmpegPath,
		preserveMetadata: preserveMetadata,
		log:              log,
	}
}

// SupportsFormat reports whether the extension is a supported image format.
func (c *ImageCompressor) SupportsFormat(ext string) bool {
	_, ok := imageExtensions[strings.ToLower(ext)]
	return ok
}

// Compress compresses a single image file. A total strategy failure is
// reported through the outcome, not as an error; only calling the method
// with an unsupported extension returns one.
func (c *ImageCompressor) Compress(ctx context.Context, inputPath string, settings Settings) (Outcome, error) {
	ext := strings.ToLower(filepath.Ext(inputPath))
	if !c.SupportsFormat(ext) {
		return Outcome{Method: MethodNone}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	if err := ensureDir(c.outputDir); err != nil {
		return Outcome{Method: MethodNone}, fmt.Errorf("create output dir: %w", err)
	}

	originalSize := fileSize(inputPath)
	outPath := outputPath(c.outputDir, inputPath, "compressed_")

	if c.compressWithFFmpeg(ctx, inputPath, outPath, ext, settings) {
		c.preserveEXIF(inputPath, outPath, ext)
		return Outcome{
			Success:        true,
			Method:         MethodFFmpeg,
			OriginalSize:   originalSize,
			CompressedSize: fileSize(outPath),
			OutputPath:     outPath,
		}, nil
	}

	c.log.Debugf("ffmpeg unavailable or failed for %s, using library fallback", filepath.Base(inputPath))

	if err := c.compressWithLibrary(inputPath, outPath, ext, settings); err != nil {
		c.log.Warnf("Library compression failed for %s: %v", filepath.Base(inputPath), err)
		return Outcome{Method: MethodNone, OriginalSize: originalSize}, nil
	}

	c.preserveEXIF(inputPath, outPath, ext)
	return Outcome{
		Success:        true,
		Method:         MethodLibrary,
		OriginalSize:   originalSize,
		CompressedSize: fileSize(outPath),
		OutputPath:     outPath,
	}, nil
}

// compressWithFFmpeg runs the external encoder with format-specific
// arguments. It returns true only when ffmpeg exits cleanly and the output
// file is non-empty; every failure mode falls through to the library path.
func (c *ImageCompressor) compressWithFFmpeg(ctx context.Context, inputPath, outPath, ext string, settings Settings) bool {
	var args []string

	switch ext {
	case ".jpg", ".jpeg":
		args = []string{
			"-i", inputPath,
			"-c:v", "mjpeg",
			"-q:v", strconv.Itoa(settings.EncoderSpeed),
			"-huffman", "optimal",
			"-y", outPath,
		}
	case ".png":
		args = []string{
			"-i", inputPath,
			"-c:v", "png",
			"-compression_level", strconv.Itoa(settings.LosslessLevel),
			"-pred", "mixed",
			"-y", outPath,
		}
	case ".webp":
		args = []string{
			"-i", inputPath,
			"-c:v", "libwebp",
			"-lossless", "1",
			"-compression_level", "6",
			"-y", outPath,
		}
	default:
		// No external encoder path for tiff/bmp.
		return false
	}

	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	if err := cmd.Run(); err != nil {
		_ = os.Remove(outPath)
		return false
	}

	if !nonEmptyFile(outPath) {
		_ = os.Remove(outPath)
		return false
	}
	return true
}

// compressWithLibrary decodes the image and re-encodes it in process with
// format-specific settings.
func (c *ImageCompressor) compressWithLibrary(inputPath, outPath, ext string, settings Settings) error {
	// Pixels are kept in their stored orientation. The EXIF Orientation
	// tag copied by preserveEXIF stays authoritative; rotating here would
	// make viewers apply the rotation twice.
	img, err := imaging.Open(inputPath)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	switch ext {
	case ".jpg", ".jpeg":
		img = flattenAlpha(img)
		return imaging.Save(img, outPath, imaging.JPEGQuality(settings.LossyQuality))
	case ".png":
		return encodeToFile(outPath, func(w io.Writer) error {
			enc := png.Encoder{CompressionLevel: pngLevel(settings.LosslessLevel)}
			return enc.Encode(w, img)
		})
	case ".tiff", ".tif":
		// The x/image encoder cannot write LZW, only decode it.
		return encodeToFile(outPath, func(w io.Writer) error {
			return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
		})
	case ".webp":
		return encodeToFile(outPath, func(w io.Writer) error {
			return webp.Encode(w, img, &webp.Options{Lossless: true, Quality: 100})
		})
	case ".bmp":
		return encodeToFile(outPath, func(w io.Writer) error {
			return bmp.Encode(w, img)
		})
	default:
		return imaging.Save(img, outPath)
	}
}

// preserveEXIF copies EXIF tags from the source JPEG onto the result and
// stamps the Software marker using the exiftool binary. Best effort.
func (c *ImageCompressor) preserveEXIF(src, dst, ext string) {
	if !c.preserveMetadata || (ext != ".jpg" && ext != ".jpeg") {
		return
	}

	cmdCopy := exec.Command("exiftool", "-TagsFromFile", src, "-overwrite_original", dst)
	if err := cmdCopy.Run(); err != nil {
		c.log.Debugf("exiftool tag copy failed for %s: %v", filepath.Base(dst), err)
		return
	}

	cmdMark := exec.Command("exiftool", "-overwrite_original", "-Software="+SoftwareMark, dst)
	if err := cmdMark.Run(); err != nil {
		c.log.Debugf("exiftool software mark failed for %s: %v", filepath.Base(dst), err)
	}
}

// flattenAlpha composites the image onto an opaque white background. JPEG
// has no alpha channel, so transparent regions must be flattened first.
func flattenAlpha(img image.Image) image.Image {
	if opaque, ok := img.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		return img
	}

	bounds := img.Bounds()
	background := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
	return imaging.Overlay(background, img, image.Pt(0, 0), 1.0)
}

// pngLevel maps the 0-9 lossless level onto the stdlib encoder levels.
func pngLevel(level int) png.CompressionLevel {
	switch {
	case level >= 7:
		return png.BestCompression
	case level <= 3:
		return png.BestSpeed
	default:
		return png.DefaultCompression
	}
}

// encodeToFile writes an encoded image to path, removing the file again if
// encoding fails partway.
func encodeToFile(path string, encode func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := encode(f); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}
