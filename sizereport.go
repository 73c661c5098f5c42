package workerdev

import (
	"bytes"
	"fmt"
	"os"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
)

// BundleSize is the raw and brotli-compressed size of a bundle file.
type BundleSize struct {
	Raw        int
	Compressed int
}

func (s BundleSize) String() string {
	return fmt.Sprintf("%.2f KiB / brotli: %.2f KiB", float64(s.Raw)/1024, float64(s.Compressed)/1024)
}

// MeasureBundle compresses the file at path to estimate its upload size.
func MeasureBundle(path string) (BundleSize, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BundleSize{}, err
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(data); err != nil {
		return BundleSize{}, fmt.Errorf("compressing bundle: %w", err)
	}
	if err := w.Close(); err != nil {
		return BundleSize{}, fmt.Errorf("compressing bundle: %w", err)
	}
	return BundleSize{Raw: len(data), Compressed: buf.Len()}, nil
}

func reportBundleSize(logger zerolog.Logger, path string) {
	size, err := MeasureBundle(path)
	if err != nil {
		logger.Debug().Err(err).Str("path", path).Msg("could not measure bundle")
		return
	}
	logger.Info().Str("size", size.String()).Msg("bundle built")
}
