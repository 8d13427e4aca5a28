package compress

import "github.com/haukened/securestore/internal/domain"

// Result describes the outcome of compressing a sample with one algorithm.
type Result struct {
	CompressedSize    int     `json:"compressed_size"`
	Ratio             float64 `json:"compression_ratio"`
	SpaceSaved        int     `json:"space_saved"`
	SpaceSavedPercent float64 `json:"space_saved_percent"`
	Err               string  `json:"error,omitempty"`
}

// Estimate reports how well each algorithm compresses a sample.
type Estimate struct {
	OriginalSize int                               `json:"original_size"`
	Results      map[domain.CompressionType]Result `json:"compression_types"`
}

// Ratio returns compressed/original, 0 for empty input. Lower is better.
func Ratio(original, compressed int) float64 {
	if original == 0 {
		return 0
	}
	return float64(compressed) / float64(original)
}

// EstimateBenefit compresses data with every real algorithm at level and
// reports the sizes.
func EstimateBenefit(data []byte, level int) Estimate {
	est := Estimate{OriginalSize: len(data), Results: make(map[domain.CompressionType]Result)}
	for _, ct := range domain.CompressionTypes {
		if ct == domain.CompressionNone {
			continue
		}
		out, err := Codec{Type: ct, Level: level}.Compress(data)
		if err != nil {
			est.Results[ct] = Result{Err: err.Error()}
			continue
		}
		ratio := Ratio(len(data), len(out))
		est.Results[ct] = Result{
			CompressedSize:    len(out),
			Ratio:             ratio,
			SpaceSaved:        len(data) - len(out),
			SpaceSavedPercent: (1 - ratio) * 100,
		}
	}
	return est
}
