package transcriber

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"transcribeengine/internal/domain"
)

// Stub is the in-process Transcriber used when no real recognition backend
// is wired: it reads the staged file's WAV header for a duration figure and
// returns deterministic placeholder text, so the engine is runnable end to
// end. Composition swaps it for a real implementation; nothing in the core
// special-cases it.
type Stub struct{}

var _ Transcriber = Stub{}

func (Stub) TranscribeSimple(ctx context.Context, path, language string, modelSize domain.ModelSize) (domain.Result, error) {
	return stubResult(ctx, path, language, false)
}

func (Stub) TranscribeWithDiarization(ctx context.Context, path, language string, modelSize domain.ModelSize) (domain.Result, error) {
	return stubResult(ctx, path, language, true)
}

func stubResult(ctx context.Context, path, language string, diarize bool) (domain.Result, error) {
	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}
	duration, err := wavDuration(path)
	if err != nil {
		return domain.Result{}, err
	}

	text := fmt.Sprintf("[stub transcript of %s]", filepath.Base(path))
	segment := domain.Segment{Start: 0, End: duration, Text: text}
	result := domain.Result{
		Text:     text,
		Segments: []domain.Segment{segment},
		Duration: duration,
		Language: language,
	}
	if diarize {
		result.Segments[0].Speaker = "SPEAKER_00"
		result.Speakers = []string{"SPEAKER_00"}
		result.DiarizationType = "stub"
	}
	return result, nil
}

// wavDuration derives the audio duration from a canonical RIFF/WAVE header:
// data chunk size divided by the fmt chunk's byte rate. Non-WAV inputs get
// duration 0 rather than an error, matching how the engine treats duration
// as advisory metadata.
func wavDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("stub transcriber: %w", err)
	}
	defer f.Close()

	header := make([]byte, 12)
	if _, err := f.Read(header); err != nil {
		return 0, nil
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return 0, nil
	}

	var byteRate uint32
	chunk := make([]byte, 8)
	for {
		if _, err := f.Read(chunk); err != nil {
			return 0, nil
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])
		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := f.Read(body); err != nil || size < 16 {
				return 0, nil
			}
			byteRate = binary.LittleEndian.Uint32(body[8:12])
		case "data":
			if byteRate == 0 {
				return 0, nil
			}
			return float64(size) / float64(byteRate), nil
		default:
			if _, err := f.Seek(int64(size), 1); err != nil {
				return 0, nil
			}
		}
	}
}
