package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/leopard618/Browser-Softphone/internal/protocol"
)

// ErrUnsupportedEncoding is returned for encodings without a WAV mapping
var ErrUnsupportedEncoding = errors.New("unsupported audio encoding")

// WAV format codes
const (
	FormatPCM   uint16 = 1
	FormatALaw  uint16 = 6
	FormatMuLaw uint16 = 7
)

const headerSize = 44

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16
	AudioFormat   uint16  // 1 PCM, 6 A-law, 7 mu-law
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// formatOf maps a media-stream encoding to its WAV format code and sample width
func formatOf(encoding string) (uint16, uint16, error) {
	switch encoding {
	case protocol.EncodingMulaw, "":
		return FormatMuLaw, 8, nil
	case protocol.EncodingAlaw:
		return FormatALaw, 8, nil
	case protocol.EncodingL16:
		return FormatPCM, 16, nil
	default:
		return 0, 0, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, encoding)
	}
}

// EncodeWAV wraps mono media-stream audio in a WAV container. Companded
// audio is stored as-is; L16 network byte order samples are converted to
// little-endian PCM.
func EncodeWAV(data []byte, sampleRate int, encoding string) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio data")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	audioFormat, bitsPerSample, err := formatOf(encoding)
	if err != nil {
		return nil, err
	}

	if bitsPerSample == 16 && len(data)%2 != 0 {
		return nil, fmt.Errorf("odd byte count %d for 16-bit audio", len(data))
	}

	numChannels := uint16(1)
	dataSize := uint32(len(data))

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   audioFormat,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(data)))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	if audioFormat == FormatPCM {
		for i := 0; i < len(data); i += 2 {
			buf.WriteByte(data[i+1])
			buf.WriteByte(data[i])
		}
	} else {
		buf.Write(data)
	}

	return buf.Bytes(), nil
}

// DecodeWAV returns the sample data and header of a WAV file
func DecodeWAV(data []byte) ([]byte, *WAVHeader, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, nil, err
	}

	end := headerSize + int(header.Subchunk2Size)
	if end > len(data) {
		return nil, nil, fmt.Errorf("WAV data truncated: header declares %d bytes, got %d",
			header.Subchunk2Size, len(data)-headerSize)
	}

	return data[headerSize:end], header, nil
}

func readHeader(data []byte) (*WAVHeader, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if header.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}

	if header.BitsPerSample == 0 || header.BitsPerSample%8 != 0 {
		return nil, fmt.Errorf("unsupported bit depth: %d", header.BitsPerSample)
	}

	return &header, nil
}

// ValidateWAV validates a WAV file format without decoding the audio data
func ValidateWAV(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", headerSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	AudioFormat   uint16  `json:"audio_format"`
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, err
	}

	channels := uint32(header.NumChannels)
	if channels == 0 {
		channels = 1
	}
	numSamples := header.Subchunk2Size / (uint32(header.BitsPerSample) / 8) / channels

	return &WAVInfo{
		AudioFormat:   header.AudioFormat,
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(numSamples) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumSamples:    numSamples,
	}, nil
}

// BytesPerSecond returns the data rate of mono audio in the given encoding
func BytesPerSecond(encoding string, sampleRate int) (int, error) {
	_, bitsPerSample, err := formatOf(encoding)
	if err != nil {
		return 0, err
	}
	return sampleRate * int(bitsPerSample) / 8, nil
}
