// Command mock-transcriber is a stand-in speech-to-text backend for local
// runs of the relay. It accepts the relay's multipart chunk uploads, logs
// them and answers with a fixed transcript.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/leopard618/Browser-Softphone/internal/audio"
	"github.com/leopard618/Browser-Softphone/internal/transcription"
)

var (
	address string
	delay   time.Duration
	text    string
)

var rootCmd = &cobra.Command{
	Use:          "mock-transcriber",
	Short:        "Fake transcription backend for local testing",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
		gin.SetMode(gin.ReleaseMode)

		logger.Info("Mock transcription server starting",
			slog.String("address", address),
			slog.String("endpoint", fmt.Sprintf("http://%s/transcribe", address)),
		)
		return http.ListenAndServe(address, newRouter(logger, delay, text))
	},
}

func init() {
	rootCmd.Flags().StringVar(&address, "address", "localhost:9000", "Listen address")
	rootCmd.Flags().DurationVar(&delay, "delay", 200*time.Millisecond, "Simulated processing time per chunk")
	rootCmd.Flags().StringVar(&text, "text", "This is a test transcription of the audio chunk.", "Transcript returned for every chunk")
}

func newRouter(logger *slog.Logger, delay time.Duration, text string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/transcribe", transcribeHandler(logger, delay, text))
	return r
}

func transcribeHandler(logger *slog.Logger, delay time.Duration, text string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header, err := c.FormFile("file")
		if err != nil {
			c.String(http.StatusBadRequest, "Error getting audio file")
			return
		}

		file, err := header.Open()
		if err != nil {
			c.String(http.StatusInternalServerError, "Error opening audio file")
			return
		}
		defer file.Close()

		audioData, err := io.ReadAll(file)
		if err != nil {
			c.String(http.StatusInternalServerError, "Error reading audio file")
			return
		}

		chunkID := c.PostForm("chunk_id")
		duration, _ := strconv.ParseFloat(c.PostForm("duration"), 64)

		if filepath.Ext(header.Filename) == ".wav" {
			samples, _, err := audio.DecodeWAV(audioData)
			if err != nil {
				logger.Warn("Rejected invalid WAV upload",
					slog.String("chunk_id", chunkID),
					slog.String("error", err.Error()),
				)
				c.String(http.StatusBadRequest, "Invalid WAV file: %v", err)
				return
			}
			info, _ := audio.GetWAVInfo(audioData)
			logger.Debug("WAV upload decoded",
				slog.String("chunk_id", chunkID),
				slog.Int("audio_format", int(info.AudioFormat)),
				slog.Int("sample_rate", int(info.SampleRate)),
				slog.Float64("wav_duration", info.Duration),
				slog.Int("samples_bytes", len(samples)),
			)
		}

		logger.Info("Transcription request received",
			slog.String("request_id", c.PostForm("request_id")),
			slog.String("chunk_id", chunkID),
			slog.String("sequence", c.PostForm("sequence")),
			slog.String("session_id", c.PostForm("session_id")),
			slog.String("call_sid", c.PostForm("call_sid")),
			slog.String("encoding", c.PostForm("encoding")),
			slog.String("offset", c.PostForm("offset")),
			slog.Float64("duration", duration),
			slog.String("filename", header.Filename),
			slog.Int("audio_size", len(audioData)),
		)

		if delay > 0 {
			time.Sleep(delay)
		}

		if c.PostForm("response_format") == "text" {
			c.String(http.StatusOK, text)
			return
		}

		c.JSON(http.StatusOK, transcription.Response{
			ChunkID:     chunkID,
			Text:        text,
			Confidence:  0.95,
			Language:    c.DefaultPostForm("language", "en"),
			Duration:    duration,
			ProcessedAt: time.Now(),
		})
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
