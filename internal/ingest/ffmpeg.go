package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// maxFrameBytes caps a single JPEG frame read from ffmpeg.
const maxFrameBytes = 10 * 1024 * 1024

// errFrameLimit stops reading once enough frames have been delivered.
var errFrameLimit = errors.New("frame limit reached")

// FrameCallback receives each extracted JPEG frame. Returning an error
// stops extraction.
type FrameCallback func(index int, frame []byte) error

// FrameExtractor samples JPEG frames from a video file with ffmpeg.
type FrameExtractor struct {
	FFmpegPath string
}

func NewFrameExtractor(ffmpegPath string) *FrameExtractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FrameExtractor{FFmpegPath: ffmpegPath}
}

// Extract decodes videoPath at fps frames per second scaled to width and
// calls cb for up to maxFrames frames (0 means all). It returns the number
// of frames delivered.
func (e *FrameExtractor) Extract(ctx context.Context, videoPath string, fps, width, maxFrames int, cb FrameCallback) (int, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.FFmpegPath, ffmpegArgs(videoPath, fps, width)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start ffmpeg: %w", err)
	}

	var stderrTail bytes.Buffer
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			slog.Debug("ffmpeg stderr", "output", line)
			if stderrTail.Len() < 4096 {
				stderrTail.WriteString(line)
				stderrTail.WriteByte('\n')
			}
		}
	}()

	count := 0
	readErr := readJPEGFrames(stdout, func(frame []byte) error {
		if err := cb(count, frame); err != nil {
			return err
		}
		count++
		if maxFrames > 0 && count >= maxFrames {
			return errFrameLimit
		}
		return nil
	})

	limited := errors.Is(readErr, errFrameLimit)
	if limited || readErr != nil {
		// ffmpeg may still be writing; stop it so Wait returns.
		cancel()
		_, _ = io.Copy(io.Discard, stdout)
	}
	<-stderrDone
	waitErr := cmd.Wait()

	switch {
	case limited:
		return count, nil
	case readErr != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return count, ctxErr
		}
		return count, fmt.Errorf("read frames: %w", readErr)
	case ctx.Err() != nil:
		return count, ctx.Err()
	case waitErr != nil:
		return count, fmt.Errorf("ffmpeg: %w: %s", waitErr, strings.TrimSpace(stderrTail.String()))
	case count == 0:
		return 0, fmt.Errorf("no frames decoded from %s", videoPath)
	}
	return count, nil
}

func ffmpegArgs(videoPath string, fps, width int) []string {
	filter := fmt.Sprintf("fps=%d", fps)
	if width > 0 {
		filter += fmt.Sprintf(",scale=%d:-1", width)
	}
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-i", videoPath,
		"-vf", filter,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	}
}

// readJPEGFrames splits a stream of concatenated JPEG images on SOI/EOI
// markers. A clean EOF between frames ends the stream without error.
func readJPEGFrames(r io.Reader, callback func([]byte) error) error {
	reader := bufio.NewReaderSize(r, 512*1024)

	for {
		if err := findJPEGStart(reader); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		frame, err := readUntilJPEGEnd(reader)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		if err := callback(frame); err != nil {
			return err
		}
	}
}

func findJPEGStart(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b != 0xFF {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return err
		}
		if b == 0xD8 {
			return nil
		}
	}
}

func readUntilJPEGEnd(r *bufio.Reader) ([]byte, error) {
	data := []byte{0xFF, 0xD8}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)

		if b == 0xFF {
			next, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			data = append(data, next)
			if next == 0xD9 {
				return data, nil
			}
		}

		if len(data) > maxFrameBytes {
			return nil, fmt.Errorf("jpeg frame too large: %d bytes", len(data))
		}
	}
}
