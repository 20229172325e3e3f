package flash

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/PicoPiece/ats-ats-node/internal/hardware"
	"github.com/PicoPiece/ats-ats-node/internal/retry"
)

// Wire protocol with the target's bootloader. Line-oriented: the host
// sends a command line, the device answers "OK", "ERR <reason>", or a
// hex digest. Image bytes stream raw in fixed chunks, each acked.
const (
	cmdSync   = "SYNC\n"
	cmdHash   = "HASH\n"
	cmdRun    = "RUN\n"
	chunkSize = 4096

	// lineTimeout bounds the wait for a single device response line.
	lineTimeout = 5 * time.Second
)

var (
	// ErrImageMissing and ErrImageEmpty are structural problems with
	// the artifact itself. Fatal, never retried.
	ErrImageMissing = errors.New("firmware image missing")
	ErrImageEmpty   = errors.New("firmware image empty")

	// ErrImageCorrupt means the image digest does not match the
	// checksum the manifest promised. Fatal.
	ErrImageCorrupt = errors.New("firmware image corrupt")

	// ErrRejected means the device refused the image header. Fatal.
	ErrRejected = errors.New("device rejected image")

	// ErrVerify means the transfer completed but the device's
	// read-back digest disagrees. Transient up to the retry bound.
	ErrVerify = errors.New("flash verification failed")
)

// Outcome is the terminal state of one flash job.
type Outcome string

const (
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomeFailedTransient Outcome = "failed-transient"
	OutcomeFailedFatal     Outcome = "failed-fatal"
)

// Job tracks one flashing effort: attempts used, bytes moved and the
// final outcome. Returned even on failure so the aggregator can report
// what happened.
type Job struct {
	Attempts      int
	BytesWritten  int64
	Checksum      string
	Outcome       Outcome
	Duration      time.Duration
	FailureReason string
}

// Flasher writes a firmware image to a resolved device, verifying the
// transfer and retrying transient faults. It holds the port
// exclusively during each attempt and always releases it before
// returning.
type Flasher struct {
	opener   hardware.Opener
	log      *zap.Logger
	sleep    retry.SleepFunc
	progress io.Writer
}

func New(opener hardware.Opener, log *zap.Logger) *Flasher {
	return &Flasher{
		opener:   opener,
		log:      log,
		sleep:    retry.Sleep,
		progress: io.Discard,
	}
}

// WithProgress directs transfer progress output (a byte-count bar) to w.
func (f *Flasher) WithProgress(w io.Writer) *Flasher {
	f.progress = w
	return f
}

// WithSleep substitutes the inter-attempt sleep. Test hook.
func (f *Flasher) WithSleep(s retry.SleepFunc) *Flasher {
	f.sleep = s
	return f
}

// Checksum computes the hex BLAKE3 digest of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Flash writes the image at imagePath to the device described by desc.
// expectedChecksum, when non-empty, is compared against the image
// before any byte is sent. Transient faults (port busy, IO timeouts,
// verification mismatches) retry under policy; structural faults stop
// immediately. The Job is returned alongside any error.
func (f *Flasher) Flash(ctx context.Context, desc *hardware.Descriptor, imagePath, expectedChecksum string, policy retry.Policy) (*Job, error) {
	start := time.Now()
	job := &Job{Outcome: OutcomeFailedFatal}

	image, err := os.ReadFile(imagePath)
	if err != nil {
		job.FailureReason = fmt.Sprintf("read %s: %v", imagePath, err)
		job.Duration = time.Since(start)
		return job, fmt.Errorf("%w: %s", ErrImageMissing, imagePath)
	}
	if len(image) == 0 {
		job.FailureReason = imagePath + " has no content"
		job.Duration = time.Since(start)
		return job, fmt.Errorf("%w: %s", ErrImageEmpty, imagePath)
	}

	digest := Checksum(image)
	job.Checksum = digest
	if expectedChecksum != "" && !strings.EqualFold(digest, expectedChecksum) {
		job.FailureReason = fmt.Sprintf("digest %s, manifest expects %s", digest, expectedChecksum)
		job.Duration = time.Since(start)
		return job, fmt.Errorf("%w: %s", ErrImageCorrupt, job.FailureReason)
	}

	err = retry.Do(ctx, policy, f.sleep, func(err error) bool {
		return !errors.Is(err, ErrRejected)
	}, func(attempt int) error {
		job.Attempts = attempt
		f.log.Info("flashing firmware",
			zap.String("port", desc.Port),
			zap.Int("attempt", attempt),
			zap.Int("bytes", len(image)))

		written, attemptErr := f.attempt(ctx, desc, image, digest)
		job.BytesWritten = written
		if attemptErr != nil {
			f.log.Warn("flash attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(attemptErr))
		}
		return attemptErr
	})

	job.Duration = time.Since(start)
	if err != nil {
		job.FailureReason = err.Error()
		if errors.Is(err, ErrRejected) {
			job.Outcome = OutcomeFailedFatal
		} else {
			job.Outcome = OutcomeFailedTransient
		}
		return job, err
	}

	job.Outcome = OutcomeSucceeded
	f.log.Info("flash verified",
		zap.String("checksum", digest),
		zap.Int("attempts", job.Attempts),
		zap.Duration("took", job.Duration))
	return job, nil
}

// attempt performs one full open→sync→transfer→verify→release cycle.
func (f *Flasher) attempt(ctx context.Context, desc *hardware.Descriptor, image []byte, digest string) (int64, error) {
	port, err := f.opener.Open(desc.Port, desc.BaudRate)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", desc.Port, err)
	}
	defer port.Close()

	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		return 0, fmt.Errorf("set read timeout: %w", err)
	}

	if err := f.command(ctx, port, cmdSync); err != nil {
		return 0, fmt.Errorf("bootloader sync: %w", err)
	}

	header := fmt.Sprintf("LOAD %d %s\n", len(image), digest)
	if _, err := io.WriteString(port, header); err != nil {
		return 0, fmt.Errorf("send header: %w", err)
	}
	line, err := f.readLine(ctx, port)
	if err != nil {
		return 0, fmt.Errorf("header response: %w", err)
	}
	if strings.HasPrefix(line, "ERR") {
		return 0, fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(strings.TrimPrefix(line, "ERR")))
	}
	if line != "OK" {
		return 0, fmt.Errorf("unexpected header response %q", line)
	}

	bar := progressbar.NewOptions64(int64(len(image)),
		progressbar.OptionSetWriter(f.progress),
		progressbar.OptionSetDescription("flashing"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)

	var written int64
	for off := 0; off < len(image); off += chunkSize {
		end := off + chunkSize
		if end > len(image) {
			end = len(image)
		}
		chunk := image[off:end]

		n, err := port.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write at %d: %w", off, err)
		}
		if n != len(chunk) {
			return written, fmt.Errorf("short write at %d: %d of %d", off, n, len(chunk))
		}
		if line, err := f.readLine(ctx, port); err != nil {
			return written, fmt.Errorf("chunk ack at %d: %w", off, err)
		} else if line != "OK" {
			return written, fmt.Errorf("chunk nak at %d: %q", off, line)
		}
		bar.Add(len(chunk))
	}
	bar.Finish()

	if _, err := io.WriteString(port, cmdHash); err != nil {
		return written, fmt.Errorf("request digest: %w", err)
	}
	reported, err := f.readLine(ctx, port)
	if err != nil {
		return written, fmt.Errorf("read digest: %w", err)
	}
	if !strings.EqualFold(reported, digest) {
		return written, fmt.Errorf("%w: device reports %s, expected %s", ErrVerify, reported, digest)
	}

	// Reset into the application so the test runner finds it booted.
	// Best effort: a device that verified but ignores RUN still gets
	// a power-on reset from the runner side.
	if _, err := io.WriteString(port, cmdRun); err == nil {
		if _, err := f.readLine(ctx, port); err != nil {
			f.log.Warn("device did not acknowledge reset", zap.Error(err))
		}
	}

	return written, nil
}

// command sends one line and expects an OK back.
func (f *Flasher) command(ctx context.Context, port hardware.Port, cmd string) error {
	if _, err := io.WriteString(port, cmd); err != nil {
		return err
	}
	line, err := f.readLine(ctx, port)
	if err != nil {
		return err
	}
	if line != "OK" {
		return fmt.Errorf("expected OK, got %q", line)
	}
	return nil
}

// readLine accumulates bytes until a newline, bounded by lineTimeout
// and the context. Serial reads return zero bytes on their own
// timeout, so the loop polls until the deadline.
func (f *Flasher) readLine(ctx context.Context, port hardware.Port) (string, error) {
	deadline := time.Now().Add(lineTimeout)
	var sb strings.Builder
	buf := make([]byte, 64)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("timeout waiting for device response")
		}

		n, err := port.Read(buf)
		if err != nil {
			return "", err
		}
		for i := 0; i < n; i++ {
			if buf[i] == '\n' {
				return strings.TrimRight(sb.String(), "\r"), nil
			}
			sb.WriteByte(buf[i])
		}
	}
}
