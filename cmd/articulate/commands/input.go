package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManveerAnand/articulate3D/pkg/audio"
	"github.com/ManveerAnand/articulate3D/pkg/controller"
	"github.com/ManveerAnand/articulate3D/pkg/protocol"
)

// session is the user side of a controller: it turns input lines into
// commands for the worker.
type session struct {
	d      *controller.Dispatcher
	model  string
	method protocol.Method
	// rate is the sample rate of raw PCM files.
	rate int
	log  *slog.Logger
}

// readLines sends one command per input line until r is exhausted or ctx
// is done. Lines of the form
//
//	@path/to/recording.wav   send an audio file
//	/model NAME              switch the session's model
//	/method NAME             switch the session's audio method
//
// are handled specially; anything else is a typed command.
func (s *session) readLines(ctx context.Context, r io.Reader) error {
	// Scan on a separate goroutine so a blocked read does not outlive ctx.
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return ctx.Err()
				}
			}
			if err := s.handle(strings.TrimSpace(line)); err != nil {
				if protocol.KindOf(err) == protocol.KindChannelClosed {
					return err
				}
				s.log.Warn("command not sent", "error", err)
			}
		}
	}
}

func (s *session) handle(line string) error {
	switch {
	case line == "" || strings.HasPrefix(line, "#"):
		return nil
	case strings.HasPrefix(line, "@"):
		return s.sendAudio(strings.TrimSpace(line[1:]))
	case strings.HasPrefix(line, "/model "):
		s.model = strings.TrimSpace(strings.TrimPrefix(line, "/model "))
		return s.d.Configure(s.model, s.method)
	case strings.HasPrefix(line, "/method "):
		m, err := protocol.ParseMethod(strings.TrimSpace(strings.TrimPrefix(line, "/method ")))
		if err != nil {
			return err
		}
		s.method = m
		return s.d.Configure(s.model, s.method)
	default:
		return s.d.ProcessText(line, nil)
	}
}

// sendAudio reads a recording and submits it. WAV files carry their own
// format; anything else is taken as 16-bit little-endian mono PCM at
// s.rate.
func (s *session) sendAudio(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f := protocol.AudioFormat{Encoding: protocol.EncodingPCM, SampleRate: s.rate, Channels: 1}
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		_, wf, err := audio.DecodeWAV(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		f = protocol.AudioFormat{Encoding: protocol.EncodingWAV, SampleRate: wf.SampleRate, Channels: wf.Channels}
	}
	s.log.Debug("sending audio", "path", path, "bytes", len(data), "sample_rate", f.SampleRate)
	return s.d.ProcessAudio(data, f, nil, "", "")
}

// waitIdle returns once nothing has been queued or awaited for quiet, or
// when ctx is done.
func waitIdle(ctx context.Context, d *controller.Dispatcher, quiet time.Duration) {
	const poll = 50 * time.Millisecond
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	var idle time.Duration
	for idle < quiet {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if d.Awaiting() == 0 && d.Pending() == 0 {
			idle += poll
		} else {
			idle = 0
		}
	}
}
