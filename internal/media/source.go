// Package media provides the broadcaster's local media tracks. The file
// source streams a recorded Annex-B H264 elementary stream on a loop, which
// stands in for live capture (a browser/device collaborator in production).
package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

const readChunk = 4096

// FileSource implements domain.MediaSource over an H264 file.
type FileSource struct {
	log   zerolog.Logger
	file  *os.File
	track *webrtc.TrackLocalStaticSample
	frame time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// NewFileSource opens the H264 file and starts pacing its NAL units onto a
// local video track at the given frame rate. The file is replayed from the
// start when it ends.
func NewFileSource(path string, fps int, log zerolog.Logger) (*FileSource, error) {
	if fps <= 0 {
		fps = 30
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open media file: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video", "tipstream",
	)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}

	s := &FileSource{
		log:   log.With().Str("component", "media").Logger(),
		file:  f,
		track: track,
		frame: time.Second / time.Duration(fps),
		done:  make(chan struct{}),
	}
	go s.stream()
	return s, nil
}

// Tracks returns the source's local tracks.
func (s *FileSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

// Close stops streaming and releases the file.
func (s *FileSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.file.Close()
}

func (s *FileSource) stream() {
	splitter := NewAnnexBSplitter()
	buf := make([]byte, readChunk)
	ticker := time.NewTicker(s.frame)
	defer ticker.Stop()

	for {
		n, err := s.file.Read(buf)
		if n > 0 {
			for _, nalu := range splitter.Feed(buf[:n]) {
				if !s.writeSample(nalu, ticker) {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warn().Err(err).Msg("media read error")
				return
			}
			if tail := splitter.Flush(); tail != nil {
				if !s.writeSample(tail, ticker) {
					return
				}
			}
			if _, err := s.file.Seek(0, io.SeekStart); err != nil {
				s.log.Warn().Err(err).Msg("media rewind failed")
				return
			}
		}
	}
}

// writeSample paces VCL NAL units at the frame interval; parameter sets go
// out immediately alongside the frame they precede.
func (s *FileSource) writeSample(nalu []byte, ticker *time.Ticker) bool {
	if len(nalu) == 0 {
		return true
	}
	if isVCL(nalu) {
		select {
		case <-s.done:
			return false
		case <-ticker.C:
		}
	} else {
		select {
		case <-s.done:
			return false
		default:
		}
	}

	err := s.track.WriteSample(media.Sample{Data: nalu, Duration: s.frame})
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.log.Debug().Err(err).Msg("write sample")
	}
	return true
}

// isVCL reports whether the NAL unit carries picture data (types 1-5).
func isVCL(nalu []byte) bool {
	t := nalu[0] & 0x1f
	return t >= 1 && t <= 5
}
