package web_rtc

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"
	"strzcam.com/livesign/frame"
	"strzcam.com/livesign/signaling"
)

// vp8ClockRate is the RTP clock of every VP8 stream.
const vp8ClockRate = 90000

const maxLatePackets = 64

type rtpSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
}

// trackReader reassembles VP8 frames from RTP and hands every decodable
// keyframe to the sink.
type trackReader struct {
	source  rtpSource
	sink    signaling.FrameSink
	forward rtpWriter
	builder *samplebuilder.SampleBuilder
	decoder *frame.Decoder

	packets     atomic.Uint64
	samples     atomic.Uint64
	frames      atomic.Uint64
	skipped     atomic.Uint64
	undecodable atomic.Uint64
}

type readerStats struct {
	Packets     uint64
	Samples     uint64
	Frames      uint64
	Skipped     uint64
	Undecodable uint64
}

func newTrackReader(source rtpSource, sink signaling.FrameSink) *trackReader {
	return &trackReader{
		source:  source,
		sink:    sink,
		builder: samplebuilder.New(maxLatePackets, &codecs.VP8Packet{}, vp8ClockRate),
		decoder: frame.NewDecoder(),
	}
}

func (r *trackReader) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, _, err := r.source.ReadRTP()
		if err != nil {
			log.Debugw("RTP read stopped", "error", err)
			return
		}
		r.handlePacket(pkt)
	}
}

func (r *trackReader) handlePacket(pkt *rtp.Packet) {
	r.packets.Add(1)
	if r.forward != nil {
		if err := r.forward.WriteRTP(pkt); err != nil {
			log.Debugw("forwarding RTP failed", "error", err)
		}
	}

	r.builder.Push(pkt)
	for sample := r.builder.Pop(); sample != nil; sample = r.builder.Pop() {
		r.samples.Add(1)
		f, err := r.decoder.Decode(sample.Data)
		switch {
		case errors.Is(err, frame.ErrNotKeyFrame):
			r.skipped.Add(1)
			continue
		case err != nil:
			r.undecodable.Add(1)
			log.Debugw("dropping undecodable frame", "error", err)
			continue
		}
		r.frames.Add(1)
		r.sink.Ingest(f)
	}
}

func (r *trackReader) stats() readerStats {
	return readerStats{
		Packets:     r.packets.Load(),
		Samples:     r.samples.Load(),
		Frames:      r.frames.Load(),
		Skipped:     r.skipped.Load(),
		Undecodable: r.undecodable.Load(),
	}
}
