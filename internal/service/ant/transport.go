// PiFitSync - ANT-FS synchronization agent for Garmin fitness devices.
// Copyright (C) 2026  Alex Harsányi
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package ant

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/alex-hhh/PiFitSync/internal/service/ant/message"
)

const (
	bulkReadSize = 128

	// readPollTimeout bounds a single bulk read poll; the dongle sends
	// nothing while no device is in range, so timeouts are routine.
	readPollTimeout = 2 * time.Second

	writeTimeout = 2 * time.Second
)

// bulkReader and bulkWriter are the two gousb endpoint capabilities the
// transport needs.  *gousb.InEndpoint and *gousb.OutEndpoint satisfy
// them.
type bulkReader interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type bulkWriter interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

// FrameReadWriter is the byte-oriented frame transport the radio runs
// on.  ReadFrame returns a nil frame when no complete frame arrived
// before the timeout elapsed.
type FrameReadWriter interface {
	ReadFrame(timeout time.Duration) ([]byte, error)
	WriteFrame(frame []byte) error
}

// Transport reads and writes ANT frames over the radio's bulk endpoint
// pair.  Partial reads are buffered across calls, so a frame split over
// several bulk transfers is reassembled transparently.  Only one read
// and one write may be outstanding at a time.
type Transport struct {
	in  bulkReader
	out bulkWriter
	buf []byte
}

// NewTransport wraps the radio's IN and OUT bulk endpoints.
func NewTransport(in bulkReader, out bulkWriter) *Transport {
	return &Transport{in: in, out: out, buf: make([]byte, 0, 1024)}
}

// ReadFrame returns the next complete, checksum-verified frame.  It
// returns nil without error when the timeout elapses first.
func (t *Transport) ReadFrame(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if frame, err := t.takeFrame(); frame != nil || err != nil {
			return frame, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		chunk := make([]byte, bulkReadSize)
		n, err := t.in.ReadContext(ctx, chunk)
		cancel()
		if n > 0 {
			t.buf = append(t.buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, errors.Wrap(err, "bulk read")
		}
	}
}

// takeFrame slices a complete frame out of the receive buffer, or
// returns nil if more bytes are needed.
func (t *Transport) takeFrame() ([]byte, error) {
	// Discard leading garbage up to the sync byte.
	start := 0
	for start < len(t.buf) && t.buf[start] != message.SyncByte {
		start++
	}
	if start > 0 {
		t.buf = t.buf[start:]
	}

	if len(t.buf) < 4 {
		return nil, nil
	}
	size := int(t.buf[1]) + 4
	if len(t.buf) < size {
		return nil, nil
	}

	frame := make([]byte, size)
	copy(frame, t.buf[:size])
	t.buf = t.buf[size:]

	if !message.Verify(frame) {
		return nil, ErrBadChecksum
	}
	return frame, nil
}

// WriteFrame submits one bulk write and waits for it to complete.
func (t *Transport) WriteFrame(frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	n, err := t.out.WriteContext(ctx, frame)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrWriteTimeout
		}
		return errors.Wrap(err, "bulk write")
	}
	if n != len(frame) {
		return errors.Errorf("bulk write: short write, %d of %d bytes", n, len(frame))
	}
	return nil
}
