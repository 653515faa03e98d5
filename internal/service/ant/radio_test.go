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
	"bytes"
	"io"
	"log"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/alex-hhh/PiFitSync/internal/service/ant/message"
)

// fakeRadioLink simulates the dongle at the frame level: control
// writes are answered from a canned protocol model, and tests can
// queue inbound frames ahead of the replies to exercise the delayed
// queue.
type fakeRadioLink struct {
	written    [][]byte
	inbound    [][]byte
	failStatus byte // non-zero status for control replies
}

func (f *fakeRadioLink) WriteFrame(frame []byte) error {
	f.written = append(f.written, append([]byte(nil), frame...))
	f.respond(frame)
	return nil
}

func (f *fakeRadioLink) ReadFrame(timeout time.Duration) ([]byte, error) {
	if len(f.inbound) == 0 {
		return nil, nil
	}
	frame := f.inbound[0]
	f.inbound = f.inbound[1:]
	return frame, nil
}

func (f *fakeRadioLink) push(frames ...[]byte) {
	f.inbound = append(f.inbound, frames...)
}

func (f *fakeRadioLink) respond(frame []byte) {
	switch frame[2] {
	case message.ResetSystem:
		f.push(message.Make(message.StartupMessage, 0x20))
	case message.RequestMessage:
		switch frame[4] {
		case message.ResponseSerialNumber:
			f.push(message.Make(message.ResponseSerialNumber, 42, 0, 0, 0))
		case message.ResponseVersion:
			f.push(message.Make(message.ResponseVersion, []byte("AJK1.23\x00")...))
		case message.ResponseCapabilities:
			f.push(message.Make(message.ResponseCapabilities, 8, 3, 0, 0))
		}
	case message.AssignChannel, message.SetChannelID, message.SetSearchWaveform,
		message.SetChannelPeriod, message.SetChannelSearchTimeout,
		message.SetChannelRfFreq, message.OpenChannel, message.CloseChannel,
		message.UnassignChannel, message.SetNetworkKey:
		f.push(message.Make(message.ResponseChannel, frame[3], frame[2], f.failStatus))
	}
}

func (f *fakeRadioLink) writtenIDs() []byte {
	ids := make([]byte, 0, len(f.written))
	for _, w := range f.written {
		ids = append(ids, w[2])
	}
	return ids
}

type recordingHandler struct {
	frames [][]byte
	closed bool
}

func (h *recordingHandler) HandleMessage(frame []byte) {
	h.frames = append(h.frames, append([]byte(nil), frame...))
}

func (h *recordingHandler) ChannelClosed() { h.closed = true }

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestRadio(t *testing.T) (*Radio, *fakeRadioLink) {
	t.Helper()
	link := &fakeRadioLink{}
	radio, err := NewRadio(link, testLogger())
	if err != nil {
		t.Fatalf("NewRadio: %v", err)
	}
	return radio, link
}

func TestRadioInit(t *testing.T) {
	radio, _ := newTestRadio(t)
	if radio.SerialNumber() != 42 {
		t.Errorf("serial %d, want 42", radio.SerialNumber())
	}
	if radio.Version() != "AJK1.23" {
		t.Errorf("version %q, want AJK1.23", radio.Version())
	}
	if radio.MaxChannels() != 8 || radio.MaxNetworks() != 3 {
		t.Errorf("capabilities %d/%d, want 8/3",
			radio.MaxChannels(), radio.MaxNetworks())
	}
}

func TestSetNetworkKey(t *testing.T) {
	radio, link := newTestRadio(t)
	key := [8]byte{0xA8, 0xA4, 0x23, 0xB9, 0xF5, 0x5E, 0x63, 0xC1}
	if err := radio.SetNetworkKey(key); err != nil {
		t.Fatalf("SetNetworkKey: %v", err)
	}
	last := link.written[len(link.written)-1]
	if last[2] != message.SetNetworkKey || last[3] != 0 {
		t.Errorf("unexpected frame % X", last)
	}
	if !bytes.Equal(last[4:12], key[:]) {
		t.Errorf("key % X, want % X", last[4:12], key)
	}
	if radio.Network() != 0 {
		t.Errorf("network %d, want 0", radio.Network())
	}
}

func TestSetNetworkKeyRejected(t *testing.T) {
	radio, link := newTestRadio(t)
	link.failStatus = 0x28
	err := radio.SetNetworkKey([8]byte{})
	var ctrlErr ChannelControlError
	if !errors.As(err, &ctrlErr) {
		t.Fatalf("error %v, want ChannelControlError", err)
	}
	if ctrlErr.Cmd != message.SetNetworkKey || ctrlErr.Status != 0x28 {
		t.Errorf("error %+v", ctrlErr)
	}
}

func openTestChannel(t *testing.T, radio *Radio, handler Handler) *Channel {
	t.Helper()
	cfg := ChannelConfig{Period: 4096, SearchTimeout: 0xFF, RfFreq: 50}
	ch, err := NewChannel(radio, 0, 0, 0, cfg, handler)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	return ch
}

func TestChannelLifecycle(t *testing.T) {
	radio, link := newTestRadio(t)
	start := len(link.written)
	openTestChannel(t, radio, &recordingHandler{})

	want := []byte{
		message.AssignChannel,
		message.SetChannelID,
		message.SetSearchWaveform,
		message.SetChannelPeriod,
		message.SetChannelSearchTimeout,
		message.SetChannelRfFreq,
		message.OpenChannel,
	}
	if got := link.writtenIDs()[start:]; !bytes.Equal(got, want) {
		t.Errorf("control sequence % X, want % X", got, want)
	}
	// Search waveform is the vendor documented 0x0053.
	for _, w := range link.written[start:] {
		if w[2] == message.SetSearchWaveform &&
			(w[4] != 0x53 || w[5] != 0x00) {
			t.Errorf("search waveform payload % X, want 53 00", w[4:6])
		}
	}
}

func TestChannelSetupFails(t *testing.T) {
	radio, link := newTestRadio(t)
	link.failStatus = 0x15
	_, err := NewChannel(radio, 0, 0, 0, ChannelConfig{}, &recordingHandler{})
	var ctrlErr ChannelControlError
	if !errors.As(err, &ctrlErr) {
		t.Fatalf("error %v, want ChannelControlError", err)
	}
}

func TestChannelCloseHandshake(t *testing.T) {
	radio, link := newTestRadio(t)
	handler := &recordingHandler{}
	ch := openTestChannel(t, radio, handler)

	if err := ch.RequestClose(); err != nil {
		t.Fatalf("RequestClose: %v", err)
	}
	if handler.closed {
		t.Fatal("handler closed before the channel closed event")
	}

	// The closed event arrives on the inbound stream; the channel must
	// unassign itself and notify the handler.
	link.push(message.Make(message.ResponseChannel, 0, 0x01, message.EventChannelClosed))
	if err := radio.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !handler.closed {
		t.Error("handler not notified of channel close")
	}
	last := link.written[len(link.written)-1]
	if last[2] != message.UnassignChannel {
		t.Errorf("last control frame 0x%02X, want UNASSIGN_CHANNEL", last[2])
	}
}

func TestDelayedQueueOrdering(t *testing.T) {
	radio, link := newTestRadio(t)
	handler := &recordingHandler{}
	openTestChannel(t, radio, handler)

	data1 := message.Make(message.BroadcastData, 0, 1, 1, 1, 1, 1, 1, 1, 1)
	data2 := message.Make(message.BurstTransferData, 0, 2, 2, 2, 2, 2, 2, 2, 2)

	// Data frames arrive while a synchronous control request is in
	// flight; they must be set aside, not consumed as the reply.
	link.push(data1, data2)
	if err := radio.SetNetworkKey([8]byte{}); err != nil {
		t.Fatalf("SetNetworkKey: %v", err)
	}
	if len(handler.frames) != 0 {
		t.Fatal("data frames delivered during a control request")
	}

	// A frame arriving after the control exchange must be delivered
	// after the delayed ones.
	data3 := message.Make(message.BroadcastData, 0, 3, 3, 3, 3, 3, 3, 3, 3)
	link.push(data3)

	for i := 0; i < 3; i++ {
		if err := radio.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	want := [][]byte{data1, data2, data3}
	if len(handler.frames) != len(want) {
		t.Fatalf("%d frames delivered, want %d", len(handler.frames), len(want))
	}
	for i := range want {
		if !bytes.Equal(handler.frames[i], want[i]) {
			t.Errorf("frame %d: % X, want % X", i, handler.frames[i], want[i])
		}
	}
}

func TestDispatchBurstChannelMask(t *testing.T) {
	radio, link := newTestRadio(t)
	handler := &recordingHandler{}
	openTestChannel(t, radio, handler)

	// Burst frames carry the sequence number in the top bits of the
	// channel byte; dispatch must mask it off.
	burst := message.Make(message.BurstTransferData, 0x40, 1, 2, 3, 4, 5, 6, 7, 8)
	link.push(burst)
	if err := radio.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(handler.frames) != 1 {
		t.Fatalf("%d frames delivered, want 1", len(handler.frames))
	}
}
