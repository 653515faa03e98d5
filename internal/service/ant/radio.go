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

// Package ant drives an ANT USB radio: frame transport over the bulk
// endpoint pair, radio initialisation and channel lifecycle.
//
// The radio mixes synchronous control requests (write a command, wait
// for its reply) with an asynchronous stream of data frames.  Data
// class frames that arrive while a control reply is awaited are parked
// in a FIFO and replayed, in order, before the transport is polled
// again.  Per channel, handlers therefore see frames in radio delivery
// order.
package ant

import (
	"log"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"

	"github.com/alex-hhh/PiFitSync/internal/service/ant/message"
)

// Vendor/product ids of the supported ANT USB radios.
var radioIDs = []struct{ vid, pid gousb.ID }{
	{0x0FCF, 0x1008},
	{0x0FCF, 0x1009},
}

const tickPollTimeout = 100 * time.Millisecond

// Radio owns the ANT USB dongle: the device handle, the two bulk
// endpoints and the channels assigned on it.
type Radio struct {
	transport FrameReadWriter
	closeUSB  func()
	logger    *log.Logger

	serial      uint32
	version     string
	maxChannels int
	maxNetworks int
	network     int

	channels []*Channel
	delayed  [][]byte // data frames set aside while awaiting a control reply
}

// Open finds the ANT radio on the USB bus, claims it and brings it to a
// known state: reset, startup message consumed, serial number, version
// and capabilities retained.
func Open(logger *log.Logger) (*Radio, error) {
	ctx := gousb.NewContext()

	dev, err := openRadioDevice(ctx)
	if err != nil {
		ctx.Close()
		return nil, err
	}

	// Moves any kernel driver out of the way before the interface is
	// claimed.  Not attached is not an error.
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, errors.Wrap(err, "auto detach")
	}
	if err := dev.Reset(); err != nil {
		dev.Close()
		ctx.Close()
		return nil, errors.Wrap(err, "device reset")
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, errors.Wrap(err, "claim configuration 1")
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, errors.Wrap(err, "claim interface 0")
	}

	in, out, err := radioEndpoints(intf)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, err
	}

	r := &Radio{
		transport: NewTransport(in, out),
		logger:    logger,
		network:   -1,
		closeUSB: func() {
			intf.Close()
			cfg.Close()
			dev.Close()
			ctx.Close()
		},
	}
	if err := r.init(); err != nil {
		r.closeUSB()
		return nil, err
	}
	return r, nil
}

// NewRadio builds a radio over an already opened frame transport and
// runs the initialisation sequence on it.
func NewRadio(transport FrameReadWriter, logger *log.Logger) (*Radio, error) {
	r := &Radio{transport: transport, logger: logger, network: -1}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func openRadioDevice(ctx *gousb.Context) (*gousb.Device, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, id := range radioIDs {
			if desc.Vendor == id.vid && desc.Product == id.pid {
				return true
			}
		}
		return false
	})
	// OpenDevices can return both devices and an error; keep the first
	// device and close the rest.
	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil {
			dev = d
		} else {
			d.Close()
		}
	}
	if dev == nil {
		if err != nil {
			return nil, errors.Wrap(err, "usb device scan")
		}
		return nil, ErrRadioNotFound
	}
	return dev, nil
}

// radioEndpoints locates the single IN and single OUT bulk endpoint on
// the default alt setting.
func radioEndpoints(intf *gousb.Interface) (*gousb.InEndpoint, *gousb.OutEndpoint, error) {
	var in *gousb.InEndpoint
	var out *gousb.OutEndpoint
	for _, ep := range intf.Setting.Endpoints {
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			e, err := intf.InEndpoint(ep.Number)
			if err != nil {
				return nil, nil, errors.Wrap(err, "in endpoint")
			}
			in = e
		case gousb.EndpointDirectionOut:
			e, err := intf.OutEndpoint(ep.Number)
			if err != nil {
				return nil, nil, errors.Wrap(err, "out endpoint")
			}
			out = e
		}
	}
	if in == nil || out == nil {
		return nil, nil, errors.New("radio interface is missing a bulk endpoint pair")
	}
	return in, out, nil
}

func (r *Radio) init() error {
	if err := r.reset(); err != nil {
		return err
	}
	return r.queryInfo()
}

// Close releases the USB device.  Channels still assigned are closed
// best effort first.
func (r *Radio) Close() {
	for len(r.channels) > 0 {
		r.channels[0].Close()
	}
	if r.closeUSB != nil {
		r.closeUSB()
	}
}

// SerialNumber returns the radio's own serial number; it doubles as the
// host serial advertised to ANT-FS clients.
func (r *Radio) SerialNumber() uint32 { return r.serial }

// Version returns the radio firmware version string.
func (r *Radio) Version() string { return r.version }

// MaxChannels returns the number of channels the radio supports.
func (r *Radio) MaxChannels() int { return r.maxChannels }

// MaxNetworks returns the number of networks the radio supports.
func (r *Radio) MaxNetworks() int { return r.maxNetworks }

// Network returns the network number channels should be assigned to.
func (r *Radio) Network() byte { return byte(r.network) }

// WriteFrame sends a complete frame to the radio.
func (r *Radio) WriteFrame(frame []byte) error {
	return r.transport.WriteFrame(frame)
}

// setAside reports whether a frame is data class and must not be
// consumed as the reply to a synchronous control request.
func setAside(frame []byte) bool {
	if len(frame) < 5 {
		return false
	}
	switch frame[2] {
	case message.BroadcastData, message.BurstTransferData:
		return true
	case message.ResponseChannel:
		return frame[4] == 0x01 ||
			frame[4] == message.AcknowledgeData ||
			frame[4] == message.BurstTransferData
	}
	return false
}

// readReply blocks for the next frame that is not a data class frame.
// Data frames seen in the meantime go to the delayed queue so Tick can
// replay them in arrival order.
func (r *Radio) readReply() ([]byte, error) {
	for {
		frame, err := r.transport.ReadFrame(readPollTimeout)
		if err != nil {
			return nil, err
		}
		if frame == nil {
			return nil, errors.New("timed out waiting for a control reply")
		}
		if setAside(frame) {
			r.delayed = append(r.delayed, frame)
			continue
		}
		return frame, nil
	}
}

// checkChannelResponse asserts that frame acknowledges cmd on channel
// with a zero status.
func checkChannelResponse(frame []byte, channel, cmd byte) error {
	if len(frame) < 6 ||
		frame[2] != message.ResponseChannel ||
		frame[3] != channel ||
		frame[4] != cmd ||
		frame[5] != 0 {
		status := byte(0xFF)
		if len(frame) >= 6 {
			status = frame[5]
		}
		return ChannelControlError{Channel: channel, Cmd: cmd, Status: status}
	}
	return nil
}

// controlRequest writes a control frame and verifies its echo reply.
func (r *Radio) controlRequest(channel, cmd byte, payload ...byte) error {
	args := append([]byte{channel}, payload...)
	if err := r.WriteFrame(message.Make(cmd, args...)); err != nil {
		return err
	}
	reply, err := r.readReply()
	if err != nil {
		return err
	}
	return checkChannelResponse(reply, channel, cmd)
}

func (r *Radio) reset() error {
	if err := r.WriteFrame(message.Make(message.ResetSystem, 0)); err != nil {
		return err
	}
	for tries := 50; tries > 0; tries-- {
		frame, err := r.readReply()
		if err != nil {
			return err
		}
		if frame[2] == message.StartupMessage {
			return nil
		}
	}
	return errors.New("no startup message after reset")
}

func (r *Radio) queryInfo() error {
	frame, err := r.request(message.ResponseSerialNumber)
	if err != nil {
		return err
	}
	r.serial = uint32(frame[3]) | uint32(frame[4])<<8 |
		uint32(frame[5])<<16 | uint32(frame[6])<<24

	frame, err = r.request(message.ResponseVersion)
	if err != nil {
		return err
	}
	version := frame[3 : len(frame)-1]
	for i, b := range version {
		if b == 0 {
			version = version[:i]
			break
		}
	}
	r.version = string(version)

	frame, err = r.request(message.ResponseCapabilities)
	if err != nil {
		return err
	}
	r.maxChannels = int(frame[3])
	r.maxNetworks = int(frame[4])
	return nil
}

// request issues a REQUEST_MESSAGE for the given message id and returns
// its reply.
func (r *Radio) request(id byte) ([]byte, error) {
	if err := r.WriteFrame(message.Make(message.RequestMessage, 0, id)); err != nil {
		return nil, err
	}
	frame, err := r.readReply()
	if err != nil {
		return nil, err
	}
	if frame[2] != id || len(frame) < 5 {
		return nil, errors.Errorf("request 0x%02X: unexpected reply 0x%02X", id, frame[2])
	}
	return frame, nil
}

// SetNetworkKey programs the network key on network 0, the only
// network this application uses.
func (r *Radio) SetNetworkKey(key [8]byte) error {
	const network = 0
	r.network = -1
	if err := r.controlRequest(network, message.SetNetworkKey, key[:]...); err != nil {
		return err
	}
	r.network = network
	return nil
}

func (r *Radio) registerChannel(c *Channel) {
	r.channels = append(r.channels, c)
}

func (r *Radio) unregisterChannel(c *Channel) {
	for i, reg := range r.channels {
		if reg == c {
			r.channels = append(r.channels[:i], r.channels[i+1:]...)
			return
		}
	}
}

// Tick delivers the next pending frame, replaying the delayed queue
// before polling the transport, so data frames keep their original
// order across synchronous control requests.
func (r *Radio) Tick() error {
	var frame []byte
	if len(r.delayed) > 0 {
		frame = r.delayed[0]
		r.delayed = r.delayed[1:]
	} else {
		var err error
		frame, err = r.transport.ReadFrame(tickPollTimeout)
		if err != nil {
			return err
		}
	}
	if frame == nil {
		return nil
	}

	if !r.dispatch(frame) {
		r.logger.Printf("unprocessed frame, id 0x%02X", frame[2])
	}
	return nil
}

// dispatch routes a frame to the channel it addresses.
func (r *Radio) dispatch(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	channel := frame[3]
	if frame[2] == message.BurstTransferData {
		// Upper three bits carry the burst sequence number.
		channel = frame[3] & 0x1F
	}
	for _, c := range r.channels {
		if c.Number() == channel {
			c.handleMessage(frame)
			return true
		}
	}
	return false
}
