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
	"github.com/alex-hhh/PiFitSync/internal/service/ant/message"
)

// Handler receives the frames routed to a channel.  HandleMessage gets
// every inbound frame except the channel closed event, which the
// channel consumes itself before calling ChannelClosed.
type Handler interface {
	HandleMessage(frame []byte)
	ChannelClosed()
}

// ChannelConfig holds the search parameters programmed on a channel.
type ChannelConfig struct {
	Period        uint16
	SearchTimeout byte
	RfFreq        byte
}

// Channel is one radio channel: assignment, search configuration and
// the close handshake.  Frames addressed to its channel number are
// routed to the attached Handler.
type Channel struct {
	radio   *Radio
	number  byte
	handler Handler
	open    bool
	closing bool
}

// NewChannel assigns channel number on the radio as bidirectional
// receive, programs the channel id and search waveform and opens it
// with the given configuration.  Device number and type of zero search
// with wildcards.
func NewChannel(radio *Radio, number byte, devNumber uint16, devType byte, cfg ChannelConfig, handler Handler) (*Channel, error) {
	c := &Channel{radio: radio, number: number, handler: handler}
	if err := c.setup(devNumber, devType, cfg); err != nil {
		return nil, err
	}
	radio.registerChannel(c)
	c.open = true
	return c, nil
}

func (c *Channel) setup(devNumber uint16, devType byte, cfg ChannelConfig) error {
	if err := c.radio.controlRequest(c.number, message.AssignChannel,
		message.BidirectionalReceive, c.radio.Network()); err != nil {
		return err
	}
	if err := c.radio.controlRequest(c.number, message.SetChannelID,
		byte(devNumber), byte(devNumber>>8), devType, 0); err != nil {
		return err
	}
	// Vendor extension, without it the search never finds ANT-FS
	// clients.
	if err := c.radio.controlRequest(c.number, message.SetSearchWaveform,
		0x53, 0x00); err != nil {
		return err
	}
	if err := c.Configure(cfg); err != nil {
		return err
	}
	return c.radio.controlRequest(c.number, message.OpenChannel)
}

// Configure programs period, search timeout and RF frequency.  ANT-FS
// reconfigures an open channel after the link handshake to move the
// client onto the transport profile.
func (c *Channel) Configure(cfg ChannelConfig) error {
	if err := c.radio.controlRequest(c.number, message.SetChannelPeriod,
		byte(cfg.Period), byte(cfg.Period>>8)); err != nil {
		return err
	}
	if err := c.radio.controlRequest(c.number, message.SetChannelSearchTimeout,
		cfg.SearchTimeout); err != nil {
		return err
	}
	return c.radio.controlRequest(c.number, message.SetChannelRfFreq, cfg.RfFreq)
}

// Number returns the channel number on the radio.
func (c *Channel) Number() byte { return c.number }

// WriteFrame sends a raw frame through the radio.
func (c *Channel) WriteFrame(frame []byte) error {
	return c.radio.WriteFrame(frame)
}

// RequestClose asks the radio to close the channel.  The channel stays
// registered until the closed event arrives on the inbound stream, at
// which point it unassigns itself and notifies the handler.
func (c *Channel) RequestClose() error {
	if !c.open || c.closing {
		return nil
	}
	c.closing = true
	return c.radio.controlRequest(c.number, message.CloseChannel)
}

// Closing reports whether a close was requested but the closed event
// has not arrived yet.
func (c *Channel) Closing() bool { return c.closing }

// Close tears the channel down best effort: close, unassign, ignore
// errors.  Used on shutdown paths where the closed event will never be
// processed.
func (c *Channel) Close() {
	if c.open {
		_ = c.radio.controlRequest(c.number, message.CloseChannel)
		_ = c.radio.controlRequest(c.number, message.UnassignChannel)
		c.open = false
	}
	c.radio.unregisterChannel(c)
}

// handleMessage intercepts the channel closed event and delegates
// everything else to the handler.
func (c *Channel) handleMessage(frame []byte) {
	if len(frame) >= 6 &&
		frame[2] == message.ResponseChannel &&
		frame[4] == 0x01 &&
		frame[5] == message.EventChannelClosed {
		_ = c.radio.controlRequest(c.number, message.UnassignChannel)
		c.open = false
		c.closing = false
		c.radio.unregisterChannel(c)
		if c.handler != nil {
			c.handler.ChannelClosed()
		}
		return
	}
	if c.handler != nil {
		c.handler.HandleMessage(frame)
	}
}
