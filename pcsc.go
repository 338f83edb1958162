package desfire

import (
	"fmt"
	"time"

	"github.com/ebfe/scard"
)

// PCSCConnection wraps a PC/SC card connection and implements Transport.
// A native DESFire frame has no ISO 7816 APDU shape of its own, so
// RawExchange wraps it in the reader's pseudo-APDU direct-transmit
// envelope (FF 00 00 00 Lc <data>), the convention this pack's
// contactless readers use for native command pass-through.
type PCSCConnection struct {
	ctx     *scard.Context
	card    *scard.Card
	reader  string
	logging bool
}

// ConnectPCSC establishes a connection to the reader at readerIndex.
func ConnectPCSC(readerIndex int, enableLogging bool) (*PCSCConnection, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("desfire: EstablishContext failed: %w", err)
	}
	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, fmt.Errorf("desfire: no readers found: %v", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, fmt.Errorf("desfire: reader index out of range (0..%d)", len(readers)-1)
	}
	reader := readers[readerIndex]
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("desfire: connect failed: %w", err)
	}
	return &PCSCConnection{ctx: ctx, card: card, reader: reader, logging: enableLogging}, nil
}

// Close disconnects the card and releases the PC/SC context.
func (c *PCSCConnection) Close() {
	if c == nil {
		return
	}
	if c.card != nil {
		_ = c.card.Disconnect(scard.LeaveCard)
	}
	if c.ctx != nil {
		_ = c.ctx.Release()
	}
}

// RawExchange wraps data in a direct-transmit pseudo-APDU (FF 00 00 00 Lc
// <data>) and returns the inner native response unchanged (status byte
// plus payload), stripping only the pseudo-APDU's own trailing SW1SW2.
func (c *PCSCConnection) RawExchange(activateField bool, data []byte) ([]byte, error) {
	if activateField {
		if err := c.reconnect(); err != nil {
			return nil, err
		}
	}
	apdu := make([]byte, 0, 5+len(data))
	apdu = append(apdu, 0xFF, 0x00, 0x00, 0x00, byte(len(data)))
	apdu = append(apdu, data...)
	resp, err := c.card.Transmit(apdu)
	if err != nil {
		return nil, fmt.Errorf("desfire: pcsc transmit failed: %w", err)
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("desfire: pcsc short response: %d bytes", len(resp))
	}
	sw := uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1])
	if sw != 0x9000 {
		return nil, fmt.Errorf("desfire: pcsc direct-transmit failed, SW=%04X", sw)
	}
	return resp[:len(resp)-2], nil
}

// APDUExchange sends a fully-formed ISO 7816 APDU and returns its data
// plus SW1SW2.
func (c *PCSCConnection) APDUExchange(activateField bool, apdu []byte) ([]byte, uint16, error) {
	if activateField {
		if err := c.reconnect(); err != nil {
			return nil, 0, err
		}
	}
	resp, err := c.card.Transmit(apdu)
	if err != nil {
		return nil, 0, fmt.Errorf("desfire: pcsc transmit failed: %w", err)
	}
	if len(resp) < 2 {
		return nil, 0, fmt.Errorf("desfire: pcsc short response: %d bytes", len(resp))
	}
	sw := uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1])
	return resp[:len(resp)-2], sw, nil
}

// reconnect re-establishes the card connection, the closest PC/SC
// equivalent to re-energizing the RF field between commands.
func (c *PCSCConnection) reconnect() error {
	card, err := c.ctx.Connect(c.reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return fmt.Errorf("desfire: pcsc reconnect failed: %w", err)
	}
	if c.card != nil {
		_ = c.card.Disconnect(scard.LeaveCard)
	}
	c.card = card
	return nil
}

// DropField disconnects with LeaveCard, the PC/SC approximation of
// dropping the RF field without ejecting the card; it does not reconnect.
func (c *PCSCConnection) DropField() error {
	if err := c.card.Disconnect(scard.LeaveCard); err != nil {
		return fmt.Errorf("desfire: pcsc drop field failed: %w", err)
	}
	return nil
}

// LoggingEnabled reports whether this connection wants verbose wire tracing.
func (c *PCSCConnection) LoggingEnabled() bool { return c.logging }

// Sleep pauses for ms milliseconds; the field-settling delay between
// DropField and the next activateField call.
func (c *PCSCConnection) Sleep(ms int) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}
