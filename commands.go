package halow

import (
	"context"

	"github.com/soypat/halow/wire"
)

// GetVersion returns the chip firmware version string.
func (d *Device) GetVersion(ctx context.Context) (string, error) {
	resp, err := d.Command(ctx, wire.CmdGetVersion, 0, nil)
	if err != nil {
		return "", err
	}
	return wire.DecodeVersion(resp)
}

// SetChannel tunes the radio to an S1G channel.
func (d *Device) SetChannel(ctx context.Context, req wire.SetChannelReq) error {
	var buf [wire.SetChannelReqLen]byte
	req.Put(buf[:])
	_, err := d.Command(ctx, wire.CmdSetChannel, 0, buf[:])
	return err
}

// SetTxPower requests a transmit power in quarter dBm and returns the power the chip applied.
func (d *Device) SetTxPower(ctx context.Context, vif uint16, qdBm int32) (int32, error) {
	resp, err := d.Command(ctx, wire.CmdSetTxPower, vif, wire.AppendTxPower(nil, qdBm))
	if err != nil {
		return 0, err
	}
	return wire.DecodeTxPower(resp)
}

// GetMaxTxPower returns the maximum transmit power in quarter dBm.
func (d *Device) GetMaxTxPower(ctx context.Context, vif uint16) (int32, error) {
	resp, err := d.Command(ctx, wire.CmdGetMaxTxPower, vif, nil)
	if err != nil {
		return 0, err
	}
	return wire.DecodeTxPower(resp)
}

// SetChipPowerSave configures the chip's own dozing. It is independent of
// the host bus power-save gate.
func (d *Device) SetChipPowerSave(ctx context.Context, vif uint16, req wire.SetPowerSaveReq) error {
	var buf [wire.SetPowerSaveReqLen]byte
	req.Put(buf[:])
	_, err := d.Command(ctx, wire.CmdSetPowerSave, vif, buf[:])
	return err
}

// AddInterface creates a virtual interface and returns its id.
func (d *Device) AddInterface(ctx context.Context, typ wire.InterfaceType, mac [6]byte) (vif uint16, err error) {
	var buf [wire.AddInterfaceReqLen]byte
	req := wire.AddInterfaceReq{Type: typ, MAC: mac}
	req.Put(buf[:])
	resp, err := d.Command(ctx, wire.CmdAddInterface, 0, buf[:])
	if err != nil {
		return 0, err
	}
	return wire.DecodeVIF(resp)
}

func (d *Device) RemoveInterface(ctx context.Context, vif uint16) error {
	_, err := d.Command(ctx, wire.CmdRemoveInterface, vif, nil)
	return err
}

// HealthCheck asks the chip to confirm it is responsive.
func (d *Device) HealthCheck(ctx context.Context) error {
	_, err := d.Command(ctx, wire.CmdHealthCheck, 0, nil)
	return err
}

func (d *Device) SetControlResponse(ctx context.Context, vif uint16, req wire.ControlResponseReq) error {
	var buf [4]byte
	req.Put(buf[:])
	_, err := d.Command(ctx, wire.CmdSetControlResponse, vif, buf[:])
	return err
}
