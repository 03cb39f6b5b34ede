package wire

import (
	"encoding/binary"
	"strconv"
)

// MessageID identifies a control message kind. Commands are issued by the host
// and confirmed by the chip. Events are sent by the chip unsolicited.
type MessageID uint16

// Commands.
const (
	CmdSetChannel MessageID = 0x0001 + iota
	CmdGetVersion
	CmdSetTxPower
	CmdGetMaxTxPower
	CmdAddInterface
	CmdRemoveInterface
	CmdBSSConfig
	CmdInstallKey
	CmdDisableKey
	CmdSetPowerSave
	CmdHealthCheck
	CmdSetControlResponse
	CmdSetQoSParams
	CmdGetQoSParams
	CmdSetStaState
	CmdSetBSSColor
	CmdSetLongSleepConfig
	CmdSetDutyCycle
	CmdGetChannelUsage
	CmdSetFragThreshold
	CmdSetRTSThreshold
	CmdConfigureRAW
	CmdConfigureTWT
	CmdConfigureOCS
	CmdConfigureMesh
	CmdConfigureMBSSID
	CmdGetCapabilities
	CmdSetMACAddr
	CmdGetStats
	CmdResetStats
	CmdSetCCAThreshold
	CmdArpOffload
	CmdSetKeepAlive
	CmdStandbyMode
	CmdConfigBeacon
	CmdSetS1GOpClass
	CmdGetTSF
	CmdSetVendorIE
	cmdEnd
)

// Events.
const (
	EvtBeaconLoss MessageID = 0x4001 + iota
	EvtConnectionLoss
	EvtSigFieldError
	EvtTrafficControl
	EvtDutyCycleLimited
	EvtChannelUsage
	EvtHWScanDone
	EvtTWTTeardown
	evtEnd
)

func (id MessageID) IsCommand() bool { return id >= CmdSetChannel && id < cmdEnd }
func (id MessageID) IsEvent() bool   { return id >= EvtBeaconLoss && id < evtEnd }
func (id MessageID) IsValid() bool   { return id.IsCommand() || id.IsEvent() }

var messageNames = [...]string{
	"SetChannel", "GetVersion", "SetTxPower", "GetMaxTxPower", "AddInterface",
	"RemoveInterface", "BSSConfig", "InstallKey", "DisableKey", "SetPowerSave",
	"HealthCheck", "SetControlResponse", "SetQoSParams", "GetQoSParams", "SetStaState",
	"SetBSSColor", "SetLongSleepConfig", "SetDutyCycle", "GetChannelUsage", "SetFragThreshold",
	"SetRTSThreshold", "ConfigureRAW", "ConfigureTWT", "ConfigureOCS", "ConfigureMesh",
	"ConfigureMBSSID", "GetCapabilities", "SetMACAddr", "GetStats", "ResetStats",
	"SetCCAThreshold", "ArpOffload", "SetKeepAlive", "StandbyMode", "ConfigBeacon",
	"SetS1GOpClass", "GetTSF", "SetVendorIE",
}

var eventNames = [...]string{
	"BeaconLoss", "ConnectionLoss", "SigFieldError", "TrafficControl",
	"DutyCycleLimited", "ChannelUsage", "HWScanDone", "TWTTeardown",
}

func (id MessageID) String() string {
	switch {
	case id.IsCommand():
		return messageNames[id-CmdSetChannel]
	case id.IsEvent():
		return eventNames[id-EvtBeaconLoss]
	}
	return "MessageID(" + strconv.Itoa(int(id)) + ")"
}

// Fixed payload layouts of the messages the host wrappers issue.

// Version is the CmdGetVersion confirm body: u32 length followed by a version string.
func DecodeVersion(b []byte) (string, error) {
	if len(b) < 4 {
		return "", ErrPayloadTooSmol
	}
	n := binary.LittleEndian.Uint32(b)
	if int(n) > len(b)-4 {
		return "", ErrPayloadTooSmol
	}
	return string(b[4 : 4+n]), nil
}

func AppendVersion(dst []byte, version string) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(version)))
	return append(dst, version...)
}

// Bandwidths in MHz for S1G channels.
const (
	BW1MHz  = 1
	BW2MHz  = 2
	BW4MHz  = 4
	BW8MHz  = 8
	BW16MHz = 16
)

// SetChannelReq is the CmdSetChannel request body.
type SetChannelReq struct {
	FreqKHz uint32
	// OpBW is the operating bandwidth in MHz.
	OpBW uint8
	// PrimaryBW is the primary channel bandwidth in MHz, 1 or 2.
	PrimaryBW uint8
	// Primary1MHzIdx is the index of the 1MHz primary channel within the operating channel.
	Primary1MHzIdx uint8
	DotHMode       uint8
}

const SetChannelReqLen = 8

func (r *SetChannelReq) Put(b []byte) {
	_ = b[SetChannelReqLen-1]
	binary.LittleEndian.PutUint32(b, r.FreqKHz)
	b[4] = r.OpBW
	b[5] = r.PrimaryBW
	b[6] = r.Primary1MHzIdx
	b[7] = r.DotHMode
}

func DecodeSetChannelReq(b []byte) (r SetChannelReq, err error) {
	if len(b) < SetChannelReqLen {
		return r, ErrPayloadTooSmol
	}
	r.FreqKHz = binary.LittleEndian.Uint32(b)
	r.OpBW = b[4]
	r.PrimaryBW = b[5]
	r.Primary1MHzIdx = b[6]
	r.DotHMode = b[7]
	return r, nil
}

// TxPower payloads are a single signed power in quarter dBm, both for
// CmdSetTxPower requests and the CmdSetTxPower/CmdGetMaxTxPower confirm bodies.
func DecodeTxPower(b []byte) (qdBm int32, err error) {
	if len(b) < 4 {
		return 0, ErrPayloadTooSmol
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func AppendTxPower(dst []byte, qdBm int32) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(qdBm))
}

// SetPowerSaveReq is the CmdSetPowerSave request body.
type SetPowerSaveReq struct {
	Enabled bool
	// DynamicTimeoutMs is the idle time after which the chip may doze.
	DynamicTimeoutMs uint32
}

const SetPowerSaveReqLen = 8

func (r *SetPowerSaveReq) Put(b []byte) {
	_ = b[SetPowerSaveReqLen-1]
	b[0] = 0
	if r.Enabled {
		b[0] = 1
	}
	b[1], b[2], b[3] = 0, 0, 0
	binary.LittleEndian.PutUint32(b[4:], r.DynamicTimeoutMs)
}

func DecodeSetPowerSaveReq(b []byte) (r SetPowerSaveReq, err error) {
	if len(b) < SetPowerSaveReqLen {
		return r, ErrPayloadTooSmol
	}
	r.Enabled = b[0] != 0
	r.DynamicTimeoutMs = binary.LittleEndian.Uint32(b[4:])
	return r, nil
}

// InterfaceType is the virtual interface kind created by CmdAddInterface.
type InterfaceType uint32

const (
	IfaceSTA InterfaceType = iota + 1
	IfaceAP
	IfaceMesh
	IfaceMonitor
)

// AddInterfaceReq is the CmdAddInterface request body. The confirm body is the u16 vif id.
type AddInterfaceReq struct {
	Type InterfaceType
	MAC  [6]byte
}

const AddInterfaceReqLen = 12

func (r *AddInterfaceReq) Put(b []byte) {
	_ = b[AddInterfaceReqLen-1]
	binary.LittleEndian.PutUint32(b, uint32(r.Type))
	copy(b[4:10], r.MAC[:])
	b[10], b[11] = 0, 0
}

func DecodeAddInterfaceReq(b []byte) (r AddInterfaceReq, err error) {
	if len(b) < AddInterfaceReqLen {
		return r, ErrPayloadTooSmol
	}
	r.Type = InterfaceType(binary.LittleEndian.Uint32(b))
	copy(r.MAC[:], b[4:10])
	return r, nil
}

func DecodeVIF(b []byte) (uint16, error) {
	if len(b) < 2 {
		return 0, ErrPayloadTooSmol
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ControlResponseReq is the CmdSetControlResponse request body.
type ControlResponseReq struct {
	// Direction is 0 for outgoing and 1 for incoming control response frames.
	Direction uint8
	// Bandwidth in MHz to use for control response frames. Zero disables the override.
	Bandwidth uint8
}

func (r *ControlResponseReq) Put(b []byte) {
	_ = b[3]
	b[0] = r.Direction
	b[1] = r.Bandwidth
	b[2], b[3] = 0, 0
}
