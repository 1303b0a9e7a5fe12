package main

import "fmt"

const (
	stratumV2MsgTypeSetupConnection        = uint8(0x00)
	stratumV2MsgTypeSetupConnectionSuccess = uint8(0x01)
	stratumV2MsgTypeSetupConnectionError   = uint8(0x02)

	sv2ProtocolMining         = uint8(0)
	sv2ProtocolJobNegotiation = uint8(1)
	sv2VersionCurrent         = uint16(2)
)

func encodeStratumV2SetupConnectionFrame(msg stratumV2WireSetupConnection) ([]byte, error) {
	var w sv2PayloadWriter
	w.u8(msg.Protocol)
	w.u16(msg.MinVersion)
	w.u16(msg.MaxVersion)
	w.u32(msg.Flags)
	w.str0_255("endpoint_host", msg.EndpointHost)
	w.u16(msg.EndpointPort)
	w.str0_255("vendor", msg.Vendor)
	w.str0_255("hardware_version", msg.HardwareVersion)
	w.str0_255("firmware", msg.Firmware)
	w.str0_255("device_id", msg.DeviceID)
	payload, err := w.bytes()
	if err != nil {
		return nil, fmt.Errorf("encode setupconnection: %w", err)
	}
	return encodeStratumV2Frame(stratumV2Frame{
		ExtensionType: stratumV2CoreExtensionType,
		MsgType:       stratumV2MsgTypeSetupConnection,
		Payload:       payload,
	})
}

func decodeStratumV2SetupConnectionPayload(payload []byte) (stratumV2WireSetupConnection, error) {
	r := newSV2PayloadReader(payload)
	msg := stratumV2WireSetupConnection{
		Protocol:   r.u8("protocol"),
		MinVersion: r.u16("min_version"),
		MaxVersion: r.u16("max_version"),
		Flags:      r.u32("flags"),
	}
	msg.EndpointHost = r.str0_255("endpoint_host")
	msg.EndpointPort = r.u16("endpoint_port")
	msg.Vendor = r.str0_255("vendor")
	msg.HardwareVersion = r.str0_255("hardware_version")
	msg.Firmware = r.str0_255("firmware")
	msg.DeviceID = r.str0_255("device_id")
	if err := r.finish(); err != nil {
		return stratumV2WireSetupConnection{}, fmt.Errorf("setupconnection: %w", err)
	}
	return msg, nil
}

func encodeStratumV2SetupConnectionSuccessFrame(msg stratumV2WireSetupConnectionSuccess) ([]byte, error) {
	var w sv2PayloadWriter
	w.u16(msg.UsedVersion)
	w.u32(msg.Flags)
	payload, err := w.bytes()
	if err != nil {
		return nil, err
	}
	return encodeStratumV2Frame(stratumV2Frame{
		ExtensionType: stratumV2CoreExtensionType,
		MsgType:       stratumV2MsgTypeSetupConnectionSuccess,
		Payload:       payload,
	})
}

func encodeStratumV2SetupConnectionErrorFrame(msg stratumV2WireSetupConnectionError) ([]byte, error) {
	var w sv2PayloadWriter
	w.u32(msg.Flags)
	w.str0_255("error_code", msg.ErrorCode)
	payload, err := w.bytes()
	if err != nil {
		return nil, err
	}
	return encodeStratumV2Frame(stratumV2Frame{
		ExtensionType: stratumV2CoreExtensionType,
		MsgType:       stratumV2MsgTypeSetupConnectionError,
		Payload:       payload,
	})
}

// decodeStratumV2SetupReplyFrame decodes the pool's answer to our
// SetupConnection: either a Success or an Error value.
func decodeStratumV2SetupReplyFrame(b []byte) (any, error) {
	frame, err := decodeStratumV2Frame(b)
	if err != nil {
		return nil, err
	}
	if frame.baseExtensionType() != stratumV2CoreExtensionType {
		return nil, fmt.Errorf("unsupported sv2 extension_type: %#04x", frame.baseExtensionType())
	}
	r := newSV2PayloadReader(frame.Payload)
	switch frame.MsgType {
	case stratumV2MsgTypeSetupConnectionSuccess:
		msg := stratumV2WireSetupConnectionSuccess{
			UsedVersion: r.u16("used_version"),
			Flags:       r.u32("flags"),
		}
		if err := r.finish(); err != nil {
			return nil, fmt.Errorf("setupconnection.success: %w", err)
		}
		return msg, nil
	case stratumV2MsgTypeSetupConnectionError:
		msg := stratumV2WireSetupConnectionError{Flags: r.u32("flags")}
		msg.ErrorCode = r.str0_255("error_code")
		if err := r.finish(); err != nil {
			return nil, fmt.Errorf("setupconnection.error: %w", err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unexpected sv2 msg_type during setup: %#02x", frame.MsgType)
	}
}
