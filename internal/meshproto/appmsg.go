package meshproto

import (
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// AppMessage is the decoded application payload of a packet. Exactly one
// concrete type per known port, plus Opaque for everything else. Unknown
// ports are preserved, not rejected: the registry still wants to know that
// a node sent something.
type AppMessage interface {
	AppPort() PortNum
}

// TextMessage is a chat message (PortTextMessage).
type TextMessage struct {
	Text string
}

// NodeInfo is a node's self-description (PortNodeInfo).
type NodeInfo struct {
	ID        string // "!deadbeef" form
	LongName  string
	ShortName string
	HwModel   uint32
	Role      uint32
	PublicKey []byte
}

// Position is a GPS fix (PortPosition). Latitude/longitude are in 1e-7
// degree integer units as on the wire.
type Position struct {
	LatitudeI  int32
	LongitudeI int32
	Altitude   int32
	Time       uint32
}

// Telemetry carries device metrics (PortTelemetry).
type Telemetry struct {
	Time               uint32
	BatteryLevel       uint32
	Voltage            float32
	ChannelUtilization float32
	AirUtilTx          float32
	UptimeSeconds      uint32
}

// Opaque preserves payloads whose port this build does not understand.
type Opaque struct {
	Port PortNum
	Raw  []byte
}

func (TextMessage) AppPort() PortNum { return PortTextMessage }
func (NodeInfo) AppPort() PortNum    { return PortNodeInfo }
func (Position) AppPort() PortNum    { return PortPosition }
func (Telemetry) AppPort() PortNum   { return PortTelemetry }
func (o Opaque) AppPort() PortNum    { return o.Port }

// DecodeAppMessage dispatches on port. It fails only when a known port's
// payload is structurally invalid; unknown ports always succeed as Opaque.
func DecodeAppMessage(port PortNum, payload []byte) (AppMessage, error) {
	switch port {
	case PortTextMessage:
		if !utf8.Valid(payload) {
			return nil, fmt.Errorf("%w: text payload is not utf-8", ErrMalformedPacket)
		}
		return TextMessage{Text: string(payload)}, nil
	case PortNodeInfo:
		return decodeNodeInfo(payload)
	case PortPosition:
		return decodePosition(payload)
	case PortTelemetry:
		return decodeTelemetry(payload)
	default:
		return Opaque{Port: port, Raw: append([]byte(nil), payload...)}, nil
	}
}

// EncodeAppMessage is the inverse of DecodeAppMessage for the ports this
// system originates.
func EncodeAppMessage(m AppMessage) []byte {
	switch v := m.(type) {
	case TextMessage:
		return []byte(v.Text)
	case NodeInfo:
		return encodeNodeInfo(v)
	case Position:
		return encodePosition(v)
	case Telemetry:
		return encodeTelemetry(v)
	case Opaque:
		return append([]byte(nil), v.Raw...)
	default:
		return nil
	}
}

// User record fields (NodeInfo payload).
const (
	userFieldID        = 1
	userFieldLongName  = 2
	userFieldShortName = 3
	userFieldHwModel   = 5
	userFieldRole      = 7
	userFieldPublicKey = 8
)

func decodeNodeInfo(b []byte) (NodeInfo, error) {
	var ni NodeInfo
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return NodeInfo{}, fmt.Errorf("%w: nodeinfo tag", ErrMalformedPacket)
		}
		b = b[n:]

		switch {
		case num == userFieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || !utf8.Valid(v) {
				return NodeInfo{}, fmt.Errorf("%w: nodeinfo id", ErrMalformedPacket)
			}
			ni.ID = string(v)
			b = b[n:]
		case num == userFieldLongName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || !utf8.Valid(v) {
				return NodeInfo{}, fmt.Errorf("%w: nodeinfo long name", ErrMalformedPacket)
			}
			ni.LongName = string(v)
			b = b[n:]
		case num == userFieldShortName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || !utf8.Valid(v) {
				return NodeInfo{}, fmt.Errorf("%w: nodeinfo short name", ErrMalformedPacket)
			}
			ni.ShortName = string(v)
			b = b[n:]
		case num == userFieldHwModel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return NodeInfo{}, fmt.Errorf("%w: nodeinfo hw model", ErrMalformedPacket)
			}
			ni.HwModel = uint32(v)
			b = b[n:]
		case num == userFieldRole && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return NodeInfo{}, fmt.Errorf("%w: nodeinfo role", ErrMalformedPacket)
			}
			ni.Role = uint32(v)
			b = b[n:]
		case num == userFieldPublicKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return NodeInfo{}, fmt.Errorf("%w: nodeinfo public key", ErrMalformedPacket)
			}
			ni.PublicKey = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return NodeInfo{}, fmt.Errorf("%w: nodeinfo field %d", ErrMalformedPacket, num)
			}
			b = b[n:]
		}
	}
	return ni, nil
}

func encodeNodeInfo(ni NodeInfo) []byte {
	var out []byte
	if ni.ID != "" {
		out = protowire.AppendTag(out, userFieldID, protowire.BytesType)
		out = protowire.AppendString(out, ni.ID)
	}
	if ni.LongName != "" {
		out = protowire.AppendTag(out, userFieldLongName, protowire.BytesType)
		out = protowire.AppendString(out, ni.LongName)
	}
	if ni.ShortName != "" {
		out = protowire.AppendTag(out, userFieldShortName, protowire.BytesType)
		out = protowire.AppendString(out, ni.ShortName)
	}
	if ni.HwModel != 0 {
		out = protowire.AppendTag(out, userFieldHwModel, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(ni.HwModel))
	}
	if ni.Role != 0 {
		out = protowire.AppendTag(out, userFieldRole, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(ni.Role))
	}
	if len(ni.PublicKey) > 0 {
		out = protowire.AppendTag(out, userFieldPublicKey, protowire.BytesType)
		out = protowire.AppendBytes(out, ni.PublicKey)
	}
	return out
}

// Position record fields.
const (
	posFieldLatitude  = 1
	posFieldLongitude = 2
	posFieldAltitude  = 3
	posFieldTime      = 4
)

func decodePosition(b []byte) (Position, error) {
	var p Position
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Position{}, fmt.Errorf("%w: position tag", ErrMalformedPacket)
		}
		b = b[n:]

		switch {
		case num == posFieldLatitude && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return Position{}, fmt.Errorf("%w: position latitude", ErrMalformedPacket)
			}
			p.LatitudeI = int32(v)
			b = b[n:]
		case num == posFieldLongitude && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return Position{}, fmt.Errorf("%w: position longitude", ErrMalformedPacket)
			}
			p.LongitudeI = int32(v)
			b = b[n:]
		case num == posFieldAltitude && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Position{}, fmt.Errorf("%w: position altitude", ErrMalformedPacket)
			}
			p.Altitude = int32(v)
			b = b[n:]
		case num == posFieldTime && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return Position{}, fmt.Errorf("%w: position time", ErrMalformedPacket)
			}
			p.Time = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Position{}, fmt.Errorf("%w: position field %d", ErrMalformedPacket, num)
			}
			b = b[n:]
		}
	}
	return p, nil
}

func encodePosition(p Position) []byte {
	var out []byte
	out = protowire.AppendTag(out, posFieldLatitude, protowire.Fixed32Type)
	out = protowire.AppendFixed32(out, uint32(p.LatitudeI))
	out = protowire.AppendTag(out, posFieldLongitude, protowire.Fixed32Type)
	out = protowire.AppendFixed32(out, uint32(p.LongitudeI))
	if p.Altitude != 0 {
		out = protowire.AppendTag(out, posFieldAltitude, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(uint32(p.Altitude)))
	}
	if p.Time != 0 {
		out = protowire.AppendTag(out, posFieldTime, protowire.Fixed32Type)
		out = protowire.AppendFixed32(out, p.Time)
	}
	return out
}

// Telemetry record fields. Device metrics are a nested record in field 2.
const (
	telFieldTime    = 1
	telFieldDevice  = 2
	devFieldBattery = 1
	devFieldVoltage = 2
	devFieldChUtil  = 3
	devFieldAirUtil = 4
	devFieldUptime  = 5
)

func decodeTelemetry(b []byte) (Telemetry, error) {
	var t Telemetry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Telemetry{}, fmt.Errorf("%w: telemetry tag", ErrMalformedPacket)
		}
		b = b[n:]

		switch {
		case num == telFieldTime && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return Telemetry{}, fmt.Errorf("%w: telemetry time", ErrMalformedPacket)
			}
			t.Time = v
			b = b[n:]
		case num == telFieldDevice && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Telemetry{}, fmt.Errorf("%w: telemetry device metrics", ErrMalformedPacket)
			}
			if err := decodeDeviceMetrics(v, &t); err != nil {
				return Telemetry{}, err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Telemetry{}, fmt.Errorf("%w: telemetry field %d", ErrMalformedPacket, num)
			}
			b = b[n:]
		}
	}
	return t, nil
}

func decodeDeviceMetrics(b []byte, t *Telemetry) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: device metrics tag", ErrMalformedPacket)
		}
		b = b[n:]

		switch {
		case num == devFieldBattery && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: battery level", ErrMalformedPacket)
			}
			t.BatteryLevel = uint32(v)
			b = b[n:]
		case num == devFieldVoltage && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return fmt.Errorf("%w: voltage", ErrMalformedPacket)
			}
			t.Voltage = math.Float32frombits(v)
			b = b[n:]
		case num == devFieldChUtil && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return fmt.Errorf("%w: channel utilization", ErrMalformedPacket)
			}
			t.ChannelUtilization = math.Float32frombits(v)
			b = b[n:]
		case num == devFieldAirUtil && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return fmt.Errorf("%w: air util tx", ErrMalformedPacket)
			}
			t.AirUtilTx = math.Float32frombits(v)
			b = b[n:]
		case num == devFieldUptime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: uptime", ErrMalformedPacket)
			}
			t.UptimeSeconds = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: device metrics field %d", ErrMalformedPacket, num)
			}
			b = b[n:]
		}
	}
	return nil
}

func encodeTelemetry(t Telemetry) []byte {
	var dev []byte
	if t.BatteryLevel != 0 {
		dev = protowire.AppendTag(dev, devFieldBattery, protowire.VarintType)
		dev = protowire.AppendVarint(dev, uint64(t.BatteryLevel))
	}
	if t.Voltage != 0 {
		dev = protowire.AppendTag(dev, devFieldVoltage, protowire.Fixed32Type)
		dev = protowire.AppendFixed32(dev, math.Float32bits(t.Voltage))
	}
	if t.ChannelUtilization != 0 {
		dev = protowire.AppendTag(dev, devFieldChUtil, protowire.Fixed32Type)
		dev = protowire.AppendFixed32(dev, math.Float32bits(t.ChannelUtilization))
	}
	if t.AirUtilTx != 0 {
		dev = protowire.AppendTag(dev, devFieldAirUtil, protowire.Fixed32Type)
		dev = protowire.AppendFixed32(dev, math.Float32bits(t.AirUtilTx))
	}
	if t.UptimeSeconds != 0 {
		dev = protowire.AppendTag(dev, devFieldUptime, protowire.VarintType)
		dev = protowire.AppendVarint(dev, uint64(t.UptimeSeconds))
	}

	var out []byte
	if t.Time != 0 {
		out = protowire.AppendTag(out, telFieldTime, protowire.Fixed32Type)
		out = protowire.AppendFixed32(out, t.Time)
	}
	out = protowire.AppendTag(out, telFieldDevice, protowire.BytesType)
	out = protowire.AppendBytes(out, dev)
	return out
}
