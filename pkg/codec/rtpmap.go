package codec

import (
	"fmt"
	"strconv"
	"strings"
)

// RTPMap разобранное значение атрибута a=rtpmap
type RTPMap struct {
	PayloadType uint8
	Encoding    string
	ClockRate   uint32
	Channels    uint16
}

// Key возвращает rtpKey "ENC/clock" в исходном регистре
func (m RTPMap) Key() string {
	return fmt.Sprintf("%s/%d", m.Encoding, m.ClockRate)
}

// String форматирует значение обратно в "<pt> <enc>/<clock>[/<channels>]"
func (m RTPMap) String() string {
	if m.Channels > 0 {
		return fmt.Sprintf("%d %s/%d", m.PayloadType, m.Key(), m.Channels)
	}
	return fmt.Sprintf("%d %s", m.PayloadType, m.Key())
}

// ParseRTPMap разбирает значение "<payloadType> <encoding>/<clockRate>[/<channels>]"
func ParseRTPMap(value string) (RTPMap, error) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return RTPMap{}, fmt.Errorf("неверный формат rtpmap: %q", value)
	}

	pt, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil || pt > 127 {
		return RTPMap{}, fmt.Errorf("неверный payload type в rtpmap %q", value)
	}

	parts := strings.Split(fields[1], "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return RTPMap{}, fmt.Errorf("неверное описание кодека в rtpmap: %q", value)
	}

	clock, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || clock == 0 {
		return RTPMap{}, fmt.Errorf("неверная частота дискретизации в rtpmap: %q", value)
	}

	m := RTPMap{
		PayloadType: uint8(pt),
		Encoding:    parts[0],
		ClockRate:   uint32(clock),
	}

	if len(parts) == 3 {
		channels, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return RTPMap{}, fmt.Errorf("неверное число каналов в rtpmap: %q", value)
		}
		m.Channels = uint16(channels)
	}

	return m, nil
}
