package beacon

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// AppleCompanyID is the Bluetooth SIG company identifier carried by iBeacon
// advertisements.
const AppleCompanyID uint16 = 0x004C

const (
	iBeaconType   = 0x02
	iBeaconLength = 0x15
	iBeaconSize   = 2 + iBeaconLength
)

// ParseIBeacon decodes the manufacturer-specific payload of an iBeacon
// advertisement. The payload excludes the company identifier.
func ParseIBeacon(payload []byte) (ID, int, bool) {
	if len(payload) < iBeaconSize {
		return ID{}, 0, false
	}
	if payload[0] != iBeaconType || payload[1] != iBeaconLength {
		return ID{}, 0, false
	}

	u, err := uuid.FromBytes(payload[2:18])
	if err != nil {
		return ID{}, 0, false
	}

	id := ID{
		UUID:  u,
		Major: binary.BigEndian.Uint16(payload[18:20]),
		Minor: binary.BigEndian.Uint16(payload[20:22]),
	}
	txPower := int(int8(payload[22]))
	return id, txPower, true
}

// EncodeIBeacon builds the manufacturer-specific payload for id.
func EncodeIBeacon(id ID, txPower int) []byte {
	buf := make([]byte, iBeaconSize)
	buf[0] = iBeaconType
	buf[1] = iBeaconLength
	copy(buf[2:18], id.UUID[:])
	binary.BigEndian.PutUint16(buf[18:20], id.Major)
	binary.BigEndian.PutUint16(buf[20:22], id.Minor)
	buf[22] = byte(int8(txPower))
	return buf
}
