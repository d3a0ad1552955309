// ABOUTME: Clock-plane UDP packet layout
// ABOUTME: Fixed-size request/response carrying t1/t2/t3 nanosecond stamps
package clock

import "encoding/binary"

// The clock plane speaks a minimal NTP-style exchange. A request carries
// the consumer's transmit stamp t1; the response echoes t1 and adds the
// provider's receive stamp t2 and transmit stamp t3. All stamps are
// big-endian nanoseconds in the sender's own clock domain.
const (
	requestSize  = 8
	responseSize = 24
)

func encodeRequest(buf []byte, t1 uint64) []byte {
	binary.BigEndian.PutUint64(buf[:requestSize], t1)
	return buf[:requestSize]
}

func decodeRequest(buf []byte) (t1 uint64, ok bool) {
	if len(buf) < requestSize {
		return 0, false
	}
	return binary.BigEndian.Uint64(buf), true
}

func encodeResponse(buf []byte, t1, t2, t3 uint64) []byte {
	binary.BigEndian.PutUint64(buf[0:8], t1)
	binary.BigEndian.PutUint64(buf[8:16], t2)
	binary.BigEndian.PutUint64(buf[16:24], t3)
	return buf[:responseSize]
}

func decodeResponse(buf []byte) (t1, t2, t3 uint64, ok bool) {
	if len(buf) < responseSize {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint64(buf[0:8]),
		binary.BigEndian.Uint64(buf[8:16]),
		binary.BigEndian.Uint64(buf[16:24]),
		true
}
