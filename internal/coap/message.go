package coap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrMessageTooShort is returned by Unmarshal when the input is shorter
// than a CoAP header requires.
var ErrMessageTooShort = errors.New("coap: message too short")

// ErrOptionTooLarge is returned by Marshal when an option's
// number delta or value length cannot be represented on the wire.
var ErrOptionTooLarge = errors.New("coap: option delta or length out of range")

const (
	extendOptionByte = 13
	extendOptionWord = 14
	extendOptionEnd  = 15

	extendOptionByteAddend = 13
	extendOptionWordAddend = 269
)

// Message is a decoded CoAP PDU: header fields, ordered options, and an
// opaque payload. It is the single representation used for every inbound
// request, outbound request, and response the proxy handles.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

// Clone returns a deep copy of m, safe to mutate independently.
func (m *Message) Clone() *Message {
	c := &Message{
		Type:      m.Type,
		Code:      m.Code,
		MessageID: m.MessageID,
	}
	if m.Token != nil {
		c.Token = append([]byte(nil), m.Token...)
	}
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	c.Options = make([]Option, len(m.Options))
	for i, o := range m.Options {
		c.Options[i] = Option{Number: o.Number, Value: append([]byte(nil), o.Value...)}
	}
	return c
}

// GetOption returns the value of the first option with the given number,
// and whether it was present.
func (m *Message) GetOption(num OptionNumber) ([]byte, bool) {
	for _, o := range m.Options {
		if o.Number == num {
			return o.Value, true
		}
	}
	return nil, false
}

// GetOptionUint decodes the first option with the given number as a
// big-endian unsigned integer (RFC 7252 §3.2), returning ok=false if the
// option is absent.
func (m *Message) GetOptionUint(num OptionNumber) (uint32, bool) {
	v, ok := m.GetOption(num)
	if !ok {
		return 0, false
	}
	return decodeUint(v), true
}

// AddOption appends an option to the end of m.Options. Callers are
// responsible for ascending-number discipline when building outbound
// messages; Marshal re-sorts stably as a last line of defense.
func (m *Message) AddOption(num OptionNumber, value []byte) {
	m.Options = append(m.Options, Option{Number: num, Value: value})
}

// AddOptionUint appends a uint option using the minimal big-endian
// encoding (RFC 7252 §3.2: leading zero bytes are omitted).
func (m *Message) AddOptionUint(num OptionNumber, v uint32) {
	m.AddOption(num, encodeUint(v))
}

func encodeUint(v uint32) []byte {
	if v == 0 {
		return nil
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	i := 0
	for i < 3 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

func decodeUint(b []byte) uint32 {
	var buf [4]byte
	copy(buf[4-len(b):], b)
	return binary.BigEndian.Uint32(buf[:])
}

// Marshal encodes m into a CoAP PDU per RFC 7252 §3.
func (m *Message) Marshal() ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, fmt.Errorf("coap: token length %d exceeds 8", len(m.Token))
	}

	out := make([]byte, 0, 4+len(m.Token)+32+len(m.Payload))

	header := [4]byte{}
	header[0] = (1 << 6) | (byte(m.Type) << 4) | byte(len(m.Token)&0x0f)
	header[1] = byte(m.Code)
	binary.BigEndian.PutUint16(header[2:], m.MessageID)
	out = append(out, header[:]...)
	out = append(out, m.Token...)

	sorted := make(options, len(m.Options))
	copy(sorted, m.Options)
	sort.Stable(sorted)

	prev := 0
	for _, o := range sorted {
		delta := int(o.Number) - prev
		if delta < 0 {
			return nil, fmt.Errorf("coap: options out of order: %d after %d", o.Number, prev)
		}
		length := len(o.Value)

		deltaNibble, deltaExt, err := extendOption(delta)
		if err != nil {
			return nil, err
		}
		lengthNibble, lengthExt, err := extendOption(length)
		if err != nil {
			return nil, err
		}

		out = append(out, byte(deltaNibble<<4)|byte(lengthNibble))
		out = appendExt(out, deltaNibble, deltaExt)
		out = appendExt(out, lengthNibble, lengthExt)
		out = append(out, o.Value...)

		prev = int(o.Number)
	}

	if len(m.Payload) > 0 {
		out = append(out, 0xff)
		out = append(out, m.Payload...)
	}

	return out, nil
}

func extendOption(v int) (nibble, ext int, err error) {
	switch {
	case v < extendOptionByteAddend:
		return v, 0, nil
	case v < extendOptionWordAddend:
		return extendOptionByte, v - extendOptionByteAddend, nil
	case v-extendOptionWordAddend <= 0xffff:
		return extendOptionWord, v - extendOptionWordAddend, nil
	default:
		return 0, 0, ErrOptionTooLarge
	}
}

func appendExt(out []byte, nibble, ext int) []byte {
	switch nibble {
	case extendOptionByte:
		return append(out, byte(ext))
	case extendOptionWord:
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(ext))
		return append(out, tmp[:]...)
	default:
		return out
	}
}

// Unmarshal decodes a CoAP PDU per RFC 7252 §3. Options are returned in
// the order they appear on the wire, which RFC 7252 mandates to be
// strictly ascending by option number.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, ErrMessageTooShort
	}
	ver := data[0] >> 6
	if ver != 1 {
		return nil, fmt.Errorf("coap: unsupported version %d", ver)
	}
	tkl := int(data[0] & 0x0f)
	if tkl > 8 {
		return nil, fmt.Errorf("coap: invalid token length %d", tkl)
	}

	m := &Message{
		Type:      Type((data[0] >> 4) & 0x03),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}

	pos := 4
	if tkl > 0 {
		if pos+tkl > len(data) {
			return nil, ErrMessageTooShort
		}
		m.Token = append([]byte(nil), data[pos:pos+tkl]...)
		pos += tkl
	}

	optNum := 0
	for pos < len(data) {
		if data[pos] == 0xff {
			pos++
			m.Payload = append([]byte(nil), data[pos:]...)
			break
		}

		deltaNibble := int(data[pos] >> 4)
		lengthNibble := int(data[pos] & 0x0f)
		pos++

		delta, newPos, err := readExt(data, pos, deltaNibble)
		if err != nil {
			return nil, err
		}
		pos = newPos

		length, newPos, err := readExt(data, pos, lengthNibble)
		if err != nil {
			return nil, err
		}
		pos = newPos

		if pos+length > len(data) {
			return nil, ErrMessageTooShort
		}

		optNum += delta
		value := append([]byte(nil), data[pos:pos+length]...)
		m.Options = append(m.Options, Option{Number: OptionNumber(optNum), Value: value})
		pos += length
	}

	return m, nil
}

func readExt(data []byte, pos, nibble int) (value, newPos int, err error) {
	switch {
	case nibble < extendOptionByte:
		return nibble, pos, nil
	case nibble == extendOptionByte:
		if pos+1 > len(data) {
			return 0, 0, ErrMessageTooShort
		}
		return int(data[pos]) + extendOptionByteAddend, pos + 1, nil
	case nibble == extendOptionWord:
		if pos+2 > len(data) {
			return 0, 0, ErrMessageTooShort
		}
		return int(binary.BigEndian.Uint16(data[pos:pos+2])) + extendOptionWordAddend, pos + 2, nil
	default:
		return 0, 0, fmt.Errorf("coap: reserved option nibble 0x0f")
	}
}
