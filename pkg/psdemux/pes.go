package psdemux

import (
	"bytes"
	"encoding/binary"
)

var (
	packStartCode  = []byte{0x00, 0x00, 0x01, 0xBA}
	videoStartCode = []byte{0x00, 0x00, 0x01, 0xE0}
)

const (
	// минимальный заголовок PES: стартовый код, stream id, длина, два байта флагов, длина доп. заголовка
	pesHeaderSize = 9
	ptsFlagMask   = 0x80
)

// PESPacket пакет видеопотока, извлеченный из PS-пачки
type PESPacket struct {
	StreamID byte
	PTS      uint64
	HasPTS   bool
	Payload  []byte
}

// ExtractPES собирает все видеопакеты PES (00 00 01 E0) из буфера по порядку.
// Нагрузка пакетов ссылается на исходный буфер.
func ExtractPES(buf []byte) []PESPacket {
	var packets []PESPacket

	pos := 0
	for pos < len(buf) {
		idx := bytes.Index(buf[pos:], videoStartCode)
		if idx < 0 {
			break
		}
		start := pos + idx
		pkt, next, ok := parsePES(buf, start)
		if ok {
			packets = append(packets, pkt)
		}
		if next <= start {
			next = start + len(videoStartCode)
		}
		pos = next
	}
	return packets
}

// parsePES разбирает один пакет начиная со стартового кода.
// Возвращает позицию, с которой продолжать поиск.
func parsePES(buf []byte, start int) (PESPacket, int, bool) {
	if start+pesHeaderSize > len(buf) {
		return PESPacket{}, len(buf), false
	}

	pkt := PESPacket{StreamID: buf[start+3]}
	packetLength := int(binary.BigEndian.Uint16(buf[start+4 : start+6]))
	flags := buf[start+7]
	headerDataLength := int(buf[start+8])

	payloadStart := start + pesHeaderSize + headerDataLength
	if payloadStart > len(buf) {
		return PESPacket{}, len(buf), false
	}

	var end int
	if packetLength == 0 {
		// длина не указана: пакет продолжается до следующего системного стартового кода
		end = nextSystemStartCode(buf, payloadStart)
	} else {
		end = start + 6 + packetLength
		if end > len(buf) {
			end = len(buf)
		}
	}
	if end < payloadStart {
		end = payloadStart
	}

	if flags&ptsFlagMask != 0 && headerDataLength >= 5 {
		pkt.PTS = parseTimestamp(buf[start+pesHeaderSize : start+pesHeaderSize+5])
		pkt.HasPTS = true
	}
	pkt.Payload = buf[payloadStart:end]
	return pkt, end, true
}

// nextSystemStartCode ищет 00 00 01 XX с XX >= 0xB9 (пачка, системный заголовок или PES).
// Стартовые коды NAL-блоков H.264 под это условие не попадают.
func nextSystemStartCode(buf []byte, from int) int {
	for i := from; i+3 < len(buf); i++ {
		if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 && buf[i+3] >= 0xB9 {
			return i
		}
	}
	return len(buf)
}

// parseTimestamp разбирает 33-битную метку PTS/DTS из 5 байт
func parseTimestamp(b []byte) uint64 {
	return uint64(b[0]&0x0E)<<29 |
		uint64(b[1])<<22 |
		uint64(b[2]&0xFE)<<14 |
		uint64(b[3])<<7 |
		uint64(b[4])>>1
}
