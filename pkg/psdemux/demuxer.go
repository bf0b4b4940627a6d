// Package psdemux extracts an H.264 elementary stream from an MPEG Program
// Stream delivered as arbitrary-length network buffers.
//
// Bytes are accumulated until two pack start codes (00 00 01 BA) are seen.
// Everything before the second code is handed to PES extraction, the rest
// stays in the accumulator for the next cycle.
package psdemux

import (
	"bytes"
	"sync"
)

// DefaultMaxBuffer предел накопителя по умолчанию
const DefaultMaxBuffer = 4 << 20

// Segment непрерывный фрагмент элементарного потока за один цикл накопления
type Segment struct {
	Data []byte
	// PTS метка первого PES-пакета цикла, 90 кГц
	PTS    uint64
	HasPTS bool
}

// Stats счетчики демультиплексора
type Stats struct {
	Segments uint64
	Bytes    uint64
	Resyncs  uint64
	Buffered int
}

// Demuxer накопитель PS-потока одного устройства.
// Безопасен для вызова из нескольких горутин.
type Demuxer struct {
	mu        sync.Mutex
	buf       []byte
	maxBuffer int
	stats     Stats
}

// New создает демультиплексор. maxBuffer <= 0 означает DefaultMaxBuffer.
func New(maxBuffer int) *Demuxer {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &Demuxer{maxBuffer: maxBuffer}
}

// Write добавляет байты в накопитель и возвращает готовые сегменты.
// Пока в буфере меньше двух стартовых кодов пачки, данные удерживаются.
func (d *Demuxer) Write(p []byte) []Segment {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.buf = append(d.buf, p...)

	var out []Segment
	for {
		second := secondPackStart(d.buf)
		if second < 0 {
			break
		}

		ready := d.buf[:second]
		if seg, ok := assemble(ExtractPES(ready)); ok {
			out = append(out, seg)
			d.stats.Segments++
			d.stats.Bytes += uint64(len(seg.Data))
			segmentsTotal.Inc()
			segmentBytes.Add(float64(len(seg.Data)))
		}

		// остаток начинается со второго стартового кода
		rest := make([]byte, len(d.buf)-second)
		copy(rest, d.buf[second:])
		d.buf = rest
	}

	if len(d.buf) > d.maxBuffer {
		d.resync()
	}
	d.stats.Buffered = len(d.buf)
	return out
}

// Buffered возвращает копию текущего содержимого накопителя
func (d *Demuxer) Buffered() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.buf...)
}

// Stats возвращает снимок счетчиков
func (d *Demuxer) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Reset очищает накопитель
func (d *Demuxer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = nil
	d.stats.Buffered = 0
}

// resync сохраняет хвост начиная с последнего стартового кода пачки, остальное отбрасывает
func (d *Demuxer) resync() {
	last := bytes.LastIndex(d.buf, packStartCode)
	if last > 0 && len(d.buf)-last <= d.maxBuffer {
		d.buf = append([]byte(nil), d.buf[last:]...)
	} else {
		d.buf = nil
	}
	d.stats.Resyncs++
	resyncsTotal.Inc()
}

// secondPackStart возвращает индекс второго стартового кода пачки или -1
func secondPackStart(buf []byte) int {
	first := bytes.Index(buf, packStartCode)
	if first < 0 {
		return -1
	}
	from := first + len(packStartCode)
	idx := bytes.Index(buf[from:], packStartCode)
	if idx < 0 {
		return -1
	}
	return from + idx
}

// assemble склеивает нагрузку пакетов, метка берется из первого пакета
func assemble(packets []PESPacket) (Segment, bool) {
	if len(packets) == 0 {
		return Segment{}, false
	}
	size := 0
	for _, p := range packets {
		size += len(p.Payload)
	}
	if size == 0 {
		return Segment{}, false
	}
	seg := Segment{
		Data:   make([]byte, 0, size),
		PTS:    packets[0].PTS,
		HasPTS: packets[0].HasPTS,
	}
	for _, p := range packets {
		seg.Data = append(seg.Data, p.Payload...)
	}
	return seg, true
}
