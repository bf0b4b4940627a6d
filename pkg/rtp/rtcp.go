package rtp

import (
	"fmt"
	"time"

	"github.com/pion/rtcp"
)

// ntpEpochOffset секунды между 1900-01-01 и 1970-01-01
const ntpEpochOffset = 2208988800

// NTPTimestamp конвертирует время в 64-битную NTP метку согласно RFC 3550
func NTPTimestamp(t time.Time) uint64 {
	seconds := uint64(t.Unix()) + ntpEpochOffset
	fraction := (uint64(t.Nanosecond()) << 32) / 1e9
	return seconds<<32 | fraction
}

// NTPTimestampToTime конвертирует NTP метку во время
func NTPTimestampToTime(ntp uint64) time.Time {
	seconds := int64(ntp>>32) - ntpEpochOffset
	nanos := (int64(ntp&0xFFFFFFFF) * 1e9) >> 32
	return time.Unix(seconds, nanos)
}

// ReportState состояние для формирования Sender Report
type ReportState struct {
	SSRC    uint32
	Now     time.Time
	RTPTime uint32
	Packets uint32
	Octets  uint32
}

// BuildSenderReport сериализует Sender Report без блоков приема
func BuildSenderReport(st ReportState) ([]byte, error) {
	sr := &rtcp.SenderReport{
		SSRC:        st.SSRC,
		NTPTime:     NTPTimestamp(st.Now),
		RTPTime:     st.RTPTime,
		PacketCount: st.Packets,
		OctetCount:  st.Octets,
	}
	data, err := sr.Marshal()
	if err != nil {
		return nil, fmt.Errorf("ошибка маршалинга Sender Report: %w", err)
	}
	return data, nil
}

// RemoteReport последний отчет отправителя, полученный от устройства
type RemoteReport struct {
	SSRC       uint32
	NTPTime    time.Time
	RTPTime    uint32
	Packets    uint32
	Octets     uint32
	ReceivedAt time.Time
}

// parseControl разбирает составной RTCP пакет и возвращает последний Sender Report, если он есть
func parseControl(data []byte, now time.Time) (*RemoteReport, error) {
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора RTCP: %w", err)
	}

	var report *RemoteReport
	for _, p := range packets {
		if sr, ok := p.(*rtcp.SenderReport); ok {
			report = &RemoteReport{
				SSRC:       sr.SSRC,
				NTPTime:    NTPTimestampToTime(sr.NTPTime),
				RTPTime:    sr.RTPTime,
				Packets:    sr.PacketCount,
				Octets:     sr.OctetCount,
				ReceivedAt: now,
			}
		}
	}
	return report, nil
}
