package mediaframe

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// ErrEmptyAccessUnit в сегменте нет ни одного NAL-блока
var ErrEmptyAccessUnit = errors.New("пустой access unit")

// FromAnnexB строит видеокадр версии 1 из сегмента элементарного потока H.264 в формате Annex-B.
//
// Для ключевых кадров данные переупорядочиваются так, чтобы SPS и PPS шли первыми,
// каждый со своим 4-байтовым стартовым кодом; это дает раскладку, которую ожидают SPS() и PPS().
func FromAnnexB(es []byte, timestamp int64) (*Frame, error) {
	au, err := h264.AnnexBUnmarshal(es)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора Annex-B: %w", err)
	}
	return FromAccessUnit(au, timestamp)
}

// FromAccessUnit строит видеокадр из набора NAL-блоков
func FromAccessUnit(au [][]byte, timestamp int64) (*Frame, error) {
	if len(au) == 0 {
		return nil, ErrEmptyAccessUnit
	}

	f := &Frame{
		Version:   VersionExtended,
		Ex:        1,
		Timestamp: timestamp,
		Encoder:   FourCCH264,
	}

	var sps, pps []byte
	nalus := make([][]byte, 0, len(au))
	rest := make([][]byte, 0, len(au))
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		nalus = append(nalus, nalu)
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			if sps == nil {
				sps = nalu
				continue
			}
		case h264.NALUTypePPS:
			if pps == nil {
				pps = nalu
				continue
			}
		}
		rest = append(rest, nalu)
	}
	if len(nalus) == 0 {
		return nil, ErrEmptyAccessUnit
	}

	ordered := nalus
	if h264.IDRPresent(nalus) && sps != nil && pps != nil {
		f.KeyFrame = 1
		f.Ex = 0
		f.Video.SPSLen = int16(len(sps))
		f.Video.PPSLen = int16(len(pps))

		var s h264.SPS
		if err := s.Unmarshal(sps); err == nil {
			f.Video.Width = int32(s.Width())
			f.Video.Height = int32(s.Height())
		}
		ordered = append([][]byte{sps, pps}, rest...)
	}

	data, err := h264.AnnexBMarshal(ordered)
	if err != nil {
		return nil, fmt.Errorf("ошибка сборки Annex-B: %w", err)
	}
	f.Data = data
	f.Size = int32(len(data))
	return f, nil
}
