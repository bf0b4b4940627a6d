package mediaframe

import (
	"fmt"
	"strings"
)

// FourCC четырехсимвольный код кодека, упакованный в 32 бита (первый символ в младшем байте)
type FourCC int32

// CodecID идентификатор элементарного потока во внешних декодерах
type CodecID int32

const (
	CodecH264  CodecID = 28
	CodecH263  CodecID = 5
	CodecFLV1  CodecID = 22
	CodecXVID  CodecID = 63
	CodecMPEG4 CodecID = 13
	CodecAAC   CodecID = 86018
	CodecPCM   CodecID = 65536
	CodecSpeex CodecID = 86051
)

var (
	FourCCH264 = MustFourCC("H264")
	FourCCH263 = MustFourCC("H263")
	FourCCSPEX = MustFourCC("SPEX")
	FourCCFLV1 = MustFourCC("FLV1")
	FourCCAAC  = MustFourCC("AAC_")
	FourCCPCM  = MustFourCC("PCM_")
	FourCCXVID = MustFourCC("XVID")
	FourCCMP4V = MustFourCC("MP4V")
)

var (
	fourccToCodec = map[FourCC]CodecID{
		FourCCH264: CodecH264,
		FourCCH263: CodecH263,
		FourCCFLV1: CodecFLV1,
		FourCCXVID: CodecXVID,
		FourCCMP4V: CodecMPEG4,
		FourCCAAC:  CodecAAC,
		FourCCPCM:  CodecPCM,
		FourCCSPEX: CodecSpeex,
	}
	codecToFourCC = func() map[CodecID]FourCC {
		m := make(map[CodecID]FourCC, len(fourccToCodec))
		for k, v := range fourccToCodec {
			m[v] = k
		}
		return m
	}()
)

// NewFourCC упаковывает четырехбуквенный тег. Тег приводится к верхнему регистру.
func NewFourCC(tag string) (FourCC, error) {
	if len(tag) != 4 {
		return 0, fmt.Errorf("тег FourCC должен состоять из 4 символов: %q", tag)
	}
	tag = strings.ToUpper(tag)
	var v uint32
	for i := 0; i < 4; i++ {
		c := tag[i]
		if c < 0x20 || c > 0x7E {
			return 0, fmt.Errorf("недопустимый символ в теге FourCC: %q", tag)
		}
		v |= uint32(c) << (8 * i)
	}
	return FourCC(v), nil
}

// MustFourCC как NewFourCC, но паникует на ошибке
func MustFourCC(tag string) FourCC {
	f, err := NewFourCC(tag)
	if err != nil {
		panic(err)
	}
	return f
}

func (f FourCC) String() string {
	v := uint32(f)
	return string([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// CodecID возвращает идентификатор кодека для тега
func (f FourCC) CodecID() (CodecID, bool) {
	id, ok := fourccToCodec[f]
	return id, ok
}

// FourCCFromCodec возвращает тег для идентификатора кодека
func FourCCFromCodec(id CodecID) (FourCC, bool) {
	f, ok := codecToFourCC[id]
	return f, ok
}
