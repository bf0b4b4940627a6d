// Package mediaframe implements the compact binary frame container used to carry
// codec metadata alongside raw elementary stream samples.
//
// All multi-byte fields are little-endian. A frame is either a data frame
// (version 0 or 1) or a command frame (version 0xFF) whose key-frame byte
// holds the command opcode.
package mediaframe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// VersionBasic кадр без кодек-специфичных полей
	VersionBasic uint8 = 0
	// VersionExtended кадр с идентификатором кодека и параметрами видео/аудио
	VersionExtended uint8 = 1
	// VersionCommand командный кадр
	VersionCommand uint8 = 0xFF

	envelopeSize = 1 + 1 + 1 + 8 + 1 + 4 + 4
	videoExtSize = 4 + 2 + 2 + 4 + 4
	audioExtSize = 4 + 4 + 4 + 2 + 2

	// maxPayloadSize ограничивает размер полезной нагрузки при чтении
	maxPayloadSize = 64 << 20
)

var (
	ErrNotVideoKeyFrame = errors.New("кадр не является ключевым видеокадром")
	ErrNotCommandFrame  = errors.New("кадр не является командным")
	ErrShortPayload     = errors.New("полезная нагрузка короче заявленных параметров")
	ErrCommandPayload   = errors.New("командный кадр не может содержать данные")
	ErrInvalidLayout    = errors.New("некорректные размер или смещение кадра")
)

// VideoParams параметры видеокадра версии 1
type VideoParams struct {
	SPSLen int16
	PPSLen int16
	Width  int32
	Height int32
}

// AudioParams параметры аудиокадра версии 1
type AudioParams struct {
	Frequency int32
	Channels  int32
	Format    int16
	Samples   int16
}

// Frame единица медиаданных.
//
// Data может быть срезом большего буфера: в поток пишется Data[Offset:Offset+Size].
type Frame struct {
	Version   uint8
	Ex        uint8 // 0: кадр нельзя отбрасывать; для командных кадров содержит код команды
	KeyFrame  uint8
	Timestamp int64
	Audio     bool
	Size      int32
	Offset    int32
	Encoder   FourCC
	Video     VideoParams
	AudioInfo AudioParams
	Data      []byte
}

// NewCommand создает командный кадр
func NewCommand(cmd Command) *Frame {
	return &Frame{
		Version: VersionCommand,
		Ex:      uint8(cmd),
	}
}

// IsCommand сообщает, является ли кадр командным
func (f *Frame) IsCommand() bool {
	return f.Version == VersionCommand
}

// Command возвращает код команды командного кадра
func (f *Frame) Command() (Command, error) {
	if !f.IsCommand() {
		return 0, ErrNotCommandFrame
	}
	return Command(f.Ex), nil
}

// IsKeyFrame сообщает, помечен ли кадр как ключевой
func (f *Frame) IsKeyFrame() bool {
	return !f.IsCommand() && f.KeyFrame != 0
}

// Discardable сообщает, может ли потребитель отбросить кадр под нагрузкой.
func (f *Frame) Discardable() bool {
	if f.IsCommand() {
		return false
	}
	if (f.Version == VersionBasic || f.Version == VersionExtended) && f.Ex == 0 {
		return false
	}
	return true
}

// Payload возвращает данные кадра с учетом смещения
func (f *Frame) Payload() ([]byte, error) {
	if f.Offset < 0 || f.Size < 0 || int(f.Offset)+int(f.Size) > len(f.Data) {
		return nil, fmt.Errorf("%w: offset=%d size=%d len=%d", ErrInvalidLayout, f.Offset, f.Size, len(f.Data))
	}
	return f.Data[f.Offset : f.Offset+f.Size], nil
}

// SPS возвращает набор параметров последовательности H.264.
// Данные начинаются после 4-байтового стартового кода.
func (f *Frame) SPS() ([]byte, error) {
	payload, err := f.videoKeyPayload()
	if err != nil {
		return nil, err
	}
	start, end := 4, 4+int(f.Video.SPSLen)
	if f.Video.SPSLen < 0 || end > len(payload) {
		return nil, fmt.Errorf("%w: SPS [%d:%d] при длине %d", ErrShortPayload, start, end, len(payload))
	}
	return payload[start:end], nil
}

// PPS возвращает набор параметров изображения H.264, расположенный после SPS и второго стартового кода.
func (f *Frame) PPS() ([]byte, error) {
	payload, err := f.videoKeyPayload()
	if err != nil {
		return nil, err
	}
	start := int(f.Video.SPSLen) + 8
	end := start + int(f.Video.PPSLen)
	if f.Video.SPSLen < 0 || f.Video.PPSLen < 0 || end > len(payload) {
		return nil, fmt.Errorf("%w: PPS [%d:%d] при длине %d", ErrShortPayload, start, end, len(payload))
	}
	return payload[start:end], nil
}

func (f *Frame) videoKeyPayload() ([]byte, error) {
	if f.IsCommand() || f.Audio || f.KeyFrame == 0 {
		return nil, ErrNotVideoKeyFrame
	}
	return f.Payload()
}

// MarshalBinary сериализует кадр
func (f *Frame) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo пишет кадр в поток
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	payload, err := f.Payload()
	if err != nil {
		return 0, err
	}
	if f.IsCommand() && len(payload) > 0 {
		return 0, ErrCommandPayload
	}

	size := envelopeSize + len(payload)
	if f.Version == VersionExtended {
		if f.Audio {
			size += audioExtSize
		} else {
			size += videoExtSize
		}
	}

	b := make([]byte, 0, size)
	b = append(b, f.Version, f.Ex, f.KeyFrame)
	b = binary.LittleEndian.AppendUint64(b, uint64(f.Timestamp))
	b = append(b, boolByte(f.Audio))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(payload)))
	// смещение в потоке всегда нулевое, данные уже вырезаны
	b = binary.LittleEndian.AppendUint32(b, 0)

	if f.Version == VersionExtended {
		b = binary.LittleEndian.AppendUint32(b, uint32(f.Encoder))
		if f.Audio {
			b = binary.LittleEndian.AppendUint32(b, uint32(f.AudioInfo.Frequency))
			b = binary.LittleEndian.AppendUint32(b, uint32(f.AudioInfo.Channels))
			b = binary.LittleEndian.AppendUint16(b, uint16(f.AudioInfo.Format))
			b = binary.LittleEndian.AppendUint16(b, uint16(f.AudioInfo.Samples))
		} else {
			b = binary.LittleEndian.AppendUint16(b, uint16(f.Video.SPSLen))
			b = binary.LittleEndian.AppendUint16(b, uint16(f.Video.PPSLen))
			b = binary.LittleEndian.AppendUint32(b, uint32(f.Video.Width))
			b = binary.LittleEndian.AppendUint32(b, uint32(f.Video.Height))
		}
	}
	b = append(b, payload...)

	n, err := w.Write(b)
	return int64(n), err
}

// UnmarshalBinary разбирает кадр из буфера
func (f *Frame) UnmarshalBinary(data []byte) error {
	_, err := f.readFrom(bytes.NewReader(data))
	return err
}

// ReadFrame читает очередной кадр из потока.
// Возвращает io.EOF, если поток закончился ровно на границе кадра.
func ReadFrame(r io.Reader) (*Frame, error) {
	f := &Frame{}
	if _, err := f.readFrom(r); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Frame) readFrom(r io.Reader) (int64, error) {
	var env [envelopeSize]byte
	n, err := io.ReadFull(r, env[:])
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return int64(n), fmt.Errorf("обрезанный заголовок кадра: %w", err)
		}
		return int64(n), err
	}
	total := int64(n)

	f.Version = env[0]
	f.Ex = env[1]
	f.KeyFrame = env[2]
	f.Timestamp = int64(binary.LittleEndian.Uint64(env[3:11]))
	f.Audio = env[11] != 0
	f.Size = int32(binary.LittleEndian.Uint32(env[12:16]))
	f.Offset = int32(binary.LittleEndian.Uint32(env[16:20]))

	if f.Size < 0 || f.Offset < 0 || int64(f.Size)+int64(f.Offset) > maxPayloadSize {
		return total, fmt.Errorf("%w: size=%d offset=%d", ErrInvalidLayout, f.Size, f.Offset)
	}

	if f.Version == VersionExtended {
		extSize := videoExtSize
		if f.Audio {
			extSize = audioExtSize
		}
		ext := make([]byte, extSize)
		n, err = io.ReadFull(r, ext)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("обрезанные параметры кадра: %w", unexpected(err))
		}
		f.Encoder = FourCC(binary.LittleEndian.Uint32(ext[0:4]))
		if f.Audio {
			f.AudioInfo = AudioParams{
				Frequency: int32(binary.LittleEndian.Uint32(ext[4:8])),
				Channels:  int32(binary.LittleEndian.Uint32(ext[8:12])),
				Format:    int16(binary.LittleEndian.Uint16(ext[12:14])),
				Samples:   int16(binary.LittleEndian.Uint16(ext[14:16])),
			}
		} else {
			f.Video = VideoParams{
				SPSLen: int16(binary.LittleEndian.Uint16(ext[4:6])),
				PPSLen: int16(binary.LittleEndian.Uint16(ext[6:8])),
				Width:  int32(binary.LittleEndian.Uint32(ext[8:12])),
				Height: int32(binary.LittleEndian.Uint32(ext[12:16])),
			}
		}
	}

	f.Data = make([]byte, int(f.Size)+int(f.Offset))
	n, err = io.ReadFull(r, f.Data)
	total += int64(n)
	if err != nil {
		return total, fmt.Errorf("обрезанные данные кадра: %w", unexpected(err))
	}
	if f.IsCommand() && f.Size > 0 {
		return total, ErrCommandPayload
	}
	return total, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
