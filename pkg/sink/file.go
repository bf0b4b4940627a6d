// Package sink stores demultiplexed device video on disk.
//
// Each device gets its own file, opened lazily on the first segment and
// closed when the stream stops. The raw format writes the H.264 elementary
// stream as received; the mediaframe format writes every segment as a
// MediaFrame envelope followed by its payload, back to back, with the payload
// size carried inside the envelope.
package sink

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/gb_gateway/pkg/mediaframe"
	"github.com/arzzra/gb_gateway/pkg/psdemux"
)

// Format формат файла потока
type Format string

const (
	// FormatES сырой элементарный поток H.264 (Annex-B)
	FormatES Format = "es"
	// FormatMediaFrame последовательность кадров MediaFrame
	FormatMediaFrame Format = "mediaframe"
)

// ParseFormat проверяет название формата
func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case "", FormatES:
		return FormatES, nil
	case FormatMediaFrame:
		return FormatMediaFrame, nil
	}
	return "", fmt.Errorf("неизвестный формат записи %q", name)
}

func (f Format) extension() string {
	if f == FormatMediaFrame {
		return ".mf"
	}
	return ".h264"
}

var bytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gb_gateway",
	Subsystem: "sink",
	Name:      "bytes_written_total",
	Help:      "Байты, записанные в файлы потоков",
}, []string{"format"})

type stream struct {
	file *os.File
	w    *bufio.Writer
	path string
}

// FileSink пишет поток каждого устройства в отдельный файл каталога dir
type FileSink struct {
	dir    string
	format Format
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	streams map[string]*stream
}

// NewFileSink создает каталог и возвращает приемник
func NewFileSink(dir string, format Format) (*FileSink, error) {
	if format == "" {
		format = FormatES
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ошибка создания каталога записи: %w", err)
	}
	return &FileSink{
		dir:     dir,
		format:  format,
		logger:  slog.Default().With(slog.String("component", "file_sink")),
		now:     time.Now,
		streams: make(map[string]*stream),
	}, nil
}

// WriteSegment дописывает сегмент в файл устройства, открывая его при необходимости
func (s *FileSink) WriteSegment(deviceID string, seg psdemux.Segment) error {
	if len(seg.Data) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.open(deviceID)
	if err != nil {
		return err
	}

	var n int64
	switch s.format {
	case FormatMediaFrame:
		frame, err := mediaframe.FromAnnexB(seg.Data, int64(seg.PTS/90))
		if err != nil {
			return fmt.Errorf("ошибка упаковки кадра: %w", err)
		}
		n, err = frame.WriteTo(st.w)
		if err != nil {
			return fmt.Errorf("ошибка записи в %s: %w", st.path, err)
		}
	default:
		written, err := st.w.Write(seg.Data)
		if err != nil {
			return fmt.Errorf("ошибка записи в %s: %w", st.path, err)
		}
		n = int64(written)
	}
	bytesWritten.WithLabelValues(string(s.format)).Add(float64(n))
	return nil
}

func (s *FileSink) open(deviceID string) (*stream, error) {
	if st, ok := s.streams[deviceID]; ok {
		return st, nil
	}

	name := fmt.Sprintf("%s_%s%s", deviceID, s.now().UTC().Format("20060102T150405.000"), s.format.extension())
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла потока: %w", err)
	}
	st := &stream{file: f, w: bufio.NewWriterSize(f, 256<<10), path: path}
	s.streams[deviceID] = st
	s.logger.Info("Открыт файл потока", slog.String("device_id", deviceID), slog.String("path", path))
	return st, nil
}

// CloseStream сбрасывает и закрывает файл устройства. Следующий сегмент откроет новый файл.
func (s *FileSink) CloseStream(deviceID string) error {
	s.mu.Lock()
	st, ok := s.streams[deviceID]
	delete(s.streams, deviceID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return st.close()
}

// Path возвращает путь к открытому файлу устройства
func (s *FileSink) Path(deviceID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[deviceID]
	if !ok {
		return "", false
	}
	return st.path, true
}

// Close закрывает все файлы
func (s *FileSink) Close() error {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]*stream)
	s.mu.Unlock()

	var firstErr error
	for _, st := range streams {
		if err := st.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (st *stream) close() error {
	flushErr := st.w.Flush()
	closeErr := st.file.Close()
	if flushErr != nil {
		return fmt.Errorf("ошибка сброса %s: %w", st.path, flushErr)
	}
	return closeErr
}
