package protocol

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

var (
	ErrEmptyBody        = errors.New("пустое тело сообщения")
	ErrUnknownVariable  = errors.New("неизвестный тип тела")
	ErrVariableMismatch = errors.New("тип тела не совпадает с ожидаемым")
	ErrInvalidSocket    = errors.New("некорректное описание сокета")
)

// Charset кодировка исходящих тел
type Charset string

const (
	CharsetUTF8    Charset = "UTF-8"
	CharsetGB18030 Charset = "GB18030"
)

// ParseCharset разбирает название кодировки из конфигурации
func ParseCharset(name string) (Charset, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "UTF-8", "UTF8":
		return CharsetUTF8, nil
	case "GB18030", "GBK", "GB2312":
		return CharsetGB18030, nil
	default:
		return "", fmt.Errorf("неподдерживаемая кодировка %q", name)
	}
}

// charsetReader подключается к xml.Decoder для тел в китайских кодировках
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "gb2312", "gbk", "gb18030":
		return transform.NewReader(input, simplifiedchinese.GB18030.NewDecoder()), nil
	case "utf-8", "utf8", "":
		return input, nil
	default:
		return nil, fmt.Errorf("неподдерживаемая кодировка %q", charset)
	}
}

// Unmarshal декодирует XML тело с учетом объявленной кодировки
func Unmarshal(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return ErrEmptyBody
	}
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charsetReader
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("ошибка разбора XML тела: %w", err)
	}
	return nil
}

// Marshal кодирует тело с XML декларацией в указанной кодировке
func Marshal(v any, charset Charset) ([]byte, error) {
	data, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("ошибка формирования XML тела: %w", err)
	}

	if charset == "" {
		charset = CharsetUTF8
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<?xml version=\"1.0\" encoding=\"%s\"?>\n", charset)

	switch charset {
	case CharsetUTF8:
		buf.Write(data)
	case CharsetGB18030:
		encoded, _, err := transform.Bytes(simplifiedchinese.GB18030.NewEncoder(), data)
		if err != nil {
			return nil, fmt.Errorf("ошибка перекодирования тела в %s: %w", charset, err)
		}
		buf.Write(encoded)
	default:
		return nil, fmt.Errorf("неподдерживаемая кодировка %q", charset)
	}
	return buf.Bytes(), nil
}
