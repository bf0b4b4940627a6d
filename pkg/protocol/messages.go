package protocol

import (
	"encoding/xml"
	"fmt"
)

// Default* параметры запроса видео в реальном времени
const (
	DefaultVideoFormat = "4CIF CIF QCIF 720p 1080p"
	DefaultVideoCodec  = "H.264"
	DefaultAudioCodec  = "G.711"
	DefaultMaxBitrate  = 800

	DefaultFromIndex = 1
	DefaultToIndex   = 200
)

// KeepAlive сердцебиение устройства
type KeepAlive struct {
	XMLName xml.Name `xml:"Action"`
	Notify  struct {
		Variable Variable `xml:"Variable"`
	} `xml:"Notify"`
}

// NewKeepAlive создает тело сердцебиения
func NewKeepAlive() *KeepAlive {
	k := &KeepAlive{}
	k.Notify.Variable = VariableKeepAlive
	return k
}

// Response подтверждение с кодом результата
type Response struct {
	XMLName  xml.Name `xml:"Action"`
	Variable Variable `xml:"Variable"`
	Result   int      `xml:"Result"`
}

// NewResponse создает успешное подтверждение для variable
func NewResponse(variable Variable) *Response {
	return &Response{Variable: variable, Result: 0}
}

// Device запрос информации об устройстве
type Device struct {
	XMLName   xml.Name `xml:"Action"`
	Variable  Variable `xml:"Variable"`
	Privilege int      `xml:"Privilege"`
}

// NewDeviceQuery создает запрос DeviceInfo
func NewDeviceQuery() *Device {
	return &Device{Variable: VariableDeviceInfo, Privilege: DefaultPrivilege}
}

// DeviceInfo ответ устройства на запрос DeviceInfo
type DeviceInfo struct {
	Variable     Variable `xml:"Variable" json:"variable"`
	Result       int      `xml:"Result" json:"result"`
	Address      string   `xml:"Address" json:"address"`
	Name         string   `xml:"Name" json:"name"`
	Manufacturer string   `xml:"Manufacturer" json:"manufacturer"`
	Model        string   `xml:"Model" json:"model"`
	Firmware     string   `xml:"Firmware" json:"firmware"`
	Channels     int      `xml:"Channels" json:"channels"`
	Status       Status   `xml:"Status" json:"status"`
}

// DeviceResponse тело ответа DeviceInfo
type DeviceResponse struct {
	XMLName xml.Name   `xml:"Action"`
	Info    DeviceInfo `xml:"Response"`
}

// ParseDeviceResponse разбирает ответ DeviceInfo
func ParseDeviceResponse(body []byte) (*DeviceInfo, error) {
	var res DeviceResponse
	if err := Unmarshal(body, &res); err != nil {
		return nil, err
	}
	if res.Info.Variable != VariableDeviceInfo {
		return nil, fmt.Errorf("%w: %q вместо %q", ErrVariableMismatch, res.Info.Variable, VariableDeviceInfo)
	}
	return &res.Info, nil
}

// ItemQuery параметры постраничного запроса каталога
type ItemQuery struct {
	Variable  Variable `xml:"Variable"`
	Address   string   `xml:"Address"`
	Privilege int      `xml:"Privilege"`
	FromIndex int      `xml:"FromIndex"`
	ToIndex   int      `xml:"ToIndex"`
}

// DeviceItems запрос каталога устройства
type DeviceItems struct {
	XMLName xml.Name  `xml:"Action"`
	Query   ItemQuery `xml:"Query"`
}

// NewDeviceItemsQuery создает запрос ItemList. Нулевые индексы заменяются значениями по умолчанию.
func NewDeviceItemsQuery(address string, from, to int) (*DeviceItems, error) {
	if from <= 0 {
		from = DefaultFromIndex
	}
	if to <= 0 {
		to = DefaultToIndex
	}
	if from > to {
		return nil, fmt.Errorf("некорректный диапазон каталога %d..%d", from, to)
	}
	return &DeviceItems{Query: ItemQuery{
		Variable:  VariableItemList,
		Address:   address,
		Privilege: DefaultPrivilege,
		FromIndex: from,
		ToIndex:   to,
	}}, nil
}

// ItemList страница каталога в ответе устройства
type ItemList struct {
	Variable          Variable `xml:"Variable" json:"variable"`
	Parent            string   `xml:"Parent" json:"parent"`
	TotalSubNum       int      `xml:"TotalSubNum" json:"total_sub_num"`
	TotalOnlineSubNum int      `xml:"TotalOnlineSubNum" json:"total_online_sub_num"`
	SubNum            int      `xml:"SubNum" json:"sub_num"`
	FromIndex         int      `xml:"FromIndex" json:"from_index"`
	ToIndex           int      `xml:"ToIndex" json:"to_index"`
	SubList           SubList  `xml:"SubList" json:"sub_list"`
}

// DeviceItemsResponse тело ответа ItemList
type DeviceItemsResponse struct {
	XMLName xml.Name `xml:"Action"`
	List    ItemList `xml:"Response"`
}

// ParseDeviceItemsResponse разбирает ответ ItemList
func ParseDeviceItemsResponse(body []byte) (*ItemList, error) {
	var res DeviceItemsResponse
	if err := Unmarshal(body, &res); err != nil {
		return nil, err
	}
	if res.List.Variable != VariableItemList {
		return nil, fmt.Errorf("%w: %q вместо %q", ErrVariableMismatch, res.List.Variable, VariableItemList)
	}
	return &res.List, nil
}

// RealVideo запрос видео в реальном времени
type RealVideo struct {
	XMLName    xml.Name `xml:"Action"`
	Variable   Variable `xml:"Variable"`
	Address    string   `xml:"Address"`
	Privilege  int      `xml:"Privilege"`
	Format     string   `xml:"Format"`
	Video      string   `xml:"Video"`
	Audio      string   `xml:"Audio"`
	MaxBitrate int      `xml:"MaxBitrate"`
	Socket     string   `xml:"Socket"`
}

// NewRealVideo создает запрос RealMedia на прием в socket
func NewRealVideo(address string, socket Socket) *RealVideo {
	return &RealVideo{
		Variable:   VariableRealMedia,
		Address:    address,
		Privilege:  DefaultPrivilege,
		Format:     DefaultVideoFormat,
		Video:      DefaultVideoCodec,
		Audio:      DefaultAudioCodec,
		MaxBitrate: DefaultMaxBitrate,
		Socket:     socket.String(),
	}
}

// RealVideoResponse ответ устройства на RealMedia
type RealVideoResponse struct {
	XMLName  xml.Name `xml:"Action"`
	Variable Variable `xml:"Variable"`
	Format   string   `xml:"Format"`
	Video    string   `xml:"Video"`
	Audio    string   `xml:"Audio"`
	Bitrate  int      `xml:"Bitrate"`
	Socket   string   `xml:"Socket"`
}

// ParseRealVideoResponse разбирает ответ RealMedia
func ParseRealVideoResponse(body []byte) (*RealVideoResponse, error) {
	var res RealVideoResponse
	if err := Unmarshal(body, &res); err != nil {
		return nil, err
	}
	if res.Variable != VariableRealMedia {
		return nil, fmt.Errorf("%w: %q вместо %q", ErrVariableMismatch, res.Variable, VariableRealMedia)
	}
	return &res, nil
}

// ParseKeepAlive разбирает сердцебиение
func ParseKeepAlive(body []byte) (*KeepAlive, error) {
	var k KeepAlive
	if err := Unmarshal(body, &k); err != nil {
		return nil, err
	}
	if k.Notify.Variable != VariableKeepAlive {
		return nil, fmt.Errorf("%w: %q вместо %q", ErrVariableMismatch, k.Notify.Variable, VariableKeepAlive)
	}
	return &k, nil
}
