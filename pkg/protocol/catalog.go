package protocol

import (
	"encoding/xml"
	"fmt"
	"time"
)

// ResType тип ресурса в каталоге
type ResType int

const (
	ResTypeDomainNode ResType = iota
	ResTypeCamera
	ResTypeInOnOffValue
	ResTypeOutOnOffValue
)

func (t ResType) String() string {
	switch t {
	case ResTypeDomainNode:
		return "DomainNode"
	case ResTypeCamera:
		return "Camera"
	case ResTypeInOnOffValue:
		return "InOnOffValue"
	case ResTypeOutOnOffValue:
		return "OutOnOffValue"
	default:
		return fmt.Sprintf("ResType(%d)", int(t))
	}
}

// ResSubType подтип ресурса
type ResSubType int

const (
	ResSubTypeControllableLowCamera ResSubType = iota
	ResSubTypeUncontrollableLowCamera
	ResSubTypeControllableHighCamera
	ResSubTypeUncontrollableHighCamera
	ResSubTypeMoveMonitor
	ResSubTypeOther
)

// Status состояние устройства
type Status int

const (
	StatusNormal Status = iota
	StatusUnusual
	StatusWarranty
	StatusRelocation
	StatusBuild
	StatusNoElectric
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusUnusual:
		return "Unusual"
	case StatusWarranty:
		return "Warranty"
	case StatusRelocation:
		return "Relocation"
	case StatusBuild:
		return "Build"
	case StatusNoElectric:
		return "NoElectric"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Operate операция над общим ресурсом
type Operate int

const (
	OperateAdd Operate = iota
	OperateDel
	OperateMod
	OperateOther
)

func (o Operate) String() string {
	switch o {
	case OperateAdd:
		return "ADD"
	case OperateDel:
		return "DEL"
	case OperateMod:
		return "MOD"
	default:
		return "OTH"
	}
}

// UpdateTimeLayout формат UpdateTime: YYYYMMDDTHHMMSSZ
const UpdateTimeLayout = "20060102T150405Z"

// Item элемент каталога
type Item struct {
	Name        string     `xml:"Name" json:"name"`
	Address     string     `xml:"Address" json:"address"`
	ResType     ResType    `xml:"ResType" json:"res_type"`
	ResSubType  ResSubType `xml:"ResSubType" json:"res_sub_type"`
	Privilege   int        `xml:"Privilege" json:"privilege"`
	Status      Status     `xml:"Status" json:"status"`
	Longitude   float64    `xml:"Longitude" json:"longitude"`
	Latitude    float64    `xml:"Latitude" json:"latitude"`
	Elevation   float64    `xml:"Elevation" json:"elevation"`
	Roadway     string     `xml:"Roadway" json:"roadway"`
	PileNo      int        `xml:"PileNo" json:"pile_no"`
	AreaNo      int        `xml:"AreaNo" json:"area_no"`
	OperateType Operate    `xml:"OperateType" json:"operate_type"`
	UpdateTime  string     `xml:"UpdateTime" json:"update_time"`
}

// Updated разбирает UpdateTime
func (i Item) Updated() (time.Time, error) {
	t, err := time.Parse(UpdateTimeLayout, i.UpdateTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("некорректное время обновления %q: %w", i.UpdateTime, err)
	}
	return t, nil
}

// SubList список элементов каталога
type SubList struct {
	Items []Item `xml:"Item" json:"items"`
}

// Catalog каталог, который устройство присылает в NOTIFY
type Catalog struct {
	XMLName           xml.Name `xml:"Action" json:"-"`
	Variable          Variable `xml:"Variable" json:"variable"`
	Parent            string   `xml:"Parent" json:"parent"`
	TotalSubNum       int      `xml:"TotalSubNum" json:"total_sub_num"`
	TotalOnlineSubNum int      `xml:"TotalOnlineSubNum" json:"total_online_sub_num"`
	SubNum            int      `xml:"SubNum" json:"sub_num"`
	SubList           SubList  `xml:"SubList" json:"sub_list"`
}

// ParseCatalog разбирает тело каталога
func ParseCatalog(body []byte) (*Catalog, error) {
	var c Catalog
	if err := Unmarshal(body, &c); err != nil {
		return nil, err
	}
	if c.Variable != VariableCatalog {
		return nil, fmt.Errorf("%w: %q вместо %q", ErrVariableMismatch, c.Variable, VariableCatalog)
	}
	return &c, nil
}
