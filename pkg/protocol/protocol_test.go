package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogBody = `<?xml version="1.0" encoding="UTF-8"?>
<Action>
  <Variable>Catalog</Variable>
  <Parent>34020000002000000001</Parent>
  <TotalSubNum>2</TotalSubNum>
  <TotalOnlineSubNum>1</TotalOnlineSubNum>
  <SubNum>2</SubNum>
  <SubList>
    <Item>
      <Name>North gate</Name>
      <Address>34020000001320000001</Address>
      <ResType>1</ResType>
      <ResSubType>2</ResSubType>
      <Privilege>90</Privilege>
      <Status>0</Status>
      <Longitude>116.39</Longitude>
      <Latitude>39.91</Latitude>
      <Elevation>44.5</Elevation>
      <Roadway>G4</Roadway>
      <PileNo>1203</PileNo>
      <AreaNo>7</AreaNo>
      <OperateType>0</OperateType>
      <UpdateTime>20240501T123000Z</UpdateTime>
    </Item>
    <Item>
      <Name>South gate</Name>
      <Address>34020000001320000002</Address>
      <ResType>1</ResType>
      <Status>5</Status>
      <OperateType>2</OperateType>
    </Item>
  </SubList>
</Action>`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(catalogBody))
	require.NoError(t, err)

	assert.Equal(t, "34020000002000000001", c.Parent)
	assert.Equal(t, 2, c.TotalSubNum)
	assert.Equal(t, 1, c.TotalOnlineSubNum)
	require.Len(t, c.SubList.Items, 2)

	first := c.SubList.Items[0]
	assert.Equal(t, "North gate", first.Name)
	assert.Equal(t, ResTypeCamera, first.ResType)
	assert.Equal(t, ResSubTypeControllableHighCamera, first.ResSubType)
	assert.InDelta(t, 116.39, first.Longitude, 1e-9)
	assert.Equal(t, 1203, first.PileNo)
	assert.Equal(t, OperateAdd, first.OperateType)

	updated, err := first.Updated()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC), updated)

	second := c.SubList.Items[1]
	assert.Equal(t, StatusNoElectric, second.Status)
	assert.Equal(t, "MOD", second.OperateType.String())
	_, err = second.Updated()
	assert.Error(t, err)
}

func TestParseCatalogRejectsOtherBodies(t *testing.T) {
	body, err := Marshal(NewResponse(VariableKeepAlive), CharsetUTF8)
	require.NoError(t, err)

	_, err = ParseCatalog(body)
	assert.ErrorIs(t, err, ErrVariableMismatch)

	_, err = ParseCatalog(nil)
	assert.ErrorIs(t, err, ErrEmptyBody)

	_, err = ParseCatalog([]byte("<Action><Variable>Catalog"))
	assert.Error(t, err)
}

func TestCatalogGB18030(t *testing.T) {
	src := &Catalog{
		Variable: VariableCatalog,
		Parent:   "34020000002000000001",
		SubNum:   1,
		SubList: SubList{Items: []Item{{
			Name:    "北门摄像机",
			Address: "34020000001320000001",
			ResType: ResTypeCamera,
			Roadway: "京藏高速",
		}}},
	}

	body, err := Marshal(src, CharsetGB18030)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(body, []byte(`<?xml version="1.0" encoding="GB18030"?>`)))
	assert.False(t, bytes.Contains(body, []byte("北门摄像机")), "тело должно быть перекодировано")

	got, err := ParseCatalog(body)
	require.NoError(t, err)
	require.Len(t, got.SubList.Items, 1)
	assert.Equal(t, "北门摄像机", got.SubList.Items[0].Name)
	assert.Equal(t, "京藏高速", got.SubList.Items[0].Roadway)
}

func TestDetectVariable(t *testing.T) {
	socket := Socket{IP: "192.168.10.20", Proto: "UDP", Port: 21000}
	items, err := NewDeviceItemsQuery("34020000001320000001", 0, 0)
	require.NoError(t, err)

	tests := []struct {
		name string
		body any
		want Variable
	}{
		{"keepalive", NewKeepAlive(), VariableKeepAlive},
		{"response", NewResponse(VariableCatalog), VariableCatalog},
		{"device query", NewDeviceQuery(), VariableDeviceInfo},
		{"items query", items, VariableItemList},
		{"real video", NewRealVideo("34020000001320000001", socket), VariableRealMedia},
		{"device response", &DeviceResponse{Info: DeviceInfo{Variable: VariableDeviceInfo}}, VariableDeviceInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := Marshal(tt.body, CharsetUTF8)
			require.NoError(t, err)
			got, err := DetectVariable(body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = DetectVariable([]byte("<Action><Result>0</Result></Action>"))
	assert.ErrorIs(t, err, ErrUnknownVariable)

	_, err = DetectVariable([]byte("  "))
	assert.ErrorIs(t, err, ErrEmptyBody)
}

func TestRealVideoRequest(t *testing.T) {
	rv := NewRealVideo("34020000001320000001", Socket{IP: "10.0.0.5", Port: 21000})
	assert.Equal(t, 90, rv.Privilege)
	assert.Equal(t, "4CIF CIF QCIF 720p 1080p", rv.Format)
	assert.Equal(t, "H.264", rv.Video)
	assert.Equal(t, "G.711", rv.Audio)
	assert.Equal(t, 800, rv.MaxBitrate)
	assert.Equal(t, "10.0.0.5 UDP 21000", rv.Socket)

	body, err := Marshal(rv, CharsetUTF8)
	require.NoError(t, err)
	assert.Contains(t, string(body), "<Socket>10.0.0.5 UDP 21000</Socket>")
}

func TestParseRealVideoResponse(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="GB2312"?>
<Action>
  <Variable>RealMedia</Variable>
  <Format>CIF</Format>
  <Video>H.264</Video>
  <Audio>G.711</Audio>
  <Bitrate>512</Bitrate>
  <Socket>192.168.10.250 UDP 5000</Socket>
</Action>`)

	res, err := ParseRealVideoResponse(body)
	require.NoError(t, err)
	assert.Equal(t, 512, res.Bitrate)

	socket, err := ParseSocket(res.Socket)
	require.NoError(t, err)
	assert.Equal(t, "192.168.10.250:5000", socket.RTPAddr())
	assert.Equal(t, "192.168.10.250:5001", socket.RTCPAddr())
}

func TestParseSocket(t *testing.T) {
	s, err := ParseSocket("  10.1.1.1   udp 6000 extra")
	require.NoError(t, err)
	assert.Equal(t, Socket{IP: "10.1.1.1", Proto: "UDP", Port: 6000}, s)
	assert.Equal(t, "10.1.1.1 UDP 6000", s.String())

	for _, bad := range []string{"", "10.1.1.1 UDP", "host UDP 5000", "10.1.1.1 UDP port", "10.1.1.1 UDP 70000"} {
		_, err := ParseSocket(bad)
		assert.ErrorIs(t, err, ErrInvalidSocket, bad)
	}
}

func TestDeviceItemsQueryDefaults(t *testing.T) {
	q, err := NewDeviceItemsQuery("dev", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Query.FromIndex)
	assert.Equal(t, 200, q.Query.ToIndex)
	assert.Equal(t, 90, q.Query.Privilege)

	q, err = NewDeviceItemsQuery("dev", 5, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, q.Query.FromIndex)

	_, err = NewDeviceItemsQuery("dev", 10, 5)
	assert.Error(t, err)
}

func TestParseResponses(t *testing.T) {
	info, err := ParseDeviceResponse([]byte(`<Action><Response><Variable>DeviceInfo</Variable><Result>0</Result><Manufacturer>Acme</Manufacturer><Channels>4</Channels></Response></Action>`))
	require.NoError(t, err)
	assert.Equal(t, "Acme", info.Manufacturer)
	assert.Equal(t, 4, info.Channels)

	list, err := ParseDeviceItemsResponse([]byte(`<Action><Response><Variable>ItemList</Variable><SubNum>1</SubNum><SubList><Item><Name>cam</Name></Item></SubList></Response></Action>`))
	require.NoError(t, err)
	require.Len(t, list.SubList.Items, 1)
	assert.Equal(t, "cam", list.SubList.Items[0].Name)

	_, err = ParseDeviceItemsResponse([]byte(`<Action><Response><Variable>DeviceInfo</Variable></Response></Action>`))
	assert.ErrorIs(t, err, ErrVariableMismatch)

	k, err := ParseKeepAlive([]byte(`<Action><Notify><Variable>KeepAlive</Variable></Notify></Action>`))
	require.NoError(t, err)
	assert.Equal(t, VariableKeepAlive, k.Notify.Variable)
}

func TestParseCharset(t *testing.T) {
	c, err := ParseCharset("gb2312")
	require.NoError(t, err)
	assert.Equal(t, CharsetGB18030, c)

	c, err = ParseCharset("")
	require.NoError(t, err)
	assert.Equal(t, CharsetUTF8, c)

	_, err = ParseCharset("latin1")
	assert.Error(t, err)
}
