package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/gb_gateway/pkg/protocol"
	"github.com/arzzra/gb_gateway/pkg/psdemux"
	"github.com/arzzra/gb_gateway/pkg/signaling"
)

const (
	testDeviceID = "34020000001320000001"
	testGateway  = "34020000002000000001"
	deviceAddr   = "127.0.0.1:5070"
	gatewayAddr  = "127.0.0.1:5060"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []*sip.Request
	fail error
	// answer вызывается до возврата из SendRequest, как при быстром ответе устройства
	answer func(req *sip.Request)
}

func (f *fakeTransport) SendRequest(_ context.Context, remote string, req *sip.Request) error {
	f.mu.Lock()
	if f.fail != nil {
		f.mu.Unlock()
		return f.fail
	}
	if remote != deviceAddr {
		f.mu.Unlock()
		return fmt.Errorf("неожиданный адрес %s", remote)
	}
	f.sent = append(f.sent, req)
	answer := f.answer
	f.mu.Unlock()

	if answer != nil {
		answer(req)
	}
	return nil
}

func (f *fakeTransport) requests() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Request(nil), f.sent...)
}

type fakeSink struct {
	mu       sync.Mutex
	segments []psdemux.Segment
	closed   int
	got      chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{got: make(chan struct{}, 16)}
}

func (f *fakeSink) WriteSegment(deviceID string, seg psdemux.Segment) error {
	f.mu.Lock()
	f.segments = append(f.segments, seg)
	f.mu.Unlock()
	f.got <- struct{}{}
	return nil
}

func (f *fakeSink) CloseStream(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, ev := range r.events {
		if ev.Kind != EventState {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func (r *recorder) last(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

type silentTx struct{}

func (silentTx) Respond(*sip.Response) error { return nil }

type fixture struct {
	core      *signaling.Core
	transport *fakeTransport
	sink      *fakeSink
	session   *Session
	events    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := signaling.DefaultConfig()
	cfg.LocalAddr = gatewayAddr
	cfg.MediaPortStart = 41000
	cfg.MediaPortEnd = 41999
	transport := &fakeTransport{}
	accounts := signaling.NewStaticAccounts(signaling.Account{
		Username: testDeviceID,
		LocalID:  testGateway,
		RemoteID: "34020000001310000001",
	})
	core, err := signaling.New(cfg, transport, signaling.WithAccounts(accounts))
	require.NoError(t, err)
	t.Cleanup(core.Stop)

	sink := newFakeSink()
	s, err := New(Config{DeviceID: testDeviceID, LocalIP: "127.0.0.1", Charset: protocol.CharsetUTF8}, core, sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	events := &recorder{}
	s.OnEvent(events.add)
	return &fixture{core: core, transport: transport, sink: sink, session: s, events: events}
}

// deviceRequest запрос, пришедший от устройства
func deviceRequest(t *testing.T, method sip.RequestMethod, body []byte) *sip.Request {
	t.Helper()
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: testGateway, Host: "127.0.0.1", Port: 5060})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: testDeviceID, Host: "3402000000"},
		Params:  sip.NewParams().Add("tag", signaling.NewTag()),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: testGateway, Host: "3402000000"},
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader(signaling.NewCallID())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	req.SetBody(body)
	req.SetSource(deviceAddr)
	return req
}

func (f *fixture) keepAlive(t *testing.T) {
	t.Helper()
	body, err := protocol.Marshal(protocol.NewKeepAlive(), protocol.CharsetUTF8)
	require.NoError(t, err)
	f.core.HandleRequest(deviceRequest(t, signaling.MethodDO, body), silentTx{})
}

// reply ответ устройства на исходящий запрос
func reply(req *sip.Request, code int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, body)
	res.To().Params = sip.NewParams().Add("tag", "device-tag")
	return res
}

func TestSessionWaitsUntilInited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, StateUninitialized, f.session.State())
	assert.ErrorIs(t, f.session.RequestRealtimeVideo(ctx), ErrNotReady)
	assert.ErrorIs(t, f.session.QueryDevice(ctx), ErrNotReady)
	assert.ErrorIs(t, f.session.CancelRealtimeVideo(ctx), ErrNotReady)
	assert.Empty(t, f.transport.requests(), "до готовности в сеть ничего не уходит")
	assert.Equal(t, []EventKind{EventWait, EventWait, EventWait}, f.events.kinds())

	f.keepAlive(t)
	f.keepAlive(t)

	assert.Equal(t, StateReady, f.session.State())
	assert.Equal(t, []EventKind{EventWait, EventWait, EventWait, EventInited}, f.events.kinds())

	info := f.session.Info()
	assert.Equal(t, deviceAddr, info.Remote)
	assert.Equal(t, gatewayAddr, info.Local)
}

func TestSessionIgnoresOtherDevices(t *testing.T) {
	f := newFixture(t)

	req := deviceRequest(t, signaling.MethodDO, nil)
	req.From().Address.User = "34020000001320000099"
	f.core.HandleRequest(req, silentTx{})

	assert.Equal(t, StateUninitialized, f.session.State())
}

func TestRealtimeVideoLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.keepAlive(t)

	require.NoError(t, f.session.RequestRealtimeVideo(ctx))
	assert.Equal(t, StateStreaming, f.session.State())

	sent := f.transport.requests()
	require.Len(t, sent, 1)
	invite := sent[0]
	assert.Equal(t, sip.INVITE, invite.Method)
	assert.Equal(t, testGateway, invite.From().Address.User)
	assert.Equal(t, testDeviceID, invite.To().Address.User)
	assert.Equal(t, protocol.ContentType, invite.GetHeader("Content-Type").Value())

	var video protocol.RealVideo
	require.NoError(t, protocol.Unmarshal(invite.Body(), &video))
	assert.Equal(t, protocol.VariableRealMedia, video.Variable)
	assert.Equal(t, 90, video.Privilege)
	assert.Equal(t, "4CIF CIF QCIF 720p 1080p", video.Format)
	assert.Equal(t, "H.264", video.Video)
	assert.Equal(t, "G.711", video.Audio)
	assert.Equal(t, 800, video.MaxBitrate)

	info := f.session.Info()
	socket, err := protocol.ParseSocket(video.Socket)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", socket.IP)
	assert.Equal(t, info.RTPPort, socket.Port)
	assert.Less(t, info.RTPPort, info.RTCPPort)

	// 200 OK с сокетом устройства подтверждается ACK
	answer, err := protocol.Marshal(&protocol.RealVideoResponse{
		Variable: protocol.VariableRealMedia,
		Socket:   "127.0.0.1 UDP 6000",
	}, protocol.CharsetUTF8)
	require.NoError(t, err)
	f.core.HandleResponse(reply(invite, sip.StatusOK, "OK", answer))

	sent = f.transport.requests()
	require.Len(t, sent, 2)
	ack := sent[1]
	assert.Equal(t, sip.ACK, ack.Method)
	assert.Equal(t, invite.CallID().Value(), ack.CallID().Value())
	assert.Equal(t, invite.CSeq().SeqNo, ack.CSeq().SeqNo)
	tag, _ := ack.To().Params.Get("tag")
	assert.Equal(t, "device-tag", tag)

	assert.Equal(t, "127.0.0.1:6001", f.session.Info().RemoteRTCP)

	// медиа: две PS-пачки дают один сегмент
	payload := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA}
	var ps []byte
	ps = append(ps, packHeader()...)
	ps = append(ps, videoPES(3600, payload)...)
	ps = append(ps, packHeader()...)
	sendRTP(t, info.RTPPort, ps)

	select {
	case <-f.sink.got:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "сегмент не получен")
	}
	f.sink.mu.Lock()
	assert.Equal(t, payload, f.sink.segments[0].Data)
	assert.Equal(t, uint64(3600), f.sink.segments[0].PTS)
	f.sink.mu.Unlock()

	// BYE повторяет Call-ID и тег From с CSeq+1
	require.NoError(t, f.session.CancelRealtimeVideo(ctx))
	assert.Equal(t, StateIdle, f.session.State())

	sent = f.transport.requests()
	require.Len(t, sent, 3)
	bye := sent[2]
	assert.Equal(t, sip.BYE, bye.Method)
	assert.Equal(t, invite.CallID().Value(), bye.CallID().Value())
	assert.Equal(t, invite.CSeq().SeqNo+1, bye.CSeq().SeqNo)
	inviteTag, _ := invite.From().Params.Get("tag")
	byeTag, _ := bye.From().Params.Get("tag")
	assert.Equal(t, inviteTag, byeTag)
	assert.Equal(t, 1, f.sink.closed)

	// повторная остановка в idle ничего не отправляет
	require.NoError(t, f.session.CancelRealtimeVideo(ctx))
	assert.Len(t, f.transport.requests(), 3)
	assert.Equal(t, StateIdle, f.session.State())
}

func TestRealtimeVideoAnswerBeforeChannelOpen(t *testing.T) {
	f := newFixture(t)
	f.keepAlive(t)

	answer, err := protocol.Marshal(&protocol.RealVideoResponse{
		Variable: protocol.VariableRealMedia,
		Socket:   "127.0.0.1 UDP 6000",
	}, protocol.CharsetUTF8)
	require.NoError(t, err)
	f.transport.answer = func(req *sip.Request) {
		if req.Method == sip.INVITE {
			f.core.HandleResponse(reply(req, sip.StatusOK, "OK", answer))
		}
	}

	require.NoError(t, f.session.RequestRealtimeVideo(context.Background()))

	sent := f.transport.requests()
	require.Len(t, sent, 2)
	assert.Equal(t, sip.INVITE, sent[0].Method)
	assert.Equal(t, sip.ACK, sent[1].Method)

	info := f.session.Info()
	assert.Equal(t, StateStreaming, info.State)
	assert.Equal(t, "127.0.0.1:6001", info.RemoteRTCP)
}

func TestRealtimeVideoRestartsStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.keepAlive(t)

	require.NoError(t, f.session.RequestRealtimeVideo(ctx))
	first := f.session.Info()

	require.NoError(t, f.session.RequestRealtimeVideo(ctx))
	second := f.session.Info()

	methods := []sip.RequestMethod{}
	for _, req := range f.transport.requests() {
		methods = append(methods, req.Method)
	}
	assert.Equal(t, []sip.RequestMethod{sip.INVITE, sip.BYE, sip.INVITE}, methods)
	assert.NotEqual(t, first.CallID, second.CallID)
	assert.NotEqual(t, first.RTPPort, second.RTPPort)
	assert.Equal(t, StateStreaming, f.session.State())
}

func TestRealtimeVideoRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.keepAlive(t)

	require.NoError(t, f.session.RequestRealtimeVideo(ctx))
	invite := f.transport.requests()[0]

	f.core.HandleResponse(reply(invite, sip.StatusNotFound, "Not Found", nil))

	assert.Equal(t, StateIdle, f.session.State())
	ev, ok := f.events.last(EventStreamFailed)
	require.True(t, ok)
	assert.Contains(t, ev.Error, "404")
	assert.Len(t, f.transport.requests(), 1, "ACK на отказ не отправляется")

	require.NoError(t, f.session.CancelRealtimeVideo(ctx))
	assert.Len(t, f.transport.requests(), 1)
}

func TestRealtimeVideoSendFailure(t *testing.T) {
	f := newFixture(t)
	f.keepAlive(t)

	f.transport.fail = errors.New("сеть недоступна")
	err := f.session.RequestRealtimeVideo(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateReady, f.session.State())
	assert.Empty(t, f.session.Info().CallID)
}

func TestQueryDevice(t *testing.T) {
	f := newFixture(t)
	f.keepAlive(t)

	require.NoError(t, f.session.QueryDevice(context.Background()))
	sent := f.transport.requests()
	require.Len(t, sent, 1)
	query := sent[0]
	assert.Equal(t, signaling.MethodDO, query.Method)
	assert.Equal(t, testDeviceID, query.Recipient.User)

	var device protocol.Device
	require.NoError(t, protocol.Unmarshal(query.Body(), &device))
	assert.Equal(t, protocol.VariableDeviceInfo, device.Variable)
	assert.Equal(t, 90, device.Privilege)

	body, err := protocol.Marshal(&protocol.DeviceResponse{Info: protocol.DeviceInfo{
		Variable:     protocol.VariableDeviceInfo,
		Name:         "Камера 1",
		Manufacturer: "Acme",
		Channels:     4,
	}}, protocol.CharsetGB18030)
	require.NoError(t, err)
	f.core.HandleResponse(reply(query, sip.StatusOK, "OK", body))

	ev, ok := f.events.last(EventDeviceInfo)
	require.True(t, ok)
	require.NotNil(t, ev.DeviceInfo)
	assert.Equal(t, "Камера 1", ev.DeviceInfo.Name)
	assert.Equal(t, 4, ev.DeviceInfo.Channels)

	// повторный ответ на тот же запрос игнорируется
	f.core.HandleResponse(reply(query, sip.StatusOK, "OK", body))
	count := 0
	for _, k := range f.events.kinds() {
		if k == EventDeviceInfo {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestQueryDirectory(t *testing.T) {
	f := newFixture(t)
	f.keepAlive(t)

	require.NoError(t, f.session.QueryDirectory(context.Background(), 0, 0))
	query := f.transport.requests()[0]

	var items protocol.DeviceItems
	require.NoError(t, protocol.Unmarshal(query.Body(), &items))
	assert.Equal(t, protocol.VariableItemList, items.Query.Variable)
	assert.Equal(t, "34020000001310000001", items.Query.Address)
	assert.Equal(t, 1, items.Query.FromIndex)
	assert.Equal(t, 200, items.Query.ToIndex)

	body, err := protocol.Marshal(&protocol.DeviceItemsResponse{List: protocol.ItemList{
		Variable: protocol.VariableItemList,
		SubNum:   1,
		SubList:  protocol.SubList{Items: []protocol.Item{{Name: "cam", Address: "34020000001310000002"}}},
	}}, protocol.CharsetUTF8)
	require.NoError(t, err)
	f.core.HandleResponse(reply(query, sip.StatusOK, "OK", body))

	ev, ok := f.events.last(EventItemList)
	require.True(t, ok)
	require.Len(t, ev.Items.SubList.Items, 1)
	assert.Equal(t, "34020000001310000002", ev.Items.SubList.Items[0].Address)

	assert.Error(t, f.session.QueryDirectory(context.Background(), 10, 5))
}

func TestSessionClose(t *testing.T) {
	f := newFixture(t)
	f.keepAlive(t)
	require.NoError(t, f.session.RequestRealtimeVideo(context.Background()))

	require.NoError(t, f.session.Close(context.Background()))
	assert.Equal(t, sip.BYE, f.transport.requests()[1].Method)
	assert.ErrorIs(t, f.session.QueryDevice(context.Background()), ErrClosed)
	require.NoError(t, f.session.Close(context.Background()))
}

func sendRTP(t *testing.T, port int, payload []byte) {
	t.Helper()
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	pkt := &pionrtp.Packet{
		Header:  pionrtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 1, Timestamp: 3600, SSRC: 0xBEEF},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)
}

func packHeader() []byte {
	return []byte{0x00, 0x00, 0x01, 0xBA, 0x44, 0x00, 0x04, 0x00, 0x04, 0x01, 0x01, 0x89, 0xc3, 0xf8}
}

func videoPES(pts uint64, payload []byte) []byte {
	hdr := []byte{
		0x21 | byte((pts>>29)&0x0E),
		byte(pts >> 22),
		byte((pts>>14)&0xFE) | 0x01,
		byte(pts >> 7),
		byte(pts<<1) | 0x01,
	}
	length := 3 + len(hdr) + len(payload)
	b := []byte{0x00, 0x00, 0x01, 0xE0, byte(length >> 8), byte(length), 0x80, 0x80, byte(len(hdr))}
	b = append(b, hdr...)
	return append(b, payload...)
}
