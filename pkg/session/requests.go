package session

import (
	"fmt"
	"net"
	"strconv"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/gb_gateway/pkg/protocol"
	"github.com/arzzra/gb_gateway/pkg/signaling"
)

// peer адреса, захваченные из первого запроса устройства
type peer struct {
	local   string
	remote  string
	localID string
	account *signaling.Account
}

// dialog идентификаторы исходящего запроса. Для INVITE живет до BYE.
type dialog struct {
	callID  string
	fromTag string
	toTag   string
	cseq    uint32
	target  sip.Uri
	from    sip.Uri
	to      sip.Uri
	// remoteRTCP адрес RTCP устройства из ответа на INVITE, пустой пока ответа нет
	remoteRTCP string
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("некорректный адрес %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("некорректный порт в адресе %q: %w", addr, err)
	}
	return host, port, nil
}

// newDialog готовит идентификаторы нового запроса к пользователю user устройства
func (s *Session) newDialog(p peer, user string) (*dialog, error) {
	remoteHost, remotePort, err := splitHostPort(p.remote)
	if err != nil {
		return nil, err
	}
	localHost, _, err := splitHostPort(p.local)
	if err != nil {
		return nil, err
	}

	fromHost := s.cfg.Realm
	if fromHost == "" {
		fromHost = localHost
	}
	target := sip.Uri{Scheme: "sip", User: user, Host: remoteHost, Port: remotePort}
	return &dialog{
		callID:  signaling.NewCallID(),
		fromTag: signaling.NewTag(),
		cseq:    1,
		target:  target,
		from:    sip.Uri{Scheme: "sip", User: p.localID, Host: fromHost},
		to:      target,
	}, nil
}

func (s *Session) buildRequest(method sip.RequestMethod, p peer, d *dialog, cseq uint32, body []byte) *sip.Request {
	req := sip.NewRequest(method, d.target)

	req.AppendHeader(&sip.FromHeader{
		Address: d.from,
		Params:  sip.NewParams().Add("tag", d.fromTag),
	})
	toParams := sip.NewParams()
	if d.toTag != "" {
		toParams = toParams.Add("tag", d.toTag)
	}
	req.AppendHeader(&sip.ToHeader{Address: d.to, Params: toParams})

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})

	if localHost, localPort, err := splitHostPort(p.local); err == nil {
		req.AppendHeader(&sip.ContactHeader{
			Address: sip.Uri{Scheme: "sip", User: p.localID, Host: localHost, Port: localPort},
		})
	}
	if s.cfg.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", s.cfg.UserAgent))
	}
	if len(body) > 0 {
		req.AppendHeader(sip.NewHeader("Content-Type", protocol.ContentType))
		req.SetBody(body)
	}
	return req
}

// buildACK подтверждает 200 OK на INVITE: CSeq и To берутся из ответа
func (s *Session) buildACK(p peer, d *dialog, res *sip.Response) *sip.Request {
	ack := *d
	if to := res.To(); to != nil {
		ack.to = to.Address
	}
	if contact := res.Contact(); contact != nil {
		ack.target = contact.Address
	}
	seq := d.cseq
	if cseq := res.CSeq(); cseq != nil {
		seq = cseq.SeqNo
	}
	return s.buildRequest(sip.ACK, p, &ack, seq, nil)
}

// buildBYE завершает диалог INVITE со следующим CSeq
func (s *Session) buildBYE(p peer, d *dialog) *sip.Request {
	return s.buildRequest(sip.BYE, p, d, d.cseq+1, nil)
}

func toTag(res *sip.Response) string {
	if to := res.To(); to != nil && to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			return tag
		}
	}
	return ""
}
