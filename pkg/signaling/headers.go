package signaling

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/gb_gateway/pkg/protocol"
)

// NewTag генерирует тег для From/To
func NewTag() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	return hex.EncodeToString(b)
}

// NewCallID генерирует Call-ID
func NewCallID() string {
	return uuid.NewString()
}

// NewBranch генерирует branch для Via
func NewBranch() string {
	return "z9hG4bK" + NewTag()
}

func fromUser(req *sip.Request) string {
	if req == nil {
		return ""
	}
	if from := req.From(); from != nil {
		return from.Address.User
	}
	return ""
}

// CallIDOf возвращает Call-ID сообщения или пустую строку
func CallIDOf(msg interface{ CallID() *sip.CallIDHeader }) string {
	if id := msg.CallID(); id != nil {
		return id.Value()
	}
	return ""
}

// requestedExpiry срок регистрации: параметр expires в Contact, иначе заголовок Expires, иначе -1
func requestedExpiry(req *sip.Request) int {
	if contact := req.Contact(); contact != nil && contact.Params != nil {
		if v, ok := contact.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			return n
		}
	}
	return -1
}

// ensureToTag добавляет тег в To ответа, если его нет
func ensureToTag(res *sip.Response) {
	to := res.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	if tag, ok := to.Params.Get("tag"); !ok || strings.TrimSpace(tag) == "" {
		to.Params = to.Params.Add("tag", NewTag())
	}
}

func (c *Core) newResponse(req *sip.Request, code int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, body)
	ensureToTag(res)
	if c.cfg.UserAgent != "" {
		res.AppendHeader(sip.NewHeader("User-Agent", c.cfg.UserAgent))
	}
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", protocol.ContentType))
	}
	return res
}
