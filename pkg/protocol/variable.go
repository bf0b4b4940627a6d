// Package protocol describes the XML message bodies of the surveillance gateway.
//
// Every body is rooted at <Action> and carries a Variable element that tells
// the receiver what the message is about. Requests put it inside <Query>,
// device notifications inside <Notify>, replies inside <Response> or at the
// top level. DetectVariable finds it wherever it is.
package protocol

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// Variable дискриминатор содержимого тела
type Variable string

const (
	VariableUnknown    Variable = ""
	VariableCatalog    Variable = "Catalog"
	VariableKeepAlive  Variable = "KeepAlive"
	VariableItemList   Variable = "ItemList"
	VariableDeviceInfo Variable = "DeviceInfo"
	VariableRealMedia  Variable = "RealMedia"
)

// ContentType тип содержимого тел в заголовке Content-Type
const ContentType = "application/DDCP"

// DefaultPrivilege код полномочий, с которым шлюз отправляет запросы
const DefaultPrivilege = 90

// envelope общий вид тела для поиска Variable
type envelope struct {
	XMLName  xml.Name `xml:"Action"`
	Variable Variable `xml:"Variable"`
	Query    struct {
		Variable Variable `xml:"Variable"`
	} `xml:"Query"`
	Notify struct {
		Variable Variable `xml:"Variable"`
	} `xml:"Notify"`
	Response struct {
		Variable Variable `xml:"Variable"`
	} `xml:"Response"`
}

// DetectVariable находит Variable в теле сообщения.
// Порядок поиска: верхний уровень, Query, Response, Notify.
func DetectVariable(body []byte) (Variable, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return VariableUnknown, ErrEmptyBody
	}

	var env envelope
	if err := Unmarshal(body, &env); err != nil {
		return VariableUnknown, err
	}

	for _, v := range []Variable{env.Variable, env.Query.Variable, env.Response.Variable, env.Notify.Variable} {
		if v = Variable(strings.TrimSpace(string(v))); v != VariableUnknown {
			return v, nil
		}
	}
	return VariableUnknown, fmt.Errorf("%w: элемент Variable не найден", ErrUnknownVariable)
}
