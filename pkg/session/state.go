// Package session drives one surveillance device through its lifecycle:
// readiness on the first inbound request, live video over an INVITE dialog,
// device and directory queries over DO, and teardown with BYE.
//
// Each device owns a small state machine (uninitialized, ready, streaming,
// idle). Media received on the device's RTP channel is demultiplexed from
// MPEG-PS and handed to a Sink.
package session

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/gb_gateway/pkg/protocol"
)

// State состояние сессии устройства
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateStreaming     State = "streaming"
	StateIdle          State = "idle"
)

// События автомата
const (
	eventInit   = "init"
	eventStream = "stream"
	eventStop   = "stop"
)

var (
	// ErrNotReady устройство еще не обращалось к шлюзу
	ErrNotReady = errors.New("устройство не готово")
	// ErrClosed сессия закрыта
	ErrClosed = errors.New("сессия закрыта")
	// ErrNoSession устройство не настроено
	ErrNoSession = errors.New("сессия устройства не найдена")
)

// EventKind вид события сессии
type EventKind string

const (
	// EventWait операция отложена: устройство не готово
	EventWait EventKind = "wait"
	// EventInited устройство впервые обратилось к шлюзу
	EventInited     EventKind = "inited"
	EventState      EventKind = "state"
	EventDeviceInfo EventKind = "device_info"
	EventItemList   EventKind = "item_list"
	// EventStreamFailed устройство отклонило INVITE
	EventStreamFailed EventKind = "stream_failed"
)

// Event событие сессии для оператора
type Event struct {
	DeviceID   string               `json:"device_id"`
	Kind       EventKind            `json:"kind"`
	State      State                `json:"state"`
	At         time.Time            `json:"at"`
	DeviceInfo *protocol.DeviceInfo `json:"device_info,omitempty"`
	Items      *protocol.ItemList   `json:"items,omitempty"`
	Error      string               `json:"error,omitempty"`
}

var sessionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "gb_gateway",
	Subsystem: "session",
	Name:      "sessions",
	Help:      "Количество сессий устройств по состоянию",
}, []string{"state"})
