package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Result ответ HTTP интерфейса
type Result[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data,omitempty"`
}

func respondOK[T any](w http.ResponseWriter, data T) {
	writeJSON(w, http.StatusOK, Result[T]{Code: 0, Message: "Success", Data: data})
}

func accepted(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusAccepted, Result[any]{Code: 0, Message: message})
}

func fail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Result[any]{Code: status, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("Ошибка кодирования ответа", slog.Any("error", err))
	}
}
