package sdp

import (
	"errors"
	"fmt"
)

// maxRawInError ограничивает количество байт исходного SDP,
// попадающих в текст ошибки. Полный текст доступен через поле Raw.
const maxRawInError = 120

// MalformedSDPError описывает невалидное SDP тело.
//
// Исходный текст сохраняется целиком в поле Raw: при разборе ответов
// от SIP сервера камеры это единственный способ понять, что именно
// пришло по сети.
type MalformedSDPError struct {
	// Reason человекочитаемая причина ошибки
	Reason string
	// Raw полный исходный текст SDP, вызвавший ошибку
	Raw string
	// Cause исходная ошибка парсера, если была
	Cause error
}

// Error реализует интерфейс error
func (e *MalformedSDPError) Error() string {
	raw := e.Raw
	if len(raw) > maxRawInError {
		raw = raw[:maxRawInError] + "..."
	}
	if e.Cause != nil {
		return fmt.Sprintf("malformed SDP: %s: %v (body: %q)", e.Reason, e.Cause, raw)
	}
	return fmt.Sprintf("malformed SDP: %s (body: %q)", e.Reason, raw)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *MalformedSDPError) Unwrap() error {
	return e.Cause
}

// newMalformedError создает ошибку разбора с сохранением исходного текста
func newMalformedError(reason, raw string, cause error) *MalformedSDPError {
	return &MalformedSDPError{Reason: reason, Raw: raw, Cause: cause}
}

// IsMalformed проверяет, является ли ошибка ошибкой разбора SDP
func IsMalformed(err error) bool {
	var me *MalformedSDPError
	return errors.As(err, &me)
}
