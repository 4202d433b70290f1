package sipcall

import (
	"errors"
	"fmt"
)

// ErrorCode типизированные коды ошибок сигнализации
type ErrorCode int

const (
	// ErrorCodeCallDestroyed операция над уничтоженным звонком
	ErrorCodeCallDestroyed ErrorCode = iota + 3000
	// ErrorCodeTransport ошибка отправки запроса
	ErrorCodeTransport
	// ErrorCodeAuthChallenge невалидный или неподдерживаемый challenge
	ErrorCodeAuthChallenge
	// ErrorCodeInvalidState операция недопустима в текущем состоянии звонка
	ErrorCodeInvalidState
	// ErrorCodeCanceled операция прервана контекстом или уничтожением
	ErrorCodeCanceled
)

// String возвращает строковое представление кода ошибки
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeCallDestroyed:
		return "CallDestroyed"
	case ErrorCodeTransport:
		return "Transport"
	case ErrorCodeAuthChallenge:
		return "AuthChallenge"
	case ErrorCodeInvalidState:
		return "InvalidState"
	case ErrorCodeCanceled:
		return "Canceled"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// CallError структурированная ошибка сигнализации с контекстом звонка
type CallError struct {
	// Code код ошибки
	Code ErrorCode
	// Message человекочитаемое описание
	Message string
	// CallID идентификатор звонка, если известен
	CallID string
	// Cause исходная ошибка
	Cause error
}

// Error реализует интерфейс error
func (e *CallError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("[%s] %s (Call-ID: %s)", e.Code, e.Message, e.CallID)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *CallError) Unwrap() error {
	return e.Cause
}

func newCallError(code ErrorCode, message, callID string, cause error) *CallError {
	return &CallError{Code: code, Message: message, CallID: callID, Cause: cause}
}

// TransactionError терминальный не-2xx ответ на транзакцию
type TransactionError struct {
	// Status код ответа SIP сервера
	Status int
	// Reason reason phrase из ответа
	Reason string
	// CallID идентификатор звонка
	CallID string
}

// Error реализует интерфейс error
func (e *TransactionError) Error() string {
	return fmt.Sprintf("SIP транзакция отклонена: %d %s (Call-ID: %s)",
		e.Status, e.Reason, e.CallID)
}

// IsCallDestroyed проверяет, что ошибка вызвана операцией над
// уничтоженным звонком
func IsCallDestroyed(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Code == ErrorCodeCallDestroyed
}

// IsInvalidState проверяет, что операция была отклонена из-за
// состояния звонка (например, INVITE поверх уже активного звонка)
func IsInvalidState(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Code == ErrorCodeInvalidState
}

// IsTransactionFailed проверяет, что транзакция отклонена сервером
func IsTransactionFailed(err error) bool {
	var te *TransactionError
	return errors.As(err, &te)
}
