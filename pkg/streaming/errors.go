package streaming

import (
	"errors"
	"fmt"
)

// UnknownSessionError ссылка на несуществующую сессию - ошибка вызывающего
type UnknownSessionError struct {
	// SessionID идентификатор, которого нет среди подготовленных сессий
	SessionID string
}

// Error реализует интерфейс error
func (e *UnknownSessionError) Error() string {
	return fmt.Sprintf("неизвестная сессия %q", e.SessionID)
}

// IsUnknownSession проверяет ошибку ссылки на несуществующую сессию
func IsUnknownSession(err error) bool {
	var ue *UnknownSessionError
	return errors.As(err, &ue)
}

// DuplicateSessionError повторная подготовка сессии с занятым идентификатором
type DuplicateSessionError struct {
	SessionID string
}

// Error реализует интерфейс error
func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("сессия %q уже существует", e.SessionID)
}

// Причины принудительного разбора сессии
const (
	// ReasonInactivity зритель перестал присылать датаграммы
	ReasonInactivity = "inactivity_timeout"
	// ReasonProcessFailure процесс транскодирования упал или не запустился
	ReasonProcessFailure = "process_failure"
	// ReasonSocketError ошибка сокета наблюдения за активностью
	ReasonSocketError = "socket_error"
	// ReasonFatalOutput транскодер сообщил о фатальной ошибке при старте
	ReasonFatalOutput = "fatal_output"
	// ReasonRemoteBye удаленная SIP сторона повесила трубку
	ReasonRemoteBye = "remote_bye"
	// ReasonShutdown остановка контроллера
	ReasonShutdown = "shutdown"
)
