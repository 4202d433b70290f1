package streaming

import (
	"time"

	"github.com/arzzra/door_phone/pkg/ports"
)

// SRTPParams параметры шифрования медиа потока.
//
// Ключевой материал приходит от управляющего приложения и передается
// дальше как есть; пакет его не генерирует и не интерпретирует.
type SRTPParams struct {
	// Suite название crypto suite, например "AES_CM_128_HMAC_SHA1_80"
	Suite string
	// Key ключ шифрования
	Key []byte
	// Salt соль
	Salt []byte
}

// PrepareRequest запрос подготовки сессии от управляющего приложения
type PrepareRequest struct {
	// SessionID непрозрачный идентификатор сессии, выбранный вызывающим
	SessionID string
	// Family семейство адресов зрителя
	Family ports.Family
	// TargetAddress адрес зрителя, куда пойдут медиа потоки
	TargetAddress string
	// VideoPort порт зрителя для видео
	VideoPort int
	// AudioPort порт зрителя для аудио
	AudioPort int
	// VideoCrypto SRTP параметры видео потока
	VideoCrypto SRTPParams
	// AudioCrypto SRTP параметры аудио потока
	AudioCrypto SRTPParams
}

// PrepareResponse ответ подготовки: выбранные обратные порты и SSRC
type PrepareResponse struct {
	// SessionID идентификатор сессии из запроса
	SessionID string
	// Address локальный адрес, на котором ожидаются обратные потоки
	Address string
	// VideoReturnPort порт приема обратного видео трафика (RTCP зрителя)
	VideoReturnPort int
	// AudioReturnPort порт приема обратного аудио трафика
	AudioReturnPort int
	// VideoSSRC источник синхронизации видео
	VideoSSRC uint32
	// AudioSSRC источник синхронизации аудио
	AudioSSRC uint32
	// VideoCrypto эхо SRTP параметров видео
	VideoCrypto SRTPParams
	// AudioCrypto эхо SRTP параметров аудио
	AudioCrypto SRTPParams
	// TwoWayAudio установлен ли двусторонний аудиоканал через SIP
	TwoWayAudio bool
}

// StartRequest запрос запуска стрима подготовленной сессии
type StartRequest struct {
	// SessionID идентификатор подготовленной сессии
	SessionID string

	// VideoCodec видеокодек транскодера; по умолчанию "libx264"
	VideoCodec string
	// Width, Height разрешение
	Width, Height int
	// FrameRate частота кадров
	FrameRate int
	// VideoBitrate битрейт видео, кбит/с
	VideoBitrate int

	// AudioCodec аудиокодек транскодера; по умолчанию "libfdk_aac"
	AudioCodec string
	// AudioBitrate битрейт аудио, кбит/с
	AudioBitrate int
	// SampleRate частота дискретизации, кГц
	SampleRate int

	// RTCPInterval согласованный интервал RTCP отчетов зрителя.
	// Таймер неактивности взводится на кратное ему время.
	// По умолчанию 5 секунд.
	RTCPInterval time.Duration
}

// EventType тип асинхронного уведомления контроллера
type EventType int

const (
	// EventStreamStarted стрим сессии запущен
	EventStreamStarted EventType = iota
	// EventStreamForceStopped сессия принудительно разобрана
	// (выход процесса, ошибка сокета, таймаут неактивности)
	EventStreamForceStopped
	// EventDiagnostic диагностическая строка транскодера
	EventDiagnostic
)

// String возвращает строковое представление типа события
func (t EventType) String() string {
	switch t {
	case EventStreamStarted:
		return "stream_started"
	case EventStreamForceStopped:
		return "stream_force_stopped"
	case EventDiagnostic:
		return "diagnostic"
	default:
		return "unknown"
	}
}

// Event асинхронное уведомление управляющему приложению
type Event struct {
	// Type тип события
	Type EventType
	// SessionID сессия, к которой относится событие
	SessionID string
	// Reason причина для EventStreamForceStopped
	Reason string
	// Line строка вывода транскодера для EventDiagnostic
	Line string
	// Err ошибка, если событие вызвано ошибкой
	Err error
}
