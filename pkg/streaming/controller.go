package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/door_phone/pkg/ports"
	"github.com/arzzra/door_phone/pkg/relay"
	"github.com/arzzra/door_phone/pkg/sdp"
	"github.com/arzzra/door_phone/pkg/sipcall"
	"github.com/arzzra/door_phone/pkg/transcode"
)

// defaultRTCPInterval интервал RTCP отчетов, если зритель его не сообщил
const defaultRTCPInterval = 5 * time.Second

// defaultInactivityFactor множитель интервала RTCP для таймера неактивности
const defaultInactivityFactor = 5

// eventBufferSize размер буфера канала событий; переполнение не
// блокирует конвейер, лишние события отбрасываются с логом
const eventBufferSize = 32

// Config конфигурация контроллера сессий
type Config struct {
	// LocalAddress локальный адрес для SDP offer и ответов подготовки
	LocalAddress string

	// CameraSource вход основного транскодера, например rtsp:// URL камеры
	CameraSource string

	// TranscoderPath путь к исполняемому файлу транскодера (ffmpeg)
	TranscoderPath string

	// Ports конфигурация аллокатора портов; nil - умолчания
	Ports *ports.Config

	// SIP конфигурация сигнализации двустороннего звука;
	// nil - двусторонний звук выключен
	SIP *sipcall.Config

	// InactivityFactor множитель интервала RTCP для таймера
	// неактивности; по умолчанию 5
	InactivityFactor int

	// Registry реестр prometheus метрик; nil - метрики не экспортируются
	Registry prometheus.Registerer

	// Logger опциональный логгер; nil - slog.Default()
	Logger *slog.Logger
}

// Validate проверяет обязательные поля конфигурации
func (c *Config) Validate() error {
	if c.LocalAddress == "" {
		return fmt.Errorf("не задан LocalAddress")
	}
	if c.CameraSource == "" {
		return fmt.Errorf("не задан CameraSource")
	}
	if c.TranscoderPath == "" {
		return fmt.Errorf("не задан TranscoderPath")
	}
	return nil
}

// Controller оркестратор сессий просмотра.
//
// Все операции потокобезопасны. Асинхронные события процессов и
// сокетов привязываются к сессии по идентификатору; события для уже
// разобранных сессий отбрасываются.
type Controller struct {
	cfg     *Config
	logger  *slog.Logger
	alloc   *ports.Allocator
	sipMgr  *sipcall.Manager
	metrics *controllerMetrics

	events chan Event

	mu           sync.Mutex
	sessions     map[string]*Session
	closed       bool
	eventsClosed bool
}

// NewController создает контроллер по конфигурации
func NewController(cfg *Config) (*Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config не может быть nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "streaming")

	alloc, err := ports.NewAllocator(cfg.Ports)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать аллокатор портов: %w", err)
	}

	c := &Controller{
		cfg:      cfg,
		logger:   logger,
		alloc:    alloc,
		metrics:  newControllerMetrics(cfg.Registry),
		events:   make(chan Event, eventBufferSize),
		sessions: make(map[string]*Session),
	}

	if cfg.SIP != nil {
		sipCfg := *cfg.SIP
		if sipCfg.Logger == nil {
			sipCfg.Logger = logger
		}
		// входящий BYE от камеры - принудительный разбор сессии,
		// которой принадлежит звонок
		sipCfg.OnRemoteBye = func(callID string) {
			c.onRemoteBye(callID)
		}
		c.sipMgr, err = sipcall.NewManager(&sipCfg)
		if err != nil {
			return nil, fmt.Errorf("не удалось создать SIP менеджер: %w", err)
		}
	}

	return c, nil
}

// Run запускает контроллер: поднимает SIP стек, если он настроен.
// ctx управляет временем жизни сигнализации.
func (c *Controller) Run(ctx context.Context) error {
	if c.sipMgr != nil {
		if err := c.sipMgr.Start(ctx); err != nil {
			return fmt.Errorf("не удалось запустить SIP стек: %w", err)
		}
	}
	return nil
}

// Events возвращает канал асинхронных уведомлений контроллера
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Prepare резервирует ресурсы сессии и, при настроенном SIP,
// договаривается о двустороннем аудиоканале.
//
// Отказ SIP переговоров не проваливает подготовку: отправляется
// вежливый BYE, сессия продолжается без двустороннего звука.
// Фатальны только исчерпание портов и дубликат идентификатора.
func (c *Controller) Prepare(ctx context.Context, req *PrepareRequest) (*PrepareResponse, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("не задан идентификатор сессии")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("контроллер остановлен")
	}
	if _, exists := c.sessions[req.SessionID]; exists {
		c.mu.Unlock()
		return nil, &DuplicateSessionError{SessionID: req.SessionID}
	}
	c.mu.Unlock()

	sess := newSession(req)

	portCount := 4
	if c.sipMgr != nil {
		portCount = 8
	}
	portSet, err := c.alloc.Reserve(req.Family, portCount)
	if err != nil {
		return nil, err
	}
	sess.portSet = portSet

	if c.sipMgr != nil {
		c.negotiateTwoWay(ctx, sess)
	}

	c.mu.Lock()
	if _, exists := c.sessions[req.SessionID]; exists {
		c.mu.Unlock()
		c.abandonPrepared(ctx, sess)
		return nil, &DuplicateSessionError{SessionID: req.SessionID}
	}
	c.sessions[req.SessionID] = sess
	c.mu.Unlock()

	c.metrics.sessionsTotal.Inc()
	c.metrics.sessionsActive.Inc()

	c.logger.Info("сессия подготовлена",
		"session_id", sess.id,
		"video_return", sess.videoReturnPort(),
		"audio_return", sess.audioReturnPort(),
		"two_way", sess.sipActive)

	return &PrepareResponse{
		SessionID:       sess.id,
		Address:         c.cfg.LocalAddress,
		VideoReturnPort: sess.videoReturnPort(),
		AudioReturnPort: sess.audioReturnPort(),
		VideoSSRC:       sess.videoSSRC,
		AudioSSRC:       sess.audioSSRC,
		VideoCrypto:     sess.videoCrypto,
		AudioCrypto:     sess.audioCrypto,
		TwoWayAudio:     sess.sipActive,
	}, nil
}

// negotiateTwoWay проводит SIP переговоры и поднимает relay.
// Любая ошибка не фатальна: логируется, отправляется вежливый BYE,
// сессия остается односторонней.
//
// Звонок менеджера один на всех; если он уже занят другой сессией,
// переговоры не начинаются вовсе. BYE отправляется только когда цикл
// INVITE принадлежал этой сессии, иначе он повесил бы чужой звонок.
func (c *Controller) negotiateTwoWay(ctx context.Context, sess *Session) {
	call := c.sipMgr.Call()

	if call.State() != sipcall.StateIdle {
		c.logger.Warn("SIP звонок занят другой сессией, сессия без двустороннего звука",
			"session_id", sess.id, "call_state", call.State())
		c.metrics.inviteFailures.Inc()
		return
	}

	offer, err := sdp.BuildOffer(sdp.OfferParams{
		LocalAddress: c.cfg.LocalAddress,
		AudioPort:    sess.portSet.At(ports.IdxSIPAudio),
		RTCPPort:     sess.portSet.At(ports.IdxSIPAudioRTCP),
		SSRC:         sess.sipSSRC,
	})
	if err != nil {
		c.logger.Warn("не удалось построить SDP offer, сессия без двустороннего звука",
			"session_id", sess.id, "err", err)
		c.metrics.inviteFailures.Inc()
		return
	}

	answer, err := call.Invite(ctx, offer)
	if err != nil {
		c.logger.Warn("SIP переговоры не удались, сессия без двустороннего звука",
			"session_id", sess.id, "err", err)
		c.metrics.inviteFailures.Inc()
		// вежливое уведомление; ошибки BYE проглатываются менеджером.
		// При InvalidState цикл INVITE не начался и принадлежит другой
		// сессии, BYE тут оборвал бы ее живой звонок
		if !sipcall.IsInvalidState(err) {
			call.SendBye(ctx)
		}
		return
	}

	media, err := answer.ExtractMediaDescription("audio")
	if err == nil {
		var addr string
		addr, err = answer.ExtractConnectionAddress()
		if err == nil {
			sess.audioRelay, err = relay.Open(relay.Config{
				Family:               sess.family,
				LocalAudioPort:       sess.portSet.At(ports.IdxSIPAudio),
				LocalRTCPPort:        sess.portSet.At(ports.IdxSIPAudioRTCP),
				LocalTargetAudioPort: sess.portSet.At(ports.IdxSIPLocalAudio),
				LocalTargetRTCPPort:  sess.portSet.At(ports.IdxSIPLocalRTCP),
				RemoteAddress:        addr,
				RemoteAudioPort:      media.Port,
				RemoteRTCPPort:       media.RTCPPort,
				Logger:               c.logger,
			})
		}
	}
	if err != nil {
		c.logger.Warn("согласованная медиа нога непригодна, сессия без двустороннего звука",
			"session_id", sess.id, "err", err)
		c.metrics.inviteFailures.Inc()
		call.SendBye(ctx)
		return
	}

	sess.sipActive = true
	sess.sipRemote = media
	sess.sipCallID = call.CallID()
}

// abandonPrepared освобождает ресурсы сессии, проигравшей гонку за
// идентификатор: порты, relay и, если переговоры уже прошли, звонок.
// Без BYE согласованная нога камеры осталась бы висеть без владельца.
func (c *Controller) abandonPrepared(ctx context.Context, sess *Session) {
	sess.portSet.Release()
	if sess.audioRelay != nil {
		sess.audioRelay.Close()
	}
	if sess.sipActive && c.sipMgr != nil {
		c.sipMgr.Call().SendBye(ctx)
	}
}

// Start запускает стрим подготовленной сессии: процессы
// транскодирования и наблюдение за активностью зрителя.
func (c *Controller) Start(ctx context.Context, req *StartRequest) error {
	sess := c.lookup(req.SessionID)
	if sess == nil {
		return &UnknownSessionError{SessionID: req.SessionID}
	}

	if err := sess.sm.Event(context.Background(), "start"); err != nil {
		return fmt.Errorf("сессия %q не в состоянии pending: %w", req.SessionID, err)
	}

	// основной транскодер: камера -> SRTP потоки зрителю
	mainProc, err := transcode.Start(
		sess.id+"/main",
		c.cfg.TranscoderPath,
		buildMainArgs(c.cfg.CameraSource, sess, req),
		c.processEventHandler(sess.id),
		transcode.WithLogger(c.logger),
	)
	if err != nil {
		c.forceStop(sess.id, ReasonProcessFailure, err)
		return fmt.Errorf("не удалось запустить транскодер: %w", err)
	}
	sess.mainProc = mainProc

	// обратный звук: SRTP зрителя -> G.711 в сторону SIP ноги
	if sess.sipActive {
		returnProc, err := transcode.Start(
			sess.id+"/return",
			c.cfg.TranscoderPath,
			buildReturnArgs(sess),
			c.processEventHandler(sess.id),
			transcode.WithLogger(c.logger),
		)
		if err != nil {
			c.forceStop(sess.id, ReasonProcessFailure, err)
			return fmt.Errorf("не удалось запустить обратный транскодер: %w", err)
		}
		sess.returnProc = returnProc

		// описание входа подается через stdin
		sdpBody := buildReturnSDP(c.cfg.LocalAddress, sess, req)
		if _, err := returnProc.Stdin().Write([]byte(sdpBody)); err != nil {
			c.logger.Warn("не удалось передать SDP обратному транскодеру",
				"session_id", sess.id, "err", err)
		}
		_ = returnProc.Stdin().Close()
	}

	if err := c.watchLiveness(sess, req); err != nil {
		c.forceStop(sess.id, ReasonSocketError, err)
		return err
	}

	c.publish(Event{Type: EventStreamStarted, SessionID: sess.id})
	c.logger.Info("стрим запущен", "session_id", sess.id, "two_way", sess.sipActive)
	return nil
}

// watchLiveness биндит порт обратного видео трафика и следит за
// датаграммами зрителя: любая датаграмма перевзводит таймер
// неактивности, его срабатывание принудительно разбирает сессию.
func (c *Controller) watchLiveness(sess *Session, req *StartRequest) error {
	interval := req.RTCPInterval
	if interval <= 0 {
		interval = defaultRTCPInterval
	}
	factor := c.cfg.InactivityFactor
	if factor <= 0 {
		factor = defaultInactivityFactor
	}
	timeout := time.Duration(factor) * interval

	conn, err := net.ListenUDP(sess.family.Network(),
		&net.UDPAddr{Port: sess.videoReturnPort()})
	if err != nil {
		return fmt.Errorf("не удалось занять порт наблюдения %d: %w",
			sess.videoReturnPort(), err)
	}

	sess.mu.Lock()
	sess.liveness = conn
	sess.inactivity = time.AfterFunc(timeout, func() {
		c.forceStop(sess.id, ReasonInactivity, nil)
	})
	sess.mu.Unlock()

	// сессия могла быть разобрана, пока регистрировались ресурсы;
	// тогда закрываем их сами, разбор их уже не увидел
	if c.lookup(sess.id) == nil {
		sess.mu.Lock()
		sess.inactivity.Stop()
		sess.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("сессия %q разобрана во время запуска", sess.id)
	}

	go func() {
		buf := make([]byte, 2048)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				// закрытие сокета при разборе сессии - штатный выход
				if c.lookup(sess.id) != nil && sess.State() == SessionActive {
					c.forceStop(sess.id, ReasonSocketError, err)
				}
				return
			}

			sess.resetInactivity(timeout)

			// RTCP отчеты зрителя интересны только для диагностики
			if pkts, err := rtcp.Unmarshal(buf[:n]); err == nil {
				for _, pkt := range pkts {
					if rr, ok := pkt.(*rtcp.ReceiverReport); ok {
						c.logger.Debug("RTCP отчет зрителя",
							"session_id", sess.id, "reports", len(rr.Reports))
					}
				}
			}
		}
	}()

	return nil
}

// processEventHandler возвращает обработчик событий процессов сессии.
//
// События несут идентификатор сессии; если сессия уже разобрана,
// событие отбрасывается - процессы умирают позже своих сессий.
func (c *Controller) processEventHandler(sessionID string) transcode.EventHandler {
	return func(ev transcode.Event) {
		switch ev.Type {
		case transcode.EventStdout, transcode.EventStderr:
			c.publish(Event{
				Type:      EventDiagnostic,
				SessionID: sessionID,
				Line:      ev.Line,
			})
			if isFatalTranscoderLine(ev.Line) {
				c.forceStop(sessionID, ReasonFatalOutput, nil)
			}

		case transcode.EventSpawnFailed:
			c.forceStop(sessionID, ReasonProcessFailure, ev.Err)

		case transcode.EventExited:
			// штатная остановка убирает сессию до прихода события
			if c.lookup(sessionID) == nil {
				return
			}
			c.forceStop(sessionID, ReasonProcessFailure, ev.Err)
		}
	}
}

// isFatalTranscoderLine распознает строки вывода, означающие, что
// транскодер не смог подняться и стрима не будет
func isFatalTranscoderLine(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "bind failed") ||
		strings.Contains(lower, "address already in use") ||
		strings.Contains(lower, "error opening input")
}

// Stop останавливает сессию и освобождает все ее ресурсы.
//
// Идемпотентен: остановка неизвестной (уже разобранной) сессии -
// no-op. Каждый шаг разбора выполняется независимо от ошибок остальных.
func (c *Controller) Stop(ctx context.Context, sessionID string) error {
	sess := c.lookup(sessionID)
	if sess == nil {
		return nil
	}
	c.teardown(ctx, sess, "", nil)
	return nil
}

// Reconfigure принимается, но не действует: пересогласование
// битрейта/разрешения на активной сессии не поддерживается
func (c *Controller) Reconfigure(ctx context.Context, sessionID string) error {
	if c.lookup(sessionID) == nil {
		return &UnknownSessionError{SessionID: sessionID}
	}
	c.logger.Debug("reconfigure проигнорирован", "session_id", sessionID)
	return nil
}

// forceStop принудительно разбирает сессию из асинхронного контекста.
// События для уже разобранных сессий отбрасываются.
func (c *Controller) forceStop(sessionID, reason string, cause error) {
	sess := c.lookup(sessionID)
	if sess == nil {
		return
	}
	c.teardown(context.Background(), sess, reason, cause)
}

// teardown разбирает сессию ровно один раз.
//
// Четыре шага - таймер и сокет наблюдения, процессы, SIP BYE, relay -
// выполняются независимо: ошибка любого логируется и не мешает
// остальным. После разбора сессия удаляется из активного множества.
func (c *Controller) teardown(ctx context.Context, sess *Session, reason string, cause error) {
	sess.teardownOnce.Do(func() {
		// сессия убирается из множества сразу: опоздавшие асинхронные
		// события не должны видеть ее живой
		c.mu.Lock()
		delete(c.sessions, sess.id)
		c.mu.Unlock()

		// шаг 1: таймер и сокет наблюдения
		sess.mu.Lock()
		if sess.inactivity != nil {
			sess.inactivity.Stop()
		}
		liveness := sess.liveness
		sess.mu.Unlock()
		if liveness != nil {
			if err := liveness.Close(); err != nil {
				c.metrics.teardownErrors.Inc()
				c.logger.Warn("не удалось закрыть сокет наблюдения",
					"session_id", sess.id, "err", err)
			}
		}

		// шаг 2: процессы транскодирования
		if sess.mainProc != nil {
			sess.mainProc.Stop()
		}
		if sess.returnProc != nil {
			sess.returnProc.Stop()
		}

		// шаг 3: SIP BYE (best effort, ошибки глотает менеджер)
		if sess.sipActive && c.sipMgr != nil {
			c.sipMgr.Call().SendBye(ctx)
		}

		// шаг 4: relay
		if sess.audioRelay != nil {
			sess.audioRelay.Close()
		}

		sess.portSet.Release()
		_ = sess.sm.Event(context.Background(), "stop")

		c.metrics.sessionsActive.Dec()
		if reason != "" {
			c.metrics.forcedStops.WithLabelValues(reason).Inc()
			c.publish(Event{
				Type:      EventStreamForceStopped,
				SessionID: sess.id,
				Reason:    reason,
				Err:       cause,
			})
			c.logger.Warn("сессия разобрана принудительно",
				"session_id", sess.id, "reason", reason, "err", cause)
		} else {
			c.logger.Info("сессия остановлена", "session_id", sess.id)
		}
	})
}

// onRemoteBye обрабатывает входящий BYE: разбирается сессия,
// владеющая звонком с этим Call-ID
func (c *Controller) onRemoteBye(callID string) {
	c.mu.Lock()
	var target *Session
	for _, sess := range c.sessions {
		if sess.sipActive && sess.sipCallID == callID {
			target = sess
			break
		}
	}
	c.mu.Unlock()

	if target == nil {
		c.logger.Debug("BYE для неизвестного звонка", "call_id", callID)
		return
	}
	c.teardown(context.Background(), target, ReasonRemoteBye, nil)
}

// Close останавливает контроллер: разбирает все сессии и гасит SIP стек
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	remaining := make([]*Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		remaining = append(remaining, sess)
	}
	c.mu.Unlock()

	for _, sess := range remaining {
		c.teardown(context.Background(), sess, ReasonShutdown, nil)
	}

	if c.sipMgr != nil {
		c.sipMgr.Destroy()
	}

	// опоздавшие события процессов не должны попасть в закрытый канал
	c.mu.Lock()
	c.eventsClosed = true
	close(c.events)
	c.mu.Unlock()
}

// lookup возвращает сессию по идентификатору или nil
func (c *Controller) lookup(sessionID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionID]
}

// publish отправляет событие без блокировки; при переполнении буфера
// событие отбрасывается. После Close события молча игнорируются.
func (c *Controller) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("канал событий переполнен, событие отброшено",
			"type", ev.Type.String(), "session_id", ev.SessionID)
	}
}
