package sipcall

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Transport транспортный протокол SIP сигнализации
type Transport string

const (
	// TransportUDP - UDP транспорт (RFC 3261)
	TransportUDP Transport = "udp"
	// TransportTCP - TCP транспорт (RFC 3261)
	TransportTCP Transport = "tcp"
	// TransportTLS - TLS поверх TCP (RFC 3261)
	TransportTLS Transport = "tls"
	// TransportWS - WebSocket транспорт (RFC 7118)
	TransportWS Transport = "ws"
)

// transportFromScheme выводит транспорт из схемы и параметров URI сервера
func transportFromScheme(uri string) Transport {
	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "sips:"), strings.HasPrefix(lower, "wss:"):
		return TransportTLS
	case strings.HasPrefix(lower, "ws:"):
		return TransportWS
	case strings.Contains(lower, "transport=tcp"):
		return TransportTCP
	case strings.Contains(lower, "transport=tls"):
		return TransportTLS
	case strings.Contains(lower, "transport=ws"):
		return TransportWS
	default:
		return TransportUDP
	}
}

// Config конфигурация менеджера сигнализации
type Config struct {
	// ServerURI адрес SIP endpoint'а камеры, например
	// "sip:camera@192.168.1.50:5060" или "sip:cam@host;transport=tcp".
	// Транспорт выбирается схемой/параметром URI.
	ServerURI string

	// Username имя пользователя для digest авторизации
	Username string
	// Password пароль для digest авторизации
	Password string

	// LocalHost локальный адрес для прослушивания и заголовка Contact
	LocalHost string
	// LocalPort локальный порт сигнализации
	LocalPort int

	// DisplayUser user-часть локального URI; по умолчанию "door_phone"
	DisplayUser string

	// UserAgent строка заголовка User-Agent
	UserAgent string

	// TxTimeout максимальное время ожидания финального ответа на
	// транзакцию; по умолчанию 32 секунды (Timer B, RFC 3261)
	TxTimeout time.Duration

	// OnRemoteBye вызывается при входящем BYE от удаленной стороны.
	// Решение о разборе сессии принимает владелец, не менеджер.
	OnRemoteBye func(callID string)

	// Logger опциональный логгер; nil - slog.Default()
	Logger *slog.Logger
}

// Validate проверяет обязательные поля конфигурации
func (c *Config) Validate() error {
	if c.ServerURI == "" {
		return fmt.Errorf("не задан ServerURI")
	}
	if c.LocalHost == "" {
		return fmt.Errorf("не задан LocalHost")
	}
	if c.LocalPort <= 0 {
		return fmt.Errorf("невалидный LocalPort: %d", c.LocalPort)
	}
	return nil
}

// Manager владеет sipgo стеком и единственным звонком на настроенный
// удаленный endpoint.
//
// Жизненный цикл: NewManager + Start один раз при запуске, Destroy один
// раз при остановке, между ними сколько угодно циклов invite/bye.
type Manager struct {
	cfg    *Config
	logger *slog.Logger

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	transport Transport
	contact   sip.ContactHeader
	remoteURI sip.Uri

	call *Call

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	destroyed bool
}

// NewManager создает менеджер сигнализации по конфигурации
func NewManager(cfg *Config) (*Manager, error) {
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

	var remoteURI sip.Uri
	if err := sip.ParseUri(stripTransportParams(cfg.ServerURI), &remoteURI); err != nil {
		return nil, fmt.Errorf("невалидный ServerURI %q: %w", cfg.ServerURI, err)
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "sipcall"),
		transport: transportFromScheme(cfg.ServerURI),
		remoteURI: remoteURI,
	}

	user := cfg.DisplayUser
	if user == "" {
		user = "door_phone"
	}
	m.contact = sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   user,
			Host:   cfg.LocalHost,
			Port:   cfg.LocalPort,
		},
	}

	return m, nil
}

// Start поднимает sipgo стек: UA, клиент и сервер для входящих запросов.
// Слушатель запускается в фоне; ctx управляет временем жизни стека.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return newCallError(ErrorCodeCallDestroyed, "менеджер уничтожен", "", nil)
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	userAgent := m.cfg.UserAgent
	if userAgent == "" {
		userAgent = "door_phone"
	}
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(userAgent))
	if err != nil {
		return fmt.Errorf("не удалось создать UA: %w", err)
	}
	m.ua = ua

	m.client, err = sipgo.NewClient(ua)
	if err != nil {
		return fmt.Errorf("не удалось создать клиента: %w", err)
	}

	m.server, err = sipgo.NewServer(ua)
	if err != nil {
		return fmt.Errorf("не удалось создать сервер: %w", err)
	}

	m.setupHandlers()

	listenAddr := fmt.Sprintf("%s:%d", m.cfg.LocalHost, m.cfg.LocalPort)
	network := string(m.transport)
	if m.transport == TransportTLS {
		// TLS слушатель требует отдельной настройки сертификатов;
		// исходящий TLS транспорт работает и поверх tcp слушателя
		network = "tcp"
	}

	go func() {
		if err := m.server.ListenAndServe(m.ctx, network, listenAddr); err != nil {
			if m.ctx.Err() == nil {
				m.logger.Error("SIP сервер завершился с ошибкой", "err", err)
			}
		}
	}()

	m.call = newCall(m)

	m.logger.Info("SIP стек запущен",
		"listen", listenAddr, "transport", m.transport, "remote", m.cfg.ServerURI)

	return nil
}

// setupHandlers регистрирует обработчики входящих запросов
func (m *Manager) setupHandlers() {
	m.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		callID := ""
		if h := req.CallID(); h != nil {
			callID = h.Value()
		}
		m.logger.Info("входящий BYE от удаленной стороны", "call_id", callID)

		// входящий BYE всегда подтверждается
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if err := tx.Respond(res); err != nil {
			m.logger.Warn("не удалось ответить на BYE", "err", err)
		}

		if m.cfg.OnRemoteBye != nil {
			m.cfg.OnRemoteBye(callID)
		}
	})
}

// Call возвращает звонок менеджера. Звонок один на настроенный endpoint
// и переиспользуется между циклами invite/bye.
func (m *Manager) Call() *Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call
}

// Destroy останавливает стек. После Destroy любая транзакция звонка
// немедленно завершается ошибкой CallDestroyed. Идемпотентен.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	call := m.call
	m.mu.Unlock()

	if call != nil {
		call.Destroy()
	}
	if m.cancel != nil {
		m.cancel()
	}
	if m.server != nil {
		_ = m.server.Close()
	}
	if m.client != nil {
		_ = m.client.Close()
	}

	m.logger.Info("SIP стек остановлен")
}

// txTimeout возвращает таймаут транзакции с умолчанием Timer B
func (m *Manager) txTimeout() time.Duration {
	if m.cfg.TxTimeout > 0 {
		return m.cfg.TxTimeout
	}
	return 32 * time.Second
}

// stripTransportParams убирает URI параметры перед разбором:
// sip.ParseUri без них надежнее, а транспорт уже выведен отдельно
func stripTransportParams(uri string) string {
	if i := strings.IndexByte(uri, ';'); i > 0 {
		return uri[:i]
	}
	return uri
}
