package ports

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Family семейство адресов для выделяемых портов
type Family string

const (
	// FamilyIPv4 - порты для IPv4 сокетов
	FamilyIPv4 Family = "ipv4"
	// FamilyIPv6 - порты для IPv6 сокетов
	FamilyIPv6 Family = "ipv6"
)

// Network возвращает имя сети для net.ListenUDP
func (f Family) Network() string {
	if f == FamilyIPv6 {
		return "udp6"
	}
	return "udp4"
}

// Индексы портов в наборе, выдаваемом Reserve.
// Порядок фиксирован и ожидается контроллером сессий.
const (
	IdxVideo = iota
	IdxVideoRTCP
	IdxAudio
	IdxAudioRTCP
	IdxSIPAudio
	IdxSIPAudioRTCP
	IdxSIPLocalAudio
	IdxSIPLocalRTCP
)

// Config конфигурация аллокатора портов
type Config struct {
	// Min нижняя граница диапазона (включительно)
	Min int
	// Max верхняя граница диапазона (не включительно)
	Max int
	// MaxAttempts максимальное число проб пар на один запрошенный порт
	MaxAttempts int
	// Logger опциональный логгер; nil - slog.Default()
	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Min:         10000,
		Max:         20000,
		MaxAttempts: 100,
	}
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.Min <= 0 || c.Max <= 0 {
		return fmt.Errorf("невалидный диапазон портов: Min=%d, Max=%d", c.Min, c.Max)
	}
	if c.Max-c.Min < 8 {
		return fmt.Errorf("диапазон %d-%d слишком мал для набора пар RTP/RTCP", c.Min, c.Max)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MaxAttempts должен быть положительным: %d", c.MaxAttempts)
	}
	return nil
}

// ReservationError ошибка резервирования портов
type ReservationError struct {
	Family   Family
	Count    int
	Attempts int
}

// Error реализует интерфейс error
func (e *ReservationError) Error() string {
	return fmt.Sprintf("не удалось зарезервировать %d портов (%s) за %d попыток",
		e.Count, e.Family, e.Attempts)
}

// Allocator выделяет наборы UDP портов, гарантируя отсутствие
// пересечений между одновременно живыми сессиями.
//
// Все операции потокобезопасны.
type Allocator struct {
	cfg    *Config
	logger *slog.Logger

	mu   sync.Mutex
	used map[int]bool
	next int // позиция кольцевого перебора
}

// NewAllocator создает аллокатор с заданной конфигурацией.
// nil конфигурация означает DefaultConfig.
func NewAllocator(cfg *Config) (*Allocator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Allocator{
		cfg:    cfg,
		logger: logger.With("component", "ports"),
		used:   make(map[int]bool),
		next:   evenUp(cfg.Min),
	}, nil
}

// Reserve выделяет count уникальных UDP портов для заданного семейства.
//
// Количество округляется вверх до четного: порты выдаются парами
// RTP (четный) / RTCP (нечетный). Возвращаемый порядок стабилен,
// см. константы Idx*.
//
// При исчерпании диапазона возвращается *ReservationError.
func (a *Allocator) Reserve(family Family, count int) (*PortSet, error) {
	if count <= 0 {
		return nil, fmt.Errorf("невалидное количество портов: %d", count)
	}
	if count%2 != 0 {
		count++
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	reserved := make([]int, 0, count)
	attempts := 0
	maxAttempts := a.cfg.MaxAttempts * count / 2

	for len(reserved) < count {
		if attempts >= maxAttempts {
			// откатываем частично выделенное
			for _, p := range reserved {
				delete(a.used, p)
			}
			a.logger.Warn("исчерпаны попытки резервирования портов",
				"family", family, "count", count, "attempts", attempts)
			return nil, &ReservationError{Family: family, Count: count, Attempts: attempts}
		}
		attempts++

		rtpPort := a.nextCandidate()
		rtcpPort := rtpPort + 1

		if a.used[rtpPort] || a.used[rtcpPort] {
			continue
		}
		if !canBind(family, rtpPort) || !canBind(family, rtcpPort) {
			continue
		}

		a.used[rtpPort] = true
		a.used[rtcpPort] = true
		reserved = append(reserved, rtpPort, rtcpPort)
	}

	a.logger.Debug("порты зарезервированы", "family", family, "ports", reserved)

	return &PortSet{alloc: a, family: family, ports: reserved}, nil
}

// InUse сообщает, числится ли порт занятым у этого аллокатора
func (a *Allocator) InUse(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used[port]
}

// nextCandidate возвращает следующий четный кандидат кольцевого перебора.
// Вызывается под a.mu.
func (a *Allocator) nextCandidate() int {
	port := a.next
	a.next += 2
	if a.next >= a.cfg.Max-1 {
		a.next = evenUp(a.cfg.Min)
	}
	return port
}

// release возвращает порты набора в свободный пул. Вызывается из PortSet.
func (a *Allocator) release(set []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range set {
		delete(a.used, p)
	}
}

// canBind проверяет свободность порта пробным bind'ом
func canBind(family Family, port int) bool {
	conn, err := net.ListenUDP(family.Network(), &net.UDPAddr{Port: port})
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func evenUp(port int) int {
	if port%2 != 0 {
		return port + 1
	}
	return port
}

// PortSet упорядоченный набор зарезервированных портов одной сессии.
//
// Действителен до вызова Release; Release безопасно вызывать
// многократно, фактическое освобождение произойдет один раз.
type PortSet struct {
	alloc  *Allocator
	family Family
	ports  []int

	releaseOnce sync.Once
}

// Family возвращает семейство адресов набора
func (ps *PortSet) Family() Family {
	return ps.family
}

// Ports возвращает копию списка портов в стабильном порядке
func (ps *PortSet) Ports() []int {
	out := make([]int, len(ps.ports))
	copy(out, ps.ports)
	return out
}

// At возвращает порт по индексу (см. константы Idx*)
func (ps *PortSet) At(idx int) int {
	if idx < 0 || idx >= len(ps.ports) {
		return 0
	}
	return ps.ports[idx]
}

// Len возвращает размер набора
func (ps *PortSet) Len() int {
	return len(ps.ports)
}

// Release возвращает порты в пул аллокатора. Идемпотентен.
func (ps *PortSet) Release() {
	ps.releaseOnce.Do(func() {
		ps.alloc.release(ps.ports)
	})
}
