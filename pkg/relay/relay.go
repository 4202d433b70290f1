package relay

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/arzzra/door_phone/pkg/ports"
)

// bufferSize размер буфера чтения датаграмм; с запасом больше MTU
const bufferSize = 2048

// Config параметры открытия relay.
//
// Удаленная сторона должна быть известна заранее: SIP переговоры
// завершаются до запуска транскодера, поэтому все адреса известны
// на момент Open.
type Config struct {
	// Family семейство адресов локальных сокетов
	Family ports.Family

	// LocalAudioPort локальный порт, который слушает relay (RTP)
	LocalAudioPort int
	// LocalRTCPPort локальный порт, который слушает relay (RTCP)
	LocalRTCPPort int

	// LocalTargetAudioPort порт транскодера, куда уходят RTP пакеты
	// от удаленной стороны
	LocalTargetAudioPort int
	// LocalTargetRTCPPort порт транскодера для RTCP пакетов
	LocalTargetRTCPPort int

	// RemoteAddress адрес удаленной стороны из SDP ответа
	RemoteAddress string
	// RemoteAudioPort удаленный RTP порт из SDP ответа
	RemoteAudioPort int
	// RemoteRTCPPort удаленный RTCP порт из SDP ответа
	RemoteRTCPPort int

	// Logger опциональный логгер; nil - slog.Default()
	Logger *slog.Logger
}

// DirectionStats счетчики одного направления пересылки
type DirectionStats struct {
	// Packets количество пересланных датаграмм
	Packets uint64
	// Bytes суммарный объем пересланных данных
	Bytes uint64
	// LastSSRC последний SSRC, замеченный в RTP заголовке; 0 если
	// валидных RTP пакетов не было
	LastSSRC uint32
}

// Stats счетчики relay по направлениям
type Stats struct {
	// ToRemote пакеты от транскодера к удаленной стороне
	ToRemote DirectionStats
	// FromRemote пакеты от удаленной стороны к транскодеру
	FromRemote DirectionStats
}

// Relay двунаправленный UDP форвардер для одной сессии.
//
// Закрытие идемпотентно; после Close все циклы пересылки завершаются.
type Relay struct {
	cfg    Config
	logger *slog.Logger

	audio *net.UDPConn
	rtcp  *net.UDPConn

	remoteIP net.IP

	toRemotePackets   atomic.Uint64
	toRemoteBytes     atomic.Uint64
	toRemoteSSRC      atomic.Uint32
	fromRemotePackets atomic.Uint64
	fromRemoteBytes   atomic.Uint64
	fromRemoteSSRC    atomic.Uint32

	closeOnce sync.Once
	closed    atomic.Bool
	wg        sync.WaitGroup
}

// Open биндит локальные сокеты и запускает циклы пересылки.
//
// Пересылка аудио: LocalAudioPort <-> RemoteAddress:RemoteAudioPort,
// локальной целью служит 127.0.0.1 (или ::1):LocalTargetAudioPort.
// Аналогично для RTCP пары.
func Open(cfg Config) (*Relay, error) {
	if cfg.RemoteAddress == "" {
		return nil, fmt.Errorf("не задан удаленный адрес")
	}
	remoteIP := net.ParseIP(cfg.RemoteAddress)
	if remoteIP == nil {
		// допускаем hostname из SDP
		addrs, err := net.LookupIP(cfg.RemoteAddress)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("не удалось разрешить удаленный адрес %q: %w",
				cfg.RemoteAddress, err)
		}
		remoteIP = addrs[0]
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Relay{
		cfg:      cfg,
		logger:   logger.With("component", "relay"),
		remoteIP: remoteIP,
	}

	network := cfg.Family.Network()

	var err error
	r.audio, err = net.ListenUDP(network, &net.UDPAddr{Port: cfg.LocalAudioPort})
	if err != nil {
		return nil, fmt.Errorf("не удалось занять аудио порт %d: %w", cfg.LocalAudioPort, err)
	}

	r.rtcp, err = net.ListenUDP(network, &net.UDPAddr{Port: cfg.LocalRTCPPort})
	if err != nil {
		_ = r.audio.Close()
		return nil, fmt.Errorf("не удалось занять RTCP порт %d: %w", cfg.LocalRTCPPort, err)
	}

	loopback := loopbackFor(cfg.Family)

	r.wg.Add(2)
	go r.forwardLoop(r.audio, true,
		&net.UDPAddr{IP: remoteIP, Port: cfg.RemoteAudioPort},
		&net.UDPAddr{IP: loopback, Port: cfg.LocalTargetAudioPort})
	go r.forwardLoop(r.rtcp, false,
		&net.UDPAddr{IP: remoteIP, Port: cfg.RemoteRTCPPort},
		&net.UDPAddr{IP: loopback, Port: cfg.LocalTargetRTCPPort})

	r.logger.Debug("relay открыт",
		"local_audio", cfg.LocalAudioPort,
		"remote", fmt.Sprintf("%s:%d", cfg.RemoteAddress, cfg.RemoteAudioPort))

	return r, nil
}

// forwardLoop читает датаграммы сокета и пересылает их: пакеты от
// удаленной стороны - на локальную цель, остальные (от транскодера) -
// на удаленный адрес.
func (r *Relay) forwardLoop(conn *net.UDPConn, isRTP bool, remote, localTarget *net.UDPAddr) {
	defer r.wg.Done()

	buf := make([]byte, bufferSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !r.closed.Load() {
				r.logger.Warn("ошибка чтения relay сокета", "err", err)
			}
			return
		}

		var dst *net.UDPAddr
		fromRemote := src.IP.Equal(r.remoteIP)
		if fromRemote {
			dst = localTarget
		} else {
			dst = remote
		}

		if _, err := conn.WriteToUDP(buf[:n], dst); err != nil {
			if r.closed.Load() {
				return
			}
			r.logger.Warn("ошибка пересылки датаграммы", "dst", dst, "err", err)
			continue
		}

		r.account(fromRemote, isRTP, buf[:n])
	}
}

// account обновляет счетчики направления; для RTP сокета дополнительно
// извлекается SSRC из заголовка
func (r *Relay) account(fromRemote, isRTP bool, pkt []byte) {
	var ssrc uint32
	if isRTP {
		var header rtp.Header
		if _, err := header.Unmarshal(pkt); err == nil {
			ssrc = header.SSRC
		}
	}

	if fromRemote {
		r.fromRemotePackets.Add(1)
		r.fromRemoteBytes.Add(uint64(len(pkt)))
		if ssrc != 0 {
			r.fromRemoteSSRC.Store(ssrc)
		}
	} else {
		r.toRemotePackets.Add(1)
		r.toRemoteBytes.Add(uint64(len(pkt)))
		if ssrc != 0 {
			r.toRemoteSSRC.Store(ssrc)
		}
	}
}

// Stats возвращает снимок счетчиков пересылки
func (r *Relay) Stats() Stats {
	return Stats{
		ToRemote: DirectionStats{
			Packets:  r.toRemotePackets.Load(),
			Bytes:    r.toRemoteBytes.Load(),
			LastSSRC: r.toRemoteSSRC.Load(),
		},
		FromRemote: DirectionStats{
			Packets:  r.fromRemotePackets.Load(),
			Bytes:    r.fromRemoteBytes.Load(),
			LastSSRC: r.fromRemoteSSRC.Load(),
		},
	}
}

// Close закрывает сокеты и дожидается завершения циклов пересылки.
// Безопасен для многократного вызова.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if r.audio != nil {
			_ = r.audio.Close()
		}
		if r.rtcp != nil {
			_ = r.rtcp.Close()
		}
		r.wg.Wait()
		r.logger.Debug("relay закрыт", "local_audio", r.cfg.LocalAudioPort)
	})
}

func loopbackFor(family ports.Family) net.IP {
	if family == ports.FamilyIPv6 {
		return net.IPv6loopback
	}
	return net.IPv4(127, 0, 0, 1)
}
