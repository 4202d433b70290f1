package sdp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Session представляет разобранное SDP тело.
//
// Хранит как разобранную структуру, так и исходный текст:
// исходный текст нужен для диагностики и попадает во все ошибки
// извлечения параметров.
type Session struct {
	desc *sdp.SessionDescription
	raw  string
}

// MediaDescription содержит параметры одной медиа-секции,
// извлеченные из SDP ответа удаленной стороны.
type MediaDescription struct {
	// Port RTP порт из media line
	Port int
	// RTCPPort порт для RTCP; равен Port+1, если атрибут a=rtcp: отсутствовал
	RTCPPort int
	// SSRC идентификатор источника синхронизации; nil, если атрибут
	// a=ssrc: отсутствовал
	SSRC *uint32
}

// Parse разбирает SDP тело.
//
// Возвращает *MalformedSDPError, если тело пустое или не проходит
// синтаксический разбор. Исходный текст сохраняется в Session и в ошибке.
func Parse(body string) (*Session, error) {
	if strings.TrimSpace(body) == "" {
		return nil, newMalformedError("пустое тело", body, nil)
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(body)); err != nil {
		return nil, newMalformedError("синтаксическая ошибка", body, err)
	}

	return &Session{desc: desc, raw: body}, nil
}

// Raw возвращает исходный текст SDP
func (s *Session) Raw() string {
	return s.raw
}

// ExtractMediaDescription извлекает параметры медиа-секции заданного типа
// (обычно "audio").
//
// Ошибки:
//   - нет media line заданного типа или её порт равен нулю → MalformedSDPError;
//   - атрибут a=rtcp: отсутствует → RTCPPort = Port + 1 (не ошибка);
//   - атрибут a=ssrc: отсутствует → SSRC = nil (не ошибка).
func (s *Session) ExtractMediaDescription(mediaType string) (*MediaDescription, error) {
	media := s.findMedia(mediaType)
	if media == nil {
		return nil, newMalformedError(
			fmt.Sprintf("нет media line типа %q", mediaType), s.raw, nil)
	}

	port := media.MediaName.Port.Value
	if port == 0 {
		return nil, newMalformedError(
			fmt.Sprintf("media line %q без порта", mediaType), s.raw, nil)
	}

	md := &MediaDescription{
		Port:     port,
		RTCPPort: port + 1,
	}

	// a=rtcp:<port> [nettype addrtype address] - берем только порт
	if value, ok := media.Attribute("rtcp"); ok {
		fields := strings.Fields(value)
		if len(fields) > 0 {
			if rtcpPort, err := strconv.Atoi(fields[0]); err == nil && rtcpPort > 0 {
				md.RTCPPort = rtcpPort
			}
		}
	}

	// a=ssrc:<id> [cname:...] - берем только идентификатор
	if value, ok := media.Attribute("ssrc"); ok {
		fields := strings.Fields(value)
		if len(fields) > 0 {
			if ssrc, err := strconv.ParseUint(fields[0], 10, 32); err == nil {
				v := uint32(ssrc)
				md.SSRC = &v
			}
		}
	}

	return md, nil
}

// ExtractConnectionAddress извлекает адрес из connection line.
//
// Сначала ищется c= внутри аудио-секции, затем на уровне сессии.
// Отсутствие обеих → MalformedSDPError.
func (s *Session) ExtractConnectionAddress() (string, error) {
	if media := s.findMedia("audio"); media != nil {
		if addr := connectionAddress(media.ConnectionInformation); addr != "" {
			return addr, nil
		}
	}
	if addr := connectionAddress(s.desc.ConnectionInformation); addr != "" {
		return addr, nil
	}
	return "", newMalformedError("нет connection line", s.raw, nil)
}

// findMedia возвращает первую медиа-секцию заданного типа с ненулевым
// портом, либо первую попавшуюся секцию этого типа.
// Секции с нулевым портом (отклоненные потоки) пропускаются, если
// есть секция с портом.
func (s *Session) findMedia(mediaType string) *sdp.MediaDescription {
	var zeroPort *sdp.MediaDescription
	for _, media := range s.desc.MediaDescriptions {
		if media.MediaName.Media != mediaType {
			continue
		}
		if media.MediaName.Port.Value != 0 {
			return media
		}
		if zeroPort == nil {
			zeroPort = media
		}
	}
	return zeroPort
}

func connectionAddress(ci *sdp.ConnectionInformation) string {
	if ci == nil || ci.Address == nil {
		return ""
	}
	return ci.Address.Address
}

// OfferParams параметры построения SDP offer для исходящего INVITE
type OfferParams struct {
	// LocalAddress локальный адрес, на котором принимается обратный аудиопоток
	LocalAddress string
	// AudioPort локальный RTP порт
	AudioPort int
	// RTCPPort локальный RTCP порт; если 0, берется AudioPort+1
	RTCPPort int
	// SSRC идентификатор источника; 0 - атрибут не выводится
	SSRC uint32
	// SessionName имя сессии в строке s=; по умолчанию "door_phone"
	SessionName string
}

// BuildOffer строит SDP offer для аудиоканала.
//
// Предлагаются кодеки G.711 (PCMU/PCMA) - единственные, которые
// понимают SIP стеки домофонов, ради которых существует этот пакет.
// Направление всегда sendrecv.
func BuildOffer(p OfferParams) (string, error) {
	if p.LocalAddress == "" {
		return "", fmt.Errorf("не задан локальный адрес")
	}
	if p.AudioPort <= 0 {
		return "", fmt.Errorf("невалидный аудио порт: %d", p.AudioPort)
	}

	rtcpPort := p.RTCPPort
	if rtcpPort == 0 {
		rtcpPort = p.AudioPort + 1
	}

	sessionName := p.SessionName
	if sessionName == "" {
		sessionName = "door_phone"
	}

	sessionID := randomSessionID()

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    addressType(p.LocalAddress),
			UnicastAddress: p.LocalAddress,
		},
		SessionName: sdp.SessionName(sessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType(p.LocalAddress),
			Address:     &sdp.Address{Address: p.LocalAddress},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: p.AudioPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{"0", "8"},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: "0 PCMU/8000"},
			{Key: "rtpmap", Value: "8 PCMA/8000"},
			{Key: "rtcp", Value: strconv.Itoa(rtcpPort)},
			{Key: "sendrecv"},
		},
	}
	if p.SSRC != 0 {
		audio.Attributes = append(audio.Attributes, sdp.Attribute{
			Key:   "ssrc",
			Value: strconv.FormatUint(uint64(p.SSRC), 10),
		})
	}
	desc.MediaDescriptions = append(desc.MediaDescriptions, audio)

	body, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации SDP: %w", err)
	}
	return string(body), nil
}

func addressType(addr string) string {
	if strings.Contains(addr, ":") {
		return "IP6"
	}
	return "IP4"
}

// randomSessionID генерирует случайный идентификатор сессии для o= строки
func randomSessionID() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	// старший бит сбрасывается, чтобы значение оставалось валидным
	// для реализаций, читающих его как int64
	return binary.BigEndian.Uint64(buf[:]) >> 1
}
