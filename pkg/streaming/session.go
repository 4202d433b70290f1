package streaming

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/door_phone/pkg/ports"
	"github.com/arzzra/door_phone/pkg/relay"
	"github.com/arzzra/door_phone/pkg/sdp"
	"github.com/arzzra/door_phone/pkg/transcode"
)

// Состояния сессии просмотра
const (
	// SessionPending сессия подготовлена, стрим не запущен
	SessionPending = "pending"
	// SessionActive стрим запущен
	SessionActive = "active"
	// SessionStopped терминальное состояние, ресурсы освобождены
	SessionStopped = "stopped"
)

// Session состояние одной сессии просмотра.
//
// Все ресурсы сессии (порты, relay, процессы, таймер) принадлежат
// только ей и освобождаются в teardown ровно один раз.
type Session struct {
	id     string
	family ports.Family

	sm *fsm.FSM

	// параметры зрителя из Prepare
	targetAddress string
	videoPort     int
	audioPort     int
	videoCrypto   SRTPParams
	audioCrypto   SRTPParams

	// выбранные локальные параметры
	portSet   *ports.PortSet
	videoSSRC uint32
	audioSSRC uint32
	sipSSRC   uint32

	// согласованная SIP нога; sipActive false - сессия односторонняя
	sipActive  bool
	sipCallID  string
	sipRemote  *sdp.MediaDescription
	audioRelay *relay.Relay

	// процессы транскодирования
	mainProc   *transcode.Process
	returnProc *transcode.Process

	// наблюдение за активностью зрителя
	liveness   *net.UDPConn
	inactivity *time.Timer

	teardownOnce sync.Once
	mu           sync.Mutex
}

func newSession(req *PrepareRequest) *Session {
	s := &Session{
		id:            req.SessionID,
		family:        req.Family,
		targetAddress: req.TargetAddress,
		videoPort:     req.VideoPort,
		audioPort:     req.AudioPort,
		videoCrypto:   req.VideoCrypto,
		audioCrypto:   req.AudioCrypto,
		videoSSRC:     generateSSRC(),
		audioSSRC:     generateSSRC(),
		sipSSRC:       generateSSRC(),
	}
	s.sm = fsm.NewFSM(
		SessionPending,
		fsm.Events{
			{Name: "start", Src: []string{SessionPending}, Dst: SessionActive},
			{Name: "stop", Src: []string{SessionPending, SessionActive}, Dst: SessionStopped},
		},
		nil,
	)
	return s
}

// ID возвращает идентификатор сессии
func (s *Session) ID() string {
	return s.id
}

// State возвращает текущее состояние сессии
func (s *Session) State() string {
	return s.sm.Current()
}

// videoReturnPort порт приема обратного видео трафика зрителя
func (s *Session) videoReturnPort() int {
	return s.portSet.At(ports.IdxVideo)
}

// audioReturnPort порт приема обратного аудио трафика зрителя
func (s *Session) audioReturnPort() int {
	return s.portSet.At(ports.IdxAudio)
}

// resetInactivity перевзводит таймер неактивности
func (s *Session) resetInactivity(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inactivity != nil {
		s.inactivity.Reset(d)
	}
}

// buildMainArgs строит аргументы основного процесса транскодирования:
// вход с камеры, два SRTP выхода на адрес зрителя.
func buildMainArgs(source string, s *Session, req *StartRequest) string {
	videoCodec := req.VideoCodec
	if videoCodec == "" {
		videoCodec = "libx264"
	}
	audioCodec := req.AudioCodec
	if audioCodec == "" {
		audioCodec = "libfdk_aac"
	}
	frameRate := req.FrameRate
	if frameRate == 0 {
		frameRate = 30
	}
	videoBitrate := req.VideoBitrate
	if videoBitrate == 0 {
		videoBitrate = 300
	}
	audioBitrate := req.AudioBitrate
	if audioBitrate == 0 {
		audioBitrate = 24
	}
	sampleRate := req.SampleRate
	if sampleRate == 0 {
		sampleRate = 16
	}

	var b strings.Builder
	b.WriteString("-hide_banner -loglevel warning")
	b.WriteString(" -re -i ")
	b.WriteString(quoteArg(source))

	// видео нога
	fmt.Fprintf(&b, " -map 0:v -an -sn -dn -vcodec %s -pix_fmt yuv420p -r %d",
		videoCodec, frameRate)
	if req.Width > 0 && req.Height > 0 {
		fmt.Fprintf(&b, " -vf scale=%d:%d", req.Width, req.Height)
	}
	fmt.Fprintf(&b, " -b:v %dk -bufsize %dk -maxrate %dk",
		videoBitrate, 2*videoBitrate, videoBitrate)
	fmt.Fprintf(&b, " -payload_type 99 -ssrc %d -f rtp", s.videoSSRC)
	fmt.Fprintf(&b, " -srtp_out_suite %s -srtp_out_params %s",
		s.videoCrypto.Suite, srtpKey(s.videoCrypto))
	fmt.Fprintf(&b, " srtp://%s:%d?rtcpport=%d&pkt_size=1316",
		s.targetAddress, s.videoPort, s.videoPort)

	// аудио нога
	fmt.Fprintf(&b, " -map 0:a -vn -sn -dn -acodec %s -b:a %dk -ar %dk -ac 1",
		audioCodec, audioBitrate, sampleRate)
	fmt.Fprintf(&b, " -payload_type 110 -ssrc %d -f rtp", s.audioSSRC)
	fmt.Fprintf(&b, " -srtp_out_suite %s -srtp_out_params %s",
		s.audioCrypto.Suite, srtpKey(s.audioCrypto))
	fmt.Fprintf(&b, " srtp://%s:%d?rtcpport=%d&pkt_size=188",
		s.targetAddress, s.audioPort, s.audioPort)

	return b.String()
}

// buildReturnArgs строит аргументы процесса обратного звука:
// вход - SDP описание через stdin, выход - G.711 RTP на локальный
// порт relay, откуда пакеты уходят удаленной SIP стороне.
func buildReturnArgs(s *Session) string {
	var b strings.Builder
	b.WriteString("-hide_banner -loglevel warning")
	b.WriteString(" -protocol_whitelist pipe,udp,rtp,file,crypto")
	b.WriteString(" -f sdp -i pipe:0")
	b.WriteString(" -map 0:a -acodec pcm_mulaw -ar 8000 -ac 1 -f rtp")
	fmt.Fprintf(&b, " rtp://127.0.0.1:%d?rtcpport=%d",
		s.portSet.At(ports.IdxSIPAudio), s.portSet.At(ports.IdxSIPAudioRTCP))
	return b.String()
}

// buildReturnSDP строит SDP описание обратного аудио потока зрителя
// для подачи процессу обратного звука через stdin
func buildReturnSDP(localAddress string, s *Session, req *StartRequest) string {
	sampleRate := req.SampleRate
	if sampleRate == 0 {
		sampleRate = 16
	}

	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=- 0 0 IN IP4 127.0.0.1\r\n")
	b.WriteString("s=door_phone_return\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", localAddress)
	b.WriteString("t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP 110\r\n", s.audioReturnPort())
	fmt.Fprintf(&b, "a=rtpmap:110 MPEG4-GENERIC/%d000/1\r\n", sampleRate)
	b.WriteString("a=fmtp:110 profile-level-id=1;mode=AAC-hbr;sizelength=13;indexlength=3;indexdeltalength=3\r\n")
	fmt.Fprintf(&b, "a=crypto:1 %s inline:%s\r\n", s.audioCrypto.Suite, srtpKey(s.audioCrypto))
	return b.String()
}

// srtpKey кодирует ключ и соль в base64 для srtp_out_params / a=crypto
func srtpKey(p SRTPParams) string {
	material := make([]byte, 0, len(p.Key)+len(p.Salt))
	material = append(material, p.Key...)
	material = append(material, p.Salt...)
	return base64.StdEncoding.EncodeToString(material)
}

// quoteArg берет аргумент в кавычки, если в нем есть пробелы
func quoteArg(s string) string {
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}

// generateSSRC возвращает случайный ненулевой SSRC
func generateSSRC() uint32 {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return uint32(time.Now().UnixNano()) | 1
		}
		if v := binary.BigEndian.Uint32(buf[:]); v != 0 {
			return v
		}
	}
}
