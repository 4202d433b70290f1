package sipcall

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const uasAnswer = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=uas\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 40002 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

// fakeUAS скриптуемый SIP сервер для тестов менеджера
type fakeUAS struct {
	t    *testing.T
	port int

	onInvite func(req *sip.Request, tx sip.ServerTransaction)

	mu      sync.Mutex
	invites []*sip.Request
	byes    []*sip.Request
	acks    chan *sip.Request
}

func startFakeUAS(t *testing.T, ctx context.Context, onInvite func(u *fakeUAS, req *sip.Request, tx sip.ServerTransaction)) *fakeUAS {
	t.Helper()

	u := &fakeUAS{t: t, port: freeUDPPort(t), acks: make(chan *sip.Request, 4)}

	ua, err := sipgo.NewUA()
	require.NoError(t, err)
	srv, err := sipgo.NewServer(ua)
	require.NoError(t, err)

	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		u.mu.Lock()
		u.invites = append(u.invites, req)
		u.mu.Unlock()
		onInvite(u, req, tx)
	})
	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		u.acks <- req
	})
	srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		u.mu.Lock()
		u.byes = append(u.byes, req)
		u.mu.Unlock()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	})

	go func() {
		_ = srv.ListenAndServe(ctx, "udp", fmt.Sprintf("127.0.0.1:%d", u.port))
	}()
	// даем слушателю подняться
	time.Sleep(50 * time.Millisecond)

	return u
}

func (u *fakeUAS) inviteCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.invites)
}

func (u *fakeUAS) byeCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.byes)
}

// respondOK отвечает 200 с SDP answer и тегом удаленной стороны
func respondOK(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", []byte(uasAnswer))
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.HeaderParams{}
		}
		to.Params["tag"] = "uas-tag"
	}
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	_ = tx.Respond(res)
}

func startManager(t *testing.T, ctx context.Context, uasPort int, mutate func(*Config)) *Manager {
	t.Helper()

	cfg := &Config{
		ServerURI: fmt.Sprintf("sip:camera@127.0.0.1:%d", uasPort),
		Username:  "viewer",
		Password:  "secret",
		LocalHost: "127.0.0.1",
		LocalPort: freeUDPPort(t),
		UserAgent: "door_phone-test/1.0",
		TxTimeout: 3 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	m, err := NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	t.Cleanup(m.Destroy)
	return m
}

// TestInviteSuccess: INVITE -> 100 -> 200 -> ACK, answer разобран
func TestInviteSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uas := startFakeUAS(t, ctx, func(u *fakeUAS, req *sip.Request, tx sip.ServerTransaction) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil))
		respondOK(req, tx)
	})
	m := startManager(t, ctx, uas.port, nil)
	call := m.Call()

	offer := "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=o\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 50000 RTP/AVP 0\r\n"
	answer, err := call.Invite(ctx, offer)
	require.NoError(t, err)

	md, err := answer.ExtractMediaDescription("audio")
	require.NoError(t, err)
	assert.Equal(t, 40002, md.Port)
	assert.Equal(t, StateActive, call.State())

	select {
	case ack := <-uas.acks:
		assert.Equal(t, sip.ACK, ack.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("UAS не получил ACK")
	}
}

// TestDigestRetry: 401 -> повтор с Authorization -> 200; ровно один повтор
func TestDigestRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var authorized atomic.Bool
	uas := startFakeUAS(t, ctx, func(u *fakeUAS, req *sip.Request, tx sip.ServerTransaction) {
		if req.GetHeader("Authorization") == nil {
			res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
			res.AppendHeader(sip.NewHeader("WWW-Authenticate",
				`Digest realm="door", nonce="abc123", algorithm=MD5, qop="auth"`))
			_ = tx.Respond(res)
			return
		}
		authorized.Store(true)
		respondOK(req, tx)
	})
	m := startManager(t, ctx, uas.port, nil)

	offer := "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=o\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 50000 RTP/AVP 0\r\n"
	answer, err := m.Call().Invite(ctx, offer)
	require.NoError(t, err)
	require.NotNil(t, answer)

	assert.True(t, authorized.Load(), "повтор должен нести Authorization")
	assert.Equal(t, 2, uas.inviteCount(), "ровно одна повторная попытка")
}

// TestDigestRetryRejected: два 401 подряд - терминальная ошибка,
// третьей попытки нет
func TestDigestRetryRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uas := startFakeUAS(t, ctx, func(u *fakeUAS, req *sip.Request, tx sip.ServerTransaction) {
		res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate",
			`Digest realm="door", nonce="abc123", algorithm=MD5, qop="auth"`))
		_ = tx.Respond(res)
	})
	m := startManager(t, ctx, uas.port, nil)

	offer := "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=o\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 50000 RTP/AVP 0\r\n"
	_, err := m.Call().Invite(ctx, offer)
	require.Error(t, err)

	var te *TransactionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 401, te.Status)
	assert.Equal(t, 2, uas.inviteCount(), "третья попытка запрещена")
}

// TestTransactionFailed: 486 - TransactionError, звонок возвращается
// в idle и пригоден для следующего INVITE с новым Call-ID
func TestTransactionFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reject atomic.Bool
	reject.Store(true)
	uas := startFakeUAS(t, ctx, func(u *fakeUAS, req *sip.Request, tx sip.ServerTransaction) {
		if reject.Load() {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 486, "Busy Here", nil))
			return
		}
		respondOK(req, tx)
	})
	m := startManager(t, ctx, uas.port, nil)
	call := m.Call()

	offer := "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=o\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 50000 RTP/AVP 0\r\n"
	_, err := call.Invite(ctx, offer)
	require.Error(t, err)
	assert.True(t, IsTransactionFailed(err))

	var te *TransactionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 486, te.Status)
	assert.Equal(t, "Busy Here", te.Reason)
	assert.Equal(t, StateIdle, call.State())

	firstCallID := call.CallID()

	reject.Store(false)
	_, err = call.Invite(ctx, offer)
	require.NoError(t, err, "звонок переиспользуется после отказа")
	assert.NotEqual(t, firstCallID, call.CallID(),
		"каждый INVITE получает новый Call-ID")
}

// TestCSeqMonotonicWithinCall: CSeq строго растет внутри цикла и
// сбрасывается только на границе Invite
func TestCSeqMonotonicWithinCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uas := startFakeUAS(t, ctx, func(u *fakeUAS, req *sip.Request, tx sip.ServerTransaction) {
		respondOK(req, tx)
	})
	m := startManager(t, ctx, uas.port, nil)
	call := m.Call()

	offer := "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=o\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 50000 RTP/AVP 0\r\n"
	_, err := call.Invite(ctx, offer)
	require.NoError(t, err)
	afterInvite := call.CSeq()

	call.SendBye(ctx)
	afterBye := call.CSeq()
	assert.Greater(t, afterBye, afterInvite, "BYE увеличивает CSeq")

	_, err = call.Invite(ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), call.CSeq(), "новый цикл начинает счет заново")
}

// TestByeBestEffort: ошибка BYE не распространяется, второй BYE
// в рамках цикла не отправляется
func TestByeBestEffort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uas := startFakeUAS(t, ctx, func(u *fakeUAS, req *sip.Request, tx sip.ServerTransaction) {
		respondOK(req, tx)
	})
	m := startManager(t, ctx, uas.port, nil)
	call := m.Call()

	offer := "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=o\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 50000 RTP/AVP 0\r\n"
	_, err := call.Invite(ctx, offer)
	require.NoError(t, err)

	call.SendBye(ctx)
	call.SendBye(ctx)

	require.Eventually(t, func() bool { return uas.byeCount() >= 1 },
		2*time.Second, 50*time.Millisecond)
	assert.Equal(t, 1, uas.byeCount(), "ровно один BYE на успешный INVITE")
	assert.Equal(t, StateIdle, call.State())
}

// TestDestroyedCallRejectsOperations: операции после Destroy
// немедленно падают с CallDestroyed
func TestDestroyedCallRejectsOperations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uas := startFakeUAS(t, ctx, func(u *fakeUAS, req *sip.Request, tx sip.ServerTransaction) {
		respondOK(req, tx)
	})
	m := startManager(t, ctx, uas.port, nil)
	call := m.Call()

	call.Destroy()
	call.Destroy() // идемпотентен

	_, err := call.Invite(ctx, "v=0\r\n")
	require.Error(t, err)
	assert.True(t, IsCallDestroyed(err))
	assert.Equal(t, StateDestroyed, call.State())

	// SendBye после Destroy - no-op без паники
	call.SendBye(ctx)
	assert.Zero(t, uas.byeCount())
}

// TestRemoteByeAcknowledged: входящий BYE получает 200 и колбэк
func TestRemoteByeAcknowledged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remoteBye := make(chan string, 1)
	uas := startFakeUAS(t, ctx, func(u *fakeUAS, req *sip.Request, tx sip.ServerTransaction) {
		respondOK(req, tx)
	})
	m := startManager(t, ctx, uas.port, func(cfg *Config) {
		cfg.OnRemoteBye = func(callID string) { remoteBye <- callID }
	})

	// удаленная сторона шлет BYE на наш слушатель
	ua, err := sipgo.NewUA()
	require.NoError(t, err)
	client, err := sipgo.NewClient(ua)
	require.NoError(t, err)

	target := sip.Uri{Scheme: "sip", User: "door_phone", Host: "127.0.0.1", Port: m.cfg.LocalPort}
	bye := sip.NewRequest(sip.BYE, target)
	bye.AppendHeader(sip.NewHeader("Call-ID", "remote-call-1"))
	bye.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "camera", Host: "127.0.0.1"},
		Params:  sip.HeaderParams{"tag": "r1"},
	})
	bye.AppendHeader(&sip.ToHeader{Address: target, Params: sip.HeaderParams{"tag": "l1"}})
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.BYE})
	bye.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	tx, err := client.TransactionRequest(ctx, bye)
	require.NoError(t, err)
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		assert.EqualValues(t, 200, res.StatusCode, "входящий BYE подтверждается 200")
	case <-time.After(2 * time.Second):
		t.Fatal("нет ответа на BYE")
	}

	select {
	case callID := <-remoteBye:
		assert.Equal(t, "remote-call-1", callID)
	case <-time.After(2 * time.Second):
		t.Fatal("колбэк OnRemoteBye не вызван")
	}
}

// TestTransportFromScheme таблица выбора транспорта по URI
func TestTransportFromScheme(t *testing.T) {
	cases := []struct {
		uri  string
		want Transport
	}{
		{"sip:cam@host", TransportUDP},
		{"sip:cam@host;transport=tcp", TransportTCP},
		{"sip:cam@host;transport=tls", TransportTLS},
		{"sips:cam@host", TransportTLS},
		{"ws:cam@host", TransportWS},
		{"wss:cam@host", TransportTLS},
		{"sip:cam@host;transport=ws", TransportWS},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, transportFromScheme(tc.uri), tc.uri)
	}
}
