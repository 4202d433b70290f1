package sipcall

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/arzzra/door_phone/pkg/sdp"
)

// Состояния звонка
const (
	// StateIdle звонок не активен, можно отправлять INVITE
	StateIdle = "idle"
	// StateInviting отправлен INVITE, ожидается финальный ответ
	StateInviting = "inviting"
	// StateActive получен 2xx и отправлен ACK, звонок установлен
	StateActive = "active"
	// StateDestroyed звонок уничтожен, операции запрещены
	StateDestroyed = "destroyed"
)

// Call единственный звонок менеджера на настроенный удаленный endpoint.
//
// Переиспользуется между циклами invite/bye: при каждом Invite
// сбрасываются Call-ID и счетчик CSeq, остальное состояние
// (соединение, адресация) сохраняется. Счетчик CSeq внутри одного
// цикла строго растет и не повторяется.
//
// Перекрывающиеся транзакции на одном звонке не поддерживаются:
// Invite и SendBye сериализованы мьютексом, следующая транзакция
// отправляется после разрешения предыдущей. Destroy при этом можно
// звать в любой момент, в том числе пока транзакция ждет ответа.
type Call struct {
	mgr *Manager

	sm *fsm.FSM

	// txMu сериализует транзакции звонка
	txMu sync.Mutex

	// mu защищает идентификаторы и адресацию
	mu           sync.Mutex
	callID       string
	localTag     string
	remoteTag    string
	cseq         uint32
	remoteTarget sip.Uri
	routeSet     []sip.RouteHeader
	byeSent      bool

	createdAt    time.Time
	lastActivity time.Time

	// destroyedCh закрывается при Destroy; ожидания ответов слушают его
	destroyedCh chan struct{}
	destroyOnce sync.Once
}

// newCall создает звонок в состоянии idle
func newCall(m *Manager) *Call {
	c := &Call{
		mgr:         m,
		createdAt:   time.Now(),
		destroyedCh: make(chan struct{}),
	}
	c.sm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "invite", Src: []string{StateIdle}, Dst: StateInviting},
			{Name: "established", Src: []string{StateInviting}, Dst: StateActive},
			{Name: "fail", Src: []string{StateInviting}, Dst: StateIdle},
			{Name: "bye", Src: []string{StateActive}, Dst: StateIdle},
			{Name: "destroy", Src: []string{StateIdle, StateInviting, StateActive}, Dst: StateDestroyed},
		},
		nil,
	)
	return c
}

// State возвращает текущее состояние звонка
func (c *Call) State() string {
	return c.sm.Current()
}

// CallID возвращает идентификатор текущего цикла звонка
func (c *Call) CallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID
}

// CSeq возвращает текущее значение счетчика последовательности
func (c *Call) CSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cseq
}

// nextCSeq выдает следующий номер последовательности.
// Внутри одного цикла звонка номера строго растут.
func (c *Call) nextCSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cseq++
	return c.cseq
}

// Invite отправляет INVITE с переданным SDP offer и возвращает
// разобранный SDP answer удаленной стороны.
//
// На каждый вызов генерируется новый Call-ID и сбрасывается CSeq:
// соединение переиспользуется, корреляционные идентификаторы - нет.
func (c *Call) Invite(ctx context.Context, offer string) (*sdp.Session, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	if c.destroyed() {
		return nil, newCallError(ErrorCodeCallDestroyed, "INVITE после уничтожения", c.CallID(), nil)
	}
	if err := c.sm.Event(context.Background(), "invite"); err != nil {
		return nil, newCallError(ErrorCodeInvalidState,
			fmt.Sprintf("INVITE недопустим в состоянии %s", c.State()), c.CallID(), err)
	}

	// новый цикл: свежие корреляционные идентификаторы
	c.mu.Lock()
	c.callID = generateID(16)
	c.localTag = generateID(8)
	c.remoteTag = ""
	c.cseq = 0
	c.remoteTarget = sip.Uri{}
	c.routeSet = nil
	c.byeSent = false
	c.lastActivity = time.Now()
	callID := c.callID
	c.mu.Unlock()

	req := c.buildRequest(sip.INVITE, c.mgr.remoteURI, c.nextCSeq())
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(offer))

	res, err := c.transact(ctx, req, true)
	if err != nil {
		_ = c.sm.Event(context.Background(), "fail")
		return nil, err
	}

	// запоминаем адресацию диалога из ответа, а не из запроса
	c.rememberDialog(res)

	// ACK на 2xx строится из ответа и не проходит авторизацию повторно
	if err := c.sendAck(res); err != nil {
		c.mgr.logger.Warn("не удалось отправить ACK", "call_id", callID, "err", err)
	}

	answer, err := sdp.Parse(string(res.Body()))
	if err != nil {
		// звонок установлен, но без разборного SDP он бесполезен;
		// владелец решит, отправлять ли BYE
		_ = c.sm.Event(context.Background(), "established")
		return nil, err
	}

	_ = c.sm.Event(context.Background(), "established")
	c.mgr.logger.Info("звонок установлен", "call_id", callID)
	return answer, nil
}

// SendBye завершает установленный звонок запросом BYE.
//
// BYE отправляется по принципу best effort: любые ошибки логируются,
// звонок в любом случае считается завершенным. Повторный SendBye в
// рамках одного цикла не отправляет второй BYE.
func (c *Call) SendBye(ctx context.Context) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	if c.destroyed() {
		return
	}

	c.mu.Lock()
	alreadySent := c.byeSent
	c.byeSent = true
	callID := c.callID
	target := c.remoteTarget
	routes := c.routeSet
	c.mu.Unlock()

	if alreadySent {
		return
	}

	if target.Host == "" {
		// диалог не установился (INVITE не дошел до 2xx) - BYE шлется
		// на настроенный endpoint как вежливое уведомление
		target = c.mgr.remoteURI
	}

	req := c.buildRequest(sip.BYE, target, c.nextCSeq())
	for _, route := range routes {
		r := route
		req.AppendHeader(&r)
	}

	if _, err := c.transact(ctx, req, true); err != nil {
		c.mgr.logger.Warn("BYE не доставлен", "call_id", callID, "err", err)
	} else {
		c.mgr.logger.Info("звонок завершен", "call_id", callID)
	}

	// независимо от судьбы BYE звонок завершен
	if c.sm.Is(StateActive) {
		_ = c.sm.Event(context.Background(), "bye")
	}
}

// Destroy переводит звонок в терминальное состояние.
//
// Безопасен в любой момент, в том числе пока Invite ждет ответа:
// ожидание прервется ошибкой CallDestroyed. Идемпотентен.
func (c *Call) Destroy() {
	c.destroyOnce.Do(func() {
		if !c.sm.Is(StateDestroyed) {
			_ = c.sm.Event(context.Background(), "destroy")
		}
		close(c.destroyedCh)
		c.mgr.logger.Debug("звонок уничтожен", "call_id", c.CallID())
	})
}

func (c *Call) destroyed() bool {
	select {
	case <-c.destroyedCh:
		return true
	default:
		return false
	}
}

// buildRequest строит запрос с обязательными заголовками диалога
func (c *Call) buildRequest(method sip.RequestMethod, recipient sip.Uri, cseq uint32) *sip.Request {
	c.mu.Lock()
	callID := c.callID
	localTag := c.localTag
	remoteTag := c.remoteTag
	c.mu.Unlock()

	req := sip.NewRequest(method, recipient)
	req.SetTransport(transportUpper(c.mgr.transport))

	req.AppendHeader(sip.NewHeader("Call-ID", callID))

	from := &sip.FromHeader{
		Address: c.mgr.contact.Address,
		Params:  sip.HeaderParams{"tag": localTag},
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: c.mgr.remoteURI,
		Params:  sip.HeaderParams{},
	}
	if remoteTag != "" {
		to.Params["tag"] = remoteTag
	}
	req.AppendHeader(to)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	contact := c.mgr.contact
	req.AppendHeader(&contact)
	if c.mgr.cfg.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", c.mgr.cfg.UserAgent))
	}

	return req
}

// transact выполняет транзакцию: отправляет запрос и интерпретирует
// ответы согласно алгоритму пакета (см. doc.go).
//
// allowAuthRetry разрешает ровно один повтор по 401/407; повторный
// запрос строится заново с digest заголовком и новым CSeq.
func (c *Call) transact(ctx context.Context, req *sip.Request, allowAuthRetry bool) (*sip.Response, error) {
	callID := c.CallID()

	ctx, cancel := context.WithTimeout(ctx, c.mgr.txTimeout())
	defer cancel()

	tx, err := c.mgr.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, newCallError(ErrorCodeTransport,
			fmt.Sprintf("не удалось отправить %s", req.Method), callID, err)
	}
	defer tx.Terminate()

	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, newCallError(ErrorCodeTransport,
					"транзакция завершилась без финального ответа", callID, nil)
			}

			switch {
			case res.StatusCode < 200:
				// provisional, продолжаем ждать
				c.mgr.logger.Debug("промежуточный ответ",
					"call_id", callID, "status", res.StatusCode)
				continue

			case res.StatusCode < 300:
				return res, nil

			case (res.StatusCode == 401 || res.StatusCode == 407) && allowAuthRetry:
				retry, err := c.withAuthorization(req, res)
				if err != nil {
					return nil, err
				}
				c.mgr.logger.Debug("повтор транзакции с авторизацией",
					"call_id", callID, "status", res.StatusCode)
				return c.transact(ctx, retry, false)

			default:
				return nil, &TransactionError{
					Status: int(res.StatusCode),
					Reason: res.Reason,
					CallID: callID,
				}
			}

		case <-c.destroyedCh:
			// ответ, пришедший после уничтожения, отбрасывается
			return nil, newCallError(ErrorCodeCallDestroyed,
				"звонок уничтожен во время транзакции", callID, nil)

		case <-ctx.Done():
			return nil, newCallError(ErrorCodeCanceled,
				fmt.Sprintf("ожидание ответа на %s прервано", req.Method), callID, ctx.Err())
		}
	}
}

// rememberDialog сохраняет адресацию диалога из 2xx ответа:
// remote target из Contact, route set из Record-Route (в обратном
// порядке), remote tag из To
func (c *Call) rememberDialog(res *sip.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if contact := res.Contact(); contact != nil {
		c.remoteTarget = contact.Address
	}

	// route set для UAC строится из Record-Route в обратном порядке
	c.routeSet = nil
	rrs := res.GetHeaders("Record-Route")
	for i := len(rrs) - 1; i >= 0; i-- {
		if uri := parseHeaderURI(rrs[i].Value()); uri != nil {
			c.routeSet = append(c.routeSet, sip.RouteHeader{Address: *uri})
		}
	}

	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
	}

	c.lastActivity = time.Now()
}

// sendAck отправляет ACK на 2xx ответ.
//
// Целевой URI, маршрутные заголовки и номер последовательности берутся
// из ответа, а не из исходного запроса; авторизация не повторяется.
func (c *Call) sendAck(res *sip.Response) error {
	c.mu.Lock()
	target := c.remoteTarget
	routes := c.routeSet
	c.mu.Unlock()

	if target.Host == "" {
		target = c.mgr.remoteURI
	}

	cseqNo := uint32(0)
	if cseqHdr := res.CSeq(); cseqHdr != nil {
		cseqNo = cseqHdr.SeqNo
	}

	ack := c.buildRequest(sip.ACK, target, cseqNo)
	for _, route := range routes {
		r := route
		ack.AppendHeader(&r)
	}

	return c.mgr.client.WriteRequest(ack, sipgo.ClientRequestAddVia)
}

// parseHeaderURI извлекает URI из значения заголовка вида
// "<sip:proxy;lr>" либо "sip:proxy"
func parseHeaderURI(value string) *sip.Uri {
	if i := strings.IndexByte(value, '<'); i >= 0 {
		if j := strings.IndexByte(value[i:], '>'); j > 0 {
			value = value[i+1 : i+j]
		}
	}
	var uri sip.Uri
	if err := sip.ParseUri(value, &uri); err != nil {
		return nil
	}
	return &uri
}

func transportUpper(t Transport) string {
	switch t {
	case TransportTCP:
		return "TCP"
	case TransportTLS:
		return "TLS"
	case TransportWS:
		return "WS"
	default:
		return "UDP"
	}
}

// generateID возвращает криптографически случайный hex идентификатор
func generateID(bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		// деградация до временной метки; rand.Read на практике не падает
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
