package sipcall

import (
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// withAuthorization строит повторный запрос с digest ответом на
// challenge из 401/407.
//
// Имя заголовка зависит от области challenge: 401 отвечается через
// Authorization, 407 - через Proxy-Authorization. Повторный запрос
// получает новый CSeq (счетчик внутри звонка не повторяется), остальные
// заголовки и тело совпадают с исходным запросом.
func (c *Call) withAuthorization(req *sip.Request, res *sip.Response) (*sip.Request, error) {
	challengeHeader := "WWW-Authenticate"
	credentialsHeader := "Authorization"
	if res.StatusCode == 407 {
		challengeHeader = "Proxy-Authenticate"
		credentialsHeader = "Proxy-Authorization"
	}

	h := res.GetHeader(challengeHeader)
	if h == nil {
		return nil, newCallError(ErrorCodeAuthChallenge,
			"в ответе нет заголовка "+challengeHeader, c.CallID(), nil)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, newCallError(ErrorCodeAuthChallenge,
			"невалидный challenge", c.CallID(), err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: c.mgr.cfg.Username,
		Password: c.mgr.cfg.Password,
	})
	if err != nil {
		return nil, newCallError(ErrorCodeAuthChallenge,
			"не удалось вычислить digest ответ", c.CallID(), err)
	}

	retry := c.buildRequest(req.Method, req.Recipient, c.nextCSeq())
	if ct := req.GetHeader("Content-Type"); ct != nil {
		retry.AppendHeader(sip.NewHeader("Content-Type", ct.Value()))
	}
	for _, route := range req.GetHeaders("Route") {
		retry.AppendHeader(sip.NewHeader("Route", route.Value()))
	}
	if body := req.Body(); len(body) > 0 {
		retry.SetBody(body)
	}
	retry.AppendHeader(sip.NewHeader(credentialsHeader, cred.String()))

	return retry, nil
}
