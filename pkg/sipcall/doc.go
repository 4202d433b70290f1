// Package sipcall реализует SIP сигнализацию аудиоканала камеры:
// одно постоянное соединение с настроенным сервером и транзакции
// INVITE / ACK / BYE поверх него.
//
// Менеджер (Manager) создается один раз на настроенный удаленный
// endpoint и владеет sipgo стеком (UA, клиент, сервер). Звонок (Call)
// существует в единственном экземпляре и переиспользуется между
// последовательными циклами invite/bye: при каждом Invite сбрасываются
// только Call-ID и счетчик CSeq, соединение остается прежним.
//
// Алгоритм транзакции:
//   - 1xx игнорируются (provisional);
//   - 2xx разрешает транзакцию; для INVITE дополнительно отправляется
//     ACK, построенный из ответа (Contact, Record-Route, CSeq ответа),
//     без повторной авторизации;
//   - 401/407 на первой попытке - digest ответ на challenge сервера
//     и ровно один повтор; второй 401/407 фатален;
//   - остальные статусы - *TransactionError.
//
// BYE отправляется по принципу best effort: его ошибки логируются и
// не распространяются, корректность разрыва не зависит от доставки BYE.
// Входящий BYE от удаленной стороны подтверждается ответом 200 и
// сообщается наверх колбэком; состояние звонка он сам по себе не меняет.
package sipcall
