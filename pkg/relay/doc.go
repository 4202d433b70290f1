// Package relay пересылает RTP/RTCP датаграммы между локальным
// транскодером и удаленной стороной, согласованной через SIP.
//
// Relay биндит локальные порты аудио и RTCP и гоняет датаграммы в обе
// стороны без изменений: пакеты от удаленной стороны уходят на локальные
// целевые порты (вход транскодера), пакеты от транскодера - на удаленный
// адрес. Переписываются только адреса, полезная нагрузка не трогается.
//
// Для диагностики relay заглядывает в заголовок RTP пакетов
// (pion/rtp) и ведет счетчики по направлениям; на пересылку это
// не влияет.
package relay
