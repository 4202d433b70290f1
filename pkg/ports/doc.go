// Package ports выделяет непересекающиеся наборы UDP портов для
// сессий просмотра.
//
// Каждая сессия получает упорядоченный набор портов (пары RTP/RTCP,
// RTP порт всегда четный): видео-возврат, аудио-возврат и, при
// включенной двусторонней связи, порты SIP ног. Набор действителен
// до вызова Release; освобождение выполняется ровно один раз.
//
// Свободность порта проверяется пробным bind'ом: порт биндится и тут же
// освобождается. Между пробой и реальным bind'ом потребителя порт
// теоретически может занять другой процесс; от повторной выдачи тем же
// аллокатором защищает множество занятых портов под мьютексом.
package ports
