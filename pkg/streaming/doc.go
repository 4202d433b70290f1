// Package streaming координирует сессии просмотра камеры: верхний
// уровень конвейера двусторонней аудиосвязи.
//
// Контроллер управляет жизненным циклом каждой сессии
// (pending -> active -> stopped) и связывает нижележащие компоненты:
//   - ports: резервирование наборов UDP портов на сессию;
//   - sipcall: переговоры аудиоканала с SIP endpoint'ом камеры;
//   - relay: мост между согласованным удаленным адресом и локальным
//     транскодером;
//   - transcode: внешние процессы кодирования/декодирования.
//
// Ошибки этапа подготовки (исчерпание портов, неизвестная сессия)
// возвращаются вызывающему синхронно. Ошибки во время стрима (выход
// процесса, ошибка сокета, таймаут неактивности) приводят к
// принудительному разбору только этой сессии и сообщаются асинхронно
// через канал событий. Разбор сессии состоит из четырех независимых
// шагов; ошибка любого из них логируется и не мешает остальным.
//
// Отказ SIP переговоров не фатален: сессия продолжается без
// двустороннего звука, видео и односторонний звук не блокируются.
package streaming
