// Package transcode запускает внешние процессы транскодирования
// (ffmpeg и совместимые) и наблюдает за их жизненным циклом.
//
// Контракт пакета:
//   - Start возвращает хэндл процесса; ошибки запуска и завершения
//     сообщаются асинхронно через обработчик событий, а не синхронно -
//     процесс живет независимо от вызывающего кода;
//   - строки stdout/stderr отдаются наверх построчно; решение о том,
//     фатальна ли конкретная строка (например, ошибка bind при старте),
//     принимает владелец сессии, а не этот пакет;
//   - Stop запрашивает мягкое завершение (SIGTERM, затем Kill) и
//     безопасен при повторных вызовах и после выхода процесса;
//   - Stdin доступен для передачи SDP описания, когда процессу
//     оно нужно на входе.
package transcode
