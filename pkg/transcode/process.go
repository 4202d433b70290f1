package transcode

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// EventType тип события жизненного цикла процесса
type EventType int

const (
	// EventStdout строка стандартного вывода процесса
	EventStdout EventType = iota
	// EventStderr строка диагностического вывода процесса
	EventStderr
	// EventSpawnFailed процесс не удалось запустить
	EventSpawnFailed
	// EventExited процесс завершился (код выхода в ExitCode, при
	// аварийном завершении Err не nil)
	EventExited
)

// String возвращает строковое представление типа события
func (t EventType) String() string {
	switch t {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventSpawnFailed:
		return "spawn_failed"
	case EventExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Event событие жизненного цикла процесса транскодирования
type Event struct {
	// ProcessID идентификатор, переданный в Start
	ProcessID string
	// Type тип события
	Type EventType
	// Line строка вывода для EventStdout/EventStderr
	Line string
	// Err ошибка для EventSpawnFailed и аварийного EventExited
	Err error
	// ExitCode код выхода для EventExited; -1, если процесс убит сигналом
	ExitCode int
}

// EventHandler обработчик событий процесса.
//
// Вызывается из внутренних горутин процесса; обработчик не должен
// блокироваться надолго.
type EventHandler func(Event)

// defaultStopGrace время между SIGTERM и принудительным Kill
const defaultStopGrace = 3 * time.Second

// Process хэндл запущенного процесса транскодирования.
//
// Принадлежит ровно одной сессии просмотра и не разделяется.
type Process struct {
	id      string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	handler EventHandler
	logger  *slog.Logger
	grace   time.Duration

	// done закрывается после cmd.Wait
	done chan struct{}

	stopOnce sync.Once
	killTime *time.Timer
	mu       sync.Mutex
}

// Option настройка процесса
type Option func(*Process)

// WithStopGrace задает время ожидания мягкого завершения перед Kill
func WithStopGrace(d time.Duration) Option {
	return func(p *Process) { p.grace = d }
}

// WithLogger задает логгер процесса
func WithLogger(logger *slog.Logger) Option {
	return func(p *Process) { p.logger = logger }
}

// Start запускает внешний процесс с построенной строкой аргументов.
//
// Строка args разбивается по пробелам с учетом кавычек. Ошибка запуска
// не возвращается: она придет событием EventSpawnFailed, потому что для
// вызывающего кода запуск и падение процесса неразличимы по времени.
// Синхронно Start падает только на невалидных аргументах.
func Start(id, executable, args string, handler EventHandler, opts ...Option) (*Process, error) {
	if executable == "" {
		return nil, fmt.Errorf("не задан путь к исполняемому файлу")
	}
	if handler == nil {
		return nil, fmt.Errorf("не задан обработчик событий")
	}

	argv, err := splitArgs(args)
	if err != nil {
		return nil, fmt.Errorf("невалидная строка аргументов: %w", err)
	}

	p := &Process{
		id:      id,
		cmd:     exec.Command(executable, argv...),
		handler: handler,
		grace:   defaultStopGrace,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "transcode", "process_id", id)

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("не удалось создать stdin pipe: %w", err)
	}
	p.stdin = stdin

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("не удалось создать stdout pipe: %w", err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("не удалось создать stderr pipe: %w", err)
	}

	setupProcAttr(p.cmd)

	if err := p.cmd.Start(); err != nil {
		p.logger.Warn("не удалось запустить процесс", "executable", executable, "err", err)
		close(p.done)
		// асинхронно, по контракту пакета
		go handler(Event{ProcessID: id, Type: EventSpawnFailed, Err: err, ExitCode: -1})
		return p, nil
	}

	p.logger.Debug("процесс запущен", "executable", executable, "pid", p.cmd.Process.Pid)

	var scanners sync.WaitGroup
	scanners.Add(2)
	go p.scanLines(stdout, EventStdout, &scanners)
	go p.scanLines(stderr, EventStderr, &scanners)

	go func() {
		// вывод дочитывается до Wait, иначе pipe закроется под сканерами
		scanners.Wait()
		err := p.cmd.Wait()

		p.mu.Lock()
		if p.killTime != nil {
			p.killTime.Stop()
		}
		p.mu.Unlock()

		code := p.cmd.ProcessState.ExitCode()
		if err != nil {
			p.logger.Debug("процесс завершился с ошибкой", "code", code, "err", err)
		} else {
			p.logger.Debug("процесс завершился", "code", code)
		}
		close(p.done)
		handler(Event{ProcessID: id, Type: EventExited, Err: err, ExitCode: code})
	}()

	return p, nil
}

// scanLines читает вывод процесса построчно и отдает события обработчику
func (p *Process) scanLines(r io.Reader, typ EventType, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.handler(Event{ProcessID: p.id, Type: typ, Line: scanner.Text()})
	}
}

// ID возвращает идентификатор процесса
func (p *Process) ID() string {
	return p.id
}

// Stdin возвращает поток для передачи SDP описания процессу.
// После записи поток следует закрыть.
func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

// Done возвращает канал, закрываемый после завершения процесса
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stop запрашивает мягкое завершение процесса.
//
// Посылается SIGTERM; если процесс не завершился за отведенное время,
// он убивается принудительно. Повторные вызовы и вызовы после
// завершения процесса безопасны и ничего не делают.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		if p.cmd.Process == nil {
			return
		}

		_ = p.stdin.Close()

		if err := terminate(p.cmd); err != nil {
			p.logger.Debug("не удалось послать сигнал завершения", "err", err)
		}

		p.mu.Lock()
		p.killTime = time.AfterFunc(p.grace, func() {
			select {
			case <-p.done:
			default:
				p.logger.Warn("процесс не завершился мягко, убиваем группу")
				_ = kill(p.cmd)
			}
		})
		p.mu.Unlock()
	})
}

// splitArgs разбивает строку аргументов по пробелам с учетом одинарных
// и двойных кавычек
func splitArgs(s string) ([]string, error) {
	var (
		args    []string
		current []rune
		quote   rune
		have    bool
	)

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current = append(current, r)
			}
		case r == '\'' || r == '"':
			quote = r
			have = true
		case r == ' ' || r == '\t':
			if have || len(current) > 0 {
				args = append(args, string(current))
				current = current[:0]
				have = false
			}
		default:
			current = append(current, r)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("незакрытая кавычка %q", quote)
	}
	if have || len(current) > 0 {
		args = append(args, string(current))
	}
	return args, nil
}
