package transcode

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventCollector потокобезопасно копит события процесса
type eventCollector struct {
	mu     sync.Mutex
	events []Event
	exited chan Event
}

func newEventCollector() *eventCollector {
	return &eventCollector{exited: make(chan Event, 1)}
}

func (c *eventCollector) handle(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	if ev.Type == EventExited || ev.Type == EventSpawnFailed {
		c.exited <- ev
	}
}

func (c *eventCollector) lines(typ EventType) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev.Line)
		}
	}
	return out
}

func waitExit(t *testing.T, c *eventCollector) Event {
	t.Helper()
	select {
	case ev := <-c.exited:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("процесс не завершился за отведенное время")
		return Event{}
	}
}

// TestProcessOutputAndExit: строки вывода и событие завершения
func TestProcessOutputAndExit(t *testing.T) {
	c := newEventCollector()

	p, err := Start("sess-1", "/bin/sh", `-c "echo line1; echo line2; echo err >&2"`, c.handle)
	require.NoError(t, err)

	ev := waitExit(t, c)
	assert.Equal(t, EventExited, ev.Type)
	assert.Equal(t, 0, ev.ExitCode)
	assert.NoError(t, ev.Err)
	assert.Equal(t, "sess-1", ev.ProcessID)

	assert.Equal(t, []string{"line1", "line2"}, c.lines(EventStdout))
	assert.Equal(t, []string{"err"}, c.lines(EventStderr))

	// Stop после завершения - no-op
	p.Stop()
	p.Stop()
}

// TestSpawnFailureIsAsync: несуществующий бинарник не дает синхронной
// ошибки, а приходит событием
func TestSpawnFailureIsAsync(t *testing.T) {
	c := newEventCollector()

	p, err := Start("sess-2", "/nonexistent/transcoder", "-i foo", c.handle)
	require.NoError(t, err, "ошибка запуска должна приходить асинхронно")
	require.NotNil(t, p)

	ev := waitExit(t, c)
	assert.Equal(t, EventSpawnFailed, ev.Type)
	assert.Error(t, ev.Err)

	p.Stop() // безопасен после spawn failure
}

// TestAbnormalExit: ненулевой код выхода попадает в событие
func TestAbnormalExit(t *testing.T) {
	c := newEventCollector()

	_, err := Start("sess-3", "/bin/sh", `-c "exit 3"`, c.handle)
	require.NoError(t, err)

	ev := waitExit(t, c)
	assert.Equal(t, EventExited, ev.Type)
	assert.Equal(t, 3, ev.ExitCode)
	assert.Error(t, ev.Err)
}

// TestStopTerminatesProcess: Stop завершает долгоживущий процесс
func TestStopTerminatesProcess(t *testing.T) {
	c := newEventCollector()

	p, err := Start("sess-4", "/bin/sh", `-c "sleep 60"`, c.handle,
		WithStopGrace(500*time.Millisecond))
	require.NoError(t, err)

	// даем процессу запуститься
	time.Sleep(100 * time.Millisecond)
	p.Stop()

	ev := waitExit(t, c)
	assert.Equal(t, EventExited, ev.Type)
	assert.NotEqual(t, 0, ev.ExitCode)
}

// TestStopTerminatesProcessTree: Stop завершает и потомков процесса.
// Потомок, переживший лидера, удержал бы pipe'ы вывода открытыми и
// событие завершения никогда бы не пришло.
func TestStopTerminatesProcessTree(t *testing.T) {
	c := newEventCollector()

	// sh форкает sleep ребенком и ждет его
	p, err := Start("sess-tree", "/bin/sh", `-c "sleep 60 & wait"`, c.handle,
		WithStopGrace(500*time.Millisecond))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	p.Stop()

	ev := waitExit(t, c)
	assert.Equal(t, EventExited, ev.Type)
	assert.NotEqual(t, 0, ev.ExitCode)
}

// TestStdinFeed: SDP передается процессу через stdin
func TestStdinFeed(t *testing.T) {
	c := newEventCollector()

	p, err := Start("sess-5", "/bin/cat", "", c.handle)
	require.NoError(t, err)

	_, err = p.Stdin().Write([]byte("v=0\nm=audio 4000 RTP/AVP 0\n"))
	require.NoError(t, err)
	require.NoError(t, p.Stdin().Close())

	ev := waitExit(t, c)
	assert.Equal(t, 0, ev.ExitCode)
	assert.Equal(t, []string{"v=0", "m=audio 4000 RTP/AVP 0"}, c.lines(EventStdout))
}

// TestSplitArgs таблица разбора строки аргументов
func TestSplitArgs(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"-re -i input", []string{"-re", "-i", "input"}},
		{`-i "rtsp://cam/live stream" -an`, []string{"-i", "rtsp://cam/live stream", "-an"}},
		{`-metadata title='front door'`, []string{"-metadata", "title=front door"}},
		{`a  b\tc`, []string{"a", `b\tc`}},
		{`""`, []string{""}},
	}
	for _, tc := range cases {
		got, err := splitArgs(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := splitArgs(`-i "unclosed`)
	assert.Error(t, err)
}
