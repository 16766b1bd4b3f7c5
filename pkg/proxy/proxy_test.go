package proxy

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hangar/pkg/storage"
	"github.com/cuemby/hangar/pkg/sysproc"
	"github.com/cuemby/hangar/pkg/types"
)

type stubProc struct {
	pid    int
	mu     sync.Mutex
	killed bool
}

func (p *stubProc) PID() int         { return p.pid }
func (p *stubProc) Terminate() error { return p.Kill() }
func (p *stubProc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

type stubLauncher struct {
	mu       sync.Mutex
	next     int
	launches int
	attached []int
}

func (l *stubLauncher) Launch(spec sysproc.Spec) (sysproc.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.launches++
	return &stubProc{pid: 2000 + l.next}, nil
}

func (l *stubLauncher) Attach(pid int) (sysproc.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attached = append(l.attached, pid)
	return &stubProc{pid: pid}, nil
}

func (l *stubLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

type stubInspector struct {
	mu       sync.Mutex
	dead     map[int]bool
	cmdlines map[int][]string
}

func newStubInspector() *stubInspector {
	return &stubInspector{dead: map[int]bool{}, cmdlines: map[int][]string{}}
}

func (i *stubInspector) kill(pid int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.dead[pid] = true
}

func (i *stubInspector) Status(pid int) (sysproc.State, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.dead[pid] {
		return sysproc.StateGone, nil
	}
	return sysproc.StateRunning, nil
}

func (i *stubInspector) Cmdline(pid int) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	c, ok := i.cmdlines[pid]
	if !ok {
		return nil, sysproc.ErrNotFound
	}
	return c, nil
}

func (i *stubInspector) Find(f sysproc.Filter) ([]sysproc.Info, error) {
	return nil, sysproc.ErrUnsupported
}

func testOptions(t *testing.T) Options {
	return Options{
		WorkerID:     2,
		Executable:   "proxy.exe",
		ConfigDir:    t.TempDir(),
		Ports:        types.PortMapping{GamePort: 11237, VoicePort: 21237, PublicGamePort: 11238, PublicVoicePort: 21238},
		RestartDelay: 10 * time.Millisecond,
		Platform:     "windows",
	}
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "hangar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStartUnsupportedPlatform(t *testing.T) {
	opts := testOptions(t)
	opts.Platform = "linux"
	sc := New(opts, &stubLauncher{}, newStubInspector(), nil)

	err := sc.Start(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
	assert.False(t, sc.Supported())
	assert.Equal(t, 0, sc.PID())
}

func TestWriteConfig(t *testing.T) {
	sc := New(testOptions(t), &stubLauncher{}, newStubInspector(), nil)
	require.NoError(t, sc.WriteConfig())

	data, err := os.ReadFile(sc.ConfigPath())
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "publicPort0=11238\nredirectPort0=11237\n")
	assert.Contains(t, content, "publicPort1=21238\nredirectPort1=21237\n")
	assert.True(t, strings.HasSuffix(sc.ConfigPath(), "proxy-2.cfg"))
}

func TestStartLaunchesAndPersists(t *testing.T) {
	store := newStore(t)
	l := &stubLauncher{}
	sc := New(testOptions(t), l, newStubInspector(), store)

	require.NoError(t, sc.Start(context.Background()))
	assert.Equal(t, 2001, sc.PID())

	rec, err := store.GetProxy(2)
	require.NoError(t, err)
	assert.Equal(t, 2001, rec.PID)
	assert.Equal(t, sc.Argv(), rec.Cmdline)

	// Already running
	require.NoError(t, sc.Start(context.Background()))
	assert.Equal(t, 1, l.count())
}

func TestStartReusesRecordedProxy(t *testing.T) {
	store := newStore(t)
	opts := testOptions(t)
	insp := newStubInspector()
	l := &stubLauncher{}
	sc := New(opts, l, insp, store)

	require.NoError(t, store.SaveProxy(&types.ProxyRecord{WorkerID: 2, PID: 3100, Cmdline: sc.Argv()}))
	insp.cmdlines[3100] = sc.Argv()

	require.NoError(t, sc.Start(context.Background()))
	assert.Equal(t, 3100, sc.PID())
	assert.Equal(t, 0, l.count())
	assert.Equal(t, []int{3100}, l.attached)
}

func TestStartIgnoresChangedRecord(t *testing.T) {
	store := newStore(t)
	insp := newStubInspector()
	l := &stubLauncher{}
	sc := New(testOptions(t), l, insp, store)

	require.NoError(t, store.SaveProxy(&types.ProxyRecord{WorkerID: 2, PID: 3100, Cmdline: sc.Argv()}))
	insp.cmdlines[3100] = []string{"notepad.exe"}

	require.NoError(t, sc.Start(context.Background()))
	assert.Equal(t, 2001, sc.PID())
	assert.Equal(t, 1, l.count())
}

func TestStopIsIdempotent(t *testing.T) {
	store := newStore(t)
	sc := New(testOptions(t), &stubLauncher{}, newStubInspector(), store)
	require.NoError(t, sc.Start(context.Background()))

	require.NoError(t, sc.Stop())
	require.NoError(t, sc.Stop())
	assert.Equal(t, 0, sc.PID())

	_, err := store.GetProxy(2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type undeletableStore struct {
	storage.Store
	deletes int
}

func (s *undeletableStore) DeleteProxy(id types.WorkerID) error {
	s.deletes++
	return errors.New("database is read-only")
}

func TestDeleteFailuresAreLogged(t *testing.T) {
	store := &undeletableStore{Store: newStore(t)}
	insp := newStubInspector()
	sc := New(testOptions(t), &stubLauncher{}, insp, store)
	var buf bytes.Buffer
	sc.logger = zerolog.New(&buf)

	require.NoError(t, store.SaveProxy(&types.ProxyRecord{WorkerID: 2, PID: 3100, Cmdline: sc.Argv()}))
	insp.cmdlines[3100] = []string{"notepad.exe"}

	require.NoError(t, sc.Start(context.Background()))
	assert.Equal(t, 2001, sc.PID())
	require.NoError(t, sc.Stop())
	assert.Equal(t, 0, sc.PID())

	assert.Equal(t, 2, store.deletes)
	assert.Equal(t, 2, strings.Count(buf.String(), "Failed to delete proxy record"))
	assert.Contains(t, buf.String(), "database is read-only")
}

func TestRunRestartsDeadProxy(t *testing.T) {
	insp := newStubInspector()
	l := &stubLauncher{}
	sc := New(testOptions(t), l, insp, nil)
	require.NoError(t, sc.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sc.Run(ctx)
		close(done)
	}()

	insp.kill(2001)
	assert.Eventually(t, func() bool { return sc.PID() == 2002 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
