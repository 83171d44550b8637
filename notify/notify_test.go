package notify

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgguard/alert"
	"msgguard/history"
	"msgguard/settings"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePush struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	err    error
}

func (f *fakePush) Send(message string, params *types.Params) []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	title, _ := params.Title()
	f.titles = append(f.titles, title)
	f.bodies = append(f.bodies, message)
	return []error{f.err}
}

type stubNotifier struct {
	handle Handle
	err    error
	calls  int
}

func (s *stubNotifier) Notify(ctx context.Context, title, body string) (Handle, error) {
	s.calls++
	return s.handle, s.err
}

func TestAlertBody(t *testing.T) {
	assert.Contains(t, AlertBody("010-1111-2222", alert.LevelHigh), "010-1111-2222")
	assert.Contains(t, AlertBody("010-1111-2222", alert.LevelHigh), "위험")
	assert.Contains(t, AlertBody("", alert.LevelMedium), "알 수 없는 발신자")
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(discardLogger(), &buf)

	h, err := n.Notify(context.Background(), AlertTitle, "body")
	require.NoError(t, err)
	assert.Equal(t, MockHandle, h)
	assert.Equal(t, AlertTitle+"\nbody\n", buf.String())

	h, err = NewLogNotifier(discardLogger(), nil).Notify(context.Background(), AlertTitle, "")
	require.NoError(t, err)
	assert.Equal(t, MockHandle, h)
}

func TestMulti(t *testing.T) {
	failing := &stubNotifier{err: errors.New("offline")}
	ok := &stubNotifier{handle: "h-1"}

	h, err := Multi{failing, ok}.Notify(context.Background(), "t", "b")
	assert.Equal(t, Handle("h-1"), h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)

	_, err = Multi{}.Notify(context.Background(), "t", "b")
	assert.Error(t, err)
}

func TestShoutrrrNotifier(t *testing.T) {
	push := &fakePush{}
	n := &ShoutrrrNotifier{sender: push}

	h, err := n.Notify(context.Background(), AlertTitle, "위험한 문자")
	require.NoError(t, err)
	assert.NotEmpty(t, h)
	assert.Equal(t, []string{AlertTitle}, push.titles)
	assert.Equal(t, []string{"위험한 문자"}, push.bodies)

	push.err = errors.New("429 too many requests")
	_, err = n.Notify(context.Background(), AlertTitle, "x")
	assert.ErrorContains(t, err, "429")
}

func TestNewShoutrrrNotifier_Validation(t *testing.T) {
	_, err := NewShoutrrrNotifier([]string{" ", ""}, 0)
	assert.Error(t, err)

	_, err = NewShoutrrrNotifier([]string{"nosuchservice://token@host"}, 0)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "token")
}

func TestBuildStructuredData(t *testing.T) {
	sd := buildStructuredData("", map[string]string{
		"title":    `a "quoted" ]value`,
		"job":      "msgguard",
		"env":      "",
		"zzz":      "3",
		"aaa":      "1",
		"alert_id": "id-1",
	})
	assert.True(t, strings.HasPrefix(sd, "[msgguard job=\"msgguard\" title="), sd)
	assert.Contains(t, sd, `title="a \"quoted\" \]value"`)
	assert.NotContains(t, sd, " env=")
	assert.Less(t, strings.Index(sd, ` aaa="1"`), strings.Index(sd, ` zzz="3"`))
	assert.True(t, strings.HasSuffix(sd, `zzz="3"]`))
}

func TestSyslogNotifier_SendsRFC5424Line(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	lines := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		lines <- line
	}()

	n := NewSyslogNotifier(SyslogConfig{Addr: ln.Addr().String(), Labels: map[string]string{"job": "msgguard", "env": "test"}})
	h, err := n.Notify(context.Background(), AlertTitle, "010-1111-2222 high\n")
	require.NoError(t, err)

	select {
	case line := <-lines:
		assert.True(t, strings.HasPrefix(line, "<132>1 "), line)
		assert.Contains(t, line, " msgguard - - [msgguard job=\"msgguard\" env=\"test\"")
		assert.Contains(t, line, `alert_id="`+string(h)+`"`)
		assert.True(t, strings.HasSuffix(line, "] 010-1111-2222 high\n"), line)
	case <-time.After(2 * time.Second):
		t.Fatal("collector received nothing")
	}
}

func TestSyslogNotifier_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	n := NewSyslogNotifier(SyslogConfig{Addr: addr, Timeout: 200 * time.Millisecond})
	_, err = n.Notify(context.Background(), AlertTitle, "x")
	assert.Error(t, err)
}

func newSettingsStore(t *testing.T) *settings.Store {
	t.Helper()
	kv, err := history.OpenSQLiteKV(filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return settings.NewStore(kv)
}

func TestEscalator(t *testing.T) {
	ctx := context.Background()
	st := newSettingsStore(t)
	e := NewEscalator(st, time.Second, discardLogger())

	item := history.Item{ID: "1-abc", Sender: "010-1111-2222", Content: "대출 안내", RiskScore: 95, AlertLevel: alert.LevelHigh, Reason: "loan scam"}

	_, err := e.Escalate(ctx, item)
	assert.ErrorIs(t, err, ErrNoGuardians)

	saved, err := st.Save(ctx, settings.Settings{Guardians: []settings.Guardian{
		{ID: "mom", Name: "엄마", NotifyURL: "generic://ok.example.com"},
		{ID: "dad", Name: "아빠", NotifyURL: "generic://down.example.com"},
	}})
	require.NoError(t, err)
	require.Len(t, saved.Guardians, 2)

	pushes := map[string]*fakePush{
		"generic://ok.example.com":   {},
		"generic://down.example.com": {err: errors.New("503")},
	}
	e.newSender = func(_ time.Duration, urls ...string) (pushSender, error) {
		return pushes[urls[0]], nil
	}

	reached, err := e.Escalate(ctx, item)
	assert.Equal(t, []string{"mom"}, reached)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guardian dad")

	ok := pushes["generic://ok.example.com"]
	require.Len(t, ok.bodies, 1)
	assert.Contains(t, ok.bodies[0], "010-1111-2222")
	assert.Contains(t, ok.bodies[0], "95 (high)")
	assert.Equal(t, AlertTitle, ok.titles[0])
}

func TestEscalationMessageTruncates(t *testing.T) {
	msg := EscalationMessage(history.Item{Content: strings.Repeat("가", 300)})
	assert.Contains(t, msg, strings.Repeat("가", escalationPreview)+"…")
	assert.NotContains(t, msg, strings.Repeat("가", escalationPreview+1))
}
