package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"xenlink/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStorage(t *testing.T) *storage.AppStorage {
	t.Helper()
	s, err := storage.NewAppStorage(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestDefaultsMatchReconnectDefaults(t *testing.T) {
	cfg := Default().ReconnectConfig()
	assert.Equal(t, 60, cfg.MaxDelay)
	assert.Equal(t, 5, cfg.WarnAfter)
	assert.Equal(t, 2*time.Second, cfg.SettleDelay)
	assert.Equal(t, 1500*time.Millisecond, Default().SampleInterval())
}

func TestFirstLaunchWritesDefaults(t *testing.T) {
	s := newStorage(t)

	st := Load(s)
	assert.True(t, st.IsFirstLaunch())
	require.NoError(t, st.Save())
	assert.True(t, s.FileExists(filepath.Join(s.ConfigPath(), configFile)))

	again := Load(s)
	assert.False(t, again.IsFirstLaunch())
	assert.Equal(t, Default(), again.Get())
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	s := newStorage(t)
	path := filepath.Join(s.ConfigPath(), configFile)
	require.NoError(t, os.WriteFile(path, []byte("[reconnect]\nmax_delay_seconds = 30\n"), 0o600))

	p := Load(s).Get()
	assert.Equal(t, 30, p.Reconnect.MaxDelaySeconds)
	assert.Equal(t, 5, p.Reconnect.WarnAfter)
	assert.Equal(t, "system", p.Tunnel.Engine)
}

func TestMalformedFileIsBackedUp(t *testing.T) {
	s := newStorage(t)
	path := filepath.Join(s.ConfigPath(), configFile)
	require.NoError(t, os.WriteFile(path, []byte("[reconnect\n"), 0o600))

	st := Load(s)
	assert.Equal(t, Default(), st.Get())
	assert.True(t, s.FileExists(path+".bak"))
}

func TestWriterFlushesOnStop(t *testing.T) {
	s := newStorage(t)
	st := Load(s)
	require.NoError(t, st.Save())

	ctx, cancel := context.WithCancel(context.Background())
	done := st.StartWriter(ctx, time.Hour)

	st.Update(func(p *Preferences) { p.Tunnel.LastProfileID = 7 })
	cancel()
	<-done

	assert.EqualValues(t, 7, Load(s).Get().Tunnel.LastProfileID)
}
