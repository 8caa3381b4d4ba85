package starter

import (
	"bytes"
	"flag"
	"testing"

	"github.com/peterbourgon/ff/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLeptonConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("lep", flag.ContinueOnError)
	cfg := NewLeptonConfig(fs)
	require.NoError(t, fs.Parse(nil))

	assert.False(t, *cfg.Controller)
	assert.False(t, *cfg.Worker)
	assert.False(t, *cfg.Frontend)
	assert.Equal(t, "http://0.0.0.0:21001", *cfg.ControllerAddr)
	assert.Equal(t, "0.0.0.0:21002", *cfg.WorkerAddr)
	assert.Equal(t, "0.0.0.0:8080", *cfg.FrontendAddr)
	assert.Equal(t, 4, *cfg.Capacity)
	assert.False(t, *cfg.Quantized)
}

func TestNewLeptonConfigFlags(t *testing.T) {
	fs := flag.NewFlagSet("lep", flag.ContinueOnError)
	cfg := NewLeptonConfig(fs)
	require.NoError(t, fs.Parse([]string{
		"-worker",
		"-n", "gpt2-main",
		"-model", "text-generation:gpt2",
		"-nvidia", "0,1",
		"-quantized",
		"-capacity", "8",
	}))

	assert.True(t, *cfg.Worker)
	assert.Equal(t, "gpt2-main", *cfg.PhotonName)
	assert.Equal(t, "text-generation:gpt2", *cfg.Model)
	assert.Equal(t, "0,1", *cfg.Nvidia)
	assert.True(t, *cfg.Quantized)
	assert.Equal(t, 8, *cfg.Capacity)
}

func TestNewLeptonConfigEnv(t *testing.T) {
	t.Setenv("LEPTON_FRONTEND", "true")
	t.Setenv("LEPTON_CONTROLLERADDR", "http://controller:21001")

	fs := flag.NewFlagSet("lep", flag.ContinueOnError)
	cfg := NewLeptonConfig(fs)
	require.NoError(t, ff.Parse(fs, nil, ff.WithEnvVarPrefix("LEPTON")))

	assert.True(t, *cfg.Frontend)
	assert.Equal(t, "http://controller:21001", *cfg.ControllerAddr)
}

func TestPrintConfigRedactsSecrets(t *testing.T) {
	cfg := DefaultLeptonConfig()
	worker := true
	token := "supersecret"
	cfg.Worker = &worker
	cfg.AuthToken = &token

	var buf bytes.Buffer
	cfg.PrintConfig(&buf)
	out := buf.String()

	assert.Contains(t, out, "Worker")
	assert.Contains(t, out, "AuthToken")
	assert.Contains(t, out, "***")
	assert.NotContains(t, out, "supersecret")
}

func TestBindAddr(t *testing.T) {
	assert.Equal(t, "0.0.0.0:21001", bindAddr("http://0.0.0.0:21001", "21001"))
	assert.Equal(t, "controller:21001", bindAddr("http://controller", "21001"))
	assert.Equal(t, "0.0.0.0:21001", bindAddr(":21001", "21001"))
	assert.Equal(t, "0.0.0.0:21001", bindAddr("", "21001"))
}
