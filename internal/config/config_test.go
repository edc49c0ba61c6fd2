package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadUsesDefaultsWithNoOverrides(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	defaults := Defaults()
	cfg := Register(fs, defaults)
	require.NoError(t, fs.Parse(nil))

	got, err := Load("", *cfg, fs)
	require.NoError(t, err)
	require.Equal(t, defaults, got)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fbpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serial_device: /dev/ttyUSB5\nbaud_rate: 57600\n"), 0o644))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	defaults := Defaults()
	cfg := Register(fs, defaults)
	require.NoError(t, fs.Parse(nil))

	got, err := Load(path, *cfg, fs)
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB5", got.SerialDevice)
	require.Equal(t, 57600, got.BaudRate)
	require.Equal(t, defaults.RedisAddr, got.RedisAddr)
}

func TestExplicitFlagOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fbpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("baud_rate: 57600\n"), 0o644))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	defaults := Defaults()
	cfg := Register(fs, defaults)
	require.NoError(t, fs.Parse([]string{"-baud", "9600"}))

	got, err := Load(path, *cfg, fs)
	require.NoError(t, err)
	require.Equal(t, 9600, got.BaudRate)
}

func TestLoadMissingYAMLFileIsNotAnError(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	defaults := Defaults()
	cfg := Register(fs, defaults)
	require.NoError(t, fs.Parse(nil))

	got, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), *cfg, fs)
	require.NoError(t, err)
	require.Equal(t, defaults, got)
}
