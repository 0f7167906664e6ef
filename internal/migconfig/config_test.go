// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package migconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadSendConfigAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
dial: "10.0.0.1:7800"
devices:
  - name: vda
    path: /dev/vda
tls:
  ca_cert: ca.pem
  cert: client.pem
  key: client.key
`)
	cfg, err := LoadSendConfig(path)
	require.NoError(t, err)
	require.Equal(t, int64(512), cfg.Geometry.SectorSize)
	require.Equal(t, int64(2048), cfg.Geometry.SectorsPerChunk)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, int64(0), cfg.BandwidthLimitRaw)
}

func TestLoadSendConfigParsesBandwidthLimit(t *testing.T) {
	path := writeTempConfig(t, `
dial: "10.0.0.1:7800"
bandwidth_limit: "64mb"
devices:
  - name: vda
    path: /dev/vda
tls:
  ca_cert: ca.pem
  cert: client.pem
  key: client.key
`)
	cfg, err := LoadSendConfig(path)
	require.NoError(t, err)
	require.Equal(t, int64(64*1024*1024), cfg.BandwidthLimitRaw)
}

func TestLoadSendConfigMissingDialErrors(t *testing.T) {
	path := writeTempConfig(t, `
devices:
  - name: vda
    path: /dev/vda
tls:
  ca_cert: ca.pem
  cert: client.pem
  key: client.key
`)
	_, err := LoadSendConfig(path)
	require.Error(t, err)
}

func TestLoadRecvConfigRequiresDevicesAndTLS(t *testing.T) {
	path := writeTempConfig(t, `
listen: "0.0.0.0:7800"
`)
	_, err := LoadRecvConfig(path)
	require.Error(t, err)
}

func TestLoadRecvConfigAppliesMetricsDefaults(t *testing.T) {
	path := writeTempConfig(t, `
listen: "0.0.0.0:7800"
devices:
  - name: vda
    path: /data/vda.img
tls:
  ca_cert: ca.pem
  cert: server.pem
  key: server.key
metrics:
  enabled: true
`)
	cfg, err := LoadRecvConfig(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9850", cfg.Metrics.Listen)
}

func TestParseByteSizeSuffixes(t *testing.T) {
	cases := map[string]int64{
		"0":    0,
		"512":  512,
		"1kb":  1024,
		"4mb":  4 * 1024 * 1024,
		"2gb":  2 * 1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestParseByteSizeRejectsGarbage(t *testing.T) {
	_, err := ParseByteSize("not-a-size")
	require.Error(t, err)
}
