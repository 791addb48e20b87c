package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerRenamesCoreKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "moltmartd", "test", Options{Level: "debug"})).With(serviceAttrs("moltmartd", "test")...)
	logger.Debug("listing created", "wallet", "0xabc", MaskField("secret", "mm_sk_123"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "listing created", line["message"])
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "moltmartd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "0xabc", line["wallet"])
	require.Equal(t, RedactedValue, line["secret"])
	require.Contains(t, line, "timestamp")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "moltmartd", "", Options{Level: "warn"}))
	logger.Info("dropped")
	require.Zero(t, buf.Len())
	logger.Warn("kept")
	require.NotZero(t, buf.Len())
}

func TestRotatingFileReceivesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moltmart.log")
	logger := Setup("moltmartd", "test", Options{File: path})
	logger.Info("hello")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"message":"hello"`)
}

func TestMasking(t *testing.T) {
	require.Equal(t, "", MaskValue(" "))
	require.Equal(t, RedactedValue, MaskValue("x"))
	require.Equal(t, "mm_sk_ab…"+RedactedValue, MaskPrefix("mm_sk_abcdef", 8))
	require.Equal(t, RedactedValue, MaskPrefix("short", 8))
	require.Equal(t, "0xabc", MaskField("Wallet", "0xabc").Value.String())
	require.True(t, IsAllowlisted(" ERROR "))
	require.Contains(t, RedactionAllowlist(), "transaction")
}
