package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/arenaledger/arena-stack/ledger/internal/models"
)

func TestCommandsRegistered(t *testing.T) {
	expected := map[string]bool{"serve": false, "migrate": false, "reconcile": false, "seed": false}
	for _, c := range rootCmd.Commands() {
		name := strings.Fields(c.Use)[0]
		if _, ok := expected[name]; ok {
			expected[name] = true
		}
	}
	for name, found := range expected {
		assert.True(t, found, "command %q should be registered", name)
	}
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LEDGER_DATABASE_DRIVER", "memory")
	t.Setenv("LEDGER_LOGGING_LEVEL", "error")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestReconcile_JSON(t *testing.T) {
	out, err := runRoot(t, "reconcile", "--output", "json", "--fail-on-findings")
	require.NoError(t, err)

	var report models.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, models.ReportManual, report.Type)
	assert.Equal(t, models.ReportCompleted, report.Status)
	assert.Equal(t, 0, report.Summary.Total)
	assert.NotEmpty(t, report.ID)
}

func TestReconcile_YAML(t *testing.T) {
	out, err := runRoot(t, "reconcile", "--output", "yaml")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "MANUAL", doc["type"])
	assert.Equal(t, "COMPLETED", doc["status"])
	assert.Contains(t, doc, "summary")
}

func TestReconcile_UnknownFormat(t *testing.T) {
	_, err := runRoot(t, "reconcile", "--output", "table")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format")
}

func TestMigrate_RequiresPostgres(t *testing.T) {
	_, err := runRoot(t, "migrate", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres driver")
}

func TestSeed_ValidatesFlags(t *testing.T) {
	_, err := runRoot(t, "seed", "--count", "0")
	require.Error(t, err)

	_, err = runRoot(t, "seed", "--count", "5", "--anomaly-rate", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anomaly-rate")
}
