package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/repository/sqlstore"
	"github.com/jwalitptl/chairqueue/internal/view"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestMigrateThenTabs(t *testing.T) {
	dir := t.TempDir()
	endpoint := "file:" + filepath.Join(dir, "queue.db")
	path := filepath.Join(dir, "chairqueue.yaml")
	body := fmt.Sprintf("remote:\n  driver: sqlite\n  endpoint: %q\nlog:\n  level: error\n", endpoint)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	run(t, "--config", path, "migrate")

	ctx := context.Background()
	db, err := sqlstore.NewDB(ctx, sqlstore.Config{Driver: sqlstore.DriverSQLite, Endpoint: endpoint})
	require.NoError(t, err)
	for _, stmt := range []string{
		`INSERT INTO doctors (id, name) VALUES (1, 'Kim')`,
		`INSERT INTO patients (id, name, status) VALUES (1, 'A', 'waiting')`,
		`INSERT INTO patients (id, name, status, doctor_id, chair_number) VALUES (2, 'B', 'treatmenting', 1, 3)`,
		`INSERT INTO patients (id, name, status, doctor_id) VALUES (3, 'C', 'completed', 1)`,
	} {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	out := run(t, "--config", path, "tabs")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3, out)
	assert.Equal(t, []string{"TAB", "KEY", "COUNT", "IN", "OFFICE"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"Unassigned", "unassigned", "1"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"Kim", "doctor:1", "1", "true"}, strings.Fields(lines[2]))
}

func TestPrintTabsSkipsOfficeForNonDoctorTabs(t *testing.T) {
	v := view.Build([]*model.Patient{
		{ID: 1, Name: "A", Status: model.PatientStatusTreating, IsRecoveryRoom: true},
		{ID: 2, Name: "B", Status: model.PatientStatusTreating, DoctorID: model.Int64(7), CurrentDoctorLocation: model.Int64(7)},
	}, nil, view.Options{})

	var out bytes.Buffer
	require.NoError(t, printTabs(&out, v))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"doctor:7", "doctor:7", "1", "false"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"Recovery", "recovery", "1"}, strings.Fields(lines[2]))
}
