package scan

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

func TestBuildArgs(t *testing.T) {
	q := filepath.Join(t.TempDir(), "quarantine")

	tests := []struct {
		name  string
		isDir bool
		opts  domain.ScanOptions
		want  []string
	}{
		{
			name: "file with defaults",
			want: []string{"--stdout", "--database", "/db", "/target"},
		},
		{
			name:  "directory is recursive",
			isDir: true,
			want:  []string{"--stdout", "--database", "/db", "-r", "/target"},
		},
		{
			name: "all flags",
			opts: domain.ScanOptions{HeuristicAlerts: true, ScanEncrypted: true, LeaveTemps: true},
			want: []string{"--stdout", "--database", "/db",
				"--heuristic-alerts=yes", "--alert-encrypted=yes", "--leave-temps=yes", "/target"},
		},
		{
			name:  "move to quarantine",
			isDir: true,
			opts:  domain.ScanOptions{MoveToQuarantine: true, QuarantinePath: q},
			want:  []string{"--stdout", "--database", "/db", "-r", "--move", q, "/target"},
		},
		{
			name: "move without a path is ignored",
			opts: domain.ScanOptions{MoveToQuarantine: true},
			want: []string{"--stdout", "--database", "/db", "/target"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildArgs("/db", "/target", tt.isDir, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "/target", got[len(got)-1])
		})
	}
	assert.DirExists(t, q)
}
