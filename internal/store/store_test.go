package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRebindPostgresPlaceholders(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "numbered in order",
			in:   "INSERT INTO t (a, b, c) VALUES (?, ?, ?)",
			want: "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)",
		},
		{
			name: "no placeholders",
			in:   "SELECT 1",
			want: "SELECT 1",
		},
		{
			name: "question mark inside string literal",
			in:   "SELECT * FROM t WHERE a = '?' AND b = ?",
			want: "SELECT * FROM t WHERE a = '?' AND b = $1",
		},
		{
			name: "escaped quote inside literal",
			in:   "SELECT * FROM t WHERE a = 'it''s ?' AND b = ?",
			want: "SELECT * FROM t WHERE a = 'it''s ?' AND b = $1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, rebindPostgresPlaceholders(tc.in))
		})
	}
}
