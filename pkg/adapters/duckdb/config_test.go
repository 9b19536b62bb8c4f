package duckdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	useSSL := false
	tests := []struct {
		name    string
		input   map[string]any
		want    *Params
		wantErr string
	}{
		{name: "nil", want: &Params{}},
		{
			name: "rollup build settings",
			input: map[string]any{
				"extensions": []any{"httpfs", "icu"},
				"settings":   map[string]any{"memory_limit": "4GB", "threads": 4},
			},
			want: &Params{
				Extensions: []string{"httpfs", "icu"},
				Settings:   map[string]string{"memory_limit": "4GB", "threads": "4"},
			},
		},
		{
			name: "secrets",
			input: map[string]any{
				"secrets": []any{
					map[string]any{"type": "s3", "provider": "credential_chain", "scope": []any{"s3://a", "s3://b"}},
					map[string]any{"type": "s3", "endpoint": "localhost:9000", "url_style": "path", "use_ssl": "false"},
				},
			},
			want: &Params{
				Secrets: []SecretConfig{
					{Type: "s3", Provider: "credential_chain", Scope: []any{"s3://a", "s3://b"}},
					{Type: "s3", Endpoint: "localhost:9000", URLStyle: "path", UseSSL: &useSSL},
				},
			},
		},
		{
			name:    "unknown key",
			input:   map[string]any{"extension": []any{"httpfs"}},
			wantErr: "invalid duckdb params",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParams_SetupSQL(t *testing.T) {
	p := &Params{
		Extensions: []string{"icu"},
		Settings:   map[string]string{"threads": "2", "memory_limit": "1GB", "TimeZone": "O'Brien"},
		Secrets:    []SecretConfig{{Type: "gcs", Scope: "gs://rollups"}},
	}
	assert.Equal(t, []string{
		"INSTALL icu",
		"LOAD icu",
		"SET TimeZone = 'O''Brien'",
		"SET memory_limit = '1GB'",
		"SET threads = '2'",
		"CREATE SECRET (\n    TYPE gcs,\n    SCOPE 'gs://rollups'\n)",
	}, p.setupSQL())

	assert.Empty(t, (&Params{}).setupSQL())
}

func TestScopeSQL(t *testing.T) {
	tests := []struct {
		scope any
		want  string
	}{
		{nil, ""},
		{"s3://a", "'s3://a'"},
		{[]string{"s3://a", "s3://b"}, "('s3://a', 's3://b')"},
		{[]any{"s3://a"}, "('s3://a')"},
		{[]any{}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, scopeSQL(tt.scope))
	}
}
