package postgresql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   string
	}{
		{
			name: "explicit ssl mode",
			config: Config{
				Host:     "db.internal",
				Port:     5432,
				User:     "worker",
				Password: "secret",
				Database: "taskrouter",
				SSLMode:  "require",
			},
			want: "host=db.internal port=5432 user=worker password=secret dbname=taskrouter sslmode=require",
		},
		{
			name: "ssl mode defaults to disable",
			config: Config{
				Host:     "localhost",
				Port:     5433,
				User:     "postgres",
				Database: "status",
			},
			want: "host=localhost port=5433 user=postgres password= dbname=status sslmode=disable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.DSN())
		})
	}
}
