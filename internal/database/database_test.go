package database

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestDBConfig_DSN(t *testing.T) {
	tests := []struct {
		name   string
		config DBConfig
		want   string
	}{
		{
			name:   "minimal",
			config: DBConfig{Host: "db", Port: "5432", User: "wallet", Password: "secret", Name: "walletcore", SSLMode: "disable"},
			want:   "host=db port=5432 user=wallet password=secret dbname=walletcore sslmode=disable",
		},
		{
			name: "application name and timeout",
			config: DBConfig{Host: "db", Port: "5432", User: "wallet", Password: "secret", Name: "walletcore", SSLMode: "require",
				ApplicationName: "walletcore", ConnectTimeout: 3 * time.Second},
			want: "host=db port=5432 user=wallet password=secret dbname=walletcore sslmode=require application_name=walletcore connect_timeout=3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.DSN())
		})
	}
}

func TestGetConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	config := GetConfig()

	assert.Equal(t, "walletcore", config.Name)
	assert.Equal(t, 5*time.Second, config.ConnectTimeout)
	assert.Equal(t, 25, config.MaxOpenConns)
}

func TestRedisOptions(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("redis.host", "cache")
	viper.Set("redis.port", "6380")

	opts := RedisOptions()

	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 20, opts.PoolSize)
}

func TestInitRedis_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	client := InitRedis(ctx, &redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})

	assert.Nil(t, client)
}
