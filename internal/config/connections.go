package config

import (
	"os"
	"strings"

	"github.com/nimasrn/followup-gateway/pkg/logger"
	"github.com/nimasrn/followup-gateway/pkg/pg"
	"github.com/nimasrn/followup-gateway/pkg/redis"
)

func (c *Config) PostgresRead() pg.Config {
	return pg.Config{
		User:     c.PostgresReadUser,
		Host:     c.PostgresReadHost,
		Port:     c.PostgresReadPort,
		Password: c.PostgresReadPassword,
		Database: c.PostgresReadDatabase,
	}
}

func (c *Config) PostgresWrite() pg.Config {
	return pg.Config{
		User:     c.PostgresWriteUser,
		Host:     c.PostgresWriteHost,
		Port:     c.PostgresWritePort,
		Password: c.PostgresWritePassword,
		Database: c.PostgresWriteDatabase,
	}
}

func (c *Config) RedisOptions(clientName string) *redis.Options {
	return &redis.Options{
		Addrs:      []string{c.RedisAddr},
		ClientName: clientName,
		DB:         c.RedisDatabase,
		Username:   c.RedisUsername,
		Password:   c.RedisPassword,
	}
}

// ArgEnvPath returns the file passed as --env=<path>, or "" when the flag is
// absent or the file cannot be opened.
func ArgEnvPath(args []string) string {
	for _, v := range args {
		if strings.HasPrefix(v, "--env=") {
			path := strings.TrimPrefix(v, "--env=")
			f, err := os.Open(path)
			if err != nil {
				logger.Error("failed to open the passed env file", "path", path, "error", err)
				return ""
			}
			_ = f.Close()
			return path
		}
	}
	return ""
}
