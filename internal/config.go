package internal

import (
	"fmt"
	"time"
)

type Config struct {
	Host                 string        `env:"HOST,required=true"`
	Port                 int           `env:"PORT,required=true"`
	LogLevel             string        `env:"LOG_LEVEL,required=true"`
	BadgerFilepath       string        `env:"BADGER_FILEPATH,required=true"`
	PublishTimeout       time.Duration `env:"PUBLISH_TIMEOUT,default=2s"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=256"`
	WriteWait            time.Duration `env:"WRITE_WAIT,default=10s"`
	PongWait             time.Duration `env:"PONG_WAIT,default=60s"`
	MaxMessageSize       int64         `env:"MAX_MESSAGE_SIZE,default=65536"`
	LimitMessages        *int          `env:"LIMIT_MESSAGES"`
	RestartInterval      time.Duration `env:"RESTART_INTERVAL,default=200ms"`
	MetricsPath          string        `env:"METRICS_PATH,default=/metrics"`
	MonitoringInterval   time.Duration `env:"MONITORING_INTERVAL,default=5s"`
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate catches the values the environment parser accepts but the server cannot run with.
func (c Config) Validate() error {
	switch {
	case c.PublishTimeout <= 0:
		return fmt.Errorf("PUBLISH_TIMEOUT must be positive, got %s", c.PublishTimeout)
	case c.ConnectionBufferSize <= 0:
		return fmt.Errorf("CONNECTION_BUFFER_SIZE must be positive, got %d", c.ConnectionBufferSize)
	case c.PongWait <= c.WriteWait:
		return fmt.Errorf("PONG_WAIT (%s) must be greater than WRITE_WAIT (%s)", c.PongWait, c.WriteWait)
	case c.MonitoringInterval <= 0:
		return fmt.Errorf("MONITORING_INTERVAL must be positive, got %s", c.MonitoringInterval)
	case c.LimitMessages != nil && *c.LimitMessages <= 0:
		return fmt.Errorf("LIMIT_MESSAGES must be positive, got %d", *c.LimitMessages)
	}
	return nil
}
