package main

import "time"

type Config struct {
	ServerURL        string        `env:"SERVER_URL,default=http://localhost:8080"`
	UserID           string        `env:"USER_ID,required=true"`
	UserName         string        `env:"USER_NAME,required=true"`
	UserAddress      string        `env:"USER_ADDRESS,required=true"`
	OpenConversation string        `env:"OPEN_CONVERSATION"`
	LogLevel         string        `env:"LOG_LEVEL,required=true"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT,default=5s"`
	WriteWait        time.Duration `env:"WRITE_WAIT,default=10s"`
	MaxMessageSize   int64         `env:"MAX_MESSAGE_SIZE,default=65536"`
	ReconnectMin     time.Duration `env:"RECONNECT_MIN,default=500ms"`
	ReconnectMax     time.Duration `env:"RECONNECT_MAX,default=30s"`
}
