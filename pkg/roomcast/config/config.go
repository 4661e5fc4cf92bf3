package config

import (
	"time"
)

type Config struct {
	MulticastGroup     string        `yaml:"multicast_group"`
	AudioPort          int           `yaml:"audio_port"`
	WebListenAddr      string        `yaml:"web_listen_addr"`
	ChimesDir          string        `yaml:"chimes_dir"`
	DeviceName         string        `yaml:"device_name"`
	RxTimeout          time.Duration `yaml:"rx_timeout"`
	ChannelWaitTimeout time.Duration `yaml:"channel_wait_timeout"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	RecvBuffer         int           `yaml:"recv_buffer"`
	LogLevel           string        `yaml:"log_level"`
	InfluxDB           struct {
		Host         string `yaml:"host"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	}
}
