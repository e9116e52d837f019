package config

import (
	"os"
	"strconv"
)

type Config struct {
	UDPAddr        string
	HTTPAddr       string
	CertFile       string
	KeyFile        string
	NackRing       int
	SessionTimeout int
	PeerSockets    bool
	PeerSocketAddr string
	EnableFir      bool
	DebugPublisher bool
	DefaultApp     string
	DefaultStream  string
}

func Load() *Config {
	return &Config{
		UDPAddr:        getEnv("RTCGATE_UDP_ADDR", ":8000"),
		HTTPAddr:       getEnv("RTCGATE_HTTP_ADDR", ":9091"),
		CertFile:       getEnv("RTCGATE_CERT_FILE", ""),
		KeyFile:        getEnv("RTCGATE_KEY_FILE", ""),
		NackRing:       getEnvInt("RTCGATE_NACK_RING", 512),
		SessionTimeout: getEnvInt("RTCGATE_SESSION_TIMEOUT_MS", 10000),
		PeerSockets:    getEnvBool("RTCGATE_PEER_SOCKETS", false),
		PeerSocketAddr: getEnv("RTCGATE_PEER_SOCKET_ADDR", ":11445"),
		EnableFir:      getEnvBool("RTCGATE_ENABLE_FIR", false),
		DebugPublisher: getEnvBool("RTCGATE_DEBUG_RANDOM_PUBLISHER", false),
		DefaultApp:     getEnv("RTCGATE_DEFAULT_APP", "webrtc"),
		DefaultStream:  getEnv("RTCGATE_DEFAULT_STREAM", "test"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
