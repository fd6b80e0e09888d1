package server

import (
	"net/http"
	"time"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
)

type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// AdminServerConfig sizes WriteTimeout so a handler that runs for the full
// request timeout, upload included, still gets its response written.
func AdminServerConfig(port string, requestTimeout time.Duration) ServerConfig {
	write := constants.ServerWriteTimeout
	if floor := requestTimeout + constants.ServerWriteSlack; requestTimeout > 0 && write < floor {
		write = floor
	}
	return ServerConfig{
		Addr:              ":" + port,
		ReadHeaderTimeout: constants.ServerReadHeaderTimeout,
		ReadTimeout:       constants.ServerReadTimeout,
		WriteTimeout:      write,
		IdleTimeout:       constants.ServerIdleTimeout,
	}
}

func NewServer(cfg ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    constants.ServerMaxHeaderBytes,
	}
}
