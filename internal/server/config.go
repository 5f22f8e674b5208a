package server

import (
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"net/http"
	"strconv"
	"time"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer *http.Server
	// handlers serve POST JSON requests
	handlers map[string]http.Handler
	// public lists handlers reachable without a token
	public map[string]bool
	// streams are long-lived GET endpoints, never wrapped in timeouts
	streams       map[string]http.Handler
	afterShutdown []func()
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host      string `env:"HOST" envDefault:"0.0.0.0"`
	Port      uint16 `env:"PORT" envDefault:"9000"`
	JWTSecret string `env:"JWT_SECRET,required"`
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters for http.Server
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
	})
}

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadTimeout = d
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}

// WithStream registers a GET handler that may hijack the connection, such as a websocket gateway
func WithStream(pattern string, h http.Handler) Option {
	return optionFunc(func(c *config) {
		c.streams[pattern] = h
	})
}

// registerHandlers registers every handler and stream for newly initialized mux.Router
// that mux.Router is used as a http.Handler for http.Server in config struct
func registerHandlers() Option {
	return optionFunc(func(c *config) {
		router := mux.NewRouter()
		for pattern, h := range c.handlers {
			router.Handle(pattern, h)
		}
		for pattern, h := range c.streams {
			router.Handle(pattern, h).Methods(http.MethodGet)
		}
		c.httpServer.Handler = router
	})
}

// applyEnforcePostJson wraps each handler in handlers map with enforcePostJson middleware
func applyEnforcePostJson() Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = enforcePostJson(h)
		}
	})
}

// applyAuthenticate wraps every non public handler and every stream with authenticate middleware
func applyAuthenticate(auth *Authenticator, logger *zap.Logger) Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			if c.public[pattern] {
				continue
			}
			c.handlers[pattern] = authenticate(h, auth, logger)
		}
		for pattern, h := range c.streams {
			c.streams[pattern] = authenticate(h, auth, logger)
		}
	})
}

// applyLog wraps each http.Handler in handlers and streams maps with log middleware
func applyLog(logger *zap.Logger) Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = log(h, logger)
		}
		for pattern, h := range c.streams {
			c.streams[pattern] = log(h, logger)
		}
	})
}

// TimeoutHandler wraps each handler in handlers map in http.TimeoutHandler with provided duration and message
func TimeoutHandler(d time.Duration, msg string) Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = http.TimeoutHandler(h, d, msg)
		}
	})
}
