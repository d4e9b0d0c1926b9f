package backend

import (
	"net"
	"os"
	"time"

	"github.com/grovetools/preview/config"
	"github.com/grovetools/preview/pkg/paths"
)

// Environment variables consulted by Detect.
const (
	EnvCompanionURL = "GROVE_PREVIEW_COMPANION_URL"
	EnvDesktop      = "GROVE_PREVIEW_DESKTOP"
)

// Detect resolves backend.kind "auto" into a concrete kind:
//  1. a companion URL from the environment or options selects companion
//  2. running inside the desktop shell, or a live desktop socket, selects desktop
//  3. otherwise the in-process sandbox
func Detect(cfg config.BackendConfig) string {
	if cfg.Kind != "" && cfg.Kind != config.BackendAuto {
		return cfg.Kind
	}

	if os.Getenv(EnvCompanionURL) != "" {
		return KindCompanion
	}
	var companion config.CompanionOptions
	if err := config.DecodeOptions(pick(cfg.Options, "url"), &companion); err == nil && companion.URL != "" {
		return KindCompanion
	}

	if os.Getenv(EnvDesktop) == "1" {
		return KindDesktop
	}
	var desktop config.DesktopOptions
	_ = config.DecodeOptions(pick(cfg.Options, "socket"), &desktop)
	socket := desktop.Socket
	if socket == "" {
		socket = paths.SocketPath()
	}
	if SocketAlive(socket) {
		return KindDesktop
	}

	return KindSandbox
}

// SocketAlive reports whether something accepts connections on socket.
func SocketAlive(socket string) bool {
	if _, err := os.Stat(socket); err != nil {
		return false
	}
	conn, err := net.DialTimeout("unix", socket, 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// pick narrows an options map to the listed keys so one kind's decoder does
// not trip over another kind's settings.
func pick(options map[string]interface{}, keys ...string) map[string]interface{} {
	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		if v, ok := options[k]; ok {
			out[k] = v
		}
	}
	return out
}
