package handlers

import (
	"net/http"
	"runtime"
	"sync"
)

// VersionInfo is served at /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

var (
	versionMu sync.RWMutex
	version   = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

func SetVersionInfo(v VersionInfo) {
	versionMu.Lock()
	defer versionMu.Unlock()
	version = v
}

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	versionMu.RLock()
	v := version
	versionMu.RUnlock()
	v.GoVersion = runtime.Version()
	writeJSON(w, http.StatusOK, v)
}
