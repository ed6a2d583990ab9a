package state

import "path/filepath"

type Paths struct {
	DB        string
	Store     string
	State     string
	Reconcile string
	Tmp       string
	Tel       string
	Crash     string
}

func PathsFor(dbPath string) Paths {
	statePath := filepath.Join(dbPath, "state")
	return Paths{
		DB:    dbPath,
		Store: filepath.Join(dbPath, "store"),

		State:     statePath,
		Reconcile: filepath.Join(statePath, "reconcile"),
		Tmp:       filepath.Join(statePath, "tmp"),
		Tel:       filepath.Join(statePath, "telemetry"),
		Crash:     filepath.Join(statePath, "crash"),
	}
}

func StorePath(dbPath string) string { return PathsFor(dbPath).Store }
func TelPath(dbPath string) string   { return PathsFor(dbPath).Tel }
func CrashPath(dbPath string) string { return PathsFor(dbPath).Crash }
