package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	initLogger sync.Once
	stdout     *log.Logger
)

// Logger is the process-wide line logger. Request logging and the audit
// trail share it so their JSON lines interleave cleanly on stdout.
func Logger() *log.Logger {
	initLogger.Do(func() {
		stdout = log.New(os.Stdout, "", 0)
	})
	return stdout
}

// LogRequest writes one JSON log line. Entries without a ts field are
// stamped on the way out.
func LogRequest(entry map[string]any) {
	if _, ok := entry["ts"]; !ok {
		entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log entry not serializable"}`)
		return
	}
	Logger().Println(string(data))
}
