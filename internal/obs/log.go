package obs

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu           sync.Mutex
	base         = log.New(os.Stdout, "", 0)
	debugEnabled bool
	fileSink     *lumberjack.Logger
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) { debugEnabled = v }

// LogToFile mirrors all log output into a rotating file at path.
func LogToFile(path string) {
	mu.Lock()
	defer mu.Unlock()
	fileSink = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	base.SetOutput(io.MultiWriter(os.Stdout, fileSink))
}

// CloseFile closes the rotating file sink if one was configured.
func CloseFile() {
	mu.Lock()
	defer mu.Unlock()
	if fileSink != nil {
		_ = fileSink.Close()
		fileSink = nil
		base.SetOutput(os.Stdout)
	}
}

type Fields map[string]any

func logWith(level, msg string, f Fields) {
	if f == nil {
		f = Fields{}
	}
	f["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	f["level"] = level
	f["msg"] = msg
	b, err := json.Marshal(f)
	if err != nil {
		base.Printf("{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}", err.Error())
		return
	}
	mu.Lock()
	base.Println(string(b))
	mu.Unlock()
}

func Info(msg string, f Fields)  { logWith("info", msg, f) }
func Error(msg string, f Fields) { logWith("error", msg, f) }
func Debug(msg string, f Fields) {
	if debugEnabled {
		logWith("debug", msg, f)
	}
}
