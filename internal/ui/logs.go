package ui

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	maxLogLines = 8
	// Формат времени JSON лога из pkg/logger
	logTimeLayout = "02.01.2006 - 15:04:05.999999999Z07:00"
)

// Регулярное выражение для удаления ANSI-цветов
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// readLogTail читает последние n записей JSON лога.
// Отсутствующий файл не ошибка.
func readLogTail(path string, n int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var logs []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logs = append(logs, formatLogLine(scanner.Text()))
		if len(logs) > n {
			logs = logs[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

// formatLogLine приводит запись zap к виду "[15:04:05] [INFO] сообщение (ключ: значение)"
func formatLogLine(line string) string {
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return line
	}

	level, _ := rec["level"].(string)
	ts, _ := rec["ts"].(string)
	msg, _ := rec["msg"].(string)
	level = ansiRegex.ReplaceAllString(level, "")

	timestamp := ""
	if t, err := time.Parse(logTimeLayout, ts); err == nil {
		timestamp = t.Format("15:04:05")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", timestamp, level, msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case "level", "ts", "msg", "caller", "logger":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " (%s: %v)", k, rec[k])
	}
	return b.String()
}
