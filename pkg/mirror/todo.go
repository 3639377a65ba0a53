package mirror

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pypimirror/pypimirror/pkg/errors"
)

// parseTodo decodes the durable record of an in-progress run: the first line
// is the target serial, every following line is "name serial".
func parseTodo(contents []byte) (target int64, pending map[string]int64, err error) {
	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return 0, nil, errors.New("todo file is empty")
	}

	target, err = strconv.ParseInt(strings.TrimSpace(lines[0]), 10, 64)
	if err != nil {
		return 0, nil, errors.WithContext(err, "parse target serial")
	}

	pending = map[string]int64{}
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return 0, nil, errors.Errorf("malformed todo line %q", line)
		}
		serial, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, nil, errors.WithContext(err, fmt.Sprintf("parse serial in line %q", line))
		}
		pending[fields[0]] = serial
	}
	return target, pending, nil
}

// writeTodoLocked atomically rewrites the todo file from the current pending
// set. The caller must hold m.mu: the file is always rewritten in full,
// never patched, so the last writer wins and the content stays consistent.
func (m *Mirror) writeTodoLocked() error {
	names := make([]string, 0, len(m.todo))
	for name := range m.todo {
		names = append(names, name)
	}
	sort.Strings(names)

	return m.storage.Rewrite(todoPath, func(w io.Writer) error {
		if _, err := fmt.Fprintf(w, "%d\n", m.targetSerial); err != nil {
			return err
		}
		for _, name := range names {
			if _, err := fmt.Fprintf(w, "%s %d\n", name, m.todo[name]); err != nil {
				return err
			}
		}
		return nil
	})
}
