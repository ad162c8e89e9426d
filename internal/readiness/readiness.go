// Package readiness recognises the log lines a client prints once one of its
// endpoints is open.
package readiness

import (
	"strings"
)

type Kind string

const (
	KindIPC  Kind = "ipc"
	KindHTTP Kind = "http"
)

const (
	ipcOpenedMarker  = "IPC endpoint opened"
	httpOpenedMarker = "HTTP endpoint opened"
	ipcSuffix        = ".ipc"
	urlTokenPrefix   = "url"
)

// Signal is a readiness observation extracted from one log line.
type Signal struct {
	Kind  Kind
	Value string
}

// Classifier maps a log line to an optional readiness signal.
type Classifier func(line string) (Signal, bool)

// Classify applies the default matching rules. IPC lines either mention
// "IPC endpoint opened" or end in ".ipc" and carry the endpoint path after
// the first '='. HTTP lines mention "HTTP endpoint opened" and carry the
// address in a whitespace separated url=... token.
func Classify(line string) (Signal, bool) {
	if strings.HasSuffix(line, ipcSuffix) || strings.Contains(line, ipcOpenedMarker) {
		_, value, ok := strings.Cut(line, "=")
		if !ok {
			return Signal{}, false
		}
		value = strings.ReplaceAll(strings.TrimSpace(value), `\\`, `\`)
		if value == "" {
			return Signal{}, false
		}
		return Signal{Kind: KindIPC, Value: value}, true
	}

	if strings.Contains(line, httpOpenedMarker) {
		for _, token := range strings.Fields(line) {
			if !strings.HasPrefix(token, urlTokenPrefix) {
				continue
			}
			key, value, ok := strings.Cut(token, "=")
			if !ok || key != urlTokenPrefix {
				continue
			}
			value = strings.TrimSpace(value)
			if value == "" {
				return Signal{}, false
			}
			return Signal{Kind: KindHTTP, Value: value}, true
		}
	}

	return Signal{}, false
}
