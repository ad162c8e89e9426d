package readiness

import "testing"

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		line      string
		wantOK    bool
		wantKind  Kind
		wantValue string
	}{
		{
			name:      "ipc opened",
			line:      "INFO [01-01|00:00:00] IPC endpoint opened url=/tmp/geth.ipc",
			wantOK:    true,
			wantKind:  KindIPC,
			wantValue: "/tmp/geth.ipc",
		},
		{
			name:      "ipc suffix with backslashes",
			line:      `IPC path =  \\\\.\\pipe\\geth.ipc`,
			wantOK:    true,
			wantKind:  KindIPC,
			wantValue: `\\.\pipe\geth.ipc`,
		},
		{
			name:   "ipc marker without equals",
			line:   "IPC endpoint opened",
			wantOK: false,
		},
		{
			name:      "http opened",
			line:      "INFO HTTP endpoint opened url=http://127.0.0.1:8545/ cors=* vhosts=localhost",
			wantOK:    true,
			wantKind:  KindHTTP,
			wantValue: "http://127.0.0.1:8545/",
		},
		{
			name:   "http opened without url token",
			line:   "INFO HTTP endpoint opened on port 8545",
			wantOK: false,
		},
		{
			name:   "http opened with url-like token of another key",
			line:   "INFO HTTP endpoint opened urls=http://x",
			wantOK: false,
		},
		{
			name:   "unrelated",
			line:   "Imported new chain segment blocks=1",
			wantOK: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			signal, ok := Classify(tc.line)
			if ok != tc.wantOK {
				t.Fatalf("unexpected match for %q: got %v want %v", tc.line, ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if got, want := signal.Kind, tc.wantKind; got != want {
				t.Fatalf("unexpected kind: got %q want %q", got, want)
			}
			if got, want := signal.Value, tc.wantValue; got != want {
				t.Fatalf("unexpected value: got %q want %q", got, want)
			}
		})
	}
}
