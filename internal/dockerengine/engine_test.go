package dockerengine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"

	"github.com/buildkite/clientgrid/internal/backend"
	"github.com/buildkite/clientgrid/internal/clienterr"
	"github.com/buildkite/clientgrid/internal/dockerengine/enginetest"
)

func newTestAdapter(t *testing.T) (*Adapter, *enginetest.Engine) {
	t.Helper()
	engine := enginetest.New()
	return NewWithAPI(engine, Options{ImagePrefix: "clientgrid"}), engine
}

func TestConnectFailsWhenSocketMissing(t *testing.T) {
	t.Parallel()

	a := New(Options{Socket: filepath.Join(t.TempDir(), "missing.sock")})
	_, err := a.Connect(context.Background())
	if !errors.Is(err, clienterr.ErrLaunch) {
		t.Fatalf("expected launch error, got %v", err)
	}
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected engine unavailable cause, got %v", err)
	}
}

func TestConnectRejectsRegularFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "docker.sock")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	a := New(Options{Socket: path})
	if _, err := a.Connect(context.Background()); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected engine unavailable, got %v", err)
	}
}

func TestNewUsesSocketEnvFallback(t *testing.T) {
	t.Setenv("DOCKER_SOCKET", "/tmp/custom.sock")
	if got, want := New(Options{}).Socket(), "/tmp/custom.sock"; got != want {
		t.Fatalf("unexpected socket: got %q want %q", got, want)
	}
	if got, want := New(Options{Socket: "/run/explicit.sock"}).Socket(), "/run/explicit.sock"; got != want {
		t.Fatalf("unexpected explicit socket: got %q want %q", got, want)
	}
}

func TestPortConfigExpandsProtocolAndBindsLoopback(t *testing.T) {
	t.Parallel()

	exposed, bindings, err := portConfig([]string{"8545", "30303/udp"}, false)
	if err != nil {
		t.Fatalf("portConfig returned error: %v", err)
	}
	tcp := nat.Port("8545/tcp")
	udp := nat.Port("30303/udp")
	if _, ok := exposed[tcp]; !ok {
		t.Fatalf("expected %s to be exposed, got %v", tcp, exposed)
	}
	if _, ok := exposed[udp]; !ok {
		t.Fatalf("expected %s to be exposed, got %v", udp, exposed)
	}
	want := []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "8545"}}
	if got := bindings[tcp]; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected bindings: got %v want %v", got, want)
	}

	_, bindings, err = portConfig([]string{"8545"}, true)
	if err != nil {
		t.Fatalf("portConfig returned error: %v", err)
	}
	if got := bindings[tcp][0].HostPort; got != "" {
		t.Fatalf("expected auto port to leave host port empty, got %q", got)
	}

	if _, _, err := portConfig([]string{"http"}, false); err == nil {
		t.Fatal("expected invalid port to fail")
	}
}

func TestCreateContainerOverridesEntrypointAndRecordsOriginal(t *testing.T) {
	t.Parallel()

	a, engine := newTestAdapter(t)
	engine.ImageEntrypoints["ethereum/client-go:stable"] = []string{"geth"}

	session, err := a.CreateContainer(context.Background(), "ethereum/client-go:stable", "clientgrid_geth_container", ContainerOptions{
		Overwrite:           true,
		OverwriteEntrypoint: true,
		Ports:               []string{"8545"},
		Volume:              "/work:/shared_data",
	})
	if err != nil {
		t.Fatalf("CreateContainer returned error: %v", err)
	}
	if got, want := session.OriginalEntrypoint, "geth"; got != want {
		t.Fatalf("unexpected original entrypoint: got %q want %q", got, want)
	}

	c, ok := engine.Container(session.ContainerID)
	if !ok {
		t.Fatalf("expected container %s to exist", session.ContainerID)
	}
	if got, want := []string(c.Config.Entrypoint), []string{"/bin/sh"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected entrypoint: got %v want %v", got, want)
	}
	if !c.Config.Tty || !c.Config.OpenStdin {
		t.Fatalf("expected tty and open stdin, got %+v", c.Config)
	}
	if got, want := c.HostConfig.Binds, []string{"/work:/shared_data"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected binds: got %v want %v", got, want)
	}
	if c.HostConfig.AutoRemove {
		t.Fatal("expected container not to be auto removed")
	}

	stored, ok := a.Session(session.ContainerID)
	if !ok || stored.Name != "clientgrid_geth_container" {
		t.Fatalf("expected session to be recorded, got %+v", stored)
	}
}

func TestCreateContainerOverwriteReplacesExisting(t *testing.T) {
	t.Parallel()

	a, engine := newTestAdapter(t)
	ctx := context.Background()
	first, err := a.CreateContainer(ctx, "alpine", "clientgrid_tool_container", ContainerOptions{})
	if err != nil {
		t.Fatalf("first CreateContainer returned error: %v", err)
	}

	reused, err := a.CreateContainer(ctx, "alpine", "clientgrid_tool_container", ContainerOptions{})
	if err != nil {
		t.Fatalf("reuse CreateContainer returned error: %v", err)
	}
	if reused.ContainerID != first.ContainerID {
		t.Fatalf("expected existing container to be reused: got %s want %s", reused.ContainerID, first.ContainerID)
	}

	replaced, err := a.CreateContainer(ctx, "alpine", "clientgrid_tool_container", ContainerOptions{Overwrite: true})
	if err != nil {
		t.Fatalf("overwrite CreateContainer returned error: %v", err)
	}
	if replaced.ContainerID == first.ContainerID {
		t.Fatal("expected overwrite to create a new container")
	}
	if old, _ := engine.Container(first.ContainerID); !old.Removed {
		t.Fatal("expected previous container to be removed")
	}
}

func TestCollectDemultiplexesAndReadsExitCode(t *testing.T) {
	t.Parallel()

	a, engine := newTestAdapter(t)
	engine.ExecHandler = func(argv []string, tty bool) enginetest.Script {
		return enginetest.Script{Stdout: "Geth\nVersion: 1.13.0\n", Stderr: "warning\n", ExitCode: 2}
	}
	ctx := context.Background()
	session, err := a.CreateContainer(ctx, "alpine", "c1", ContainerOptions{})
	if err != nil {
		t.Fatalf("CreateContainer returned error: %v", err)
	}
	if err := a.StartContainer(ctx, session.ContainerID); err != nil {
		t.Fatalf("StartContainer returned error: %v", err)
	}

	stream, err := a.Exec(ctx, session.ContainerID, []string{"geth", "version"}, false)
	if err != nil {
		t.Fatalf("Exec returned error: %v", err)
	}
	var seen []string
	result, err := a.Collect(ctx, stream, func(line string) { seen = append(seen, line) })
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if got, want := result.Lines, []string{"Geth", "Version: 1.13.0", "warning"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected lines: got %q want %q", got, want)
	}
	if !reflect.DeepEqual(seen, result.Lines) {
		t.Fatalf("expected onLine to see every line, got %q", seen)
	}
	if got, want := result.ExitCode, 2; got != want {
		t.Fatalf("unexpected exit code: got %d want %d", got, want)
	}
}

func TestCollectFailsOnExecFailureMarker(t *testing.T) {
	t.Parallel()

	a, engine := newTestAdapter(t)
	engine.ExecHandler = func([]string, bool) enginetest.Script {
		return enginetest.Script{Stdout: "OCI runtime exec failed: exec: \"nope\": executable file not found\r\n"}
	}
	ctx := context.Background()
	session, _ := a.CreateContainer(ctx, "alpine", "c1", ContainerOptions{})
	_ = a.StartContainer(ctx, session.ContainerID)

	stream, err := a.Exec(ctx, session.ContainerID, []string{"nope"}, true)
	if err != nil {
		t.Fatalf("Exec returned error: %v", err)
	}
	_, err = a.Collect(ctx, stream, nil)
	if !errors.Is(err, clienterr.ErrExecFailure) {
		t.Fatalf("expected exec failure, got %v", err)
	}
}

func TestCollectHonoursContextDeadline(t *testing.T) {
	t.Parallel()

	a, engine := newTestAdapter(t)
	engine.ExecHandler = func([]string, bool) enginetest.Script {
		return enginetest.Script{Stdout: "started\n", Hold: true}
	}
	session, _ := a.CreateContainer(context.Background(), "alpine", "c1", ContainerOptions{})
	_ = a.StartContainer(context.Background(), session.ContainerID)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	stream, err := a.Exec(ctx, session.ContainerID, []string{"sleep", "30"}, false)
	if err != nil {
		t.Fatalf("Exec returned error: %v", err)
	}
	result, err := a.Collect(ctx, stream, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if result == nil || len(result.Lines) != 1 || result.Lines[0] != "started" {
		t.Fatalf("expected partial output, got %+v", result)
	}
}

func TestKillExecStopsRunningSession(t *testing.T) {
	t.Parallel()

	a, engine := newTestAdapter(t)
	engine.ExecHandler = func([]string, bool) enginetest.Script {
		return enginetest.Script{Hold: true}
	}
	session, _ := a.CreateContainer(context.Background(), "alpine", "c1", ContainerOptions{})
	_ = a.StartContainer(context.Background(), session.ContainerID)

	stream, err := a.Exec(context.Background(), session.ContainerID, []string{"sleep", "30"}, false)
	if err != nil {
		t.Fatalf("Exec returned error: %v", err)
	}
	defer stream.Close()

	if err := a.KillExec(context.Background(), stream); err != nil {
		t.Fatalf("KillExec returned error: %v", err)
	}
	execs := engine.ExecsFor(session.ContainerID)
	if execs[0].Running {
		t.Fatal("expected session to stop running")
	}
	if got, want := execs[1].Cmd, []string{"kill", "-9", strconv.Itoa(execs[0].Pid)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected kill argv: got %q want %q", got, want)
	}

	// A session that already ended needs no kill.
	if err := a.KillExec(context.Background(), stream); err != nil {
		t.Fatalf("second KillExec returned error: %v", err)
	}
	if got := len(engine.ExecsFor(session.ContainerID)); got != 2 {
		t.Fatalf("expected no further execs, got %d", got)
	}
}

func TestContainerPIDReadsNamespacedPid(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeStatus := func(pid, body string) {
		dir := filepath.Join(root, pid)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "status"), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writeStatus("4242", "Name:\tgeth\nPid:\t4242\nNSpid:\t4242\t17\n")
	writeStatus("4343", "Name:\tgeth\nPid:\t4343\n")

	for _, tc := range []struct {
		hostPID int
		want    int
	}{
		{hostPID: 4242, want: 17},
		{hostPID: 4343, want: 4343},
		{hostPID: 9999, want: 9999},
	} {
		if got := containerPID(root, tc.hostPID); got != tc.want {
			t.Fatalf("containerPID(%d): got %d want %d", tc.hostPID, got, tc.want)
		}
	}
}

func TestPumpStreamsLinesUntilStop(t *testing.T) {
	t.Parallel()

	a, engine := newTestAdapter(t)
	engine.ExecHandler = func([]string, bool) enginetest.Script {
		return enginetest.Script{Stdout: "\x1b[0mIPC endpoint opened url=/root/.ethereum/geth.ipc\r\npartial", Hold: true}
	}
	ctx := context.Background()
	session, _ := a.CreateContainer(ctx, "alpine", "c1", ContainerOptions{})
	_ = a.StartContainer(ctx, session.ContainerID)
	stream, err := a.Exec(ctx, session.ContainerID, []string{"geth"}, true)
	if err != nil {
		t.Fatalf("Exec returned error: %v", err)
	}

	linesCh := make(chan string, 8)
	done := make(chan error, 1)
	go func() {
		done <- a.Pump(ctx, stream, nil, func(line string) { linesCh <- line })
	}()

	select {
	case line := <-linesCh:
		if !strings.HasPrefix(line, "[0mIPC endpoint opened") {
			t.Fatalf("unexpected first line: %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pumped line")
	}

	if err := a.StopContainer(ctx, session.ContainerID); err != nil {
		t.Fatalf("StopContainer returned error: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Pump returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not finish after stop")
	}
	if got := <-linesCh; got != "partial" {
		t.Fatalf("expected trailing partial line on flush, got %q", got)
	}
}

func TestRunUsesFirstArgAsEntrypointAndRemovesContainer(t *testing.T) {
	t.Parallel()

	a, engine := newTestAdapter(t)
	engine.RunHandler = func(cfg container.Config) enginetest.Script {
		return enginetest.Script{Stdout: "hello from run\n", ExitCode: 0}
	}

	result, err := a.Run(context.Background(), "alpine", []string{"echo", "hello", "from", "run"}, RunOptions{Volume: "/work:/shared_data"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got, want := result.Lines, []string{"hello from run"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected lines: got %q want %q", got, want)
	}

	var created enginetest.Container
	for _, c := range engine.Containers {
		created = *c
	}
	if got, want := []string(created.Config.Entrypoint), []string{"echo"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected entrypoint: got %v want %v", got, want)
	}
	if got, want := []string(created.Config.Cmd), []string{"hello", "from", "run"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected cmd: got %v want %v", got, want)
	}
	if !created.Removed {
		t.Fatal("expected run container to be removed")
	}
}

func TestDetectEntryPoint(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t)
	ctx := context.Background()
	session, _ := a.CreateContainer(ctx, "alpine", "c1", ContainerOptions{OverwriteEntrypoint: true})
	got, err := a.DetectEntryPoint(ctx, session.ContainerID)
	if err != nil {
		t.Fatalf("DetectEntryPoint returned error: %v", err)
	}
	if got != "/bin/sh" {
		t.Fatalf("unexpected entry point: got %q want %q", got, "/bin/sh")
	}
}

func TestGetOrCreateImagePullsAndReportsProgress(t *testing.T) {
	t.Parallel()

	a, engine := newTestAdapter(t)
	engine.PullMessages = []string{
		`{"status":"Pulling from ethereum/client-go","id":"stable"}`,
		`{"status":"Downloading","id":"abc","progressDetail":{"current":50,"total":200}}`,
		`{"status":"Download complete","id":"abc"}`,
	}

	var events []backend.ProgressEvent
	imageName, err := a.GetOrCreateImage(context.Background(), "geth", "ethereum/client-go:stable", func(event backend.ProgressEvent) {
		events = append(events, event)
	})
	if err != nil {
		t.Fatalf("GetOrCreateImage returned error: %v", err)
	}
	if imageName != "ethereum/client-go:stable" {
		t.Fatalf("unexpected image name %q", imageName)
	}
	if got, want := engine.Pulled, []string{"ethereum/client-go:stable"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected pulls: got %v want %v", got, want)
	}

	var sawProgress bool
	for _, event := range events {
		if event.Kind == backend.ProgressPullProgress && event.Progress == 25 {
			sawProgress = true
		}
	}
	if !sawProgress {
		t.Fatalf("expected a 25%% progress event, got %+v", events)
	}
	if last := events[len(events)-1]; last.Kind != backend.ProgressPullFinished {
		t.Fatalf("expected final pull finished event, got %+v", last)
	}
}

func TestGetOrCreateImagePullErrorIsResolutionError(t *testing.T) {
	t.Parallel()

	a, engine := newTestAdapter(t)
	engine.PullMessages = []string{`{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}`}
	_, err := a.GetOrCreateImage(context.Background(), "geth", "ethereum/client-go:nope", nil)
	if !errors.Is(err, clienterr.ErrResolution) {
		t.Fatalf("expected resolution error, got %v", err)
	}

	if _, err := a.GetOrCreateImage(context.Background(), "geth", "Not A Valid::Ref", nil); !errors.Is(err, clienterr.ErrResolution) {
		t.Fatalf("expected invalid reference to be a resolution error, got %v", err)
	}
}

func TestGetOrCreateImageBuildsLocalDockerfile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM alpine\n"), 0o644); err != nil {
		t.Fatalf("write Dockerfile: %v", err)
	}
	a, engine := newTestAdapter(t)
	engine.BuildMessages = []string{`{"stream":"Step 1/1 : FROM alpine\n"}`}

	var logs []string
	tag, err := a.GetOrCreateImage(context.Background(), "My Client", dir, func(event backend.ProgressEvent) {
		if event.Kind == backend.ProgressBuildLog {
			logs = append(logs, event.Message)
		}
	})
	if err != nil {
		t.Fatalf("GetOrCreateImage returned error: %v", err)
	}
	if got, want := tag, "clientgrid_my_client"; got != want {
		t.Fatalf("unexpected tag: got %q want %q", got, want)
	}
	if len(engine.Built) != 1 || engine.Built[0].Dockerfile != "Dockerfile" {
		t.Fatalf("unexpected build options: %+v", engine.Built)
	}
	if len(logs) != 1 || logs[0] != "Step 1/1 : FROM alpine" {
		t.Fatalf("unexpected build logs: %q", logs)
	}
}

func TestDoctorReportsMissingSocket(t *testing.T) {
	t.Parallel()

	a := New(Options{Socket: filepath.Join(t.TempDir(), "missing.sock")})
	report, err := a.Doctor(context.Background())
	if err != nil {
		t.Fatalf("Doctor returned error: %v", err)
	}
	if got, want := report.Checks[0].Status, "fail"; got != want {
		t.Fatalf("unexpected socket check status: got %q want %q", got, want)
	}
}
