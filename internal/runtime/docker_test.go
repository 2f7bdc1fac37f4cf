package runtime

import (
	"archive/tar"
	"bytes"
	"hyperstart/pkg/protocol"
	"reflect"
	"syscall"
	"testing"

	"github.com/docker/docker/api/types/container"
)

func TestContainerConfig(t *testing.T) {
	d := &Docker{sharedDir: "/run/hyperstart/shared", network: "none"}

	ct := &protocol.Container{
		ID:      "web",
		Rootfs:  "nginx:alpine",
		Workdir: "/srv",
		Volumes: []protocol.Volume{{Device: "data", Mountpoint: "/data", ReadOnly: true}},
		FsMap:   []protocol.FsMapEntry{{Source: "../conf/nginx.conf", Path: "/etc/nginx/nginx.conf"}},
		Envs:    []protocol.EnvEntry{{Name: "MODE", Value: "prod"}},
		Sysctls: []protocol.SysctlEntry{{Key: "net/core/somaxconn", Value: "1024"}},
		Process: protocol.Process{Seq: 3, Argv: []string{"nginx", "-g", "daemon off;"}},
	}

	config, hostConfig, err := d.containerConfig(ct)
	if err != nil {
		t.Fatalf("containerConfig failed: %v", err)
	}

	if config.Image != "nginx:alpine" {
		t.Errorf("image: got %q, want rootfs fallback %q", config.Image, "nginx:alpine")
	}
	if !config.Tty || !config.OpenStdin || !config.AttachStdin {
		t.Errorf("terminal process should get a tty and stdin: %+v", config)
	}
	if config.WorkingDir != "/srv" {
		t.Errorf("workdir: got %q, want %q", config.WorkingDir, "/srv")
	}
	if want := []string{"MODE=prod", defaultPath}; !reflect.DeepEqual(config.Env, want) {
		t.Errorf("env: got %q, want %q", config.Env, want)
	}

	wantBinds := []string{
		"data:/data:ro",
		"/run/hyperstart/shared/conf/nginx.conf:/etc/nginx/nginx.conf",
	}
	if !reflect.DeepEqual(hostConfig.Binds, wantBinds) {
		t.Errorf("binds: got %q, want %q", hostConfig.Binds, wantBinds)
	}
	if got := hostConfig.Sysctls["net.core.somaxconn"]; got != "1024" {
		t.Errorf("sysctl: got %q, want %q", got, "1024")
	}
	if hostConfig.NetworkMode != container.NetworkMode("none") {
		t.Errorf("network: got %q, want %q", hostConfig.NetworkMode, "none")
	}
}

func TestContainerConfigStreams(t *testing.T) {
	d := &Docker{}

	tests := []struct {
		name      string
		proc      protocol.Process
		wantTty   bool
		wantStdin bool
	}{
		{"no streams", protocol.Process{Argv: []string{"true"}}, false, false},
		{"split streams", protocol.Process{Seq: 1, ErrSeq: 2, Argv: []string{"true"}}, false, true},
		{"terminal", protocol.Process{Seq: 1, Argv: []string{"sh"}}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct := &protocol.Container{ID: "c", Image: "busybox", Process: tt.proc}
			config, hostConfig, err := d.containerConfig(ct)
			if err != nil {
				t.Fatalf("containerConfig failed: %v", err)
			}
			if config.Tty != tt.wantTty {
				t.Errorf("Tty: got %v, want %v", config.Tty, tt.wantTty)
			}
			if config.OpenStdin != tt.wantStdin {
				t.Errorf("OpenStdin: got %v, want %v", config.OpenStdin, tt.wantStdin)
			}
			if hostConfig.NetworkMode != "" {
				t.Errorf("network: got %q, want default", hostConfig.NetworkMode)
			}
			if hostConfig.Sysctls != nil {
				t.Errorf("sysctls: got %v, want nil", hostConfig.Sysctls)
			}
		})
	}
}

func TestContainerConfigErrors(t *testing.T) {
	d := &Docker{}

	if _, _, err := d.containerConfig(&protocol.Container{ID: "c"}); err == nil {
		t.Error("container without image should fail")
	}
	ct := &protocol.Container{ID: "c", Image: "busybox", Envs: []protocol.EnvEntry{{Name: "A=B"}}}
	if _, _, err := d.containerConfig(ct); err == nil {
		t.Error("invalid env name should fail")
	}
}

func TestSignalName(t *testing.T) {
	tests := []struct {
		sig  syscall.Signal
		want string
	}{
		{syscall.SIGKILL, "SIGKILL"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "SIGHUP"},
		{syscall.Signal(200), "200"},
	}

	for _, tt := range tests {
		if got := signalName(tt.sig); got != tt.want {
			t.Errorf("signalName(%d): got %q, want %q", int(tt.sig), got, tt.want)
		}
	}
}

func TestTarFile(t *testing.T) {
	payload := []byte("nameserver 10.0.0.1\n")

	archive, err := tarFile("resolv.conf", payload)
	if err != nil {
		t.Fatalf("tarFile failed: %v", err)
	}
	data, err := untarFile(archive)
	if err != nil {
		t.Fatalf("untarFile failed: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("got %q, want %q", data, payload)
	}

	empty, err := tarFile("empty", nil)
	if err != nil {
		t.Fatalf("tarFile failed: %v", err)
	}
	if data, err := untarFile(empty); err != nil || len(data) != 0 {
		t.Errorf("empty file: got %q, %v", data, err)
	}
}

func TestUntarFileRejects(t *testing.T) {
	if _, err := untarFile(bytes.NewReader(nil)); err == nil {
		t.Error("empty stream should fail")
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Name: "etc/", Typeflag: tar.TypeDir, Mode: 0755})
	tw.Close()
	if _, err := untarFile(&buf); err == nil {
		t.Error("directory entry should fail")
	}
}
