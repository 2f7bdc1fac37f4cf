package agent

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hyperstart/internal/podstate"
	"hyperstart/pkg/protocol"
	"strings"
	"syscall"
	"time"
)

// destroyTimeout bounds how long DESTROYPOD waits for killed containers.
const destroyTimeout = 10 * time.Second

// ErrUnsupported is returned for commands this agent does not implement.
var ErrUnsupported = errors.New("command not supported")

func (s *Server) dispatch(ctx context.Context, msg protocol.Message, entry *AuditEntry) ([]byte, error) {
	dec := s.settings.Load().decoder

	switch msg.Command {
	case protocol.CmdGetVersion:
		return binary.BigEndian.AppendUint32(nil, protocol.APIVersion), nil

	case protocol.CmdPing:
		return nil, nil

	case protocol.CmdStartPod:
		return nil, s.startPod(ctx, dec, msg.Payload)

	case protocol.CmdNewContainer:
		ct, err := dec.Container(msg.Payload)
		if err != nil {
			return nil, err
		}
		entry.Container = ct.ID
		return nil, s.newContainer(ctx, ct)

	case protocol.CmdExecCmd:
		proc, err := dec.Exec(msg.Payload)
		if err != nil {
			return nil, err
		}
		entry.Container, entry.Seq = proc.ContainerID, proc.Seq
		return nil, s.exec(ctx, proc)

	case protocol.CmdKillContainer:
		req, err := dec.Kill(msg.Payload)
		if err != nil {
			return nil, err
		}
		entry.Container = req.ContainerID
		return nil, s.kill(ctx, req)

	case protocol.CmdWinSize:
		ws, err := dec.WinSize(msg.Payload)
		if err != nil {
			return nil, err
		}
		entry.Seq = ws.Seq
		return nil, s.rt.Resize(ctx, ws)

	case protocol.CmdWriteFile:
		req, err := dec.WriteFile(msg.Payload)
		if err != nil {
			return nil, err
		}
		entry.Container = req.ContainerID
		if _, err := s.pods.GetContainer(req.ContainerID); err != nil {
			return nil, err
		}
		return nil, s.rt.WriteFile(ctx, req.ContainerID, req.File, req.Data)

	case protocol.CmdReadFile:
		req, err := dec.ReadFile(msg.Payload)
		if err != nil {
			return nil, err
		}
		entry.Container = req.ContainerID
		if _, err := s.pods.GetContainer(req.ContainerID); err != nil {
			return nil, err
		}
		return s.rt.ReadFile(ctx, req.ContainerID, req.File)

	case protocol.CmdRemoveContainer:
		id := strings.TrimSpace(string(msg.Payload))
		entry.Container = id
		return nil, s.removeContainer(ctx, id)

	case protocol.CmdDestroyPod:
		return nil, s.destroyPod(ctx)

	case protocol.CmdOnlineCPUMem:
		// Hot-plugged resources are onlined by the guest kernel.
		return nil, nil

	case protocol.CmdSetupInterface, protocol.CmdSetupRoute:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, msg.Command)

	default:
		return nil, fmt.Errorf("unexpected command %s", msg.Command)
	}
}

// startPod records the pod and starts the init process of every
// container. It stops at the first container that fails to start.
func (s *Server) startPod(ctx context.Context, dec *protocol.Decoder, data []byte) error {
	spec, err := dec.Pod(data)
	if err != nil {
		return err
	}
	if err := s.pods.SetPod(spec); err != nil {
		return fmt.Errorf("start pod: %w", err)
	}

	for _, ct := range spec.Containers {
		if err := s.createContainer(ctx, ct); err != nil {
			return err
		}
	}

	s.logger.Printf("pod %s started with %d containers", spec.Hostname, len(spec.Containers))
	return nil
}

func (s *Server) newContainer(ctx context.Context, ct *protocol.Container) error {
	if err := s.pods.AddContainer(ct); err != nil {
		return fmt.Errorf("add container: %w", err)
	}
	if err := s.createContainer(ctx, ct); err != nil {
		s.pods.RemoveContainer(ct.ID)
		return err
	}
	return nil
}

// createContainer starts a container already recorded in the pod state.
func (s *Server) createContainer(ctx context.Context, ct *protocol.Container) error {
	st, err := s.pods.GetContainer(ct.ID)
	if err != nil {
		return err
	}

	s.watchExit(ct.ID)
	runtimeID, err := s.rt.CreateContainer(ctx, ct, st.RootPath)
	if err != nil {
		s.forgetExit(ct.ID)
		return fmt.Errorf("create container %s: %w", ct.ID, err)
	}

	return s.pods.MarkRunning(ct.ID, runtimeID)
}

func (s *Server) exec(ctx context.Context, proc *protocol.Process) error {
	if proc.ContainerID != "" {
		if _, err := s.pods.GetContainer(proc.ContainerID); err != nil {
			return err
		}
	}
	return s.rt.Exec(ctx, proc)
}

func (s *Server) kill(ctx context.Context, req *protocol.KillRequest) error {
	if _, err := s.pods.GetContainer(req.ContainerID); err != nil {
		return err
	}
	return s.rt.Signal(ctx, req.ContainerID, req.Signal)
}

func (s *Server) removeContainer(ctx context.Context, id string) error {
	if _, err := s.pods.GetContainer(id); err != nil {
		return err
	}
	if err := s.rt.RemoveContainer(ctx, id); err != nil {
		return err
	}
	s.forgetExit(id)
	return s.pods.RemoveContainer(id)
}

// destroyPod kills every container, waits for them to exit, removes them
// from the runtime and forgets the pod. Destroying without a pod succeeds.
func (s *Server) destroyPod(ctx context.Context) error {
	containers := s.pods.ListContainers()

	for _, st := range containers {
		if st.Status != podstate.StatusRunning {
			continue
		}
		if err := s.rt.Signal(ctx, st.ID, syscall.SIGKILL); err != nil {
			s.logger.Printf("warning: kill %s: %v", st.ID, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, destroyTimeout)
	defer cancel()
	for _, st := range containers {
		if st.Status == podstate.StatusCreated {
			continue
		}
		select {
		case <-s.exited(st.ID):
		case <-ctx.Done():
			return fmt.Errorf("destroy pod: container %s did not exit: %w", st.ID, ctx.Err())
		}
		if err := s.rt.RemoveContainer(ctx, st.ID); err != nil {
			s.logger.Printf("warning: remove %s: %v", st.ID, err)
		}
	}

	s.exitMu.Lock()
	s.exits = make(map[string]chan struct{})
	s.exitMu.Unlock()
	s.pods.Reset()
	return nil
}
